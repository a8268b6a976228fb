// Package chat signs users in with the workspace chat provider (Slack
// OpenID Connect). A chat login resolves the account by email, creating it
// when needed, grants chat_member and issues the same session cookie as the
// identity-vault login.
//
// The chat routes are gated by the enable-platform feature flag.
package chat

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Slack OpenID Connect endpoints.
const (
	AuthURL  = "https://slack.com/openid/connect/authorize"
	TokenURL = "https://slack.com/api/openid.connect.token"
)

// subjectPrefix is stripped from the id_token subject to get the user id.
const subjectPrefix = "https://slack.com/user_id/"

// Scopes requested on every authorization.
var Scopes = []string{"openid", "email", "profile"}

// Claims are the id_token claims the login uses.
type Claims struct {
	jwt.RegisteredClaims

	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`

	// UserID and TeamID are Slack's namespaced claims.
	UserID string `json:"https://slack.com/user_id"`
	TeamID string `json:"https://slack.com/team_id"`
}

// ChatID returns the Slack user id, preferring the namespaced claim.
func (c *Claims) ChatID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return strings.TrimPrefix(c.Subject, subjectPrefix)
}

// FirstName is the given name, or the display name when there is none.
func (c *Claims) FirstName() string {
	if c.GivenName != "" {
		return c.GivenName
	}
	return c.Name
}
