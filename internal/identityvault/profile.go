package identityvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

// VerificationStatus is the provider's verdict on an identity.
type VerificationStatus string

const (
	StatusNeedsSubmission VerificationStatus = "needs_submission"
	StatusPending         VerificationStatus = "pending"
	StatusVerified        VerificationStatus = "verified"
	StatusIneligible      VerificationStatus = "ineligible"
)

// Address is a postal address on an identity.
type Address struct {
	Line1       string `json:"line_1,omitempty"`
	Line2       string `json:"line_2,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
}

// Identity is the canonical identity record (GET /api/v1/me and the admin
// identity endpoint).
type Identity struct {
	ID                 string             `json:"id"`
	PrimaryEmail       string             `json:"primary_email"`
	FirstName          string             `json:"first_name,omitempty"`
	LastName           string             `json:"last_name,omitempty"`
	PhoneNumber        string             `json:"phone_number,omitempty"`
	Birthday           string             `json:"birthday,omitempty"`
	SlackID            string             `json:"slack_id,omitempty"`
	Addresses          []Address          `json:"addresses,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	YSWSEligible       *bool              `json:"ysws_eligible,omitempty"`
}

// UserInfo is the OIDC userinfo record (GET /oauth/userinfo).
type UserInfo struct {
	Sub                string             `json:"sub"`
	Name               string             `json:"name,omitempty"`
	GivenName          string             `json:"given_name,omitempty"`
	FamilyName         string             `json:"family_name,omitempty"`
	Email              string             `json:"email,omitempty"`
	EmailVerified      bool               `json:"email_verified,omitempty"`
	SlackID            string             `json:"slack_id,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	YSWSEligible       *bool              `json:"ysws_eligible,omitempty"`
}

type meResponse struct {
	Identity Identity `json:"identity"`
}

// Profile is the merged per-login view of the caller. It is built for one
// callback and never cached.
type Profile struct {
	IdentityID         string
	PrimaryEmail       string
	FirstName          string
	LastName           string
	Phone              string
	Birthday           string
	ChatID             string
	Addresses          []Address
	VerificationStatus VerificationStatus
	YSWSEligible       bool

	// AccessToken is the vault token, forwarded to the store when linking.
	AccessToken string
}

// FirstAddress returns the first address or nil.
func (p *Profile) FirstAddress() *Address {
	if len(p.Addresses) == 0 {
		return nil
	}
	return &p.Addresses[0]
}

// Country returns the country code of the first address, if any.
func (p *Profile) Country() string {
	if a := p.FirstAddress(); a != nil {
		return a.CountryCode
	}
	return ""
}

// Me fetches the canonical identity for accessToken.
func (c *Client) Me(ctx context.Context, accessToken string) (*Identity, error) {
	if accessToken == "" {
		return nil, errors.New("identity vault: access token is required")
	}
	body, err := c.request(ctx, "Me", http.MethodGet, "/api/v1/me", accessToken, nil, "")
	if err != nil {
		return nil, err
	}
	var out meResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding identity: %v", apperror.ErrUpstreamRejected, err)
	}
	if out.Identity.ID == "" {
		return nil, fmt.Errorf("%w: identity response has no id", apperror.ErrUpstreamRejected)
	}
	return &out.Identity, nil
}

// UserInfo fetches the OIDC userinfo record for accessToken.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if accessToken == "" {
		return nil, errors.New("identity vault: access token is required")
	}
	body, err := c.request(ctx, "UserInfo", http.MethodGet, "/oauth/userinfo", accessToken, nil, "")
	if err != nil {
		return nil, err
	}
	var out UserInfo
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding userinfo: %v", apperror.ErrUpstreamRejected, err)
	}
	return &out, nil
}

// FetchProfile fetches the identity and userinfo records concurrently and
// merges them. Either failure cancels the other fetch.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var (
		identity *Identity
		info     *UserInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		identity, err = c.Me(gctx, accessToken)
		return err
	})
	g.Go(func() error {
		var err error
		info, err = c.UserInfo(gctx, accessToken)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p := MergeProfile(identity, info)
	p.AccessToken = accessToken
	return p, nil
}

// MergeProfile combines the two provider records. Userinfo wins for
// verification status, eligibility and given/family name; the identity
// record supplies everything else.
func MergeProfile(identity *Identity, info *UserInfo) *Profile {
	if info == nil {
		info = &UserInfo{}
	}
	p := &Profile{
		IdentityID:         identity.ID,
		PrimaryEmail:       identity.PrimaryEmail,
		FirstName:          firstNonEmpty(info.GivenName, identity.FirstName),
		LastName:           firstNonEmpty(info.FamilyName, identity.LastName),
		Phone:              identity.PhoneNumber,
		Birthday:           identity.Birthday,
		ChatID:             firstNonEmpty(identity.SlackID, info.SlackID),
		Addresses:          identity.Addresses,
		VerificationStatus: VerificationStatus(firstNonEmpty(string(info.VerificationStatus), string(identity.VerificationStatus))),
	}

	switch {
	case info.YSWSEligible != nil:
		p.YSWSEligible = *info.YSWSEligible
	case identity.YSWSEligible != nil:
		p.YSWSEligible = *identity.YSWSEligible
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
