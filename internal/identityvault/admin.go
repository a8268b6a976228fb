package identityvault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	lzstring "github.com/daku10/go-lz-string"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

// ErrNoProgramKey is returned by the admin calls when no program key is
// configured.
var ErrNoProgramKey = errors.New("identity vault: program key is not configured")

// The calls below use the program-wide key and return or modify personal
// data. They must only be reachable from admin-protected routes.

// GetIdentity fetches any identity by id.
func (c *Client) GetIdentity(ctx context.Context, identityID string) (*Identity, error) {
	if c.programKey == "" {
		return nil, ErrNoProgramKey
	}
	path := "/api/v1/identities/" + url.PathEscape(identityID)
	body, err := c.request(ctx, "GetIdentity", http.MethodGet, path, c.programKey, nil, "")
	if err != nil {
		return nil, err
	}
	var out Identity
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding identity: %v", apperror.ErrUpstreamRejected, err)
	}
	return &out, nil
}

// SetChatID records the chat-platform id on an identity.
func (c *Client) SetChatID(ctx context.Context, identityID, chatID string) error {
	if c.programKey == "" {
		return ErrNoProgramKey
	}
	payload, err := json.Marshal(map[string]string{"slack_id": chatID})
	if err != nil {
		return fmt.Errorf("encoding set_slack_id body: %w", err)
	}
	path := "/api/v1/identities/" + url.PathEscape(identityID) + "/set_slack_id"
	_, err = c.request(ctx, "SetChatID", http.MethodPost, path, c.programKey, bytes.NewReader(payload), "application/json")
	return err
}

// AddressCreationURL returns the provider page where a user adds a postal
// address, carrying optional stash data back to the program.
func (c *Client) AddressCreationURL(stash map[string]any) string {
	u := c.host + "/addresses/program_create_address"
	if stash == nil {
		return u
	}
	encoded, err := EncodeStash(stash)
	if err != nil {
		return u
	}
	return u + "?" + url.Values{"stash_data": {encoded}}.Encode()
}

// EncodeStash renders stash data the way the provider expects it: the JSON
// is lz-string compressed to UTF-16, and the UTF-16LE bytes of that are
// base64url encoded without padding.
func EncodeStash(data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	units, err := lzstring.CompressToUTF16(string(raw))
	if err != nil {
		return "", fmt.Errorf("compressing stash data: %w", err)
	}
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeStash reverses EncodeStash.
func DecodeStash(s string) (map[string]any, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding stash data: %w", err)
	}
	if len(buf)%2 != 0 {
		return nil, errors.New("decoding stash data: odd byte length")
	}
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	raw, err := lzstring.DecompressFromUTF16(units)
	if err != nil {
		return nil, fmt.Errorf("decompressing stash data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding stash data: %w", err)
	}
	return out, nil
}
