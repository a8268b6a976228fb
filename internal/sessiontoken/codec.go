// Package sessiontoken turns an internal account id into the opaque value
// stored in the session cookie and back. It is the only thing standing
// between an HTTP request and "this browser logged in as account X", so
// decoding never succeeds on input it did not produce.
//
// Token format: hex(iv) ":" hex(ciphertext || tag). The ciphertext is
// AES-256-CBC with PKCS#7 padding under the shared 32-byte key; the tag is
// HMAC-SHA256 over iv||ciphertext under a MAC key derived from the same
// secret with HKDF (encrypt-then-MAC).
package sessiontoken

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

const (
	// KeySize is the required length of the shared key (AES-256).
	KeySize = 32

	// Delimiter separates the IV from the ciphertext.
	Delimiter = ":"

	ivSize  = aes.BlockSize
	tagSize = sha256.Size
)

// macInfo scopes the derived MAC key so it cannot collide with other keys
// derived from the same secret.
var macInfo = []byte("buildboard session token mac v1")

// Codec encodes and decodes session tokens. It is safe for concurrent use.
type Codec struct {
	block  cipher.Block
	macKey []byte
	rand   io.Reader
}

// New creates a codec from a raw 32-byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	macKey, err := DeriveKey(key, macInfo, sha256.Size)
	if err != nil {
		return nil, fmt.Errorf("deriving mac key: %w", err)
	}

	return &Codec{block: block, macKey: macKey, rand: rand.Reader}, nil
}

// NewFromHex creates a codec from the 64-character hex form used in config.
func NewFromHex(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("session key is not valid hex: %w", err)
	}
	return New(key)
}

// DeriveKey expands secret into an independent subkey for the given purpose.
// Other packages (the OAuth state cookie signer) use it so one configured
// secret never serves two roles directly.
func DeriveKey(secret, info []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode encrypts id under a fresh random IV. Two calls with the same id
// return different tokens.
func (c *Codec) Encode(id string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	plaintext := pad([]byte(id))
	ciphertext := make([]byte, len(plaintext), len(plaintext)+tagSize)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, plaintext)

	sealed := append(ciphertext, c.tag(iv, ciphertext)...)
	return hex.EncodeToString(iv) + Delimiter + hex.EncodeToString(sealed), nil
}

// Decode reverses Encode. A token that is not exactly two hex fields fails
// with apperror.ErrMalformedToken; anything that does not authenticate,
// decrypt and un-pad fails with apperror.ErrDecryptionFailed.
func (c *Codec) Decode(token string) (string, error) {
	parts := strings.Split(token, Delimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: expected 2 fields, got %d", apperror.ErrMalformedToken, len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("%w: bad iv field", apperror.ErrMalformedToken)
	}
	sealed, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext field", apperror.ErrMalformedToken)
	}

	if len(sealed) < aes.BlockSize+tagSize || (len(sealed)-tagSize)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: truncated ciphertext", apperror.ErrDecryptionFailed)
	}

	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	if !hmac.Equal(tag, c.tag(iv, ciphertext)) {
		return "", fmt.Errorf("%w: authentication failed", apperror.ErrDecryptionFailed)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)

	id, ok := unpad(plaintext)
	if !ok {
		return "", fmt.Errorf("%w: bad padding", apperror.ErrDecryptionFailed)
	}
	if !utf8.Valid(id) {
		return "", fmt.Errorf("%w: plaintext is not utf-8", apperror.ErrDecryptionFailed)
	}

	return string(id), nil
}

func (c *Codec) tag(iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// pad applies PKCS#7 padding to a full block.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips PKCS#7 padding, checking the whole final block in constant
// time with respect to the padding value.
func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, false
	}

	n := int(b[len(b)-1])
	good := subtle.ConstantTimeLessOrEq(1, n) & subtle.ConstantTimeLessOrEq(n, aes.BlockSize)

	start := subtle.ConstantTimeSelect(good, aes.BlockSize-n, 0)
	last := b[len(b)-aes.BlockSize:]
	for i := 0; i < aes.BlockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(start, i)
		match := subtle.ConstantTimeByteEq(last[i], byte(n))
		// Bytes inside the padding run must equal n.
		good &= subtle.ConstantTimeSelect(inPad, match, 1)
	}

	if good != 1 {
		return nil, false
	}
	return b[:len(b)-n], true
}
