// Package token mints and verifies the opaque credentials used by devices:
// single-use enroll tokens and long-lived device bearer tokens. Raw tokens
// are returned exactly once at mint time; only an HMAC-SHA256 of the token
// (keyed with a server-side pepper) is ever persisted.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// Kind selects the transport prefix for a minted token.
type Kind string

const (
	KindEnroll Kind = "enroll"
	KindDevice Kind = "device"
)

// VerifyResult classifies a token lookup.
type VerifyResult string

const (
	Valid    VerifyResult = "valid"
	Expired  VerifyResult = "expired"
	Revoked  VerifyResult = "revoked"
	NotFound VerifyResult = "not_found"
	Used     VerifyResult = "used"
)

// PrefixLen is how many characters of the raw token are kept for display in
// admin listings. Short enough to be useless for guessing.
const PrefixLen = 8

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Service mints tokens and computes their storage hashes.
type Service struct {
	pepper []byte
}

// NewService creates a token service. The pepper is a process-wide secret;
// it must never be logged or exposed.
func NewService(pepper string) *Service {
	return &Service{pepper: []byte(pepper)}
}

// Mint generates a 32-byte random token and returns its transport encoding
// together with the hash to store and the display prefix.
func (s *Service) Mint(kind Kind) (raw, hash, prefix string, err error) {
	var buf [32]byte
	if _, err = rand.Read(buf[:]); err != nil {
		return "", "", "", fmt.Errorf("mint token: %w", err)
	}

	body := strings.ToLower(encoding.EncodeToString(buf[:]))
	switch kind {
	case KindEnroll:
		raw = "ble_" + body
	case KindDevice:
		raw = "blt_" + body
	default:
		return "", "", "", fmt.Errorf("unknown token kind %q", kind)
	}

	return raw, s.Hash(raw), Prefix(raw), nil
}

// Hash returns hex(HMAC-SHA256(pepper, raw)). Lookup is by hash equality,
// so the database never sees token plaintext.
func (s *Service) Hash(raw string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashAdminKey hashes an admin key for audit attribution. A domain
// separator keeps admin-key hashes from colliding with token hashes.
func (s *Service) HashAdminKey(key string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte("admin:"))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares a raw token against a stored hash in constant time.
func (s *Service) Matches(raw, storedHash string) bool {
	return hmac.Equal([]byte(s.Hash(raw)), []byte(storedHash))
}

// AdminKeyMatches compares a presented admin key against the configured one.
// Both sides are hashed first so the comparison is constant time regardless
// of key length.
func (s *Service) AdminKeyMatches(presented, configured string) bool {
	return hmac.Equal([]byte(s.HashAdminKey(presented)), []byte(s.HashAdminKey(configured)))
}

// Prefix returns the display prefix for a raw token.
func Prefix(raw string) string {
	if len(raw) <= PrefixLen {
		return raw
	}
	return raw[:PrefixLen]
}
