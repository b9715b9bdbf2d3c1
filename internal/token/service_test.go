package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintDeviceToken(t *testing.T) {
	svc := NewService("test-pepper")

	raw, hash, prefix, err := svc.Mint(KindDevice)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "blt_"))
	assert.Equal(t, raw[:PrefixLen], prefix)
	assert.Len(t, hash, 64) // hex-encoded SHA-256
	assert.NotContains(t, hash, raw, "stored hash must not embed the raw token")
	assert.NotEqual(t, raw, hash)
}

func TestMintEnrollToken(t *testing.T) {
	svc := NewService("test-pepper")

	raw, _, _, err := svc.Mint(KindEnroll)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "ble_"))
}

func TestMintUnknownKind(t *testing.T) {
	svc := NewService("test-pepper")
	_, _, _, err := svc.Mint(Kind("bogus"))
	assert.Error(t, err)
}

func TestTokenOpacityAndVerification(t *testing.T) {
	svc := NewService("test-pepper")

	raw, hash, _, err := svc.Mint(KindDevice)
	require.NoError(t, err)

	assert.True(t, svc.Matches(raw, hash))

	// Same prefix, different suffix must not verify.
	forged := raw[:len(raw)-1] + "x"
	if forged == raw {
		forged = raw[:len(raw)-1] + "y"
	}
	assert.Equal(t, raw[:PrefixLen], forged[:PrefixLen])
	assert.False(t, svc.Matches(forged, hash))
}

func TestHashDependsOnPepper(t *testing.T) {
	a := NewService("pepper-a")
	b := NewService("pepper-b")
	assert.NotEqual(t, a.Hash("blt_same"), b.Hash("blt_same"))
}

func TestMintsAreUnique(t *testing.T) {
	svc := NewService("test-pepper")
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		raw, _, _, err := svc.Mint(KindDevice)
		require.NoError(t, err)
		require.False(t, seen[raw])
		seen[raw] = true
	}
}

func TestAdminKeyMatches(t *testing.T) {
	svc := NewService("test-pepper")

	assert.True(t, svc.AdminKeyMatches("secret", "secret"))
	assert.False(t, svc.AdminKeyMatches("secre", "secret"))
	assert.False(t, svc.AdminKeyMatches("", "secret"))
}

func TestAdminKeyHashIsDomainSeparated(t *testing.T) {
	svc := NewService("test-pepper")
	// The same string hashed as a token and as an admin key must differ.
	assert.NotEqual(t, svc.Hash("value"), svc.HashAdminKey("value"))
}

func TestPrefixShortToken(t *testing.T) {
	assert.Equal(t, "abc", Prefix("abc"))
	assert.Equal(t, "blt_abcd", Prefix("blt_abcdefgh"))
}
