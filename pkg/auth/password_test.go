package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	parts := strings.SplitN(hash, "$", 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 32, "hex-encoded 16-byte salt")
	assert.Len(t, parts[1], 64, "hex-encoded SHA-256 digest")

	assert.True(t, VerifyPassword("s3cret", hash))
	assert.False(t, VerifyPassword("S3cret", hash))
	assert.False(t, VerifyPassword("", hash))
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	a, err := HashPassword("same")
	require.NoError(t, err)
	b, err := HashPassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, VerifyPassword("same", a))
	assert.True(t, VerifyPassword("same", b))
}

func TestVerifyPassword_MalformedStoredHash(t *testing.T) {
	assert.False(t, VerifyPassword("anything", ""))
	assert.False(t, VerifyPassword("anything", "no-separator"))
	assert.False(t, VerifyPassword("anything", "salt$"))
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, PrincipalFromContext(ctx))

	alice := &Principal{Username: "alice", IsAdmin: true}
	ctx = WithPrincipal(ctx, alice)
	got := PrincipalFromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.IsAdmin)
}
