package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumIsDeterministic(t *testing.T) {
	h := NewHasher(nil)
	a := h.Checksum([]byte("config: v1"))
	b := h.Checksum([]byte("config: v1"))
	c := h.Checksum([]byte("config: v2"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestVerifyChecksum(t *testing.T) {
	h := NewHasher(nil)
	sum := h.Checksum([]byte("payload"))

	ok, err := h.VerifyChecksum([]byte("payload"), sum)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyChecksum([]byte("tampered"), sum)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.VerifyChecksum([]byte("payload"), "zz")
	assert.ErrorIs(t, err, ErrInvalidChecksum)
}

func TestActorDigestIsKeyed(t *testing.T) {
	a := NewHasher([]byte("key-a"))
	b := NewHasher([]byte("key-b"))

	da, err := a.ActorDigest("user-1")
	require.NoError(t, err)
	again, err := a.ActorDigest("user-1")
	require.NoError(t, err)
	db, err := b.ActorDigest("user-1")
	require.NoError(t, err)

	assert.Equal(t, da, again)
	assert.NotEqual(t, da, db)
	assert.Len(t, da, 32)

	empty, err := a.ActorDigest("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
