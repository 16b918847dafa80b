package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Argon2idParams {
	// Cheap parameters keep the test fast while exercising the real codec.
	return Argon2idParams{
		MemoryKiB:   8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("correct horse battery", testParams())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := VerifyPassword(hash, "correct horse battery")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hash, "wrong password!")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	t.Parallel()

	h1, err := HashPassword("repeatable input", testParams())
	require.NoError(t, err)
	h2, err := HashPassword("repeatable input", testParams())
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashPasswordLengthBounds(t *testing.T) {
	t.Parallel()

	_, err := HashPassword("short", testParams())
	assert.Error(t, err)

	_, err = HashPassword(strings.Repeat("x", 257), testParams())
	assert.Error(t, err)
}

func TestVerifyPasswordRejectsMalformedHashes(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"!",
		"not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$AAAA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$AAAA",
		// Pathological cost parameters must be refused, not computed.
		"$argon2id$v=19$m=99999999,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	}
	for _, encoded := range cases {
		ok, err := VerifyPassword(encoded, "whatever password")
		assert.ErrorIs(t, err, ErrInvalidHash, "hash: %q", encoded)
		assert.False(t, ok)
	}
}
