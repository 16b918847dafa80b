package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestTokenManagerIssueAndVerify(t *testing.T) {
	t.Parallel()

	m, err := NewTokenManager(testSecret(), "coopchat-test", time.Hour)
	require.NoError(t, err)

	now := time.Now().UTC()
	token, exp, err := m.Issue(42, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), exp, time.Second)

	userID, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestTokenManagerRejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewTokenManager([]byte("too short"), "coopchat-test", time.Hour)
	assert.Error(t, err)
}

func TestTokenManagerRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	m, err := NewTokenManager(testSecret(), "coopchat-test", time.Minute)
	require.NoError(t, err)

	token, _, err := m.Issue(7, time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.Error(t, err)
}

func TestTokenManagerRejectsForeignSignature(t *testing.T) {
	t.Parallel()

	issuer, err := NewTokenManager(testSecret(), "coopchat-test", time.Hour)
	require.NoError(t, err)
	verifier, err := NewTokenManager([]byte("ffffffffffffffffffffffffffffffff"), "coopchat-test", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.Issue(7, time.Now().UTC())
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestTokenManagerRejectsGarbage(t *testing.T) {
	t.Parallel()

	m, err := NewTokenManager(testSecret(), "coopchat-test", time.Hour)
	require.NoError(t, err)

	for _, token := range []string{"", "abc", "a.b.c"} {
		_, err := m.Verify(token)
		assert.Error(t, err, "token: %q", token)
	}
}
