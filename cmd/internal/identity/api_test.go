package identity

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()

	store := NewInMemoryStore()
	tokens, err := NewTokenManager(testSecret(), "coopchat-test", time.Hour)
	require.NoError(t, err)

	h := NewHandler(slog.New(slog.DiscardHandler), store, tokens, NewProvider(store, tokens))
	// Cheap hashing keeps the HTTP tests fast.
	h.params = testParams()

	mux := http.NewServeMux()
	h.Register(mux)
	return h, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, mux *http.ServeMux, username string) int64 {
	t.Helper()

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "long enough password",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.ID
}

func loginUser(t *testing.T, mux *http.ServeMux, username string) string {
	t.Helper()

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username,
		"password": "long enough password",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "bearer", out.TokenType)
	return out.AccessToken
}

func TestRegisterLoginMe(t *testing.T) {
	t.Parallel()

	_, mux := newTestAPI(t)

	id := registerUser(t, mux, "alice")
	require.Positive(t, id)

	token := loginUser(t, mux, "alice")

	rec := doJSON(t, mux, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, id, me.ID)
	assert.Equal(t, "alice", me.Username)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, mux := newTestAPI(t)
	registerUser(t, mux, "alice")

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice",
		"email":    "other@example.com",
		"password": "long enough password",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Username already registered")
}

func TestRegisterValidatesInput(t *testing.T) {
	t.Parallel()

	_, mux := newTestAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "ab", // too short
		"email":    "not-an-email",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginUniformFailureResponses(t *testing.T) {
	t.Parallel()

	_, mux := newTestAPI(t)
	registerUser(t, mux, "alice")

	unknown := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "nobody",
		"password": "long enough password",
	})
	wrongPass := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice",
		"password": "wrong password here",
	})

	// Unknown user and wrong password must be indistinguishable.
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, http.StatusUnauthorized, wrongPass.Code)
	assert.Equal(t, unknown.Body.String(), wrongPass.Body.String())
}

func TestMeRequiresAuth(t *testing.T) {
	t.Parallel()

	_, mux := newTestAPI(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/auth/me", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearchExcludesSelfAndShortQueries(t *testing.T) {
	t.Parallel()

	_, mux := newTestAPI(t)
	registerUser(t, mux, "alice")
	registerUser(t, mux, "alicia")
	registerUser(t, mux, "bob")

	token := loginUser(t, mux, "alice")

	rec := doJSON(t, mux, http.MethodGet, "/api/users/search?query=ali", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []struct {
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "alicia", out[0].Username)

	// Sub-2-char queries return an empty list instead of scanning everyone.
	rec = doJSON(t, mux, http.MethodGet, "/api/users/search?query=a", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestLoginAcceptsEmailIdentifier(t *testing.T) {
	t.Parallel()

	_, mux := newTestAPI(t)
	registerUser(t, mux, "carol")

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "carol@example.com",
		"password": "long enough password",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out.AccessToken)

	// Unknown emails fail with the same body as a wrong password.
	rec = doJSON(t, mux, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "nobody@example.com",
		"password": "long enough password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incorrect username or password")
}
