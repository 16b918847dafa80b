package identity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Handler exposes the auth HTTP API: register, login, me, and user search.
type Handler struct {
	log      *slog.Logger
	store    Store
	tokens   *TokenManager
	provider *Provider
	validate *validator.Validate
	params   Argon2idParams
}

// NewHandler constructs the auth API handler.
func NewHandler(log *slog.Logger, store Store, tokens *TokenManager, provider *Provider) *Handler {
	return &Handler{
		log:      log,
		store:    store,
		tokens:   tokens,
		provider: provider,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		params:   DefaultArgon2idParams(),
	}
}

// Register mounts the auth routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/register", h.handleRegister)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("GET /api/auth/me", h.handleMe)
	mux.HandleFunc("GET /api/users/search", h.handleSearch)
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=256"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type userResponse struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func toUserResponse(u User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	hashed, err := HashPassword(req.Password, h.params)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.store.CreateUser(r.Context(), strings.TrimSpace(req.Username), strings.TrimSpace(req.Email), hashed)
	switch {
	case errors.Is(err, ErrUsernameTaken):
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	case errors.Is(err, ErrEmailTaken):
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	case err != nil:
		h.log.Error("auth.register.fail", "err", err)
		writeDetail(w, http.StatusInternalServerError, "registration failed")
		return
	}

	h.log.Info("auth.register", "user_id", u.ID, "username", u.Username)
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	identifier := strings.TrimSpace(req.Username)
	u, err := h.store.UserByUsername(r.Context(), identifier)
	if err != nil && strings.Contains(identifier, "@") {
		u, err = h.store.UserByEmail(r.Context(), identifier)
	}
	if err != nil {
		// Same response as a wrong password so accounts cannot be probed.
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	ok, err := VerifyPassword(u.HashedPassword, req.Password)
	if err != nil || !ok {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	token, _, err := h.tokens.Issue(u.ID, time.Now().UTC())
	if err != nil {
		h.log.Error("auth.login.token.fail", "err", err)
		writeDetail(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.log.Info("auth.login", "user_id", u.ID)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := h.RequireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	u, ok := h.RequireAuth(w, r)
	if !ok {
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if len(query) < 2 {
		writeJSON(w, http.StatusOK, []userResponse{})
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}

	users, err := h.store.SearchUsers(r.Context(), query, u.ID, limit)
	if err != nil {
		h.log.Error("auth.search.fail", "err", err)
		writeDetail(w, http.StatusInternalServerError, "search failed")
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, su := range users {
		out = append(out, toUserResponse(su))
	}
	writeJSON(w, http.StatusOK, out)
}

// RequireAuth resolves the request's bearer token to a user, writing a 401
// and returning ok=false when the credential is missing or invalid.
func (h *Handler) RequireAuth(w http.ResponseWriter, r *http.Request) (User, bool) {
	token := BearerToken(r)
	if token == "" {
		writeDetail(w, http.StatusUnauthorized, "Invalid authentication credentials")
		return User{}, false
	}

	u, err := h.provider.IdentityFromCredential(r.Context(), token)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid authentication credentials")
		return User{}, false
	}
	return u, true
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	const prefix = "bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(prefix):])
}

// ---- JSON helpers ----

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes the {"detail": ...} error shape the web client expects.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
