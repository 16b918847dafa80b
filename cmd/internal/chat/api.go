package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"coopchat/cmd/internal/identity"
	v1 "coopchat/shared/contracts/chat/v1"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const (
	defaultAIChatName = "AI Chat"
	aiChatGreeting    = "Hello! I'm your AI assistant. How can I help you today?"

	defaultMessagesLimit = 50
	maxMessagesLimit     = 200
)

// Authenticator resolves a request to an authenticated user.
// Satisfied by *identity.Handler.
type Authenticator interface {
	RequireAuth(w http.ResponseWriter, r *http.Request) (identity.User, bool)
}

// Notifier pushes events to online users. Satisfied by the realtime registry.
// Offline users simply miss the notification; persisted state is authoritative.
type Notifier interface {
	Broadcast(chatID int64, ev v1.Event, excludeConnectionID string)
	Notify(userID int64, ev v1.Event)
	NotifyMany(userIDs []int64, ev v1.Event)
}

// Reads maintains read cursors and receipts. Satisfied by the realtime read tracker.
type Reads interface {
	MarkRead(ctx context.Context, chatID, userID int64, now time.Time) error
	ReceiptsForChat(ctx context.Context, chatID int64) (map[int64][]Receipt, error)
}

// Handler exposes the chat HTTP API: chat CRUD, invites, messages, and read state.
type Handler struct {
	log      *slog.Logger
	store    Store
	users    UserDirectory
	auth     Authenticator
	notifier Notifier
	reads    Reads
	validate *validator.Validate

	// botUserID participates in AI chats so the assistant shows up in rosters.
	botUserID int64
}

// NewHandler constructs the chat API handler.
func NewHandler(log *slog.Logger, store Store, users UserDirectory, auth Authenticator, notifier Notifier, reads Reads, botUserID int64) *Handler {
	return &Handler{
		log:       log,
		store:     store,
		users:     users,
		auth:      auth,
		notifier:  notifier,
		reads:     reads,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		botUserID: botUserID,
	}
}

// Register mounts the chat routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chats", h.handleCreateChat)
	mux.HandleFunc("GET /api/chats", h.handleListChats)
	mux.HandleFunc("GET /api/chats/{id}", h.handleGetChat)
	mux.HandleFunc("POST /api/chats/{id}/invite", h.handleInvite)
	mux.HandleFunc("GET /api/chats/{id}/messages", h.handleListMessages)
	mux.HandleFunc("GET /api/chats/{id}/participants", h.handleListParticipants)
	mux.HandleFunc("POST /api/chats/{id}/mark-read", h.handleMarkRead)
	mux.HandleFunc("GET /api/chats/{id}/read-receipts", h.handleReadReceipts)
}

type createChatRequest struct {
	Name           string  `json:"name" validate:"max=128"`
	IsGroup        bool    `json:"is_group"`
	ParticipantIDs []int64 `json:"participant_ids" validate:"max=100,dive,gt=0"`
	IsAIChat       bool    `json:"is_ai_chat"`

	// Usernames are resolved best-effort: unknown names are skipped.
	ParticipantUsernames []string `json:"participant_usernames" validate:"max=100,dive,min=1,max=64"`
}

type inviteRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type chatResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

type chatSummaryResponse struct {
	chatResponse
	UnreadCount     int        `json:"unread_count"`
	LastMessage     *string    `json:"last_message"`
	LastMessageTime *time.Time `json:"last_message_time"`
}

type messageResponse struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	UserID    *int64    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	IsBot     bool      `json:"is_bot"`
	CreatedAt time.Time `json:"created_at"`
}

type participantResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type receiptResponse struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	ReadAt   time.Time `json:"read_at"`
}

func toChatResponse(c Chat) chatResponse {
	return chatResponse{ID: c.ID, Name: c.Name, OwnerID: c.OwnerID, IsGroup: c.IsGroup, CreatedAt: c.CreatedAt}
}

func toMessageResponse(m Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		ChatID:    m.ChatID,
		UserID:    m.UserID,
		Username:  m.Username,
		Content:   m.Content,
		IsBot:     m.IsBot,
		CreatedAt: m.CreatedAt,
	}
}

func toWireChat(c Chat) *v1.Chat {
	return &v1.Chat{ID: c.ID, Name: c.Name, OwnerID: c.OwnerID, IsGroup: c.IsGroup, CreatedAt: c.CreatedAt}
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	u, ok := h.auth.RequireAuth(w, r)
	if !ok {
		return
	}

	var req createChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	name := req.Name
	if req.IsAIChat && name == "" {
		name = defaultAIChatName
	}

	c, err := h.store.CreateChat(r.Context(), u.ID, name, req.IsGroup)
	if err != nil {
		h.log.Error("chat.create.fail", "owner_id", u.ID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	ids := req.ParticipantIDs
	for _, username := range req.ParticipantUsernames {
		pu, err := h.users.UserByUsername(r.Context(), username)
		if err != nil {
			continue
		}
		ids = append(ids, pu.ID)
	}

	invited := lo.Uniq(lo.Filter(ids, func(id int64, _ int) bool {
		return id != u.ID
	}))
	for _, id := range invited {
		if _, err := h.users.UserByID(r.Context(), id); err != nil {
			writeDetail(w, http.StatusBadRequest, "unknown participant: "+strconv.FormatInt(id, 10))
			return
		}
		if err := h.store.AddParticipant(r.Context(), c.ID, id); err != nil {
			h.log.Error("chat.create.participant.fail", "chat_id", c.ID, "user_id", id, "err", err)
			writeDetail(w, http.StatusInternalServerError, "failed to add participant")
			return
		}
	}

	if req.IsAIChat {
		if err := h.store.AddParticipant(r.Context(), c.ID, h.botUserID); err != nil {
			h.log.Error("chat.create.bot.fail", "chat_id", c.ID, "err", err)
			writeDetail(w, http.StatusInternalServerError, "failed to add assistant")
			return
		}
		if _, err := h.store.CreateMessage(r.Context(), c.ID, nil, aiChatGreeting, true); err != nil {
			h.log.Error("chat.create.greeting.fail", "chat_id", c.ID, "err", err)
			writeDetail(w, http.StatusInternalServerError, "failed to create chat")
			return
		}
	}

	h.notifier.NotifyMany(invited, v1.Event{
		Type:         v1.TypeChatCreated,
		ChatID:       c.ID,
		Chat:         toWireChat(c),
		Notification: "You've been added to a new chat by " + u.Username,
	})

	h.log.Info("chat.create", "chat_id", c.ID, "owner_id", u.ID, "is_group", c.IsGroup, "ai", req.IsAIChat)
	writeJSON(w, http.StatusOK, toChatResponse(c))
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	u, ok := h.auth.RequireAuth(w, r)
	if !ok {
		return
	}

	summaries, err := h.store.ListUserChats(r.Context(), u.ID)
	if err != nil {
		h.log.Error("chat.list.fail", "user_id", u.ID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "failed to list chats")
		return
	}

	out := lo.Map(summaries, func(s Summary, _ int) chatSummaryResponse {
		return chatSummaryResponse{
			chatResponse:    toChatResponse(s.Chat),
			UnreadCount:     s.UnreadCount,
			LastMessage:     s.LastMessage,
			LastMessageTime: s.LastMessageTime,
		}
	})
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	_, chatID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	c, err := h.store.ChatByID(r.Context(), chatID)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Chat not found")
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(c))
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	u, chatID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	var req inviteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	if _, err := h.users.UserByID(r.Context(), req.UserID); err != nil {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}

	if err := h.store.AddParticipant(r.Context(), chatID, req.UserID); err != nil {
		h.log.Error("chat.invite.fail", "chat_id", chatID, "user_id", req.UserID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "failed to invite")
		return
	}

	c, err := h.store.ChatByID(r.Context(), chatID)
	if err == nil {
		name := c.Name
		if name == "" {
			name = "a chat"
		}
		h.notifier.Notify(req.UserID, v1.Event{
			Type:         v1.TypeChatInvite,
			ChatID:       chatID,
			Chat:         toWireChat(c),
			Notification: u.Username + " added you to " + name,
		})
	}

	h.log.Info("chat.invite", "chat_id", chatID, "inviter_id", u.ID, "user_id", req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invited"})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	_, chatID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	limit := defaultMessagesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= maxMessagesLimit {
			limit = n
		}
	}

	msgs, err := h.store.ListMessages(r.Context(), chatID, limit)
	if err != nil {
		h.log.Error("chat.messages.fail", "chat_id", chatID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(msgs, func(m Message, _ int) messageResponse {
		return toMessageResponse(m)
	}))
}

func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	_, chatID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	ids, err := h.store.ListParticipants(r.Context(), chatID)
	if err != nil {
		h.log.Error("chat.participants.fail", "chat_id", chatID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "failed to list participants")
		return
	}

	out := make([]participantResponse, 0, len(ids))
	for _, id := range ids {
		pu, err := h.users.UserByID(r.Context(), id)
		if err != nil {
			continue
		}
		out = append(out, participantResponse{ID: pu.ID, Username: pu.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	u, chatID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	if err := h.reads.MarkRead(r.Context(), chatID, u.ID, time.Now().UTC()); err != nil {
		h.log.Error("chat.read.fail", "chat_id", chatID, "user_id", u.ID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "failed to mark read")
		return
	}

	receipts, err := h.reads.ReceiptsForChat(r.Context(), chatID)
	if err != nil {
		h.log.Error("chat.read.receipts.fail", "chat_id", chatID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "failed to mark read")
		return
	}

	h.notifier.Broadcast(chatID, v1.Event{
		Type:         v1.TypeReadReceiptsUpdated,
		ChatID:       chatID,
		ReadReceipts: toWireReceipts(receipts),
	}, "")

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadReceipts(w http.ResponseWriter, r *http.Request) {
	_, chatID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	receipts, err := h.reads.ReceiptsForChat(r.Context(), chatID)
	if err != nil {
		h.log.Error("chat.receipts.fail", "chat_id", chatID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "failed to list receipts")
		return
	}

	out := make(map[string][]receiptResponse, len(receipts))
	for msgID, rs := range receipts {
		out[strconv.FormatInt(msgID, 10)] = lo.Map(rs, func(rec Receipt, _ int) receiptResponse {
			return receiptResponse{UserID: rec.UserID, Username: rec.Username, ReadAt: rec.ReadAt}
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// requireParticipant authenticates the request and checks that the user is a
// participant of the chat named in the path. Non-participants get a 403.
func (h *Handler) requireParticipant(w http.ResponseWriter, r *http.Request) (identity.User, int64, bool) {
	u, ok := h.auth.RequireAuth(w, r)
	if !ok {
		return identity.User{}, 0, false
	}

	chatID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || chatID <= 0 {
		writeDetail(w, http.StatusBadRequest, "invalid chat id")
		return identity.User{}, 0, false
	}

	isMember, err := h.store.IsParticipant(r.Context(), chatID, u.ID)
	if err != nil {
		if errors.Is(err, ErrChatNotFound) {
			writeDetail(w, http.StatusNotFound, "Chat not found")
			return identity.User{}, 0, false
		}
		h.log.Error("chat.authz.fail", "chat_id", chatID, "user_id", u.ID, "err", err)
		writeDetail(w, http.StatusInternalServerError, "authorization failed")
		return identity.User{}, 0, false
	}
	if !isMember {
		writeDetail(w, http.StatusForbidden, "Not a participant of this chat")
		return identity.User{}, 0, false
	}

	return u, chatID, true
}

func toWireReceipts(in map[int64][]Receipt) map[int64][]v1.ReadReceipt {
	out := make(map[int64][]v1.ReadReceipt, len(in))
	for msgID, rs := range in {
		out[msgID] = lo.Map(rs, func(rec Receipt, _ int) v1.ReadReceipt {
			return v1.ReadReceipt{UserID: rec.UserID, Username: rec.Username, ReadAt: rec.ReadAt}
		})
	}
	return out
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
