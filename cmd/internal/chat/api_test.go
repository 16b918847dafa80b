package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"coopchat/cmd/internal/identity"
	v1 "coopchat/shared/contracts/chat/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAuth authenticates by the X-Test-User header; absence means 401.
type stubAuth struct {
	users map[string]identity.User
}

func (a *stubAuth) RequireAuth(w http.ResponseWriter, r *http.Request) (identity.User, bool) {
	u, ok := a.users[r.Header.Get("X-Test-User")]
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return identity.User{}, false
	}
	return u, true
}

// recordingNotifier captures pushed events instead of delivering them.
type recordingNotifier struct {
	broadcasts []v1.Event
	notified   map[int64][]v1.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notified: make(map[int64][]v1.Event)}
}

func (n *recordingNotifier) Broadcast(chatID int64, ev v1.Event, exclude string) {
	n.broadcasts = append(n.broadcasts, ev)
}

func (n *recordingNotifier) Notify(userID int64, ev v1.Event) {
	n.notified[userID] = append(n.notified[userID], ev)
}

func (n *recordingNotifier) NotifyMany(userIDs []int64, ev v1.Event) {
	for _, id := range userIDs {
		n.Notify(id, ev)
	}
}

// storeReads satisfies Reads directly over the store, without receipt backfill.
type storeReads struct {
	store Store
}

func (r storeReads) MarkRead(ctx context.Context, chatID, userID int64, now time.Time) error {
	return r.store.MarkRead(ctx, chatID, userID, now)
}

func (r storeReads) ReceiptsForChat(ctx context.Context, chatID int64) (map[int64][]Receipt, error) {
	return r.store.ReceiptsForChat(ctx, chatID)
}

type apiFixture struct {
	handler  http.Handler
	store    *InMemoryStore
	notifier *recordingNotifier
	alice    identity.User
	bob      identity.User
	botID    int64
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	users := identity.NewInMemoryStore()
	alice, err := users.CreateUser(ctx, "alice", "alice@example.com", "x")
	require.NoError(t, err)
	bob, err := users.CreateUser(ctx, "bob", "bob@example.com", "x")
	require.NoError(t, err)
	assistant, err := users.CreateUser(ctx, "gemini-ai", "gemini-ai@coopchat.local", "!")
	require.NoError(t, err)

	store := NewInMemoryStore(users)
	notifier := newRecordingNotifier()
	auth := &stubAuth{users: map[string]identity.User{
		"alice": alice,
		"bob":   bob,
	}}

	h := NewHandler(slog.New(slog.DiscardHandler), store, users, auth, notifier, storeReads{store}, assistant.ID)
	mux := http.NewServeMux()
	h.Register(mux)

	return &apiFixture{
		handler:  mux,
		store:    store,
		notifier: notifier,
		alice:    alice,
		bob:      bob,
		botID:    assistant.ID,
	}
}

func (f *apiFixture) do(t *testing.T, as, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if as != "" {
		req.Header.Set("X-Test-User", as)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateChatNotifiesInvitees(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{
		"name":            "plans",
		"is_group":        true,
		"participant_ids": []int64{f.bob.ID, f.bob.ID, f.alice.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "plans", created.Name)
	assert.Equal(t, f.alice.ID, created.OwnerID)

	ok, err := f.store.IsParticipant(context.Background(), created.ID, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Bob was notified exactly once despite the duplicated id; alice never is.
	require.Len(t, f.notifier.notified[f.bob.ID], 1)
	assert.Equal(t, v1.TypeChatCreated, f.notifier.notified[f.bob.ID][0].Type)
	assert.Empty(t, f.notifier.notified[f.alice.ID])
}

func TestCreateAIChatSeedsAssistant(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{"is_ai_chat": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "AI Chat", created.Name)

	ok, err := f.store.IsParticipant(context.Background(), created.ID, f.botID)
	require.NoError(t, err)
	assert.True(t, ok)

	msgs, err := f.store.ListMessages(context.Background(), created.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsBot)
	assert.Equal(t, aiChatGreeting, msgs[0].Content)
}

func TestCreateChatResolvesParticipantUsernames(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{
		"name":                  "by name",
		"participant_usernames": []string{"bob", "nobody-here"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Known names resolve; unknown names are skipped silently.
	ok, err := f.store.IsParticipant(context.Background(), created.ID, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := f.store.ListParticipants(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestCreateChatRejectsUnknownParticipant(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{
		"participant_ids": []int64{9999},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown participant")
}

func TestChatEndpointsRequireMembership(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{"name": "private"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	base := fmt.Sprintf("/api/chats/%d", created.ID)

	// Bob is not a participant.
	rec = f.do(t, "bob", http.MethodGet, base+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Not a participant of this chat")

	// No identity at all.
	rec = f.do(t, "", http.MethodGet, base+"/messages", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unknown chat reports 404 rather than 403.
	rec = f.do(t, "alice", http.MethodGet, "/api/chats/424242/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Chat not found")
}

func TestInviteAddsAndNotifies(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	ctx := context.Background()

	c, err := f.store.CreateChat(ctx, f.alice.ID, "room", true)
	require.NoError(t, err)

	rec := f.do(t, "alice", http.MethodPost, fmt.Sprintf("/api/chats/%d/invite", c.ID), map[string]any{"user_id": f.bob.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ok, err := f.store.IsParticipant(ctx, c.ID, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.notifier.notified[f.bob.ID], 1)
	assert.Equal(t, v1.TypeChatInvite, f.notifier.notified[f.bob.ID][0].Type)

	rec = f.do(t, "alice", http.MethodPost, fmt.Sprintf("/api/chats/%d/invite", c.ID), map[string]any{"user_id": int64(9999)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "User not found")
}

func TestListChatsIncludesUnreadAndLastMessage(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	ctx := context.Background()

	c, err := f.store.CreateChat(ctx, f.alice.ID, "room", false)
	require.NoError(t, err)
	require.NoError(t, f.store.AddParticipant(ctx, c.ID, f.bob.ID))

	// A user with no read cursor reports zero unread; give bob one in the past.
	require.NoError(t, f.store.MarkRead(ctx, c.ID, f.bob.ID, time.Now().UTC().Add(-time.Minute)))
	_, err = f.store.CreateMessage(ctx, c.ID, &f.alice.ID, "anyone here?", false)
	require.NoError(t, err)

	rec := f.do(t, "bob", http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []chatSummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].UnreadCount)
	require.NotNil(t, out[0].LastMessage)
	assert.Equal(t, "anyone here?", *out[0].LastMessage)
}

func TestMarkReadBroadcastsReceipts(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	ctx := context.Background()

	c, err := f.store.CreateChat(ctx, f.alice.ID, "room", false)
	require.NoError(t, err)
	require.NoError(t, f.store.AddParticipant(ctx, c.ID, f.bob.ID))
	m, err := f.store.CreateMessage(ctx, c.ID, &f.alice.ID, "hello", false)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateReadReceipt(ctx, m.ID, f.bob.ID, time.Now().UTC()))

	rec := f.do(t, "bob", http.MethodPost, fmt.Sprintf("/api/chats/%d/mark-read", c.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.notifier.broadcasts, 1)
	ev := f.notifier.broadcasts[0]
	assert.Equal(t, v1.TypeReadReceiptsUpdated, ev.Type)
	assert.Equal(t, c.ID, ev.ChatID)
	require.Len(t, ev.ReadReceipts[m.ID], 1)
	assert.Equal(t, "bob", ev.ReadReceipts[m.ID][0].Username)

	// Unread drops to zero once read.
	rec = f.do(t, "bob", http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []chatSummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].UnreadCount)
}

func TestReadReceiptsKeyedByMessageID(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	ctx := context.Background()

	c, err := f.store.CreateChat(ctx, f.alice.ID, "room", false)
	require.NoError(t, err)
	require.NoError(t, f.store.AddParticipant(ctx, c.ID, f.bob.ID))
	m, err := f.store.CreateMessage(ctx, c.ID, &f.alice.ID, "hello", false)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateReadReceipt(ctx, m.ID, f.bob.ID, time.Now().UTC()))

	rec := f.do(t, "alice", http.MethodGet, fmt.Sprintf("/api/chats/%d/read-receipts", c.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string][]receiptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	key := strconv.FormatInt(m.ID, 10)
	require.Len(t, out[key], 1)
	assert.Equal(t, f.bob.ID, out[key][0].UserID)
}

func TestListMessagesHonorsLimitParam(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	ctx := context.Background()

	c, err := f.store.CreateChat(ctx, f.alice.ID, "room", false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.store.CreateMessage(ctx, c.ID, &f.alice.ID, fmt.Sprintf("m%d", i), false)
		require.NoError(t, err)
	}

	rec := f.do(t, "alice", http.MethodGet, fmt.Sprintf("/api/chats/%d/messages?limit=2", c.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "m3", out[0].Content)
	assert.Equal(t, "m4", out[1].Content)
}
