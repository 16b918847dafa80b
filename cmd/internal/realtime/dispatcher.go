package realtime

import (
	"context"
	"log/slog"
	"strings"

	"coopchat/cmd/internal/chat"
	v1 "coopchat/shared/contracts/chat/v1"
)

const (
	// defaultBotPrefix marks a message as a bot invocation.
	defaultBotPrefix = "/bot "
	// defaultHistoryLimit caps the prompt history window handed to the Responder.
	defaultHistoryLimit = 20
)

// Dispatcher turns validated inbound client events into store operations and
// outbound broadcasts.
//
// Every event referencing a chat id passes the same authorization check:
// the sender must be a persisted participant of that chat. A failed check
// yields an error event sent only to the sender; the connection stays open
// and nothing is broadcast.
type Dispatcher struct {
	log      *slog.Logger
	registry *Registry
	store    chat.Store
	relay    *StreamRelay

	botPrefix    string
	historyLimit int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(log *slog.Logger, registry *Registry, store chat.Store, relay *StreamRelay) *Dispatcher {
	return &Dispatcher{
		log:          log,
		registry:     registry,
		store:        store,
		relay:        relay,
		botPrefix:    defaultBotPrefix,
		historyLimit: defaultHistoryLimit,
	}
}

// HandleEvent processes one validated inbound event from conn.
func (d *Dispatcher) HandleEvent(ctx context.Context, conn *Connection, ev v1.Event) {
	// A disconnected connection may still have events in flight from the
	// read loop; drop them instead of persisting on behalf of a dead session.
	select {
	case <-conn.Done():
		return
	default:
	}

	ok, err := d.store.IsParticipant(ctx, ev.ChatID, conn.UserID)
	if err != nil {
		d.log.Error("dispatch.authz.fail", "connection_id", conn.ID, "chat_id", ev.ChatID, "err", err)
		d.sendPersonal(conn, v1.NewError("internal error"))
		return
	}
	if !ok {
		d.sendPersonal(conn, v1.NewError("Not authorized"))
		return
	}

	switch ev.Type {
	case v1.TypeJoin:
		d.onJoin(conn, ev.ChatID)
	case v1.TypeLeave:
		d.onLeave(conn, ev.ChatID)
	case v1.TypeTyping:
		d.onTyping(conn, ev.ChatID)
	case v1.TypeMessage:
		d.onMessage(ctx, conn, ev.ChatID, ev.Content)
	default:
		// Unknown types are rejected by wire validation before they get here.
		d.sendPersonal(conn, v1.NewError("unsupported event type"))
	}
}

func (d *Dispatcher) onJoin(conn *Connection, chatID int64) {
	d.registry.JoinRoom(conn.ID, chatID)
	d.registry.Broadcast(chatID, v1.Event{
		Type:     v1.TypeUserJoined,
		ChatID:   chatID,
		Username: conn.Username,
	}, conn.ID)
}

func (d *Dispatcher) onLeave(conn *Connection, chatID int64) {
	d.registry.LeaveRoom(conn.ID, chatID)
	// No exclusion: the leaver's other connections should see it too.
	d.registry.Broadcast(chatID, v1.Event{
		Type:     v1.TypeUserLeft,
		ChatID:   chatID,
		Username: conn.Username,
	}, "")
}

func (d *Dispatcher) onTyping(conn *Connection, chatID int64) {
	// Fire-and-forget: no persistence, no ordering guarantee vs messages.
	d.registry.Broadcast(chatID, v1.Event{
		Type:     v1.TypeTyping,
		ChatID:   chatID,
		Username: conn.Username,
	}, conn.ID)
}

func (d *Dispatcher) onMessage(ctx context.Context, conn *Connection, chatID int64, content string) {
	if len([]rune(content)) > maxMessageChars {
		d.sendPersonal(conn, v1.NewError("message too long"))
		return
	}

	if strings.HasPrefix(content, d.botPrefix) {
		d.onBotMessage(ctx, conn, chatID, content)
		return
	}

	userID := conn.UserID
	msg, err := d.store.CreateMessage(ctx, chatID, &userID, content, false)
	if err != nil {
		d.log.Error("dispatch.message.persist.fail", "chat_id", chatID, "user_id", userID, "err", err)
		d.sendPersonal(conn, v1.NewError("failed to send message"))
		return
	}

	d.broadcastMessage(msg)
}

// onBotMessage handles a recognized bot invocation: persist and broadcast the
// raw user message, reserve a placeholder bot message, and hand the stripped
// prompt plus history window to the StreamRelay.
func (d *Dispatcher) onBotMessage(ctx context.Context, conn *Connection, chatID int64, content string) {
	userID := conn.UserID
	userMsg, err := d.store.CreateMessage(ctx, chatID, &userID, content, false)
	if err != nil {
		d.log.Error("dispatch.bot.persist.fail", "chat_id", chatID, "user_id", userID, "err", err)
		d.sendPersonal(conn, v1.NewError("failed to send message"))
		return
	}
	d.broadcastMessage(userMsg)

	history, err := d.store.HistoryForPrompt(ctx, chatID, d.historyLimit)
	if err != nil {
		d.log.Error("dispatch.bot.history.fail", "chat_id", chatID, "err", err)
		d.sendPersonal(conn, v1.NewError("failed to invoke assistant"))
		return
	}

	placeholder, err := d.store.CreateMessage(ctx, chatID, nil, "", true)
	if err != nil {
		d.log.Error("dispatch.bot.placeholder.fail", "chat_id", chatID, "err", err)
		d.sendPersonal(conn, v1.NewError("failed to invoke assistant"))
		return
	}

	prompt := strings.TrimSpace(strings.TrimPrefix(content, d.botPrefix))

	// The stream outlives this event and must survive the sender
	// disconnecting mid-generation; remaining room members keep receiving
	// updates.
	go func(ctx context.Context) {
		if _, err := d.relay.Run(ctx, placeholder, prompt, history); err != nil {
			d.log.Error("dispatch.bot.stream.fail", "chat_id", chatID, "message_id", placeholder.ID, "err", err)
		}
	}(context.WithoutCancel(ctx))
}

func (d *Dispatcher) broadcastMessage(msg chat.Message) {
	d.registry.Broadcast(msg.ChatID, v1.Event{
		Type:   v1.TypeMessage,
		ChatID: msg.ChatID,
		Message: &v1.Message{
			ID:        msg.ID,
			ChatID:    msg.ChatID,
			UserID:    msg.UserID,
			Username:  msg.Username,
			Content:   msg.Content,
			IsBot:     msg.IsBot,
			CreatedAt: msg.CreatedAt,
		},
	}, "")
}

func (d *Dispatcher) sendPersonal(conn *Connection, ev v1.Event) {
	if !conn.TrySend(ev) {
		d.log.Info("dispatch.personal.drop", "connection_id", conn.ID, "event_type", ev.Type)
	}
}
