package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"coopchat/cmd/internal/bot"
	"coopchat/cmd/internal/chat"
	v1 "coopchat/shared/contracts/chat/v1"
)

// ErrConcurrentStream marks a second Run for a message id whose stream is
// still in flight.
var ErrConcurrentStream = errors.New("realtime: stream already running for message")

// apologyText replaces the accumulated content when generation fails, so the
// room never ends up staring at a permanently empty placeholder.
const apologyText = "I apologize, but I'm having trouble processing your request right now. Please try again in a moment."

// streamSession is the transient state of one in-progress generated reply.
type streamSession struct {
	chatID      int64
	messageID   int64
	accumulated string

	// createdAt is the placeholder message's persisted timestamp, so the
	// streamed events agree with the history fetch for the same message id.
	createdAt time.Time
	startedAt time.Time
}

// StreamRelay drives one Responder invocation per bot reply and fans the
// partial output out to the chat room.
//
// Every broadcast carries the full accumulated text so far, not a delta:
// late-joining or lossy clients converge on the same content at the cost of
// bandwidth. Updates for one message id are issued strictly in generation
// order, and the final persisted content equals the last broadcast content.
type StreamRelay struct {
	log       *slog.Logger
	registry  *Registry
	store     chat.Store
	responder bot.Responder

	// sendDelay paces fragment broadcasts so one stream cannot starve
	// other traffic on the same rooms.
	sendDelay time.Duration

	mu     sync.Mutex
	active map[int64]*streamSession // messageID -> session
}

// NewStreamRelay constructs a StreamRelay.
func NewStreamRelay(log *slog.Logger, registry *Registry, store chat.Store, responder bot.Responder, sendDelay time.Duration) *StreamRelay {
	if sendDelay < 0 {
		sendDelay = 0
	}
	return &StreamRelay{
		log:       log,
		registry:  registry,
		store:     store,
		responder: responder,
		sendDelay: sendDelay,
		active:    make(map[int64]*streamSession),
	}
}

// Run generates a reply for prompt and streams it to the placeholder's chat,
// finalizing the placeholder message with the completed text.
//
// It returns the text that was persisted. When generation fails mid-stream,
// that text is the fixed apology and the generation error is returned
// alongside it. A second concurrent Run for the same placeholder message
// fails with ErrConcurrentStream.
func (r *StreamRelay) Run(ctx context.Context, placeholder chat.Message, prompt string, history []bot.Turn) (string, error) {
	chatID, messageID := placeholder.ChatID, placeholder.ID

	sess, err := r.open(placeholder)
	if err != nil {
		return "", err
	}
	defer r.close(messageID)

	stream, err := r.responder.Generate(ctx, prompt, history)
	if err != nil {
		r.log.Error("relay.generate.fail", "chat_id", chatID, "message_id", messageID, "err", err)
		return r.finish(ctx, sess, apologyText, "error"), err
	}
	defer stream.Close()

	for {
		fragment, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.log.Error("relay.fragment.fail", "chat_id", chatID, "message_id", messageID, "err", err)
			return r.finish(ctx, sess, apologyText, "error"), err
		}

		sess.accumulated += fragment
		r.broadcast(sess)

		// Yield between sends so a fast responder cannot monopolize the room.
		if r.sendDelay > 0 {
			select {
			case <-ctx.Done():
				return r.finish(ctx, sess, apologyText, "error"), ctx.Err()
			case <-time.After(r.sendDelay):
			}
		}
	}

	// A stream that completed without producing anything is a generation
	// failure: the placeholder must never stay empty.
	if sess.accumulated == "" {
		return r.finish(ctx, sess, apologyText, "empty"), nil
	}

	return r.finish(ctx, sess, sess.accumulated, "ok"), nil
}

// open registers a session, enforcing one live stream per message id.
func (r *StreamRelay) open(placeholder chat.Message) (*streamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[placeholder.ID]; ok {
		return nil, ErrConcurrentStream
	}
	sess := &streamSession{
		chatID:    placeholder.ChatID,
		messageID: placeholder.ID,
		createdAt: placeholder.CreatedAt,
		startedAt: time.Now().UTC(),
	}
	r.active[placeholder.ID] = sess
	return sess, nil
}

func (r *StreamRelay) close(messageID int64) {
	r.mu.Lock()
	delete(r.active, messageID)
	r.mu.Unlock()
}

// finish broadcasts the final content and persists it. Persistence happens
// unconditionally, even when the room has no live connections left;
// broadcast is best-effort delivery only.
func (r *StreamRelay) finish(ctx context.Context, sess *streamSession, finalText, outcome string) string {
	if sess.accumulated != finalText {
		sess.accumulated = finalText
		r.broadcast(sess)
	}

	if err := r.store.UpdateMessageContent(ctx, sess.messageID, finalText); err != nil {
		r.log.Error("relay.persist.fail", "message_id", sess.messageID, "err", err)
	}

	metricStreamRuns.WithLabelValues(outcome).Inc()
	r.log.Info("relay.finish",
		"chat_id", sess.chatID,
		"message_id", sess.messageID,
		"outcome", outcome,
		"chars", len(finalText),
		"duration_ms", time.Since(sess.startedAt).Milliseconds(),
	)
	return finalText
}

func (r *StreamRelay) broadcast(sess *streamSession) {
	r.registry.Broadcast(sess.chatID, v1.Event{
		Type:   v1.TypeBotStream,
		ChatID: sess.chatID,
		Message: &v1.Message{
			ID:        sess.messageID,
			ChatID:    sess.chatID,
			UserID:    nil,
			Username:  chat.BotUsername,
			Content:   sess.accumulated,
			IsBot:     true,
			CreatedAt: sess.createdAt,
		},
	}, "")
}
