// Package main provides a CI-friendly end-to-end smoke test for coopchat.
//
// It validates:
//   - register/login over the REST API
//   - chat creation with an invited second user
//   - WebSocket handshake with token auth
//   - join announcement fanout
//   - message fanout to another client
//   - assistant streaming via "/bot " with cumulative content
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "coopchat/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name     string
	conn     *websocket.Conn
	username string

	inbox chan v1.Event
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello coopchat", "Message text to send")
		botText = flag.String("bot", "/bot say hi in three words", "Assistant invocation to send")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()
	suffix := time.Now().UnixNano()

	userA := fmt.Sprintf("smoke-a-%d", suffix)
	userB := fmt.Sprintf("smoke-b-%d", suffix)

	idA := mustRegister(root, *baseURL, userA, *timeout)
	idB := mustRegister(root, *baseURL, userB, *timeout)

	tokenA := mustLogin(root, *baseURL, userA, *timeout)
	tokenB := mustLogin(root, *baseURL, userB, *timeout)

	chatID := mustCreateChat(root, *baseURL, tokenA, []int64{idB}, *timeout)
	_ = idA

	a := mustConnect(root, "A", userA, *wsURL, tokenA, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", userB, *wsURL, tokenB, *origin, *timeout)
	defer closeWS(b.conn)

	mustWriteWithTimeout(root, a.conn, v1.Event{Type: v1.TypeJoin, ChatID: chatID}, *timeout)
	mustWriteWithTimeout(root, b.conn, v1.Event{Type: v1.TypeJoin, ChatID: chatID}, *timeout)

	// A joined first, so A sees B's join announcement.
	joined := a.mustReadUntilType(root, v1.TypeUserJoined, *timeout, nil)
	if joined.Username != userB {
		fatalf("user_joined username mismatch: got=%q want=%q", joined.Username, userB)
	}

	mustWriteWithTimeout(root, a.conn, v1.Event{Type: v1.TypeMessage, ChatID: chatID, Content: *text}, *timeout)

	skip := map[string]struct{}{v1.TypeUserJoined: {}, v1.TypeTyping: {}}
	got := b.mustReadUntilType(root, v1.TypeMessage, *timeout, skip)
	if got.Message == nil {
		fatalf("message event missing message body (B)")
	}
	if got.Message.Content != *text || got.Message.Username != userA {
		fatalf("message mismatch (B): got content=%q user=%q", got.Message.Content, got.Message.Username)
	}

	mustWriteWithTimeout(root, a.conn, v1.Event{Type: v1.TypeMessage, ChatID: chatID, Content: *botText}, *timeout)

	// The raw invocation fans out first, then cumulative bot_stream updates.
	_ = b.mustReadUntilType(root, v1.TypeMessage, *timeout, skip)
	mustAssertCumulativeStream(root, b, *timeout)

	fmt.Printf("OK: chat_id=%d users=%s,%s\n", chatID, userA, userB)
}

// mustAssertCumulativeStream reads bot_stream events until they stop and
// checks each carries a superset of the previous content.
func mustAssertCumulativeStream(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	first := c.mustReadUntilType(parent, v1.TypeBotStream, stepTimeout, map[string]struct{}{
		v1.TypeUserJoined: {}, v1.TypeTyping: {},
	})
	if first.Message == nil || !first.Message.IsBot {
		fatalf("bot_stream missing bot message body (%s)", c.name)
	}

	prev := first.Message.Content
	deadline := time.After(stepTimeout)
	for {
		select {
		case <-deadline:
			if strings.TrimSpace(prev) == "" {
				fatalf("bot stream produced no content (%s)", c.name)
			}
			return
		case err := <-c.errCh:
			fatalf("connection error during bot stream (%s): %v", c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed during bot stream (%s)", c.name)
			}
			if ev.Type != v1.TypeBotStream {
				continue
			}
			if ev.Message == nil {
				fatalf("bot_stream missing message body (%s)", c.name)
			}
			if !strings.HasPrefix(ev.Message.Content, prev) {
				fatalf("bot_stream not cumulative (%s): prev=%q next=%q", c.name, prev, ev.Message.Content)
			}
			prev = ev.Message.Content
		}
	}
}

// ---- REST setup ----

func mustRegister(parent context.Context, baseURL, username string, stepTimeout time.Duration) int64 {
	body := map[string]string{
		"username": username,
		"email":    username + "@smoke.local",
		"password": "smoke-password-1",
	}
	var out struct {
		ID int64 `json:"id"`
	}
	mustPostJSON(parent, baseURL+"/api/auth/register", "", body, &out, stepTimeout)
	if out.ID <= 0 {
		fatalf("register %s: missing id", username)
	}
	return out.ID
}

func mustLogin(parent context.Context, baseURL, username string, stepTimeout time.Duration) string {
	body := map[string]string{
		"username": username,
		"password": "smoke-password-1",
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	mustPostJSON(parent, baseURL+"/api/auth/login", "", body, &out, stepTimeout)
	if strings.TrimSpace(out.AccessToken) == "" {
		fatalf("login %s: missing access_token", username)
	}
	return out.AccessToken
}

func mustCreateChat(parent context.Context, baseURL, token string, participantIDs []int64, stepTimeout time.Duration) int64 {
	body := map[string]any{
		"name":            "smoke room",
		"is_group":        true,
		"participant_ids": participantIDs,
	}
	var out struct {
		ID int64 `json:"id"`
	}
	mustPostJSON(parent, baseURL+"/api/chats", token, body, &out, stepTimeout)
	if out.ID <= 0 {
		fatalf("create chat: missing id")
	}
	return out.ID
}

func mustPostJSON(parent context.Context, rawURL, token string, in, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	payload, err := json.Marshal(in)
	if err != nil {
		fatalf("marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		fatalf("build request %s: %v", rawURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK {
		fatalf("POST %s: status=%d body=%s", rawURL, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("decode %s response: %v", rawURL, err)
		}
	}
}

// ---- WS plumbing ----

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, name, username, wsURL, token, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse ws url: %v", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:     name,
		conn:     conn,
		username: username,
		inbox:    make(chan v1.Event, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var ev v1.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- ev:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Event {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if ev.Type == wantType {
				return ev
			}
			if ev.Type == v1.TypeError {
				fatalf("server error (%s): %q", c.name, ev.Error)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[ev.Type]; ok {
					continue
				}
			}
			fatalf("unexpected event type (%s): got=%q want=%q", c.name, ev.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, ev v1.Event, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(ev)
	if err != nil {
		fatalf("marshal event: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
