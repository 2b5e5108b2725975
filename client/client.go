package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"parley/infrastructure/ws"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	connectTimeout        = 10 * time.Second
	clientWriteWait       = 10 * time.Second
)

// Options configures a Client. URL and Token are mandatory; everything else
// has a usable default.
type Options struct {
	URL            string
	Token          string
	Log            *slog.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnEvent receives every server frame after the client's own bookkeeping
	// (sequence tracking, pending-send acks) has been applied.
	OnEvent func(env ws.Envelope)

	// OnGap fires when a conversation's sequence numbers skip: the client saw
	// lastSeq and then got seq with seq > lastSeq+1. The canonical recovery is
	// a history fetch; the client only detects, it does not backfill.
	OnGap func(conversation string, lastSeq, got uint64)
}

type pendingSend struct {
	payload ws.SendMessagePayload
}

// Client is a reconnecting websocket client. Run owns the connection
// lifecycle: on every (re)connect it re-authenticates, rejoins every
// conversation joined so far and resends unacknowledged messages with their
// original temp ids, so a server-side retry is a no-op.
type Client struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	joined  map[string]struct{}
	pending map[string]pendingSend
	lastSeq map[string]uint64
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" || opts.Token == "" {
		return nil, fmt.Errorf("client: URL and Token are required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Client{
		opts:    opts,
		log:     opts.Log,
		joined:  make(map[string]struct{}),
		pending: make(map[string]pendingSend),
		lastSeq: make(map[string]uint64),
	}, nil
}

// Run connects and keeps the session alive until ctx is canceled. Backoff is
// exponential with jitter and resets after every successful handshake.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.InitialBackoff
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			backoff = c.opts.InitialBackoff
			continue
		}

		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		c.log.Warn("Connection lost, reconnecting",
			"error", err,
			"backoff", wait.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.handshake(conn); err != nil {
		return err
	}
	if err := c.restoreState(); err != nil {
		return err
	}

	// Close the connection when ctx is canceled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env ws.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("Malformed server frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *Client) handshake(conn *websocket.Conn) error {
	env, err := ws.NewEnvelope(ws.TypeConnect, ws.ConnectPayload{Token: c.opts.Token})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	var reply ws.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case ws.TypeConnectOK:
		return nil
	case ws.TypeError:
		var payload ws.ErrorPayload
		_ = json.Unmarshal(reply.Data, &payload)
		return fmt.Errorf("server refused connection: %s (%s)", payload.Message, payload.Code)
	default:
		return fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
}

// restoreState rejoins every known conversation and resends every
// unacknowledged message. Resends keep their original temp ids, which the
// server deduplicates.
func (c *Client) restoreState() error {
	c.mu.Lock()
	joined := make([]string, 0, len(c.joined))
	for conv := range c.joined {
		joined = append(joined, conv)
	}
	resend := make([]pendingSend, 0, len(c.pending))
	for _, p := range c.pending {
		resend = append(resend, p)
	}
	c.mu.Unlock()

	for _, conv := range joined {
		if err := c.write(ws.TypeJoinConversation, ws.JoinConversationPayload{ConversationID: conv}); err != nil {
			return err
		}
	}
	for _, p := range resend {
		if err := c.write(ws.TypeSendMessage, p.payload); err != nil {
			return err
		}
	}
	if len(joined) > 0 || len(resend) > 0 {
		c.log.Info("Session state restored",
			"rejoined", len(joined),
			"resent", len(resend))
	}
	return nil
}

func (c *Client) handle(env ws.Envelope) {
	switch env.Type {
	case ws.TypeNewMessage:
		var payload ws.NewMessagePayload
		if err := json.Unmarshal(env.Data, &payload); err == nil {
			c.trackSeq(payload.ConversationID, payload.Seq)
		}
	case ws.TypeMessageSent:
		var payload ws.MessageSentPayload
		if err := json.Unmarshal(env.Data, &payload); err == nil {
			c.mu.Lock()
			delete(c.pending, payload.TempID)
			c.mu.Unlock()
		}
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(env)
	}
}

func (c *Client) trackSeq(conversation string, seq uint64) {
	c.mu.Lock()
	last := c.lastSeq[conversation]
	if seq > last {
		c.lastSeq[conversation] = seq
	}
	c.mu.Unlock()

	if last > 0 && seq > last+1 && c.opts.OnGap != nil {
		c.opts.OnGap(conversation, last, seq)
	}
}

// Join registers interest in a conversation. The membership is remembered
// and replayed after every reconnect.
func (c *Client) Join(conversation string) error {
	c.mu.Lock()
	c.joined[conversation] = struct{}{}
	c.mu.Unlock()
	return c.write(ws.TypeJoinConversation, ws.JoinConversationPayload{ConversationID: conversation})
}

func (c *Client) Leave(conversation string) error {
	c.mu.Lock()
	delete(c.joined, conversation)
	c.mu.Unlock()
	return c.write(ws.TypeLeaveConversation, ws.LeaveConversationPayload{ConversationID: conversation})
}

// Send queues a text message and returns its temp id. The message stays
// pending until the server acknowledges it; a reconnect resends it as is.
func (c *Client) Send(conversation, content string) (string, error) {
	payload := ws.SendMessagePayload{
		ConversationID: conversation,
		TempID:         uuid.NewString(),
		Type:           "text",
		Content:        content,
	}
	c.mu.Lock()
	c.pending[payload.TempID] = pendingSend{payload: payload}
	c.mu.Unlock()

	if err := c.write(ws.TypeSendMessage, payload); err != nil {
		return payload.TempID, err
	}
	return payload.TempID, nil
}

func (c *Client) MarkRead(conversation, messageID string) error {
	return c.write(ws.TypeMessageRead, ws.MessageReadPayload{
		MessageID:      messageID,
		ConversationID: conversation,
	})
}

func (c *Client) StartTyping(conversation string) error {
	return c.write(ws.TypeTypingStart, ws.TypingPayload{ConversationID: conversation})
}

func (c *Client) StopTyping(conversation string) error {
	return c.write(ws.TypeTypingStop, ws.TypingPayload{ConversationID: conversation})
}

// LastSeq reports the highest sequence number observed for a conversation.
func (c *Client) LastSeq(conversation string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq[conversation]
}

// PendingCount reports how many sends are still unacknowledged.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) write(eventType ws.EventType, payload any) error {
	env, err := ws.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		// Not connected; the state maps already carry the intent and
		// restoreState replays it on the next session.
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteJSON(env)
}
