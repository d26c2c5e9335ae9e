package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	phoenixTopicPrefix     = "realtime:"
	phoenixTopicSystem     = "phoenix"
	phoenixEventJoin       = "phx_join"
	phoenixEventLeave      = "phx_leave"
	phoenixEventReply      = "phx_reply"
	phoenixEventError      = "phx_error"
	phoenixEventClose      = "phx_close"
	phoenixEventHeartbeat  = "heartbeat"
	phoenixEventAccessTok  = "access_token"
	phoenixEventChanges    = "postgres_changes"
	defaultHeartbeat       = 25 * time.Second
	defaultJoinTimeout     = 10 * time.Second
	defaultReconnectDelay  = time.Second
	maxReconnectDelay      = 30 * time.Second
	defaultStreamBuffer    = 64
	defaultRealtimeSchema  = "public"
	closeMessageWriteLimit = time.Second
)

var (
	// ErrTransportClosed indicates the websocket transport was shut down.
	ErrTransportClosed = errors.New("realtime: transport closed")
	// ErrJoinRejected indicates the server refused a channel join.
	ErrJoinRejected = errors.New("realtime: join rejected")
)

// TokenSource yields the access token presented when joining channels.
type TokenSource interface {
	AccessToken() (string, error)
}

// WebSocketConfig configures the Phoenix-protocol websocket transport.
type WebSocketConfig struct {
	URL         string
	APIKey      string
	Tokens      TokenSource
	Heartbeat   time.Duration
	JoinTimeout time.Duration
	Dialer      *gorilla.Dialer
	Logger      *zap.Logger
}

type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type phoenixReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type wsChannel struct {
	binding Binding
	stream  chan Message
	cancel  context.CancelFunc
}

// WebSocketTransport multiplexes channels over one websocket connection using
// the Phoenix channel protocol spoken by Postgres change feeds.
type WebSocketTransport struct {
	endpoint    string
	tokens      TokenSource
	heartbeat   time.Duration
	joinTimeout time.Duration
	dialer      *gorilla.Dialer
	logger      *zap.Logger

	// connLock guards conn and serializes writes.
	connLock sync.Mutex
	conn     *gorilla.Conn
	connDone chan struct{}

	mu       sync.Mutex
	channels map[string]*wsChannel
	pending  map[string]chan phoenixReply
	hooks    map[int64]func()
	nextHook int64
	closed   bool
	shutdown chan struct{}
}

// NewWebSocketTransport validates the configuration. The connection is opened
// lazily on the first Join.
func NewWebSocketTransport(cfg WebSocketConfig) (*WebSocketTransport, error) {
	endpoint, err := buildEndpoint(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = gorilla.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		endpoint:    endpoint,
		tokens:      cfg.Tokens,
		heartbeat:   heartbeat,
		joinTimeout: joinTimeout,
		dialer:      dialer,
		logger:      logger,
		channels:    make(map[string]*wsChannel),
		pending:     make(map[string]chan phoenixReply),
		hooks:       make(map[int64]func()),
		shutdown:    make(chan struct{}),
	}, nil
}

func buildEndpoint(rawURL, apiKey string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("realtime: invalid websocket url %q", rawURL)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported websocket scheme %q", parsed.Scheme)
	}
	query := parsed.Query()
	if apiKey != "" {
		query.Set("apikey", apiKey)
	}
	query.Set("vsn", "1.0.0")
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Join subscribes to postgres changes for the binding and waits for the
// server to acknowledge the join.
func (t *WebSocketTransport) Join(ctx context.Context, binding Binding) (<-chan Message, error) {
	filter, err := ParseFilter(binding.Filter)
	if err != nil {
		return nil, err
	}
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	channelCtx, cancel := context.WithCancel(ctx)
	channel := &wsChannel{
		binding: binding,
		stream:  make(chan Message, defaultStreamBuffer),
		cancel:  cancel,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil, ErrTransportClosed
	}
	previous := t.channels[binding.Channel]
	t.channels[binding.Channel] = channel
	t.mu.Unlock()
	if previous != nil {
		previous.cancel()
	}

	if err := t.sendJoin(ctx, channel, filter, uuid.NewString()); err != nil {
		t.forget(binding.Channel, channel)
		cancel()
		return nil, err
	}

	go func() {
		<-channelCtx.Done()
		if t.forget(binding.Channel, channel) {
			t.sendLeave(binding.Channel)
		}
	}()
	return channel.stream, nil
}

// Leave unsubscribes the channel.
func (t *WebSocketTransport) Leave(_ context.Context, channel string) error {
	t.mu.Lock()
	active := t.channels[channel]
	t.mu.Unlock()
	if active != nil {
		active.cancel()
	}
	return nil
}

// Close leaves every channel and closes the connection.
func (t *WebSocketTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.shutdown)
	channels := t.channels
	t.channels = make(map[string]*wsChannel)
	t.mu.Unlock()
	for _, channel := range channels {
		channel.cancel()
	}

	t.connLock.Lock()
	conn := t.conn
	t.conn = nil
	t.connLock.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(closeMessageWriteLimit)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (t *WebSocketTransport) ensureConnected(ctx context.Context) error {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	select {
	case <-t.shutdown:
		return ErrTransportClosed
	default:
	}
	if t.conn != nil {
		return nil
	}
	return t.dialLocked(ctx)
}

func (t *WebSocketTransport) dialLocked(ctx context.Context) error {
	conn, response, err := t.dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	t.conn = conn
	t.connDone = make(chan struct{})
	go t.readLoop(conn, t.connDone)
	go t.heartbeatLoop(t.connDone)
	return nil
}

// sendJoin joins the channel under a fresh ref. The ref is passed in rather
// than stored on the channel, which Join and rejoin goroutines share.
func (t *WebSocketTransport) sendJoin(ctx context.Context, channel *wsChannel, filter RowFilter, joinRef string) error {
	change := map[string]any{
		"event":  "*",
		"schema": defaultRealtimeSchema,
	}
	if channel.binding.Table != "" {
		change["table"] = channel.binding.Table
	}
	if !filter.IsZero() {
		change["filter"] = filter.String()
	}
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": []any{change},
		},
	}
	if t.tokens != nil {
		if token, err := t.tokens.AccessToken(); err == nil {
			payload["access_token"] = token
		}
	}

	reply, err := t.request(ctx, phoenixTopicPrefix+channel.binding.Channel, phoenixEventJoin, joinRef, payload)
	if err != nil {
		return err
	}
	if reply.Status != "ok" {
		return fmt.Errorf("%w: %s: %s", ErrJoinRejected, channel.binding.Channel, strings.TrimSpace(string(reply.Response)))
	}
	return nil
}

func (t *WebSocketTransport) sendLeave(channel string) {
	ref := uuid.NewString()
	if err := t.write(phoenixMessage{Topic: phoenixTopicPrefix + channel, Event: phoenixEventLeave, Payload: json.RawMessage(`{}`), Ref: ref}); err != nil {
		t.logger.Debug("realtime leave not sent", zap.String("channel", channel), zap.Error(err))
	}
}

// UpdateAccessToken pushes a refreshed token to every joined channel.
func (t *WebSocketTransport) UpdateAccessToken(token string) {
	payload, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return
	}
	t.mu.Lock()
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	t.mu.Unlock()
	for _, name := range names {
		_ = t.write(phoenixMessage{Topic: phoenixTopicPrefix + name, Event: phoenixEventAccessTok, Payload: payload, Ref: uuid.NewString()})
	}
}

func (t *WebSocketTransport) request(ctx context.Context, topic, event, ref string, payload any) (phoenixReply, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return phoenixReply{}, err
	}
	replies := make(chan phoenixReply, 1)
	t.mu.Lock()
	t.pending[ref] = replies
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, ref)
		t.mu.Unlock()
	}()

	if err := t.write(phoenixMessage{Topic: topic, Event: event, Payload: encoded, Ref: ref, JoinRef: ref}); err != nil {
		return phoenixReply{}, err
	}

	timer := time.NewTimer(t.joinTimeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return phoenixReply{}, fmt.Errorf("%w: %s timed out", ErrJoinRejected, topic)
	case <-ctx.Done():
		return phoenixReply{}, ctx.Err()
	case <-t.shutdown:
		return phoenixReply{}, ErrTransportClosed
	}
}

func (t *WebSocketTransport) write(message phoenixMessage) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return err
	}
	t.connLock.Lock()
	defer t.connLock.Unlock()
	if t.conn == nil {
		return ErrTransportClosed
	}
	return t.conn.WriteMessage(gorilla.TextMessage, encoded)
}

func (t *WebSocketTransport) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.shutdown:
			return
		case <-ticker.C:
			if err := t.write(phoenixMessage{Topic: phoenixTopicSystem, Event: phoenixEventHeartbeat, Payload: json.RawMessage(`{}`), Ref: uuid.NewString()}); err != nil {
				t.logger.Warn("realtime heartbeat failed",
					zap.String("operation", "realtime.heartbeat"),
					zap.String("reason", "write_failed"),
					zap.Error(err),
				)
			}
		}
	}
}

func (t *WebSocketTransport) readLoop(conn *gorilla.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}
		var message phoenixMessage
		if err := json.Unmarshal(data, &message); err != nil {
			t.logger.Warn("dropping malformed realtime frame",
				zap.String("operation", "realtime.read"),
				zap.String("reason", "decode_failed"),
				zap.Error(err),
			)
			continue
		}
		t.route(message)
	}
}

func (t *WebSocketTransport) route(message phoenixMessage) {
	switch message.Event {
	case phoenixEventReply:
		var reply phoenixReply
		if err := json.Unmarshal(message.Payload, &reply); err != nil {
			return
		}
		t.mu.Lock()
		waiter := t.pending[message.Ref]
		t.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- reply:
			default:
			}
		}
	case phoenixEventChanges:
		name := strings.TrimPrefix(message.Topic, phoenixTopicPrefix)
		t.mu.Lock()
		channel := t.channels[name]
		t.mu.Unlock()
		if channel == nil {
			return
		}
		select {
		case channel.stream <- Message{Channel: name, Payload: []byte(message.Payload)}:
		default:
			t.logger.Warn("realtime channel buffer full",
				zap.String("operation", "realtime.read"),
				zap.String("reason", "buffer_full"),
				zap.String("channel", name),
			)
		}
	case phoenixEventError, phoenixEventClose:
		t.logger.Warn("realtime channel closed by server",
			zap.String("operation", "realtime.read"),
			zap.String("reason", message.Event),
			zap.String("channel", strings.TrimPrefix(message.Topic, phoenixTopicPrefix)),
		)
	}
}

func (t *WebSocketTransport) handleDisconnect(conn *gorilla.Conn, cause error) {
	t.connLock.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connLock.Unlock()
	_ = conn.Close()

	select {
	case <-t.shutdown:
		return
	default:
	}
	t.logger.Warn("realtime connection lost",
		zap.String("operation", "realtime.read"),
		zap.String("reason", "connection_lost"),
		zap.Error(cause),
	)
	go t.reconnect()
}

func (t *WebSocketTransport) reconnect() {
	delay := defaultReconnectDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-t.shutdown:
			timer.Stop()
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.joinTimeout)
		err := t.ensureConnected(ctx)
		if err == nil {
			err = t.rejoin(ctx)
		}
		cancel()
		if err == nil {
			t.runRejoinHooks()
			return
		}
		if errors.Is(err, ErrTransportClosed) {
			return
		}
		t.logger.Warn("realtime reconnect failed",
			zap.String("operation", "realtime.reconnect"),
			zap.String("reason", "dial_failed"),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (t *WebSocketTransport) rejoin(ctx context.Context) error {
	t.mu.Lock()
	channels := make([]*wsChannel, 0, len(t.channels))
	for _, channel := range t.channels {
		channels = append(channels, channel)
	}
	t.mu.Unlock()
	for _, channel := range channels {
		filter, _ := ParseFilter(channel.binding.Filter)
		if err := t.sendJoin(ctx, channel, filter, uuid.NewString()); err != nil {
			return err
		}
	}
	return nil
}

// OnRejoin registers a hook that runs after a dropped connection has been
// restored and every channel rejoined.
func (t *WebSocketTransport) OnRejoin(hook func()) func() {
	t.mu.Lock()
	t.nextHook++
	id := t.nextHook
	t.hooks[id] = hook
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.hooks, id)
		t.mu.Unlock()
	}
}

func (t *WebSocketTransport) runRejoinHooks() {
	t.mu.Lock()
	hooks := make([]func(), 0, len(t.hooks))
	for _, hook := range t.hooks {
		hooks = append(hooks, hook)
	}
	t.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

func (t *WebSocketTransport) forget(name string, channel *wsChannel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.channels[name]; ok && current == channel {
		delete(t.channels, name)
		return true
	}
	return false
}
