// Package realtime turns backend row-change notifications into typed callbacks.
//
// Each subscribed channel is served by its own goroutine, so events on one
// channel are delivered in arrival order while channels never block each other.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates that the bus no longer accepts subscriptions.
	ErrBusClosed = errors.New("realtime: bus closed")
	// ErrInvalidSubscription indicates a subscription without a channel name.
	ErrInvalidSubscription = errors.New("realtime: invalid subscription")
)

// Handler receives one decoded change.
type Handler func(ChangeEvent)

// Subscription binds handlers to a named channel.
type Subscription struct {
	Channel  string
	Table    string
	Filter   string
	OnInsert Handler
	OnUpdate Handler
	OnDelete Handler
}

func (s Subscription) handlerFor(eventType EventType) Handler {
	switch eventType {
	case EventInsert:
		return s.OnInsert
	case EventUpdate:
		return s.OnUpdate
	case EventDelete:
		return s.OnDelete
	default:
		return nil
	}
}

// BusConfig describes the dependencies of the Bus.
type BusConfig struct {
	Transport Transport
	Logger    *zap.Logger
}

// Bus manages named channel subscriptions over a Transport.
type Bus struct {
	transport Transport
	logger    *zap.Logger

	// joinMu serializes Subscribe so one channel name never has two
	// active subscriptions.
	joinMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*activeChannel
	closed   bool
}

type activeChannel struct {
	subscription Subscription
	cancel       context.CancelFunc
	removed      atomic.Bool
	finished     chan struct{}
}

// NewBus constructs a Bus over the transport.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, errors.New("realtime: transport required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		transport: cfg.Transport,
		logger:    logger,
		channels:  make(map[string]*activeChannel),
	}, nil
}

// Subscribe joins the channel and starts delivering its events. Subscribing a
// channel name that is already active replaces the previous subscription.
func (b *Bus) Subscribe(ctx context.Context, subscription Subscription) error {
	subscription.Channel = strings.TrimSpace(subscription.Channel)
	if subscription.Channel == "" {
		return fmt.Errorf("%w: channel name required", ErrInvalidSubscription)
	}
	if _, err := ParseFilter(subscription.Filter); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.joinMu.Lock()
	defer b.joinMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	previous := b.channels[subscription.Channel]
	delete(b.channels, subscription.Channel)
	b.mu.Unlock()
	if previous != nil {
		previous.retire()
	}

	channelCtx, cancel := context.WithCancel(context.Background())
	stream, err := b.transport.Join(channelCtx, Binding{
		Channel: subscription.Channel,
		Table:   subscription.Table,
		Filter:  subscription.Filter,
	})
	if err != nil {
		cancel()
		b.logger.Error("realtime join failed",
			zap.String("operation", "realtime.subscribe"),
			zap.String("reason", "join_failed"),
			zap.String("channel", subscription.Channel),
			zap.Error(err),
		)
		return err
	}

	active := &activeChannel{
		subscription: subscription,
		cancel:       cancel,
		finished:     make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		active.retire()
		close(active.finished)
		return ErrBusClosed
	}
	replaced := b.channels[subscription.Channel]
	b.channels[subscription.Channel] = active
	b.mu.Unlock()
	if replaced != nil {
		replaced.retire()
	}

	go b.dispatch(channelCtx, active, stream)
	return nil
}

// Unsubscribe removes the channel. It is idempotent and never waits for an
// in-flight handler, so it is safe to call from inside one. The transport
// releases the channel when its join context is cancelled.
func (b *Bus) Unsubscribe(_ context.Context, channel string) {
	b.mu.Lock()
	active := b.channels[channel]
	delete(b.channels, channel)
	b.mu.Unlock()
	if active == nil {
		return
	}
	active.retire()
}

// OnReconnect registers a hook that runs after the transport restored a
// dropped connection. Transports that cannot reconnect never run it.
func (b *Bus) OnReconnect(hook func()) func() {
	reconnector, ok := b.transport.(Reconnector)
	if !ok {
		return func() {}
	}
	return reconnector.OnRejoin(hook)
}

// Channels lists the active channel names.
func (b *Bus) Channels() []string {
	b.mu.Lock()
	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	b.mu.Unlock()
	sort.Strings(names)
	return names
}

// Close removes every subscription and waits, bounded by ctx, for the
// dispatch goroutines to exit.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channels := b.channels
	b.channels = make(map[string]*activeChannel)
	b.mu.Unlock()

	for name, active := range channels {
		active.retire()
		if err := b.transport.Leave(ctx, name); err != nil {
			b.logger.Warn("realtime leave failed",
				zap.String("operation", "realtime.close"),
				zap.String("reason", "leave_failed"),
				zap.String("channel", name),
				zap.Error(err),
			)
		}
	}
	for _, active := range channels {
		select {
		case <-active.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *activeChannel) retire() {
	a.removed.Store(true)
	a.cancel()
}

func (b *Bus) dispatch(ctx context.Context, active *activeChannel, stream <-chan Message) {
	defer close(active.finished)
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			if active.removed.Load() {
				return
			}
			b.deliver(active, message)
		}
	}
}

func (b *Bus) deliver(active *activeChannel, message Message) {
	subscription := active.subscription
	event, err := Decode(message.Payload)
	if err != nil {
		b.logger.Warn("dropping undecodable realtime payload",
			zap.String("operation", "realtime.dispatch"),
			zap.String("reason", "decode_failed"),
			zap.String("channel", subscription.Channel),
			zap.Error(err),
		)
		return
	}
	if event.Table == "" {
		event.Table = subscription.Table
		event, _ = finalize(event)
	}
	handler := subscription.handlerFor(event.Type)
	if handler == nil || active.removed.Load() {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("realtime handler panicked",
				zap.String("operation", "realtime.dispatch"),
				zap.String("reason", "handler_panic"),
				zap.String("channel", subscription.Channel),
				zap.Any("panic", recovered),
			)
		}
	}()
	handler(event)
}
