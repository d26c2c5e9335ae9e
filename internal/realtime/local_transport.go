package realtime

import (
	"context"
	"sync"
)

const defaultLocalBufferSize = 64

// LocalTransport fans payloads out to in-process channels. It backs tests and
// the webhook ingest endpoint.
type LocalTransport struct {
	mu          sync.RWMutex
	subscribers map[string]*localSubscriber
	bufferSize  int
}

type localSubscriber struct {
	binding Binding
	filter  RowFilter
	stream  chan Message
	done    chan struct{}
	once    sync.Once
}

func (s *localSubscriber) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

// NewLocalTransport constructs an empty LocalTransport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		subscribers: make(map[string]*localSubscriber),
		bufferSize:  defaultLocalBufferSize,
	}
}

// Join registers the channel. A second join on the same channel replaces the first.
func (t *LocalTransport) Join(ctx context.Context, binding Binding) (<-chan Message, error) {
	filter, err := ParseFilter(binding.Filter)
	if err != nil {
		return nil, err
	}
	subscriber := &localSubscriber{
		binding: binding,
		filter:  filter,
		stream:  make(chan Message, t.bufferSize),
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	if previous, ok := t.subscribers[binding.Channel]; ok {
		previous.stop()
	}
	t.subscribers[binding.Channel] = subscriber
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			t.unregister(binding.Channel, subscriber)
		case <-subscriber.done:
		}
	}()
	return subscriber.stream, nil
}

// Leave removes the channel. Leaving an unknown channel is a no-op.
func (t *LocalTransport) Leave(_ context.Context, channel string) error {
	t.mu.RLock()
	subscriber := t.subscribers[channel]
	t.mu.RUnlock()
	if subscriber != nil {
		t.unregister(channel, subscriber)
	}
	return nil
}

// Publish delivers the payload to every channel whose table and filter match
// it and returns the number of channels reached.
func (t *LocalTransport) Publish(ctx context.Context, payload any) (int, error) {
	event, err := Decode(payload)
	if err != nil {
		return 0, err
	}

	t.mu.RLock()
	targets := make([]*localSubscriber, 0, len(t.subscribers))
	for _, subscriber := range t.subscribers {
		if !sameTable(subscriber.binding.Table, event.Table) {
			continue
		}
		if !subscriber.filter.Matches(event.Record) && !subscriber.filter.Matches(event.OldRecord) {
			continue
		}
		targets = append(targets, subscriber)
	}
	t.mu.RUnlock()

	delivered := 0
	for _, subscriber := range targets {
		message := Message{Channel: subscriber.binding.Channel, Payload: event}
		select {
		case subscriber.stream <- message:
			delivered++
		case <-subscriber.done:
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
	return delivered, nil
}

// Channels returns the number of joined channels.
func (t *LocalTransport) Channels() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

func (t *LocalTransport) unregister(channel string, subscriber *localSubscriber) {
	t.mu.Lock()
	if current, ok := t.subscribers[channel]; ok && current == subscriber {
		delete(t.subscribers, channel)
	}
	t.mu.Unlock()
	subscriber.stop()
}
