package server

import (
	"context"
	"sync"
	"time"
)

const (
	// StreamEventViewChange announces a new read model snapshot.
	StreamEventViewChange = "view-change"
	streamEventHeartbeat  = "heartbeat"
	streamSource          = "townsync"
)

// StreamMessage is one server-sent event about the read model.
type StreamMessage struct {
	EventType string                    `json:"-"`
	Version   uint64                    `json:"version"`
	Badges    map[string]map[string]int `json:"badges,omitempty"`
	Unread    int                       `json:"unread"`
	Timestamp time.Time                 `json:"timestamp"`
	Source    string                    `json:"source"`
}

// StreamHub fans read model changes out to connected event streams. Slow
// subscribers drop messages instead of blocking publishers.
type StreamHub struct {
	mu          sync.RWMutex
	subscribers map[int64]*streamSubscriber
	nextID      int64
	bufferSize  int
}

type streamSubscriber struct {
	id     int64
	stream chan StreamMessage
}

// NewStreamHub constructs an empty hub.
func NewStreamHub() *StreamHub {
	return &StreamHub{
		subscribers: make(map[int64]*streamSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup runs.
func (h *StreamHub) Subscribe(ctx context.Context) (<-chan StreamMessage, func()) {
	subscriber := &streamSubscriber{
		stream: make(chan StreamMessage, h.bufferSize),
	}
	h.mu.Lock()
	h.nextID++
	subscriber.id = h.nextID
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, subscriber.id)
			h.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber with buffer room.
func (h *StreamHub) Publish(message StreamMessage) {
	if message.EventType == "" {
		return
	}
	if message.Source == "" {
		message.Source = streamSource
	}
	h.mu.RLock()
	copies := make([]*streamSubscriber, 0, len(h.subscribers))
	for _, subscriber := range h.subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers returns the number of connected streams.
func (h *StreamHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
