package batch

import (
	"context"
	"sync"
	"time"
)

// ProgressEvent is one step of a batch run, published to subscribers
// (SSE clients, progress bars).
type ProgressEvent struct {
	BatchID   string    `json:"batchId"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Stage     string    `json:"stage"`
	EntityID  string    `json:"entityId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs progress events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ProgressEvent
	next int
}

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan ProgressEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ProgressEvent {
	ch := make(chan ProgressEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt ProgressEvent) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the batch.
		}
	}
}
