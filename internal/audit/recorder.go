package audit

import (
	"context"
	"sync"
	"time"

	"tenuto.io/safety/internal/ids"
	"tenuto.io/safety/internal/obs"
)

// DefaultCapacity bounds the in-memory activity log.
const DefaultCapacity = 100

// Category tags every forwarded event for the audit collaborator.
const Category = "deletion_security"

// Record is one immutable security-relevant activity entry.
type Record struct {
	ID                string
	Action            string
	At                time.Time
	ActorID           string
	Metadata          map[string]string
	DeviceFingerprint string
}

// Event is the wire shape forwarded to the audit collaborator.
type Event struct {
	Action    string            `json:"action"`
	ActorID   string            `json:"actorId"`
	Details   map[string]string `json:"details"`
	Timestamp time.Time         `json:"timestamp"`
	Category  string            `json:"category"`
}

// Sink receives every recorded event. Implementations must tolerate being
// called from the recorder's mutator path and should not block for long.
type Sink interface {
	Emit(ctx context.Context, evt Event) error
}

// Recorder keeps the bounded in-memory activity log and forwards each entry
// to the configured sink. Records are immutable once appended; overflow
// evicts the oldest entry.
type Recorder struct {
	mu          sync.Mutex
	ring        *ring
	sink        Sink
	now         func() time.Time
	fingerprint string
}

// Option configures Recorder behavior.
type Option func(*Recorder)

// WithCapacity overrides the ring capacity.
func WithCapacity(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.ring = newRing(n)
		}
	}
}

// WithSink sets the audit collaborator sink.
func WithSink(sink Sink) Option {
	return func(r *Recorder) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithFingerprint attaches a device fingerprint to every record.
func WithFingerprint(fp string) Option {
	return func(r *Recorder) {
		r.fingerprint = fp
	}
}

// NewRecorder constructs a Recorder. Without options it keeps the last
// DefaultCapacity records and forwards to the process log sink.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		ring: newRing(DefaultCapacity),
		sink: LogSink{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends an activity entry and forwards it to the sink. Sink failures
// are logged, never propagated: losing a forwarded copy must not block the
// security decision that produced it.
func (r *Recorder) Record(ctx context.Context, action, actorID string, metadata map[string]string) Record {
	var meta map[string]string
	if len(metadata) > 0 {
		meta = make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}

	rec := Record{
		ID:                ids.New(),
		Action:            action,
		At:                r.clock(),
		ActorID:           actorID,
		Metadata:          meta,
		DeviceFingerprint: r.fingerprint,
	}

	r.mu.Lock()
	r.ring.append(rec)
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		evt := Event{
			Action:    rec.Action,
			ActorID:   rec.ActorID,
			Details:   rec.Metadata,
			Timestamp: rec.At,
			Category:  Category,
		}
		if err := sink.Emit(ctx, evt); err != nil {
			obs.LogEvent(map[string]any{
				"ts":    r.clock().UTC().Format(time.RFC3339Nano),
				"level": "error",
				"msg":   "audit sink emit failed",
				"error": err.Error(),
			})
		}
	}
	return rec
}

// Snapshot returns all buffered records oldest-first.
func (r *Recorder) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.snapshot()
}

// Since returns the buffered records whose timestamp is at or after cutoff,
// oldest-first.
func (r *Recorder) Since(cutoff time.Time) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.ring.snapshot()
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if !rec.At.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// Reset discards all buffered records.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.reset()
}

func (r *Recorder) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
