package audit

// ring is a fixed-capacity circular buffer of records. Once full, appending
// overwrites the oldest entry.
type ring struct {
	records []Record
	head    int
	size    int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ring{records: make([]Record, capacity)}
}

func (r *ring) append(rec Record) {
	idx := (r.head + r.size) % len(r.records)
	if r.size == len(r.records) {
		// Full: overwrite the oldest slot and advance the head.
		idx = r.head
		r.head = (r.head + 1) % len(r.records)
	} else {
		r.size++
	}
	r.records[idx] = rec
}

// snapshot returns the buffered records oldest-first.
func (r *ring) snapshot() []Record {
	out := make([]Record, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.records[(r.head+i)%len(r.records)])
	}
	return out
}

func (r *ring) reset() {
	r.head = 0
	r.size = 0
}
