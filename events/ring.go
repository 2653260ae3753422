// ABOUTME: Bounded ring buffer retaining the most recent events of one execution.
// ABOUTME: Supports replay-after-seq lookups; events older than the oldest retained seq are unrecoverable.
package events

// ring is a fixed-capacity buffer of events ordered by seq. Not safe for
// concurrent use; the owning stream serializes access.
type ring struct {
	buf   []Event
	start int // index of the oldest event
	count int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Event, capacity)}
}

// append adds an event, evicting the oldest when full.
func (r *ring) append(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// oldestSeq returns the seq of the oldest retained event, or 0 when empty.
func (r *ring) oldestSeq() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[r.start].Seq
}

// after returns all retained events with seq > lastSeq, in seq order.
func (r *ring) after(lastSeq uint64) []Event {
	var out []Event
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > lastSeq {
			out = append(out, e)
		}
	}
	return out
}
