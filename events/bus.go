// ABOUTME: Per-execution sequenced event bus with bounded ring retention and resume-from-seq subscriptions.
// ABOUTME: Publication is fire-and-forget; slow subscribers are detached when their bounded outbox overflows.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dipeo/dipeo/diagram"
)

// ErrUnknownExecution is returned for operations on an unregistered
// execution ID.
var ErrUnknownExecution = errors.New("events: unknown execution")

// ErrBackpressureDetached is reported by a Subscription whose outbox
// overflowed. The subscriber may reattach with its last received seq.
var ErrBackpressureDetached = errors.New("events: subscriber detached due to backpressure")

// GapError is returned by SubscribeFrom when the requested resume point has
// already been evicted from the ring.
type GapError struct {
	Requested uint64
	Oldest    uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("events: seq %d no longer retained (oldest is %d)", e.Requested, e.Oldest)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithRingLen sets the default per-execution ring capacity.
func WithRingLen(n int) BusOption {
	return func(b *Bus) { b.ringLen = n }
}

// WithOutboxMax sets the per-subscriber outbox capacity.
func WithOutboxMax(n int) BusOption {
	return func(b *Bus) { b.outboxMax = n }
}

// WithKeepAliveInterval sets the KeepAlive emission interval. Zero disables
// keepalives.
func WithKeepAliveInterval(d time.Duration) BusOption {
	return func(b *Bus) { b.keepAlive = d }
}

// WithLogger sets the logger used for subscriber lifecycle diagnostics.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.log = l }
}

// Bus delivers per-execution ordered events to subscribers. The engine's
// correctness never depends on a subscriber being attached: Publish only
// ever blocks on the per-execution sequencing mutex.
type Bus struct {
	mu        sync.RWMutex
	streams   map[diagram.ExecutionID]*stream
	ringLen   int
	outboxMax int
	keepAlive time.Duration
	log       *slog.Logger
}

// NewBus creates a Bus with the given options. Defaults: ring 1024, outbox
// 256, keepalive 15s.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		streams:   make(map[diagram.ExecutionID]*stream),
		ringLen:   1024,
		outboxMax: 256,
		keepAlive: 15 * time.Second,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// stream is the per-execution event pipeline: sequencer, ring, subscribers.
type stream struct {
	mu       sync.Mutex
	execID   diagram.ExecutionID
	nextSeq  uint64
	ring     *ring
	subs     map[*subscriber]struct{}
	finished bool
	stopKA   chan struct{}
}

type subscriber struct {
	outbox chan Event
	once   sync.Once
	sub    *Subscription
}

// detach closes the subscriber's outbox exactly once, recording the reason.
func (s *subscriber) detach(reason error) {
	s.once.Do(func() {
		s.sub.setErr(reason)
		close(s.outbox)
	})
}

// Subscription is a live attachment to an execution's event stream. Events
// arrive on C in seq order. After C closes, Err reports why: nil for normal
// completion, ErrBackpressureDetached for overflow.
type Subscription struct {
	C <-chan Event

	mu  sync.Mutex
	err error
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the terminal error of the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Register creates the event stream for a new execution. Ring capacity 0
// uses the bus default.
func (b *Bus) Register(execID diagram.ExecutionID, ringLen int) {
	if ringLen <= 0 {
		ringLen = b.ringLen
	}
	st := &stream{
		execID: execID,
		ring:   newRing(ringLen),
		subs:   make(map[*subscriber]struct{}),
		stopKA: make(chan struct{}),
	}
	b.mu.Lock()
	b.streams[execID] = st
	b.mu.Unlock()

	if b.keepAlive > 0 {
		go b.keepAliveLoop(st)
	}
}

// Publish assigns the next seq under the stream's mutex, retains the event
// in the ring, and fans it out to subscribers without blocking.
func (b *Bus) Publish(execID diagram.ExecutionID, typ Type, payload map[string]any) (Event, error) {
	st, err := b.stream(execID)
	if err != nil {
		return Event{}, err
	}

	st.mu.Lock()
	st.nextSeq++
	evt := Event{
		ExecutionID: execID,
		Seq:         st.nextSeq,
		TS:          time.Now(),
		Type:        typ,
		Payload:     payload,
	}
	st.ring.append(evt)
	b.fanOut(st, evt)
	st.mu.Unlock()
	return evt, nil
}

// fanOut delivers an event to every attached subscriber's outbox. Caller
// holds st.mu. A full outbox detaches its subscriber.
func (b *Bus) fanOut(st *stream, evt Event) {
	for sub := range st.subs {
		select {
		case sub.outbox <- evt:
		default:
			delete(st.subs, sub)
			sub.detach(ErrBackpressureDetached)
			b.log.Warn("event subscriber detached: outbox overflow",
				"execution_id", string(st.execID), "seq", evt.Seq)
		}
	}
}

// Subscribe attaches a subscriber that receives only events published after
// the current max seq.
func (b *Bus) Subscribe(execID diagram.ExecutionID) (*Subscription, error) {
	st, err := b.stream(execID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return b.attach(st, nil), nil
}

// SubscribeFrom attaches a subscriber that first receives every retained
// event with seq > lastSeq, in order, then live events. Returns a GapError
// when lastSeq predates the ring's oldest retained event.
func (b *Bus) SubscribeFrom(execID diagram.ExecutionID, lastSeq uint64) (*Subscription, error) {
	st, err := b.stream(execID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	oldest := st.ring.oldestSeq()
	// A gap exists when events between lastSeq and the ring's oldest entry
	// have been evicted. lastSeq+1 must still be retained (or be the next
	// seq to publish).
	if oldest > 0 && lastSeq+1 < oldest {
		return nil, &GapError{Requested: lastSeq, Oldest: oldest}
	}
	replay := st.ring.after(lastSeq)
	return b.attach(st, replay), nil
}

// attach wires a new subscriber into the stream. Caller holds st.mu. The
// delivery goroutine forwards replay first, then the live outbox, so a
// subscriber observes no reordering and no duplicates.
func (b *Bus) attach(st *stream, replay []Event) *Subscription {
	out := make(chan Event, b.outboxMax)
	public := make(chan Event)
	subscription := &Subscription{C: public}
	sub := &subscriber{outbox: out, sub: subscription}

	attached := !st.finished
	if attached {
		st.subs[sub] = struct{}{}
	}

	go func() {
		defer close(public)
		for _, e := range replay {
			public <- e
		}
		if !attached {
			// Stream already finished when we attached: replay only.
			return
		}
		for e := range out {
			public <- e
		}
	}()
	return subscription
}

// Finish marks an execution's stream complete: keepalives stop and all
// subscribers are closed once their outboxes drain. The ring stays
// available for late replay until Drop.
func (b *Bus) Finish(execID diagram.ExecutionID) {
	st, err := b.stream(execID)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return
	}
	st.finished = true
	close(st.stopKA)
	for sub := range st.subs {
		delete(st.subs, sub)
		sub.detach(nil)
	}
}

// Drop removes all state for an execution. Subsequent operations return
// ErrUnknownExecution.
func (b *Bus) Drop(execID diagram.ExecutionID) {
	b.Finish(execID)
	b.mu.Lock()
	delete(b.streams, execID)
	b.mu.Unlock()
}

// CurrentSeq returns the latest assigned seq for an execution.
func (b *Bus) CurrentSeq(execID diagram.ExecutionID) (uint64, error) {
	st, err := b.stream(execID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextSeq, nil
}

// keepAliveLoop emits periodic KeepAlive signals carrying the current max
// seq. KeepAlives bypass the ring and do not consume a seq.
func (b *Bus) keepAliveLoop(st *stream) {
	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-st.stopKA:
			return
		case <-ticker.C:
			st.mu.Lock()
			evt := Event{
				ExecutionID: st.execID,
				Seq:         st.nextSeq,
				TS:          time.Now(),
				Type:        KeepAlive,
				Payload:     map[string]any{"latest_seq": st.nextSeq},
			}
			b.fanOut(st, evt)
			st.mu.Unlock()
		}
	}
}

func (b *Bus) stream(execID diagram.ExecutionID) (*stream, error) {
	b.mu.RLock()
	st, ok := b.streams[execID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownExecution
	}
	return st, nil
}
