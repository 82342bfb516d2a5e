// Package queue buffers external connections that arrive before the wallet
// subsystem is ready and releases them, in arrival order, once it is.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultMaxPending = 256

// Conn is a connection the queue can hold.
type Conn interface {
	ID() string
}

// Handler takes ownership of a released connection (register and listen).
type Handler func(ctx context.Context, c Conn)

// Error represents an error with a code
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrOverloaded is returned when the pending list is at capacity.
var ErrOverloaded = &Error{Code: "OVERLOADED", Message: "too many connections waiting for wallet readiness"}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxPending bounds the pending list. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(q *Queue) { q.maxPending = n }
}

// Queue is the readiness-gated queue. NOT_READY is the initial state; READY
// is terminal.
type Queue struct {
	handler    Handler
	maxPending int

	mu       sync.Mutex
	ready    bool
	draining bool
	pending  []Conn
}

// New creates a queue in the NOT_READY state.
func New(handler Handler, opts ...Option) *Queue {
	q := &Queue{
		handler:    handler,
		maxPending: defaultMaxPending,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// EnqueueOrForward hands c to the handler when READY, otherwise appends it
// to the pending list. While a drain is in progress new arrivals queue
// behind the pending ones so they cannot overtake them.
func (q *Queue) EnqueueOrForward(ctx context.Context, c Conn) error {
	q.mu.Lock()
	if q.ready && !q.draining {
		q.mu.Unlock()
		q.handler(ctx, c)
		return nil
	}

	if q.maxPending > 0 && len(q.pending) >= q.maxPending {
		q.mu.Unlock()
		log.Warn().Str("conn_id", c.ID()).Int("max_pending", q.maxPending).Msg("Ready queue full, rejecting connection")
		return ErrOverloaded
	}
	q.pending = append(q.pending, c)
	n := len(q.pending)
	q.mu.Unlock()

	log.Debug().Str("conn_id", c.ID()).Int("pending", n).Msg("Connection queued until wallet is ready")
	return nil
}

// MarkReady transitions to READY and drains the pending list in arrival
// order before returning. Only the first call does anything; it reports
// whether this call performed the transition.
func (q *Queue) MarkReady(ctx context.Context) bool {
	q.mu.Lock()
	if q.ready {
		q.mu.Unlock()
		return false
	}
	q.ready = true
	q.draining = true
	q.mu.Unlock()

	flushed := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.pending = nil
			q.mu.Unlock()
			break
		}
		c := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.handler(ctx, c)
		flushed++
	}

	log.Info().Int("flushed", flushed).Msg("Wallet ready, queued connections released")
	return true
}

// Remove withdraws a pending connection, e.g. when its channel closes
// before readiness. Reports whether it was still pending.
func (q *Queue) Remove(c Conn) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.pending {
		if p.ID() == c.ID() {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Ready reports whether the queue has been marked ready.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// Pending returns the number of connections waiting.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	state := "NOT_READY"
	if q.ready {
		state = "READY"
	}
	return fmt.Sprintf("queue(%s, pending=%d)", state, len(q.pending))
}
