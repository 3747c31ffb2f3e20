// Package mailbox provides the per-request event queue that the frame
// router fills and the relay orchestrator drains. One mailbox exists
// per live correlation id.
package mailbox

import (
	"errors"
	"sync"
	"time"

	"github.com/relaybridge/relaybridge/internal/wire"
)

var (
	// ErrTimeout is returned by Dequeue when no frame arrived within
	// the allotted wait. During real streaming callers treat it as a
	// clean end of stream; everywhere else it is a hard failure.
	ErrTimeout = errors.New("mailbox: dequeue timed out")

	// ErrClosed is returned by Dequeue once the mailbox has been
	// closed, including to a waiter parked at close time.
	ErrClosed = errors.New("mailbox: closed")
)

// Mailbox is a FIFO queue of peer events with timeout-bounded waiting.
// Enqueue never blocks. Intended usage is a single dequeuing reader;
// concurrent Dequeue calls are not supported.
type Mailbox struct {
	mu      sync.Mutex
	backlog []wire.Event
	waiter  chan wire.Event
	closed  bool
}

func New() *Mailbox {
	return &Mailbox{}
}

// Enqueue delivers ev to a parked waiter if one exists, otherwise
// appends it to the backlog. Enqueuing after Close is a no-op.
func (m *Mailbox) Enqueue(ev wire.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.waiter != nil {
		m.waiter <- ev
		m.waiter = nil
		return
	}
	m.backlog = append(m.backlog, ev)
}

// Dequeue returns the oldest backlogged event immediately, or parks
// until an event arrives, the timeout elapses (ErrTimeout), or the
// mailbox is closed (ErrClosed).
func (m *Mailbox) Dequeue(timeout time.Duration) (wire.Event, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return wire.Event{}, ErrClosed
	}
	if len(m.backlog) > 0 {
		ev := m.backlog[0]
		m.backlog = m.backlog[1:]
		m.mu.Unlock()
		return ev, nil
	}

	ch := make(chan wire.Event, 1)
	m.waiter = ch
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			return wire.Event{}, ErrClosed
		}
		return ev, nil
	case <-timer.C:
		m.mu.Lock()
		if m.waiter == ch {
			m.waiter = nil
		}
		m.mu.Unlock()
		// An enqueue or close may have won the race with the timer.
		select {
		case ev, ok := <-ch:
			if !ok {
				return wire.Event{}, ErrClosed
			}
			return ev, nil
		default:
		}
		return wire.Event{}, ErrTimeout
	}
}

// Close marks the mailbox permanently closed, wakes a parked waiter
// with ErrClosed and discards the backlog. Close is idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.backlog = nil
	if m.waiter != nil {
		close(m.waiter)
		m.waiter = nil
	}
}
