// Package mainthread provides the hop from worker goroutines back onto the
// goroutine that owns the control loop.
package mainthread

import "sync"

// Mailbox queues functions posted from any goroutine and runs them on the
// goroutine calling Drain.
type Mailbox struct {
	lock    sync.Mutex
	pending []func()
	closed  bool

	ready chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		pending: []func(){},
		ready:   make(chan struct{}, 1),
	}
}

// Post never blocks. Posts after Close are dropped.
func (m *Mailbox) Post(fn func()) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.pending = append(m.pending, fn)
	m.lock.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Drain runs everything posted so far, in order, and returns how many ran.
//
// Functions posted while draining run in the next Drain.
func (m *Mailbox) Drain() int {
	m.lock.Lock()
	batch := m.pending
	m.pending = nil
	m.lock.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Ready is signalled at least once after one or more posts
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

func (m *Mailbox) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.pending)
}

func (m *Mailbox) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	m.pending = nil
}
