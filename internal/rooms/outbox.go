package rooms

import (
	"sync"

	"github.com/fruitsalade/fruitsalade/livesync/internal/protocol"
)

// DefaultOutboxSize is the per-session send buffer.
const DefaultOutboxSize = 64

// Outbox is a Conn backed by a buffered channel. Send never blocks: when
// the buffer is full the message is dropped and ErrSlowConsumer returned,
// and the Manager closes the outbox.
type Outbox struct {
	id string

	mu     sync.RWMutex
	ch     chan protocol.Message
	closed bool
}

// NewOutbox creates an Outbox for a session.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{id: id, ch: make(chan protocol.Message, size)}
}

// ID returns the session ID.
func (o *Outbox) ID() string { return o.id }

// Send queues msg for delivery.
func (o *Outbox) Send(msg protocol.Message) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return ErrClosed
	}
	select {
	case o.ch <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// C returns the delivery channel. It is closed by Close.
func (o *Outbox) C() <-chan protocol.Message { return o.ch }

// Close stops accepting messages and closes the channel. Safe to call more
// than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
