package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Session is one authenticated realtime connection. Frames are queued on a
// bounded channel; a session that cannot keep up is dropped rather than
// allowed to stall delivery to everyone else.
type Session struct {
	ID    string
	Actor string

	out  chan ServerFrame
	once sync.Once
	done chan struct{}
}

func NewSession(actor string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Session{
		ID:    uuid.NewString(),
		Actor: actor,
		out:   make(chan ServerFrame, queueSize),
		done:  make(chan struct{}),
	}
}

// Out is the frame stream the connection's write loop drains.
func (s *Session) Out() <-chan ServerFrame { return s.out }

// Done is closed when the session is dropped or unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// send queues a frame without blocking. It reports false when the queue is
// full, which the hub treats as grounds for dropping the session.
func (s *Session) send(frame ServerFrame) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// close marks the session finished. Idempotent.
func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}
