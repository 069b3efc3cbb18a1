package sessions

import (
	"context"
	"log/slog"
	"sync"
)

const pushBufferSize = 64

// PushMessage is one encoded notification queued on a PushChannel.
type PushMessage struct {
	// ID increases monotonically across every push channel of a session.
	ID   uint64
	Data []byte
}

// PushChannel is the single outbound notification stream of a Session. It
// is drained by exactly one reader (the streaming transport), which must
// call Release or Fail when it stops reading.
type PushChannel struct {
	sess *Session

	msgs chan PushMessage
	done chan struct{}
	once sync.Once

	// sendMu orders id assignment with enqueueing so ids arrive in order.
	sendMu sync.Mutex
}

func newPushChannel(s *Session) *PushChannel {
	return &PushChannel{
		sess: s,
		msgs: make(chan PushMessage, pushBufferSize),
		done: make(chan struct{}),
	}
}

// Messages returns the queue of encoded notifications. It is never closed;
// select on Done as well.
func (p *PushChannel) Messages() <-chan PushMessage { return p.msgs }

// Done is closed once the channel is released, failed, or its session closes.
func (p *PushChannel) Done() <-chan struct{} { return p.done }

// Release ends the channel because the reader went away. The session stays
// open and a new channel may be opened.
func (p *PushChannel) Release() {
	if p.shutdown() {
		p.sess.releasePush(p)
	}
}

// Fail ends the channel because delivering to the reader failed. This is a
// transport error, so the whole session is closed.
func (p *PushChannel) Fail(err error) {
	p.shutdown()
	p.sess.log.Warn("push.fail", slog.String("session_id", p.sess.id), slog.String("err", errString(err)))
	p.sess.Close()
}

func (p *PushChannel) shutdown() bool {
	closed := false
	p.once.Do(func() {
		close(p.done)
		closed = true
	})
	return closed
}

func (p *PushChannel) send(ctx context.Context, data []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	select {
	case <-p.done:
		return ErrPushUnavailable
	default:
	}

	msg := PushMessage{ID: p.sess.nextEventID(), Data: data}
	select {
	case p.msgs <- msg:
		return nil
	case <-p.done:
		return ErrPushUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
