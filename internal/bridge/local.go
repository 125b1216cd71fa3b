package bridge

import (
	"context"
	"sync"
)

// LocalPeer connects a page running in the same process. Frames cross as
// encoded bytes so the two sides share no message values.
type LocalPeer struct {
	hub    *Hub
	frames chan []byte
	done   chan struct{}
	detach func()
	once   sync.Once
}

// NewLocalPeer attaches an in-process page with the given frame buffer.
func (h *Hub) NewLocalPeer(buffer int) *LocalPeer {
	if buffer <= 0 {
		buffer = 64
	}
	p := &LocalPeer{
		hub:    h,
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	p.detach = h.Attach(p)
	return p
}

func (p *LocalPeer) Deliver(frame []byte) error {
	select {
	case <-p.done:
		return errPeerGone
	default:
	}
	select {
	case p.frames <- frame:
		return nil
	default:
		return errPeerFull
	}
}

func (p *LocalPeer) Receive(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-p.done:
		return Envelope{}, ErrClosed
	case frame := <-p.frames:
		return Decode(frame)
	}
}

func (p *LocalPeer) Ack(_ context.Context, id string) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.hub.Acknowledge(id)
	return nil
}

func (p *LocalPeer) Close() error {
	p.once.Do(func() {
		p.detach()
		close(p.done)
	})
	return nil
}
