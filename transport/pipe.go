package transport

import (
	"errors"
	"sync"
)

// ErrPipeClosed is returned by WritePacket once either end of a Pipe pair
// has been closed.
var ErrPipeClosed = errors.New("transport: pipe closed")

// Pipe is an in-memory, unencrypted Conn used by package tests (and by
// anything else that needs two directly-connected connection-layer
// endpoints without a real socket). It is the loopback analogue of the
// real transport's framed byte stream: messages handed to WritePacket on
// one end are delivered, copied, to the peer's installed Handler.
type Pipe struct {
	mu     sync.Mutex
	peer   *Pipe
	closed bool

	msgs   chan []byte
	closeC chan struct{}
}

// NewPipePair returns two Conns, each the other's peer.
func NewPipePair() (*Pipe, *Pipe) {
	a := &Pipe{msgs: make(chan []byte, 64), closeC: make(chan struct{})}
	b := &Pipe{msgs: make(chan []byte, 64), closeC: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// WritePacket hands payload to the peer's Serve loop. It copies payload so
// the caller may reuse its buffer immediately.
func (p *Pipe) WritePacket(payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipeClosed
	}
	peer := p.peer
	p.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)

	select {
	case <-peer.closeC:
		return ErrPipeClosed
	default:
	}
	select {
	case peer.msgs <- cp:
		return nil
	case <-peer.closeC:
		return ErrPipeClosed
	}
}

// Serve decodes nothing (Pipe messages are already whole payloads) and
// simply dispatches each to h as (cmd, rest) until Close.
func (p *Pipe) Serve(h Handler) error {
	for {
		select {
		case msg := <-p.msgs:
			if len(msg) == 0 {
				continue
			}
			h.OnMessage(msg[0], msg[1:])
		case <-p.closeC:
			return nil
		}
	}
}

// Close marks this end closed; writes from the peer to this end, and from
// this end to the peer, both start failing with ErrPipeClosed.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.closeC)
	return nil
}
