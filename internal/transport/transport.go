// Package transport abstracts the "message-passing channel" spec.md §1
// deliberately leaves external: something that can send and receive
// internal/wire.Envelope values, with no opinion on network framing.
package transport

import (
	"fmt"

	"github.com/insieme/insieme/internal/wire"
)

// Transport is the abstracted bidirectional channel a session (server
// side) or engine (client side) is built on top of.
type Transport interface {
	Send(env wire.Envelope) error
	Recv() <-chan wire.Envelope
	Close() error
}

// pipeEnd is one direction of an in-memory duplex pair.
type pipeEnd struct {
	out    chan<- wire.Envelope
	in     chan wire.Envelope
	closed chan struct{}
}

func (p *pipeEnd) Send(env wire.Envelope) error {
	select {
	case <-p.closed:
		return fmt.Errorf("transport: send on closed pipe")
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.closed:
		return fmt.Errorf("transport: send on closed pipe")
	}
}

func (p *pipeEnd) Recv() <-chan wire.Envelope {
	return p.in
}

func (p *pipeEnd) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// Pipe returns two connected in-memory Transports: envelopes sent on one
// end arrive on the other's Recv channel. Used by tests and the scenario
// harness to wire client engines directly to a server hub without a real
// network.
func Pipe() (Transport, Transport) {
	a2b := make(chan wire.Envelope, 64)
	b2a := make(chan wire.Envelope, 64)
	closedA := make(chan struct{})
	closedB := make(chan struct{})

	a := &pipeEnd{out: a2b, in: b2a, closed: closedA}
	b := &pipeEnd{out: b2a, in: a2b, closed: closedB}
	return a, b
}
