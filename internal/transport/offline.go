package transport

import (
	"sync"

	"github.com/insieme/insieme/internal/wire"
)

// OfflineShim implements the Transport contract described in spec.md's
// offline-capable client (C8): while no online Transport is attached it
// answers connect/sync locally so the client engine never blocks, and
// buffers submit_events up to a configured capacity. Once Attach is
// called it replays the last connect and drains the buffer, in order,
// onto the online Transport.
type OfflineShim struct {
	mu                    sync.Mutex
	online                Transport
	bufferCap             int
	buffered              []wire.Envelope
	lastConnect           *wire.Envelope
	serverLastCommittedID uint64
	recv                  chan wire.Envelope
	closed                bool
}

// NewOfflineShim creates a shim buffering up to bufferCap submit_events
// envelopes while offline. A non-positive bufferCap means unbounded.
// serverLastCommittedID is the value reported on the synthetic
// `connected` reply's server_last_committed_id (spec.md 4.8): callers
// that know the last committed_id they observed before going offline
// (e.g. from their durable cursor) pass it here so the client engine's
// handshake sees a consistent value instead of a hardcoded zero.
func NewOfflineShim(bufferCap int, serverLastCommittedID uint64) *OfflineShim {
	return &OfflineShim{
		bufferCap:             bufferCap,
		serverLastCommittedID: serverLastCommittedID,
		recv:                  make(chan wire.Envelope, 64),
	}
}

// Attach connects the shim to a real online Transport: the last connect
// envelope (if any) is resent, the buffered submit_events are drained in
// submission order, and from then on Send forwards directly to online
// and Recv messages are relayed verbatim.
func (o *OfflineShim) Attach(online Transport) error {
	o.mu.Lock()
	o.online = online
	lastConnect := o.lastConnect
	buffered := o.buffered
	o.buffered = nil
	o.mu.Unlock()

	go o.pump(online)

	if lastConnect != nil {
		if err := online.Send(*lastConnect); err != nil {
			return err
		}
	}
	for _, env := range buffered {
		if err := online.Send(env); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes the online Transport, reverting to local buffering.
// The caller is responsible for closing the detached Transport if
// appropriate.
func (o *OfflineShim) Detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.online = nil
}

func (o *OfflineShim) pump(online Transport) {
	for env := range online.Recv() {
		o.mu.Lock()
		stillOnline := o.online == online
		o.mu.Unlock()
		if !stillOnline {
			return
		}
		o.recv <- env
	}
}

// Send implements Transport. While offline, connect/sync envelopes are
// answered synthetically and submit_events is buffered (or rejected with
// a rate_limited error once the buffer is full); once online, every
// envelope forwards directly.
func (o *OfflineShim) Send(env wire.Envelope) error {
	o.mu.Lock()
	online := o.online
	if online != nil {
		o.mu.Unlock()
		return online.Send(env)
	}

	switch env.Type {
	case wire.TypeConnect:
		o.lastConnect = &env
		lastCommittedID := o.serverLastCommittedID
		o.mu.Unlock()
		o.reply(env, wire.TypeConnected, wire.ConnectedPayload{ServerLastCommittedID: lastCommittedID})
		return nil
	case wire.TypeSync:
		o.mu.Unlock()
		var payload wire.SyncPayload
		_ = env.DecodePayload(&payload)
		o.reply(env, wire.TypeSyncResponse, wire.SyncResponsePayload{
			Partitions:           payload.Partitions,
			NextSinceCommittedID: payload.SinceCommittedID,
			HasMore:              false,
		})
		return nil
	case wire.TypeSubmitEvents:
		if o.bufferCap > 0 && len(o.buffered) >= o.bufferCap {
			o.mu.Unlock()
			o.reply(env, wire.TypeError, wire.ErrorPayload{
				Code:    wire.CodeRateLimited,
				Message: "offline buffer full",
			})
			return nil
		}
		o.buffered = append(o.buffered, env)
		o.mu.Unlock()
		return nil
	default:
		o.mu.Unlock()
		return nil
	}
}

func (o *OfflineShim) reply(req wire.Envelope, t wire.MessageType, payload any) {
	resp, err := wire.Encode(t, payload)
	if err != nil {
		return
	}
	resp.MsgID = req.MsgID
	o.recv <- resp
}

// Recv implements Transport.
func (o *OfflineShim) Recv() <-chan wire.Envelope {
	return o.recv
}

// Close implements Transport.
func (o *OfflineShim) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	close(o.recv)
	return nil
}

// Buffered reports how many submit_events envelopes are currently
// queued locally awaiting an online attach.
func (o *OfflineShim) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buffered)
}
