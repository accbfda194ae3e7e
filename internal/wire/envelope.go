// Package wire defines the Insieme protocol envelope, message payloads, and
// the closed error-code taxonomy exchanged between client and server. The
// underlying transport framing (WebSocket, polling, ...) is out of scope
// (spec.md 1); wire only defines the message shapes carried over whatever
// transport.Transport the caller supplies.
package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only version this implementation speaks.
const ProtocolVersion = "1.0"

// MessageType enumerates the wire envelope's `type` field.
type MessageType string

const (
	TypeConnect           MessageType = "connect"
	TypeSubmitEvents      MessageType = "submit_events"
	TypeSync              MessageType = "sync"
	TypeConnected         MessageType = "connected"
	TypeSubmitEventsResult MessageType = "submit_events_result"
	TypeEventBroadcast    MessageType = "event_broadcast"
	TypeSyncResponse      MessageType = "sync_response"
	TypeError             MessageType = "error"
)

// Envelope is the wire format common to every message, both directions
// (spec.md 6).
type Envelope struct {
	Type            MessageType     `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	MsgID           string          `json:"msg_id,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// Encode marshals payload into an Envelope of the given type, stamping the
// current protocol version.
func Encode(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s payload: %w", t, err)
	}
	return Envelope{
		Type:            t,
		ProtocolVersion: ProtocolVersion,
		Payload:         raw,
	}, nil
}

// DecodePayload unmarshals an envelope's payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// CheckVersion reports a protocol_version_unsupported error if e does not
// speak ProtocolVersion.
func (e Envelope) CheckVersion() error {
	if e.ProtocolVersion != ProtocolVersion {
		return &Error{
			Code:    CodeProtocolVersionUnsupported,
			Message: fmt.Sprintf("unsupported protocol_version %q, expected %q", e.ProtocolVersion, ProtocolVersion),
		}
	}
	return nil
}
