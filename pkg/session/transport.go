package session

import "context"

// PeerTransport is the peer-connection broker boundary. A transport owns
// one identity registration and at most one peer connection at a time.
//
// Transports never call back into the session: everything they observe is
// delivered as a TransportEvent on the Events channel, which the session's
// event loop consumes. Implementations must close the Events channel when
// the transport shuts down.
type PeerTransport interface {
	// Register announces the local PeerID to the broker. Registration
	// outcome is also delivered as a TransportEvent; the returned error
	// covers immediate failures only (dial errors, identity collision
	// detected synchronously).
	Register(ctx context.Context, id PeerID) error

	// PlaceCall starts an outbound call to the remote peer with the local
	// stream attached. The remote media stream arrives later as an
	// EventRemoteStream.
	PlaceCall(ctx context.Context, remote PeerID, local *MediaStream) error

	// Accept answers the inbound call identified by callID with the local
	// stream attached.
	Accept(ctx context.Context, callID string, local *MediaStream) error

	// OpenChat opens the bidirectional data channel toward the remote
	// peer. Channel readiness is delivered as an EventChatOpen carrying
	// the DataSender. On the callee side the channel is opened by the
	// caller and EventChatOpen fires without a prior OpenChat.
	OpenChat(ctx context.Context, remote PeerID) error

	// Close tears down the peer connection and the broker registration.
	// Idempotent.
	Close() error

	// Events returns the transport's event stream.
	Events() <-chan TransportEvent
}

// TransportEventType enumerates events surfaced by a PeerTransport.
type TransportEventType int

const (
	// EventRegistered reports successful identity registration.
	EventRegistered TransportEventType = iota

	// EventRegisterFailed reports a registration failure; Err carries
	// ErrIdentityTaken on identity collision.
	EventRegisterFailed

	// EventIncomingCall reports an inbound call offer. CallID identifies
	// the offer for Accept; From is the caller's PeerID.
	EventIncomingCall

	// EventRemoteStream reports arrival of the remote media stream. This
	// is the Connected trigger.
	EventRemoteStream

	// EventChatOpen reports the data channel is open; Sender transmits on
	// it.
	EventChatOpen

	// EventChatMessage reports an inbound data channel payload.
	EventChatMessage

	// EventClosed reports transport shutdown. A nil Err is a clean close;
	// otherwise Err describes the mid-call disconnect.
	EventClosed

	// EventError reports an unrecoverable transport error (peer
	// unreachable, connection failure).
	EventError
)

// TransportEvent is a single typed event from the peer transport.
type TransportEvent struct {
	Type TransportEventType

	// From is the remote PeerID for EventIncomingCall.
	From PeerID

	// CallID identifies the inbound offer for EventIncomingCall.
	CallID string

	// Stream is the remote media stream for EventRemoteStream.
	Stream *MediaStream

	// Sender is the data channel handle for EventChatOpen.
	Sender DataSender

	// Payload is the raw message body for EventChatMessage.
	Payload []byte

	// Err carries the failure for EventRegisterFailed, EventError and an
	// unclean EventClosed.
	Err error
}
