package session

// Error represents a typed error with a stable code and message.
// Error codes can be used for programmatic error handling across the
// engine's boundaries.
type Error struct {
	// Code is a stable identifier for the error type.
	Code string

	// Message provides human-readable error details.
	Message string
}

// Error implements the error interface.
// Returns a string in the format "CODE: message".
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is reports whether target is an *Error with the same code, so sentinel
// errors below work with errors.Is regardless of wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Common errors returned by the session engine.
// Use errors.Is() to check for specific error types.
var (
	// ErrInvalidIdentity indicates an empty or malformed account identifier.
	ErrInvalidIdentity = &Error{Code: "INVALID_IDENTITY", Message: "account identifier is empty or invalid"}

	// ErrCallInProgress indicates a second start-call attempt while the
	// session is not idle. The attempt is rejected, never queued.
	ErrCallInProgress = &Error{Code: "CALL_IN_PROGRESS", Message: "a call attempt is already in flight"}

	// ErrSessionTerminated indicates an operation on a session that has
	// already reached a terminal state.
	ErrSessionTerminated = &Error{Code: "SESSION_TERMINATED", Message: "session has already terminated"}

	// ErrDevicePermissionDenied indicates the user denied device access.
	ErrDevicePermissionDenied = &Error{Code: "DEVICE_PERMISSION_DENIED", Message: "permission to use capture devices was denied"}

	// ErrDeviceNotFound indicates no capture device is available.
	ErrDeviceNotFound = &Error{Code: "DEVICE_NOT_FOUND", Message: "no capture device found"}

	// ErrDeviceBusy indicates a capture device is held by another consumer.
	ErrDeviceBusy = &Error{Code: "DEVICE_BUSY", Message: "capture device is busy"}

	// ErrIdentityTaken indicates the peer identity is already registered
	// with the broker.
	ErrIdentityTaken = &Error{Code: "IDENTITY_TAKEN", Message: "peer identity is already registered"}

	// ErrPeerUnreachable indicates the remote peer identity could not be
	// reached through the broker.
	ErrPeerUnreachable = &Error{Code: "PEER_UNREACHABLE", Message: "remote peer is unreachable"}

	// ErrTransportClosed indicates a transport-level connection failure or
	// mid-call disconnect.
	ErrTransportClosed = &Error{Code: "TRANSPORT_CLOSED", Message: "peer transport connection lost"}

	// ErrRecordingUnavailable indicates no supported encoding could be
	// instantiated for the composite recording. Non-fatal: the call
	// proceeds without a download artifact.
	ErrRecordingUnavailable = &Error{Code: "RECORDING_UNAVAILABLE", Message: "no supported recording encoding available"}

	// ErrSummarizationUnavailable indicates the summarization boundary is
	// unconfigured or failed. Non-fatal: the transcript persists without
	// a summary.
	ErrSummarizationUnavailable = &Error{Code: "SUMMARIZATION_UNAVAILABLE", Message: "summarization service unavailable"}

	// ErrPersistenceFailed indicates the transcript upsert failed. Logged
	// and surfaced, never retried automatically.
	ErrPersistenceFailed = &Error{Code: "PERSISTENCE_FAILED", Message: "transcript persistence failed"}

	// ErrChatRateLimited indicates a chat send was dropped by the outbound
	// rate limiter.
	ErrChatRateLimited = &Error{Code: "CHAT_RATE_LIMITED", Message: "chat message rate limit exceeded"}

	// ErrChatClosed indicates a chat send on a closed data channel.
	ErrChatClosed = &Error{Code: "CHAT_CLOSED", Message: "chat channel is closed"}
)

// DeviceError wraps a device acquisition failure with the constraint set
// that was being attempted when it occurred.
type DeviceError struct {
	// Reason is one of the device sentinel errors above.
	Reason *Error

	// Constraints is the constraint set that failed.
	Constraints MediaConstraints
}

func (e *DeviceError) Error() string {
	return "device error (" + e.Constraints.String() + "): " + e.Reason.Message
}

func (e *DeviceError) Unwrap() error {
	return e.Reason
}
