// Package session implements the call-session orchestration engine for
// one-to-one audiovisual counseling calls. A session coordinates peer
// identity resolution, connection establishment and teardown over a peer
// broker, concurrent local and remote media handling, dual-purpose
// recording, an in-band text-chat protocol, and a single-shot finalization
// pipeline that assembles a transcript and hands it to an external
// summarization service before persisting the result.
//
// The package is built around a small number of collaborators:
//   - CallSession: the state machine, single source of truth for "am I in a call"
//   - PeerTransport: the peer-connection broker boundary
//   - MediaCapture: local device acquisition with a capability ladder
//   - Recorder: composite download recording plus per-party audio capture
//   - ChatChannel: chat and control messages multiplexed over the data channel
//   - FinalizationPipeline: the post-hang-up transcript/summary handoff
//
// All session-level work runs on a single event loop goroutine; transport
// callbacks, recorder completion and user commands only post typed events
// into the session inbox.
package session

import (
	"time"

	"go.uber.org/zap"
)

// Role identifies one of the two fixed parties in a counseling session.
type Role string

const (
	// RoleCounselor is the party that conducts the session and, by default
	// policy, persists the transcript after the call.
	RoleCounselor Role = "counselor"

	// RoleClient is the party that receives counseling.
	RoleClient Role = "client"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleCounselor {
		return RoleClient
	}
	return RoleCounselor
}

// CallState represents the lifecycle state of a CallSession.
//
// The state machine progresses Idle → Acquiring → Calling/Ringing →
// Connected → Ending → Ended. Failed is a terminal state reachable from
// any non-terminal state on an unrecoverable error.
type CallState int

const (
	// StateIdle means no call attempt is in flight.
	StateIdle CallState = iota

	// StateAcquiring means local media acquisition is in progress.
	StateAcquiring

	// StateCalling means an outbound call request has been placed and the
	// session is waiting for the remote stream.
	StateCalling

	// StateRinging means an inbound call has been auto-answered and the
	// session is waiting for the remote stream.
	StateRinging

	// StateConnected means the remote media stream has arrived. Recorder
	// and ChatChannel are active from this instant.
	StateConnected

	// StateEnding means hang-up has been triggered and resources are being
	// released.
	StateEnding

	// StateEnded is the terminal state after a clean hang-up.
	StateEnded

	// StateFailed is the terminal state after an unrecoverable error.
	StateFailed
)

// String returns the lowercase name of the state.
func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is one of the two terminal states.
func (s CallState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// ChatMessage is a single entry in the session transcript.
//
// Messages are ordered by local receipt time on each peer independently;
// each peer's transcript is a merge of locally sent and remotely received
// messages interleaved by arrival time.
type ChatMessage struct {
	// Sender is the role of the party that authored the message.
	Sender Role `json:"sender"`

	// Text is the message body.
	Text string `json:"text"`

	// Timestamp is the local send or receipt time.
	Timestamp time.Time `json:"timestamp"`
}

// RecordingArtifact is the output of one recording pipeline.
//
// A composite artifact is owned exclusively by the local session until
// explicit download. Audio-only artifacts exist solely for transfer to the
// transcription boundary and are never exposed to the user directly.
type RecordingArtifact struct {
	// Blob is the recorded container data.
	Blob []byte

	// MediaType is the container media type, e.g. "video/webm".
	MediaType string

	// Size is len(Blob) in bytes.
	Size int
}

// Empty reports whether the artifact contains no recorded data.
func (a RecordingArtifact) Empty() bool {
	return len(a.Blob) == 0
}

// CounselRecord is the pre-existing scheduling record identifying the two
// participants and session metadata. The engine only reads participant
// identities and the session id from it.
type CounselRecord struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Notes          string    `json:"notes"`
	CounselorEmail string    `json:"counselor_email"`
	ClientEmail    string    `json:"client_email"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// TranscriptEntry is one normalized message in a persisted transcript.
type TranscriptEntry struct {
	Speaker   Role      `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptRecord is the persisted outcome of a finished call, keyed by
// the counsel session id. Upsert semantics: an existing record for the
// session id is overwritten, otherwise a new record is inserted.
type TranscriptRecord struct {
	CounselID      string            `json:"counsel_id"`
	Messages       []TranscriptEntry `json:"messages"`
	Summary        string            `json:"summary"`
	PersistedBy    Role              `json:"persisted_by"`
	CounselorEmail string            `json:"counselor_email"`
	ClientEmail    string            `json:"client_email"`
}

// SessionStats carries per-session counters surfaced on the terminal state.
type SessionStats struct {
	MessagesSent      int
	MessagesReceived  int
	CompositeBytes    int
	LocalAudioBytes   int
	RemoteAudioBytes  int
	ConnectedDuration time.Duration
}

// Logger is the pluggable structured logging interface used throughout the
// package. The fields parameter accepts key-value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// zapLogger wraps zap.SugaredLogger to implement the Logger interface.
type zapLogger struct {
	*zap.SugaredLogger
}

func (z *zapLogger) Debug(msg string, fields ...interface{}) {
	z.SugaredLogger.Debugw(msg, fields...)
}

func (z *zapLogger) Info(msg string, fields ...interface{}) {
	z.SugaredLogger.Infow(msg, fields...)
}

func (z *zapLogger) Warn(msg string, fields ...interface{}) {
	z.SugaredLogger.Warnw(msg, fields...)
}

func (z *zapLogger) Error(msg string, fields ...interface{}) {
	z.SugaredLogger.Errorw(msg, fields...)
}

// NewZapLogger adapts a zap logger to the package Logger interface.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{l.Sugar()}
}

// defaultLogger returns a production zap logger adapter.
func defaultLogger() Logger {
	l, _ := zap.NewProduction()
	return &zapLogger{l.Sugar()}
}
