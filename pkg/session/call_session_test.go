package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sephinote7/testchat-sub000/internal/test/mocks"
	"github.com/sephinote7/testchat-sub000/pkg/session"
)

type sessionFixture struct {
	session   *session.CallSession
	transport *mocks.MockTransport
	devices   *mocks.MockDeviceProvider
	store     *mocks.MockStore
	logger    *mocks.MockLogger
	sender    *recordingSender
	cancel    context.CancelFunc
	runErr    chan error
}

type recordingSender struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *recordingSender) SendData(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSender) endCallSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payloads {
		var wire map[string]interface{}
		if json.Unmarshal(p, &wire) == nil && wire["kind"] == "control:end_call" {
			return true
		}
	}
	return false
}

func testCounsel() session.CounselRecord {
	return session.CounselRecord{
		ID:             "c-100",
		CounselorEmail: "counselor@example.com",
		ClientEmail:    "client@example.com",
	}
}

// startFixture builds a counselor-side session with a finalizer backed by
// the mock store and launches Run.
func startFixture(t *testing.T, mutate func(cfg *session.CallSessionConfig)) *sessionFixture {
	t.Helper()

	f := &sessionFixture{
		transport: mocks.NewMockTransport(),
		devices:   mocks.NewMockDeviceProvider(),
		store:     mocks.NewMockStore(),
		logger:    mocks.NewMockLogger(),
		sender:    &recordingSender{},
		runErr:    make(chan error, 1),
	}

	finalizer := session.NewFinalizationPipeline(session.FinalizationPipelineConfig{
		AudioWaitTimeout:  30 * time.Millisecond,
		AudioPollInterval: 5 * time.Millisecond,
	}, nil, f.store, f.logger)

	cfg := session.CallSessionConfig{
		Counsel:   testCounsel(),
		Role:      session.RoleCounselor,
		Transport: f.transport,
		Capture:   session.NewMediaCapture(f.devices, f.logger),
		Finalizer: finalizer,
		Logger:    f.logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := session.NewCallSession(cfg)
	require.NoError(t, err)
	f.session = s

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)
	go func() { f.runErr <- s.Run(ctx) }()
	return f
}

// connect drives the fixture to Connected: outbound call, remote stream
// arrival, chat channel open.
func (f *sessionFixture) connect(t *testing.T) *session.MediaStream {
	t.Helper()
	require.NoError(t, f.session.StartCall())
	require.Equal(t, session.StateCalling, f.session.State())

	remote := session.NewMediaStream(
		session.NewMediaTrack(session.TrackKindAudio, session.MimeTypeOpus),
		session.NewMediaTrack(session.TrackKindVideo, session.MimeTypeVP8),
	)
	f.transport.Emit(session.TransportEvent{Type: session.EventRemoteStream, Stream: remote})
	f.transport.Emit(session.TransportEvent{Type: session.EventChatOpen, Sender: f.sender})

	require.Eventually(t, func() bool {
		return f.session.State() == session.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.logger.HasMessage("DEBUG", "chat channel open")
	}, 2*time.Second, 5*time.Millisecond)
	return remote
}

func (f *sessionFixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never terminated")
	}
}

func remoteChatPayload(text string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"kind":      "chat",
		"text":      text,
		"sender":    "client",
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
	return payload
}

func remoteEndCallPayload() []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"kind":      "control:end_call",
		"sender":    "client",
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
	return payload
}

func TestSessionDerivesPeerIDs(t *testing.T) {
	s, err := session.NewCallSession(session.CallSessionConfig{
		Counsel:   testCounsel(),
		Role:      session.RoleClient,
		Transport: mocks.NewMockTransport(),
		Capture:   session.NewMediaCapture(mocks.NewMockDeviceProvider(), nil),
	})
	require.NoError(t, err)
	assert.Equal(t, "client@example.com", s.LocalPeerID().AccountID())
	assert.Equal(t, "counselor@example.com", s.RemotePeerID().AccountID())
}

func TestSessionRejectsBlankParticipant(t *testing.T) {
	counsel := testCounsel()
	counsel.ClientEmail = ""
	_, err := session.NewCallSession(session.CallSessionConfig{
		Counsel:   counsel,
		Role:      session.RoleCounselor,
		Transport: mocks.NewMockTransport(),
	})
	assert.ErrorIs(t, err, session.ErrInvalidIdentity)
}

func TestOutboundCallReachesConnected(t *testing.T) {
	f := startFixture(t, nil)
	f.connect(t)

	require.Len(t, f.transport.PlaceCallCalls, 1)
	assert.Equal(t, f.session.RemotePeerID(), f.transport.PlaceCallCalls[0].Remote)
	assert.NotNil(t, f.transport.PlaceCallCalls[0].Local.AudioTrack())
	assert.NotNil(t, f.transport.PlaceCallCalls[0].Local.VideoTrack())
}

func TestStartCallWhileBusy(t *testing.T) {
	f := startFixture(t, nil)
	require.NoError(t, f.session.StartCall())

	err := f.session.StartCall()
	assert.ErrorIs(t, err, session.ErrCallInProgress)
}

func TestInboundCallAutoAnswered(t *testing.T) {
	f := startFixture(t, nil)
	f.transport.Emit(session.TransportEvent{
		Type:   session.EventIncomingCall,
		From:   f.session.RemotePeerID(),
		CallID: "call-7",
	})

	require.Eventually(t, func() bool {
		return f.session.State() == session.StateRinging
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, f.transport.AcceptCalls, 1)
	assert.Equal(t, "call-7", f.transport.AcceptCalls[0].CallID)
}

func TestHangUpIdempotent(t *testing.T) {
	f := startFixture(t, nil)
	remote := f.connect(t)
	local := f.transport.PlaceCallCalls[0].Local

	f.session.HangUp()
	f.session.HangUp()
	f.session.HangUp()
	f.waitDone(t)

	assert.Equal(t, session.StateEnded, f.session.State())
	assert.Equal(t, 1, f.transport.CloseCount())
	for _, track := range local.Tracks() {
		assert.True(t, track.Stopped())
	}
	for _, track := range remote.Tracks() {
		assert.True(t, track.Stopped())
	}
	assert.Equal(t, 1, f.store.UpsertCount())
	assert.True(t, f.sender.endCallSent(), "local hang-up must signal the peer")
}

func TestRemoteEndCallFinalizesOnce(t *testing.T) {
	f := startFixture(t, nil)
	f.connect(t)

	// Remote hang-up arrives while the local side also hangs up: the
	// Ending transition must be consumed exactly once.
	f.transport.Emit(session.TransportEvent{Type: session.EventChatMessage, Payload: remoteEndCallPayload()})
	f.session.HangUp()
	f.waitDone(t)

	assert.Equal(t, session.StateEnded, f.session.State())
	assert.Equal(t, 1, f.store.UpsertCount())
	assert.Equal(t, 1, f.transport.CloseCount())
}

func TestRemoteEndCallDoesNotEcho(t *testing.T) {
	f := startFixture(t, nil)
	f.connect(t)

	f.transport.Emit(session.TransportEvent{Type: session.EventChatMessage, Payload: remoteEndCallPayload()})
	f.waitDone(t)

	assert.Equal(t, session.StateEnded, f.session.State())
	assert.False(t, f.sender.endCallSent(), "remote-initiated hang-up must not re-send the control signal")
}

func TestChatTranscriptAndSingleUpsert(t *testing.T) {
	f := startFixture(t, nil)
	f.connect(t)

	sent, err := f.session.SendChat("hello, how have you been?")
	require.NoError(t, err)
	assert.Equal(t, session.RoleCounselor, sent.Sender)

	f.transport.Emit(session.TransportEvent{Type: session.EventChatMessage, Payload: remoteChatPayload("better, thanks")})
	f.transport.Emit(session.TransportEvent{Type: session.EventChatMessage, Payload: remoteChatPayload("work has eased up")})
	require.Eventually(t, func() bool {
		return len(f.session.Transcript()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	f.session.HangUp()
	f.waitDone(t)

	require.Equal(t, 1, f.store.UpsertCount())
	rec, ok := f.store.LastUpsert()
	require.True(t, ok)
	assert.Equal(t, "c-100", rec.CounselID)
	assert.Len(t, rec.Messages, 3)
	assert.Equal(t, session.RoleCounselor, rec.PersistedBy)
	assert.Equal(t, "counselor@example.com", rec.CounselorEmail)
	assert.Empty(t, rec.Summary)

	stats := f.session.Stats()
	assert.Equal(t, 1, stats.MessagesSent)
	assert.Equal(t, 2, stats.MessagesReceived)

	exported, err := f.session.TranscriptJSON()
	require.NoError(t, err)
	var entries []session.ChatMessage
	require.NoError(t, json.Unmarshal(exported, &entries))
	assert.Len(t, entries, 3)
}

func TestChatRequiresConnectedState(t *testing.T) {
	f := startFixture(t, nil)
	_, err := f.session.SendChat("too early")
	assert.ErrorIs(t, err, session.ErrChatClosed)
}

func TestClientRoleDoesNotPersist(t *testing.T) {
	f := startFixture(t, func(cfg *session.CallSessionConfig) {
		cfg.Role = session.RoleClient
	})
	f.connect(t)
	f.session.HangUp()
	f.waitDone(t)

	assert.Equal(t, session.StateEnded, f.session.State())
	assert.Equal(t, 0, f.store.UpsertCount(), "only the persist role runs finalization")
}

func TestPersistRoleOverride(t *testing.T) {
	f := startFixture(t, func(cfg *session.CallSessionConfig) {
		cfg.Role = session.RoleClient
		cfg.PersistRole = session.RoleClient
	})
	f.connect(t)
	f.session.HangUp()
	f.waitDone(t)

	assert.Equal(t, 1, f.store.UpsertCount())
	rec, _ := f.store.LastUpsert()
	assert.Equal(t, session.RoleClient, rec.PersistedBy)
}

func TestPeerUnreachableFailsWithoutUpsert(t *testing.T) {
	f := startFixture(t, nil)
	require.NoError(t, f.session.StartCall())

	f.transport.Emit(session.TransportEvent{Type: session.EventError, Err: session.ErrPeerUnreachable})
	f.waitDone(t)

	assert.Equal(t, session.StateFailed, f.session.State())
	assert.ErrorIs(t, f.session.Err(), session.ErrPeerUnreachable)
	assert.Equal(t, 0, f.store.UpsertCount(), "a call that never connected persists nothing")
	assert.Equal(t, 1, f.transport.CloseCount())
}

func TestMidCallDisconnectStillFinalizes(t *testing.T) {
	f := startFixture(t, nil)
	f.connect(t)

	f.transport.Emit(session.TransportEvent{Type: session.EventClosed, Err: session.ErrTransportClosed})
	f.waitDone(t)

	assert.Equal(t, session.StateFailed, f.session.State())
	assert.Equal(t, 1, f.store.UpsertCount(), "a connected call persists its transcript even on abrupt disconnect")
}

func TestRegisterFailureTerminatesRun(t *testing.T) {
	f := startFixture(t, nil)
	f.transport.Emit(session.TransportEvent{Type: session.EventRegisterFailed, Err: session.ErrIdentityTaken})
	f.waitDone(t)

	assert.Equal(t, session.StateFailed, f.session.State())
	assert.ErrorIs(t, f.session.Err(), session.ErrIdentityTaken)
}

func TestDeviceFailureDiscardsSession(t *testing.T) {
	denied := &session.DeviceError{Reason: session.ErrDevicePermissionDenied}
	f := startFixture(t, nil)
	f.devices.FailOn(session.MediaConstraints{Audio: true, Video: true}, denied)
	f.devices.FailOn(session.MediaConstraints{Video: true}, denied)
	f.devices.FailOn(session.MediaConstraints{Audio: true}, denied)

	err := f.session.StartCall()
	assert.ErrorIs(t, err, session.ErrDevicePermissionDenied)

	f.waitDone(t)
	assert.Equal(t, session.StateFailed, f.session.State())
}

func TestVideoFallbackStillPlacesCall(t *testing.T) {
	busy := &session.DeviceError{Reason: session.ErrDeviceBusy}
	f := startFixture(t, nil)
	f.devices.FailOn(session.MediaConstraints{Audio: true, Video: true}, busy)
	f.devices.FailOn(session.MediaConstraints{Video: true}, busy)

	require.NoError(t, f.session.StartCall())
	require.Len(t, f.transport.PlaceCallCalls, 1)
	local := f.transport.PlaceCallCalls[0].Local
	assert.NotNil(t, local.AudioTrack())
	assert.Nil(t, local.VideoTrack(), "audio-only rung carried the call")
}

func TestContextCancelHangsUp(t *testing.T) {
	f := startFixture(t, nil)
	f.connect(t)

	f.cancel()
	f.waitDone(t)

	assert.Equal(t, session.StateEnded, f.session.State())
	assert.Equal(t, 1, f.store.UpsertCount())
}

// ctxSummarizer mirrors an HTTP-backed summarizer: a context that is
// already cancelled fails the request outright.
type ctxSummarizer struct {
	result *session.SummaryResult
}

func (s *ctxSummarizer) Summarize(ctx context.Context, _ session.SummaryRequest) (*session.SummaryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.result, nil
}

// ctxStore refuses upserts on a cancelled context, like any real
// persistence client would.
type ctxStore struct {
	*mocks.MockStore
}

func (s *ctxStore) UpsertTranscript(ctx context.Context, rec session.TranscriptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MockStore.UpsertTranscript(ctx, rec)
}

func TestContextCancelFinalizesWithLiveContext(t *testing.T) {
	// Cancelling Run is a hang-up trigger, not an abort: summarization
	// and persistence must still reach their boundaries with a context
	// that has not been cancelled.
	store := &ctxStore{MockStore: mocks.NewMockStore()}
	summarizer := &ctxSummarizer{result: &session.SummaryResult{
		Messages: []session.TranscriptEntry{{Speaker: session.RoleCounselor, Text: "hello"}},
		Summary:  "call ended by shutdown",
	}}
	f := startFixture(t, func(cfg *session.CallSessionConfig) {
		cfg.Finalizer = session.NewFinalizationPipeline(session.FinalizationPipelineConfig{
			AudioWaitTimeout:  30 * time.Millisecond,
			AudioPollInterval: 5 * time.Millisecond,
		}, summarizer, store, mocks.NewMockLogger())
	})
	f.connect(t)

	f.cancel()
	f.waitDone(t)

	assert.Equal(t, session.StateEnded, f.session.State())
	require.Equal(t, 1, store.UpsertCount())
	rec, _ := store.LastUpsert()
	assert.Equal(t, "call ended by shutdown", rec.Summary)
	require.Len(t, rec.Messages, 1)
}

func TestCommandsAfterTermination(t *testing.T) {
	f := startFixture(t, nil)
	f.connect(t)
	f.session.HangUp()
	f.waitDone(t)

	err := f.session.StartCall()
	assert.ErrorIs(t, err, session.ErrSessionTerminated)
	_, err = f.session.SendChat("too late")
	assert.ErrorIs(t, err, session.ErrSessionTerminated)
	f.session.HangUp() // still a no-op, never a panic
}

func TestCompositeRecordingOnlyWhenTerminal(t *testing.T) {
	f := startFixture(t, nil)
	remote := f.connect(t)

	_, _, ok := f.session.CompositeRecording()
	assert.False(t, ok, "no download while the call is live")

	// Feed a few frames so the composite pipeline produces media.
	base := time.Now()
	for i := 0; i < 5; i++ {
		remote.VideoTrack().WriteSample(session.Sample{
			Data:      make([]byte, 64),
			Timestamp: base.Add(time.Duration(i) * 66 * time.Millisecond),
			Keyframe:  i == 0,
		})
		time.Sleep(70 * time.Millisecond)
	}

	f.session.HangUp()
	f.waitDone(t)

	artifact, filename, ok := f.session.CompositeRecording()
	require.True(t, ok)
	assert.Greater(t, artifact.Size, 0)
	assert.Contains(t, filename, "counsel-c-100-")
	assert.Contains(t, filename, ".webm")
}
