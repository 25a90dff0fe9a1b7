package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// CallSessionConfig assembles the collaborators of one call attempt.
type CallSessionConfig struct {
	// Counsel is the scheduling record the session belongs to. Only the
	// participants and the id are read.
	Counsel CounselRecord

	// Role is the local party's role in the session.
	Role Role

	// PersistRole selects which party runs the finalization pipeline.
	// Zero value uses RoleCounselor, the domain default.
	PersistRole Role

	// Transport is the peer-connection broker boundary.
	Transport PeerTransport

	// Capture acquires and releases local media.
	Capture *MediaCapture

	// Recorder configuration and optional overrides.
	RecorderConfig RecorderConfig
	EncoderFactory EncoderFactory
	Composer       SurfaceComposer

	// Chat rate limit configuration.
	Chat ChatChannelConfig

	// Finalizer runs the post-hang-up pipeline. May be nil, in which case
	// nothing is persisted regardless of role.
	Finalizer *FinalizationPipeline

	// OnChatMessage surfaces transcript entries to the UI as they are
	// appended. Called from the session event loop; must not block.
	OnChatMessage func(ChatMessage)

	// OnStateChange surfaces lifecycle transitions. Called from the
	// session event loop; must not block.
	OnStateChange func(CallState)

	Logger Logger
}

// CallSession is the state machine coordinating the peer transport, local
// media, the remote stream, recording and chat for exactly one call
// attempt between the local identity and one remote identity.
//
// All mutation happens on a single event loop goroutine; public methods
// post commands into the loop's inbox. At most one session may be
// connected per local identity: a second start-call while the session is
// not idle is rejected, never queued.
type CallSession struct {
	cfg      CallSessionConfig
	localID  PeerID
	remoteID PeerID
	logger   Logger

	chat *ChatChannel

	commands chan sessionCommand
	done     chan struct{}

	mu            sync.RWMutex
	state         CallState
	localStream   *MediaStream
	remoteStream  *MediaStream
	recorder      *Recorder
	transcript    []ChatMessage
	stats         SessionStats
	startedAt     time.Time
	connectedAt   time.Time
	everConnected bool
	cleaned       bool
	finalized     bool
	lastErr       error
}

type sessionCommand struct {
	kind  commandKind
	text  string
	reply chan commandResult
}

type commandKind int

const (
	cmdStartCall commandKind = iota
	cmdSendChat
	cmdHangUp
)

type commandResult struct {
	msg ChatMessage
	err error
}

// NewCallSession derives both peer identities from the counsel record and
// prepares the session in the Idle state. Run must be called to process
// events.
func NewCallSession(cfg CallSessionConfig) (*CallSession, error) {
	localAccount, remoteAccount := cfg.Counsel.CounselorEmail, cfg.Counsel.ClientEmail
	if cfg.Role == RoleClient {
		localAccount, remoteAccount = remoteAccount, localAccount
	}
	localID, err := ToPeerID(localAccount)
	if err != nil {
		return nil, err
	}
	remoteID, err := ToPeerID(remoteAccount)
	if err != nil {
		return nil, err
	}
	if cfg.PersistRole == "" {
		cfg.PersistRole = RoleCounselor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	return &CallSession{
		cfg:      cfg,
		localID:  localID,
		remoteID: remoteID,
		logger:   logger,
		chat:     NewChatChannel(cfg.Role, cfg.Chat, logger),
		commands: make(chan sessionCommand, 16),
		done:     make(chan struct{}),
		state:    StateIdle,
	}, nil
}

// LocalPeerID returns the local party's broker identity.
func (s *CallSession) LocalPeerID() PeerID { return s.localID }

// RemotePeerID returns the remote party's broker identity.
func (s *CallSession) RemotePeerID() PeerID { return s.remoteID }

// State returns the current lifecycle state.
func (s *CallSession) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transcript returns a copy of the locally merged chat transcript.
func (s *CallSession) Transcript() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// TranscriptJSON exports the locally merged transcript as a JSON
// document, independent of summarization or persistence.
func (s *CallSession) TranscriptJSON() ([]byte, error) {
	return json.MarshalIndent(s.Transcript(), "", "  ")
}

// Stats returns the session counters accumulated so far.
func (s *CallSession) Stats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Err returns the error that moved the session to Failed, if any.
func (s *CallSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Done is closed when the session has reached a terminal state and all
// finalization work has completed.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// CompositeRecording returns the downloadable composite artifact and its
// deterministic filename. ok is false while the call is live or when the
// composite pipeline was unavailable.
func (s *CallSession) CompositeRecording() (artifact RecordingArtifact, filename string, ok bool) {
	s.mu.RLock()
	recorder := s.recorder
	startedAt := s.startedAt
	terminal := s.state.Terminal()
	s.mu.RUnlock()
	if !terminal || recorder == nil {
		return RecordingArtifact{}, "", false
	}
	artifact, ok = recorder.CompositeArtifact()
	if !ok {
		return RecordingArtifact{}, "", false
	}
	return artifact, DownloadFilename(s.cfg.Counsel.ID, startedAt), true
}

// Run registers the local identity with the broker and processes events
// until the session terminates or the context is cancelled. Context
// cancellation is a hang-up trigger, not an abort: cleanup runs before
// Run returns.
func (s *CallSession) Run(ctx context.Context) error {
	if err := s.cfg.Transport.Register(ctx, s.localID); err != nil {
		s.fail(err)
		close(s.done)
		return err
	}

	defer close(s.done)
	events := s.cfg.Transport.Events()

	for {
		s.mu.RLock()
		terminal := s.state.Terminal()
		s.mu.RUnlock()
		if terminal {
			return nil
		}

		select {
		case <-ctx.Done():
			s.hangUp(ctx, false)
			return nil

		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)

		case ev, ok := <-events:
			if !ok {
				s.handleTransportEvent(ctx, TransportEvent{Type: EventClosed, Err: ErrTransportClosed})
				continue
			}
			s.handleTransportEvent(ctx, ev)
		}
	}
}

// StartCall initiates an outbound call to the remote identity. Rejected
// with ErrCallInProgress when the session is not idle.
func (s *CallSession) StartCall() error {
	res, err := s.submit(sessionCommand{kind: cmdStartCall, reply: make(chan commandResult, 1)})
	if err != nil {
		return err
	}
	return res.err
}

// SendChat transmits a chat message and appends it to the local
// transcript, returning the transcript entry.
func (s *CallSession) SendChat(text string) (ChatMessage, error) {
	res, err := s.submit(sessionCommand{kind: cmdSendChat, text: text, reply: make(chan commandResult, 1)})
	if err != nil {
		return ChatMessage{}, err
	}
	return res.msg, res.err
}

// HangUp ends the call. Safe to call from any state and at any time;
// invoking it repeatedly has no further effect.
func (s *CallSession) HangUp() {
	select {
	case s.commands <- sessionCommand{kind: cmdHangUp}:
	case <-s.done:
	}
}

func (s *CallSession) submit(cmd sessionCommand) (commandResult, error) {
	select {
	case s.commands <- cmd:
	case <-s.done:
		return commandResult{}, ErrSessionTerminated
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-s.done:
		return commandResult{}, ErrSessionTerminated
	}
}

// ---- event loop internals; everything below runs on the loop goroutine ----

func (s *CallSession) handleCommand(ctx context.Context, cmd sessionCommand) {
	switch cmd.kind {
	case cmdStartCall:
		cmd.reply <- commandResult{err: s.startOutbound(ctx)}
	case cmdSendChat:
		msg, err := s.sendChat(cmd.text)
		cmd.reply <- commandResult{msg: msg, err: err}
	case cmdHangUp:
		s.hangUp(ctx, false)
	}
}

func (s *CallSession) handleTransportEvent(ctx context.Context, ev TransportEvent) {
	switch ev.Type {
	case EventRegistered:
		s.logger.Info("peer identity registered", "peer_id", s.localID)

	case EventRegisterFailed:
		s.fail(ev.Err)

	case EventIncomingCall:
		s.answerInbound(ctx, ev)

	case EventRemoteStream:
		s.connect(ev.Stream)

	case EventChatOpen:
		s.chat.Attach(ev.Sender)
		s.logger.Debug("chat channel open", "remote", s.remoteID)

	case EventChatMessage:
		s.receiveChat(ctx, ev.Payload)

	case EventError:
		s.fail(ev.Err)

	case EventClosed:
		if ev.Err != nil {
			// Mid-call disconnect: implicit hang-up, same cleanup path.
			s.fail(ev.Err)
		} else {
			s.hangUp(ctx, true)
		}
	}
}

// startOutbound drives Idle → Acquiring → Calling for the caller side.
func (s *CallSession) startOutbound(ctx context.Context) error {
	if s.State() != StateIdle {
		return ErrCallInProgress
	}
	s.setState(StateAcquiring)
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	stream, err := s.cfg.Capture.Acquire(ctx, MediaConstraints{Audio: true, Video: true})
	if err != nil {
		// Device failure discards the session; no automatic retry.
		s.fail(err)
		return err
	}
	s.mu.Lock()
	s.localStream = stream
	s.mu.Unlock()

	if err := s.cfg.Transport.PlaceCall(ctx, s.remoteID, stream); err != nil {
		s.fail(err)
		return err
	}
	if err := s.cfg.Transport.OpenChat(ctx, s.remoteID); err != nil {
		s.fail(err)
		return err
	}
	s.setState(StateCalling)
	return nil
}

// answerInbound drives Idle → Acquiring → Ringing for the callee side.
// Inbound calls are auto-answered; a call arriving while another attempt
// is in flight is ignored.
func (s *CallSession) answerInbound(ctx context.Context, ev TransportEvent) {
	if s.State() != StateIdle {
		s.logger.Warn("inbound call ignored, session busy", "from", ev.From, "state", s.State().String())
		return
	}
	s.setState(StateAcquiring)
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	stream, err := s.cfg.Capture.Acquire(ctx, MediaConstraints{Audio: true, Video: true})
	if err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	s.localStream = stream
	s.mu.Unlock()

	if err := s.cfg.Transport.Accept(ctx, ev.CallID, stream); err != nil {
		s.fail(err)
		return
	}
	s.setState(StateRinging)
}

// connect handles remote stream arrival: Calling/Ringing → Connected.
// Recorder and chat are both active from this instant.
func (s *CallSession) connect(remote *MediaStream) {
	state := s.State()
	if state != StateCalling && state != StateRinging {
		s.logger.Warn("remote stream in unexpected state", "state", state.String())
		return
	}

	s.mu.Lock()
	s.remoteStream = remote
	s.connectedAt = time.Now()
	s.everConnected = true
	local := s.localStream
	recorder := NewRecorder(s.cfg.RecorderConfig, s.cfg.EncoderFactory, s.cfg.Composer, s.logger)
	s.recorder = recorder
	s.mu.Unlock()

	s.setState(StateConnected)

	if err := recorder.Start(local, remote); err != nil {
		// Non-fatal: the call proceeds without a download artifact. The
		// audio pipelines were attempted independently.
		s.logger.Warn("recording unavailable, call continues", "error", err)
	}
	s.logger.Info("call connected",
		"counsel_id", s.cfg.Counsel.ID,
		"remote", s.remoteID)
}

func (s *CallSession) sendChat(text string) (ChatMessage, error) {
	if s.State() != StateConnected {
		return ChatMessage{}, ErrChatClosed
	}
	msg, err := s.chat.Send(text)
	if err != nil {
		return ChatMessage{}, err
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.stats.MessagesSent++
	s.mu.Unlock()
	if s.cfg.OnChatMessage != nil {
		s.cfg.OnChatMessage(msg)
	}
	return msg, nil
}

func (s *CallSession) receiveChat(ctx context.Context, payload []byte) {
	msg, endCall, err := s.chat.Decode(payload)
	if err != nil {
		s.logger.Warn("undecodable chat payload dropped", "error", err)
		return
	}
	if endCall {
		// The remote side hung up; run the local transition without
		// re-sending the control signal.
		s.hangUp(ctx, true)
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.stats.MessagesReceived++
	s.mu.Unlock()
	if s.cfg.OnChatMessage != nil {
		s.cfg.OnChatMessage(msg)
	}
}

// hangUp runs Connected → Ending → Ended (or the equivalent from any
// earlier state). fromRemote suppresses the end-call control signal so
// the two peers cannot echo it back and forth. Repeated invocations are
// no-ops: the Ending transition is consumed exactly once.
func (s *CallSession) hangUp(ctx context.Context, fromRemote bool) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateEnding {
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	if s.everConnected {
		s.stats.ConnectedDuration = time.Since(s.connectedAt)
	}
	s.mu.Unlock()
	s.notifyState(StateEnding)

	if !fromRemote {
		// Tell the peer before closing our own transport so it can
		// transition without relying on transport-level close detection.
		s.chat.SendEndCall()
	}

	s.cleanup()
	s.setState(StateEnded)
	// The hang-up may itself be driven by ctx cancellation; finalization
	// still has to reach the summarization and persistence boundaries.
	s.finalize(context.WithoutCancel(ctx))
	s.logSessionStats()
}

// fail moves the session to Failed from any non-terminal state, running
// the same resource release as a hang-up. Finalization still runs when
// the call had reached Connected at least once.
func (s *CallSession) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	if s.everConnected {
		s.stats.ConnectedDuration = time.Since(s.connectedAt)
	}
	s.mu.Unlock()

	s.logger.Error("session failed", "counsel_id", s.cfg.Counsel.ID, "error", err)
	s.cleanup()
	s.setState(StateFailed)
	s.finalize(context.Background())
	s.logSessionStats()
}

// cleanup releases every held resource in the mandated order: media
// tracks, recorders, data channel, call object. It runs on every exit
// path and is idempotent.
func (s *CallSession) cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	local, remote, recorder := s.localStream, s.remoteStream, s.recorder
	s.mu.Unlock()

	s.cfg.Capture.Release(local)
	if remote != nil {
		for _, t := range remote.Tracks() {
			t.Stop()
		}
	}
	if recorder != nil {
		recorder.Stop()
	}
	s.chat.Close()
	if err := s.cfg.Transport.Close(); err != nil {
		s.logger.Warn("transport close", "error", err)
	}
}

// finalize schedules the one-shot finalization pipeline. It runs at most
// once per session, only when the call ever connected, and only for the
// party responsible for persistence.
func (s *CallSession) finalize(ctx context.Context) {
	s.mu.Lock()
	if s.finalized || !s.everConnected {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	recorder := s.recorder
	transcript := make([]ChatMessage, len(s.transcript))
	copy(transcript, s.transcript)
	s.mu.Unlock()

	if s.cfg.Role != s.cfg.PersistRole || s.cfg.Finalizer == nil {
		return
	}

	input := FinalizationInput{
		CounselID:      s.cfg.Counsel.ID,
		Role:           s.cfg.Role,
		CounselorEmail: s.cfg.Counsel.CounselorEmail,
		ClientEmail:    s.cfg.Counsel.ClientEmail,
		Transcript:     transcript,
	}
	if recorder != nil {
		input.AudioArtifacts = func() (RecordingArtifact, RecordingArtifact) {
			return recorder.LocalAudioArtifact(), recorder.RemoteAudioArtifact()
		}
	}
	if err := s.cfg.Finalizer.Run(ctx, input); err != nil {
		s.logger.Error("finalization failed", "counsel_id", s.cfg.Counsel.ID, "error", err)
	}
}

func (s *CallSession) setState(state CallState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.notifyState(state)
}

func (s *CallSession) notifyState(state CallState) {
	s.logger.Debug("session state", "state", state.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state)
	}
}

func (s *CallSession) logSessionStats() {
	stats := s.Stats()
	if recorder := s.currentRecorder(); recorder != nil {
		if a, ok := recorder.CompositeArtifact(); ok {
			stats.CompositeBytes = a.Size
		}
		stats.LocalAudioBytes = recorder.LocalAudioArtifact().Size
		stats.RemoteAudioBytes = recorder.RemoteAudioArtifact().Size
		s.mu.Lock()
		s.stats = stats
		s.mu.Unlock()
	}
	s.logger.Info("session finished",
		"counsel_id", s.cfg.Counsel.ID,
		"state", s.State().String(),
		"messages_sent", stats.MessagesSent,
		"messages_received", stats.MessagesReceived,
		"connected_for", stats.ConnectedDuration,
		"composite_bytes", stats.CompositeBytes)
}

func (s *CallSession) currentRecorder() *Recorder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recorder
}
