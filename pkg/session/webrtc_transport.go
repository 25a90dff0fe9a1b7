package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// broker wire message types. The broker relays JSON envelopes between
// registered peers; it never inspects SDP or candidate payloads.
const (
	brokerTypeRegister   = "register"
	brokerTypeRegistered = "registered"
	brokerTypeError      = "error"
	brokerTypeOffer      = "offer"
	brokerTypeAnswer     = "answer"
	brokerTypeCandidate  = "candidate"
	brokerTypeLeave      = "leave"
)

// broker error reasons.
const (
	brokerReasonIDTaken     = "id-taken"
	brokerReasonUnavailable = "peer-unavailable"
)

// brokerMessage is the JSON envelope exchanged with the broker.
type brokerMessage struct {
	Type      string `json:"type"`
	Src       string `json:"src,omitempty"`
	Dst       string `json:"dst,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BrokerTransportConfig configures the websocket broker transport.
type BrokerTransportConfig struct {
	// URL is the broker websocket endpoint, e.g. "wss://broker/peers".
	URL string

	// HandshakeTimeout bounds the websocket dial. Zero uses 10s.
	HandshakeTimeout time.Duration

	// ICEServers are the STUN/TURN servers for connection establishment.
	// Nil uses a public STUN default.
	ICEServers []webrtc.ICEServer

	Logger Logger
}

// BrokerTransport implements PeerTransport over a websocket signaling
// broker and a pion RTCPeerConnection. It owns one registration and at
// most one peer connection; media flows through MediaTrack fan-out in
// both directions.
type BrokerTransport struct {
	cfg    BrokerTransportConfig
	logger Logger

	events chan TransportEvent

	writeMu sync.Mutex // protects websocket writes
	conn    *websocket.Conn

	mu            sync.Mutex
	localID       PeerID
	pc            *webrtc.PeerConnection
	remoteStream  *MediaStream
	streamEmitted bool
	pendingOffers map[string]brokerMessage
	pumpCancels   []func()
	closed        bool
	eventsClosed  bool

	closeOnce sync.Once
}

// NewBrokerTransport creates an unconnected transport. Register dials the
// broker.
func NewBrokerTransport(cfg BrokerTransportConfig) *BrokerTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	return &BrokerTransport{
		cfg:           cfg,
		logger:        logger,
		events:        make(chan TransportEvent, 32),
		pendingOffers: make(map[string]brokerMessage),
	}
}

// Events returns the transport event stream. The channel is closed when
// the transport shuts down.
func (t *BrokerTransport) Events() <-chan TransportEvent { return t.events }

// Register dials the broker and announces the local identity. The
// registration outcome arrives as EventRegistered or EventRegisterFailed.
func (t *BrokerTransport) Register(ctx context.Context, id PeerID) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial broker: %s", ErrTransportClosed, err.Error())
	}

	t.mu.Lock()
	t.conn = conn
	t.localID = id
	t.mu.Unlock()

	if err := t.send(brokerMessage{Type: brokerTypeRegister, Src: id.String()}); err != nil {
		return err
	}
	go t.readLoop()
	return nil
}

// PlaceCall builds the peer connection with the local stream and the chat
// data channel attached, then sends the SDP offer through the broker.
// The data channel rides the same offer, so OpenChat is a no-op on the
// caller side.
func (t *BrokerTransport) PlaceCall(ctx context.Context, remote PeerID, local *MediaStream) error {
	pc, err := t.newPeerConnection(local)
	if err != nil {
		return err
	}

	dc, err := pc.CreateDataChannel("chat", nil)
	if err != nil {
		return fmt.Errorf("%w: create data channel: %s", ErrTransportClosed, err.Error())
	}
	t.bindDataChannel(dc)

	callID := uuid.NewString()
	t.registerSignaling(pc, remote, callID)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %s", ErrTransportClosed, err.Error())
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %s", ErrTransportClosed, err.Error())
	}

	t.mu.Lock()
	localID := t.localID
	t.mu.Unlock()
	return t.send(brokerMessage{
		Type:   brokerTypeOffer,
		Src:    localID.String(),
		Dst:    remote.String(),
		CallID: callID,
		SDP:    offer.SDP,
	})
}

// Accept answers the pending inbound offer identified by callID with the
// local stream attached. The caller's data channel arrives through
// OnDataChannel and surfaces as EventChatOpen.
func (t *BrokerTransport) Accept(ctx context.Context, callID string, local *MediaStream) error {
	t.mu.Lock()
	offer, ok := t.pendingOffers[callID]
	delete(t.pendingOffers, callID)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown call %q", ErrPeerUnreachable, callID)
	}

	pc, err := t.newPeerConnection(local)
	if err != nil {
		return err
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.bindDataChannel(dc)
	})
	t.registerSignaling(pc, PeerID(offer.Src), callID)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("%w: set remote offer: %s", ErrTransportClosed, err.Error())
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %s", ErrTransportClosed, err.Error())
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local description: %s", ErrTransportClosed, err.Error())
	}

	t.mu.Lock()
	localID := t.localID
	t.mu.Unlock()
	return t.send(brokerMessage{
		Type:   brokerTypeAnswer,
		Src:    localID.String(),
		Dst:    offer.Src,
		CallID: callID,
		SDP:    answer.SDP,
	})
}

// OpenChat is satisfied during PlaceCall on the caller side (the channel
// is negotiated in the same offer) and by OnDataChannel on the callee
// side, so it never needs a renegotiation round.
func (t *BrokerTransport) OpenChat(ctx context.Context, remote PeerID) error {
	return nil
}

// Close tears down the peer connection, notifies the broker and closes
// the websocket. Idempotent.
func (t *BrokerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		pc := t.pc
		conn := t.conn
		localID := t.localID
		cancels := t.pumpCancels
		t.pumpCancels = nil
		t.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
		if conn != nil {
			_ = t.send(brokerMessage{Type: brokerTypeLeave, Src: localID.String()})
		}
		if pc != nil {
			_ = pc.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

// ---- internals ----

func (t *BrokerTransport) send(msg brokerMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode broker message: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %s", ErrTransportClosed, err.Error())
	}
	return nil
}

// emit delivers an event unless the stream has already shut down. The
// lock is held across the send so no producer can race the channel close
// in closeEvents.
func (t *BrokerTransport) emit(ev TransportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eventsClosed || (t.closed && ev.Type != EventClosed) {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("transport event dropped, inbox full", "type", ev.Type)
	}
}

func (t *BrokerTransport) closeEvents() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.eventsClosed {
		t.eventsClosed = true
		close(t.events)
	}
}

// readLoop consumes broker envelopes until the websocket dies.
func (t *BrokerTransport) readLoop() {
	defer t.closeEvents()
	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			deliberate := t.closed
			t.mu.Unlock()
			if !deliberate {
				t.emit(TransportEvent{Type: EventClosed, Err: fmt.Errorf("%w: %s", ErrTransportClosed, err.Error())})
			}
			return
		}

		var msg brokerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.logger.Warn("undecodable broker message dropped", "error", err)
			continue
		}
		t.handleBrokerMessage(msg)
	}
}

func (t *BrokerTransport) handleBrokerMessage(msg brokerMessage) {
	switch msg.Type {
	case brokerTypeRegistered:
		t.emit(TransportEvent{Type: EventRegistered})

	case brokerTypeError:
		t.emit(brokerErrorEvent(msg.Reason))

	case brokerTypeOffer:
		t.mu.Lock()
		t.pendingOffers[msg.CallID] = msg
		t.mu.Unlock()
		t.emit(TransportEvent{Type: EventIncomingCall, From: PeerID(msg.Src), CallID: msg.CallID})

	case brokerTypeAnswer:
		t.mu.Lock()
		pc := t.pc
		t.mu.Unlock()
		if pc == nil {
			return
		}
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
		if err := pc.SetRemoteDescription(desc); err != nil {
			t.emit(TransportEvent{Type: EventError, Err: fmt.Errorf("%w: set remote answer: %s", ErrTransportClosed, err.Error())})
		}

	case brokerTypeCandidate:
		t.mu.Lock()
		pc := t.pc
		t.mu.Unlock()
		if pc == nil {
			return
		}
		if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Candidate}); err != nil {
			t.logger.Warn("ICE candidate rejected", "error", err)
		}

	case brokerTypeLeave:
		// The peer's transport went away. A graceful hang-up arrives
		// in-band before this; anything else is a mid-call disconnect.
		t.emit(TransportEvent{Type: EventClosed, Err: ErrTransportClosed})

	default:
		t.logger.Debug("unknown broker message ignored", "type", msg.Type)
	}
}

func brokerErrorEvent(reason string) TransportEvent {
	switch reason {
	case brokerReasonIDTaken:
		return TransportEvent{Type: EventRegisterFailed, Err: ErrIdentityTaken}
	case brokerReasonUnavailable:
		return TransportEvent{Type: EventError, Err: ErrPeerUnreachable}
	default:
		return TransportEvent{Type: EventError, Err: &Error{Code: "TRANSPORT_ERROR", Message: reason}}
	}
}

// newPeerConnection builds the RTCPeerConnection, attaches the local
// stream's tracks and hooks remote track arrival.
func (t *BrokerTransport) newPeerConnection(local *MediaStream) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %s", ErrTransportClosed, err.Error())
	}

	t.mu.Lock()
	t.pc = pc
	t.remoteStream = NewMediaStream()
	t.streamEmitted = false
	t.mu.Unlock()

	if local != nil {
		for _, track := range local.Tracks() {
			if err := t.pumpLocalTrack(pc, local, track); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.handleRemoteTrack(remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.mu.Lock()
			deliberate := t.closed
			t.mu.Unlock()
			if !deliberate {
				t.emit(TransportEvent{Type: EventClosed, Err: ErrTransportClosed})
			}
		}
	})

	return pc, nil
}

// registerSignaling forwards local ICE candidates to the peer through the
// broker.
func (t *BrokerTransport) registerSignaling(pc *webrtc.PeerConnection, remote PeerID, callID string) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		localID := t.localID
		t.mu.Unlock()
		_ = t.send(brokerMessage{
			Type:      brokerTypeCandidate,
			Src:       localID.String(),
			Dst:       remote.String(),
			CallID:    callID,
			Candidate: c.ToJSON().Candidate,
		})
	})
}

// pumpLocalTrack bridges one local MediaTrack onto the peer connection.
func (t *BrokerTransport) pumpLocalTrack(pc *webrtc.PeerConnection, stream *MediaStream, track *MediaTrack) error {
	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: track.Codec()},
		track.ID(), stream.ID(),
	)
	if err != nil {
		return fmt.Errorf("%w: local track: %s", ErrTransportClosed, err.Error())
	}
	if _, err := pc.AddTrack(out); err != nil {
		return fmt.Errorf("%w: add track: %s", ErrTransportClosed, err.Error())
	}

	ch, cancel := track.Subscribe()
	t.mu.Lock()
	t.pumpCancels = append(t.pumpCancels, cancel)
	t.mu.Unlock()

	go func() {
		for s := range ch {
			dur := s.Duration
			if dur <= 0 {
				dur = 20 * time.Millisecond
			}
			if err := out.WriteSample(media.Sample{Data: s.Data, Duration: dur}); err != nil {
				return
			}
		}
	}()
	return nil
}

// handleRemoteTrack assembles RTP packets from a remote track into
// samples and feeds them into the remote MediaStream. The stream itself
// is surfaced once, on the first track, which is the session's Connected
// trigger.
func (t *BrokerTransport) handleRemoteTrack(remote *webrtc.TrackRemote) {
	kind := TrackKindAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackKindVideo
	}
	track := NewMediaTrack(kind, remote.Codec().MimeType)

	t.mu.Lock()
	stream := t.remoteStream
	stream.addTrack(track)
	first := !t.streamEmitted
	t.streamEmitted = true
	t.mu.Unlock()

	go t.depacketize(remote, track)

	if first {
		t.emit(TransportEvent{Type: EventRemoteStream, Stream: stream})
	}
}

// depacketize reads RTP until the track ends, reassembling full frames
// (video) or passing packets through (audio).
func (t *BrokerTransport) depacketize(remote *webrtc.TrackRemote, track *MediaTrack) {
	defer track.Stop()

	clockRate := int64(remote.Codec().ClockRate)
	if clockRate == 0 {
		clockRate = 90000
	}
	isVP8 := strings.EqualFold(remote.Codec().MimeType, webrtc.MimeTypeVP8)

	var frame []byte
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		tsMs := int64(pkt.Timestamp) / (clockRate / 1000)

		if track.Kind() == TrackKindAudio {
			track.WriteSample(Sample{
				Data:      append([]byte(nil), pkt.Payload...),
				Timestamp: time.UnixMilli(tsMs),
				Duration:  20 * time.Millisecond,
			})
			continue
		}

		payload := pkt.Payload
		if isVP8 {
			var vp8 codecs.VP8Packet
			body, err := vp8.Unmarshal(pkt.Payload)
			if err != nil {
				continue
			}
			payload = body
		}
		frame = append(frame, payload...)
		if !pkt.Marker {
			continue
		}

		keyframe := len(frame) > 0 && frame[0]&0x01 == 0 // VP8 P bit
		track.WriteSample(Sample{
			Data:      frame,
			Timestamp: time.UnixMilli(tsMs),
			Keyframe:  keyframe,
		})
		frame = nil
	}
}

// bindDataChannel surfaces the chat channel once it opens and forwards
// inbound payloads as events.
func (t *BrokerTransport) bindDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		t.emit(TransportEvent{Type: EventChatOpen, Sender: &dataChannelSender{dc: dc}})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(TransportEvent{Type: EventChatMessage, Payload: append([]byte(nil), msg.Data...)})
	})
}

// dataChannelSender adapts a pion data channel to DataSender.
type dataChannelSender struct {
	dc *webrtc.DataChannel
}

func (s *dataChannelSender) SendData(payload []byte) error {
	if err := s.dc.Send(payload); err != nil {
		return fmt.Errorf("%w: %s", ErrChatClosed, err.Error())
	}
	return nil
}

var _ PeerTransport = (*BrokerTransport)(nil)
