package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Chat wire message kinds. The data channel carries exactly two kinds:
// chat text and the remote hang-up control signal.
const (
	chatKindMessage = "chat"
	chatKindEndCall = "control:end_call"
)

// chatWireMessage is the JSON envelope exchanged over the data channel.
type chatWireMessage struct {
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Sender    Role      `json:"sender,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DataSender sends one message payload over the peer data channel.
type DataSender interface {
	SendData(payload []byte) error
}

// ChatChannel implements the in-band message protocol multiplexed over the
// call's data connection. It offers no acknowledgement, retry or ordering
// guarantee beyond the in-order delivery of the underlying transport;
// message loss on abrupt disconnect is accepted.
//
// Outbound sends pass a token-bucket rate limiter so a misbehaving UI
// cannot flood the channel.
type ChatChannel struct {
	role    Role
	limiter *rate.Limiter
	logger  Logger

	mu     sync.Mutex
	sender DataSender
	closed bool
}

// ChatChannelConfig configures the outbound rate limit.
type ChatChannelConfig struct {
	// MessagesPerSecond caps sustained outbound chat. Zero uses 5.
	MessagesPerSecond float64

	// Burst is the token bucket size. Zero uses 10.
	Burst int
}

// NewChatChannel creates the chat protocol endpoint for the local role.
// The sender is attached later, when the transport reports the data
// channel open.
func NewChatChannel(role Role, cfg ChatChannelConfig, logger Logger) *ChatChannel {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &ChatChannel{
		role:    role,
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		logger:  logger,
	}
}

// Attach binds the data channel sender once the channel is open.
func (c *ChatChannel) Attach(sender DataSender) {
	c.mu.Lock()
	c.sender = sender
	c.closed = false
	c.mu.Unlock()
}

// Close detaches the sender. Subsequent sends fail with ErrChatClosed.
// Close is idempotent.
func (c *ChatChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.sender = nil
	c.mu.Unlock()
}

// Send transmits a chat message and returns the local transcript entry.
// The entry's timestamp is the local send time, which is also the
// transcript ordering key.
func (c *ChatChannel) Send(text string) (ChatMessage, error) {
	c.mu.Lock()
	sender := c.sender
	closed := c.closed
	c.mu.Unlock()
	if closed || sender == nil {
		return ChatMessage{}, ErrChatClosed
	}
	if !c.limiter.Allow() {
		return ChatMessage{}, ErrChatRateLimited
	}

	msg := ChatMessage{Sender: c.role, Text: text, Timestamp: time.Now()}
	payload, err := json.Marshal(chatWireMessage{
		Kind:      chatKindMessage,
		Text:      msg.Text,
		Sender:    msg.Sender,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return ChatMessage{}, fmt.Errorf("encode chat message: %w", err)
	}
	if err := sender.SendData(payload); err != nil {
		return ChatMessage{}, fmt.Errorf("send chat message: %w", err)
	}
	return msg, nil
}

// SendEndCall transmits the control:end_call signal so the remote side
// runs its hang-up transition without depending on transport-level close
// detection. Best effort: a failed send is logged, not retried, because
// the local teardown proceeds regardless.
func (c *ChatChannel) SendEndCall() {
	c.mu.Lock()
	sender := c.sender
	closed := c.closed
	c.mu.Unlock()
	if closed || sender == nil {
		return
	}
	payload, _ := json.Marshal(chatWireMessage{
		Kind:      chatKindEndCall,
		Sender:    c.role,
		Timestamp: time.Now(),
	})
	if err := sender.SendData(payload); err != nil {
		c.logger.Warn("end-call signal not delivered", "error", err)
	}
}

// Decode parses an inbound data channel payload. endCall is true for the
// control:end_call signal, in which case msg is zero. The receiving side
// must not re-send the control signal, or both peers would echo it
// forever.
func (c *ChatChannel) Decode(payload []byte) (msg ChatMessage, endCall bool, err error) {
	var wire chatWireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ChatMessage{}, false, fmt.Errorf("decode chat payload: %w", err)
	}
	switch wire.Kind {
	case chatKindEndCall:
		return ChatMessage{}, true, nil
	case chatKindMessage:
		// Transcript ordering is local receipt time, not the sender's
		// clock.
		return ChatMessage{Sender: wire.Sender, Text: wire.Text, Timestamp: time.Now()}, false, nil
	default:
		return ChatMessage{}, false, fmt.Errorf("unknown chat message kind %q", wire.Kind)
	}
}
