package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *captureSender) SendData(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *captureSender) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.payloads...)
}

func TestChatSendBeforeAttach(t *testing.T) {
	c := NewChatChannel(RoleCounselor, ChatChannelConfig{}, nil)
	_, err := c.Send("hello")
	assert.ErrorIs(t, err, ErrChatClosed)
}

func TestChatSendAndDecode(t *testing.T) {
	sender := &captureSender{}
	counselor := NewChatChannel(RoleCounselor, ChatChannelConfig{}, nil)
	counselor.Attach(sender)

	msg, err := counselor.Send("how are you feeling today")
	require.NoError(t, err)
	assert.Equal(t, RoleCounselor, msg.Sender)
	assert.Equal(t, "how are you feeling today", msg.Text)
	assert.False(t, msg.Timestamp.IsZero())

	payloads := sender.sent()
	require.Len(t, payloads, 1)

	// The peer decodes the same payload off the wire.
	client := NewChatChannel(RoleClient, ChatChannelConfig{}, nil)
	decoded, endCall, err := client.Decode(payloads[0])
	require.NoError(t, err)
	assert.False(t, endCall)
	assert.Equal(t, RoleCounselor, decoded.Sender)
	assert.Equal(t, msg.Text, decoded.Text)
}

func TestChatRateLimit(t *testing.T) {
	sender := &captureSender{}
	c := NewChatChannel(RoleClient, ChatChannelConfig{MessagesPerSecond: 0.001, Burst: 2}, nil)
	c.Attach(sender)

	_, err := c.Send("one")
	require.NoError(t, err)
	_, err = c.Send("two")
	require.NoError(t, err)
	_, err = c.Send("three")
	assert.ErrorIs(t, err, ErrChatRateLimited)
}

func TestChatCloseIdempotent(t *testing.T) {
	sender := &captureSender{}
	c := NewChatChannel(RoleCounselor, ChatChannelConfig{}, nil)
	c.Attach(sender)
	c.Close()
	c.Close()

	_, err := c.Send("after close")
	assert.ErrorIs(t, err, ErrChatClosed)
}

func TestChatEndCallSignal(t *testing.T) {
	sender := &captureSender{}
	counselor := NewChatChannel(RoleCounselor, ChatChannelConfig{}, nil)
	counselor.Attach(sender)
	counselor.SendEndCall()

	payloads := sender.sent()
	require.Len(t, payloads, 1)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(payloads[0], &wire))
	assert.Equal(t, "control:end_call", wire["kind"])

	client := NewChatChannel(RoleClient, ChatChannelConfig{}, nil)
	msg, endCall, err := client.Decode(payloads[0])
	require.NoError(t, err)
	assert.True(t, endCall)
	assert.Zero(t, msg)
}

func TestChatEndCallBestEffort(t *testing.T) {
	sender := &captureSender{err: errors.New("channel gone")}
	c := NewChatChannel(RoleCounselor, ChatChannelConfig{}, nil)
	c.Attach(sender)

	// A failed control send must not panic or block; teardown proceeds
	// regardless.
	c.SendEndCall()
}

func TestChatDecodeRejectsGarbage(t *testing.T) {
	c := NewChatChannel(RoleClient, ChatChannelConfig{}, nil)

	_, _, err := c.Decode([]byte("not json"))
	assert.Error(t, err)

	_, _, err = c.Decode([]byte(`{"kind":"something_else"}`))
	assert.Error(t, err)
}
