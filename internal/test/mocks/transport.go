package mocks

import (
	"context"
	"sync"

	"github.com/sephinote7/testchat-sub000/pkg/session"
)

// MockTransport implements session.PeerTransport for testing. Tests drive
// the session by pushing events through Emit and inspect the recorded
// calls afterwards.
type MockTransport struct {
	mu sync.Mutex

	events     chan session.TransportEvent
	eventsOnce sync.Once

	RegisterCalls  []session.PeerID
	PlaceCallCalls []PlaceCallRecord
	AcceptCalls    []AcceptRecord
	OpenChatCalls  []session.PeerID
	CloseCalls     int

	RegisterErr  error
	PlaceCallErr error
	AcceptErr    error
	OpenChatErr  error
	CloseErr     error
}

type PlaceCallRecord struct {
	Remote session.PeerID
	Local  *session.MediaStream
}

type AcceptRecord struct {
	CallID string
	Local  *session.MediaStream
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		events: make(chan session.TransportEvent, 16),
	}
}

func (m *MockTransport) Register(ctx context.Context, id session.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RegisterCalls = append(m.RegisterCalls, id)
	return m.RegisterErr
}

func (m *MockTransport) PlaceCall(ctx context.Context, remote session.PeerID, local *session.MediaStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlaceCallCalls = append(m.PlaceCallCalls, PlaceCallRecord{Remote: remote, Local: local})
	return m.PlaceCallErr
}

func (m *MockTransport) Accept(ctx context.Context, callID string, local *session.MediaStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AcceptCalls = append(m.AcceptCalls, AcceptRecord{CallID: callID, Local: local})
	return m.AcceptErr
}

func (m *MockTransport) OpenChat(ctx context.Context, remote session.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenChatCalls = append(m.OpenChatCalls, remote)
	return m.OpenChatErr
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return m.CloseErr
}

func (m *MockTransport) Events() <-chan session.TransportEvent {
	return m.events
}

// Emit delivers an event to the session under test.
func (m *MockTransport) Emit(ev session.TransportEvent) {
	m.events <- ev
}

// CloseEvents closes the event stream, simulating transport shutdown.
// Safe to call more than once.
func (m *MockTransport) CloseEvents() {
	m.eventsOnce.Do(func() { close(m.events) })
}

// CloseCount returns how many times Close was called.
func (m *MockTransport) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

var _ session.PeerTransport = (*MockTransport)(nil)
