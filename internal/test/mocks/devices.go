package mocks

import (
	"context"
	"sync"

	"github.com/sephinote7/testchat-sub000/pkg/session"
)

// MockDeviceProvider implements session.DeviceProvider. Tests inject
// per-constraint failures to exercise the capture fallback ladder.
type MockDeviceProvider struct {
	mu sync.Mutex

	// Failures maps a constraint combination to the error OpenTracks
	// returns for it. Combinations without an entry succeed.
	Failures map[session.MediaConstraints]error

	OpenCalls []session.MediaConstraints
	Opened    []*session.MediaStream
}

func NewMockDeviceProvider() *MockDeviceProvider {
	return &MockDeviceProvider{
		Failures: make(map[session.MediaConstraints]error),
	}
}

// FailOn makes OpenTracks return err for the given constraints.
func (m *MockDeviceProvider) FailOn(constraints session.MediaConstraints, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures[constraints] = err
}

func (m *MockDeviceProvider) OpenTracks(ctx context.Context, constraints session.MediaConstraints) (*session.MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenCalls = append(m.OpenCalls, constraints)
	if err, ok := m.Failures[constraints]; ok {
		return nil, err
	}

	var tracks []*session.MediaTrack
	if constraints.Audio {
		tracks = append(tracks, session.NewMediaTrack(session.TrackKindAudio, session.MimeTypeOpus))
	}
	if constraints.Video {
		tracks = append(tracks, session.NewMediaTrack(session.TrackKindVideo, session.MimeTypeVP8))
	}
	stream := session.NewMediaStream(tracks...)
	m.Opened = append(m.Opened, stream)
	return stream, nil
}

// OpenedStreams returns every stream handed out so far.
func (m *MockDeviceProvider) OpenedStreams() []*session.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*session.MediaStream{}, m.Opened...)
}

var _ session.DeviceProvider = (*MockDeviceProvider)(nil)
