package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrackKind distinguishes audio and video tracks.
type TrackKind int

const (
	// TrackKindAudio indicates an audio track.
	TrackKindAudio TrackKind = iota

	// TrackKindVideo indicates a video track.
	TrackKindVideo
)

func (k TrackKind) String() string {
	if k == TrackKindAudio {
		return "audio"
	}
	return "video"
}

// Sample is one unit of media flowing through capture, transport and
// recording. Video samples carry encoded frames (or raw I420 planes when a
// device provider delivers raw frames, in which case Width and Height are
// set); audio samples carry encoded audio packets.
type Sample struct {
	// Data is the media payload.
	Data []byte

	// Timestamp is when the sample was captured or received.
	Timestamp time.Time

	// Duration is the playback duration this sample covers.
	Duration time.Duration

	// Keyframe is true for video keyframes.
	Keyframe bool

	// Width and Height are set for raw video frames (I420).
	Width, Height int
}

// MediaConstraints selects which device kinds to acquire.
type MediaConstraints struct {
	Audio bool
	Video bool
}

func (c MediaConstraints) String() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Video:
		return "video"
	case c.Audio:
		return "audio"
	default:
		return "none"
	}
}

// MediaTrack is a single audio or video track. Producers push samples with
// WriteSample; any number of consumers attach with Subscribe and receive
// every sample written while subscribed. Slow subscribers drop samples
// rather than block the producer.
type MediaTrack struct {
	id    string
	kind  TrackKind
	codec string // MIME type, e.g. "video/VP8", "audio/opus"

	mu      sync.Mutex
	subs    map[chan Sample]struct{}
	stopped bool
}

// NewMediaTrack creates a track of the given kind and codec MIME type.
func NewMediaTrack(kind TrackKind, codec string) *MediaTrack {
	return &MediaTrack{
		id:    uuid.NewString(),
		kind:  kind,
		codec: codec,
		subs:  make(map[chan Sample]struct{}),
	}
}

// ID returns the track's unique identifier.
func (t *MediaTrack) ID() string { return t.id }

// Kind returns whether this is an audio or video track.
func (t *MediaTrack) Kind() TrackKind { return t.kind }

// Codec returns the track's codec MIME type.
func (t *MediaTrack) Codec() string { return t.codec }

// WriteSample delivers a sample to every current subscriber. Writes to a
// stopped track are silently discarded.
func (t *MediaTrack) WriteSample(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for ch := range t.subs {
		select {
		case ch <- s:
		default: // subscriber too slow, drop
		}
	}
}

// Subscribe attaches a consumer to the track. The returned cancel function
// detaches the consumer and closes its channel; it is safe to call more
// than once.
func (t *MediaTrack) Subscribe() (<-chan Sample, func()) {
	ch := make(chan Sample, 64)
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			_, present := t.subs[ch]
			delete(t.subs, ch)
			t.mu.Unlock()
			if present {
				close(ch)
			}
		})
	}
}

// Stop ends the track, closing all subscriber channels. Stop is idempotent
// and safe to call on an already-stopped track.
func (t *MediaTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	for ch := range t.subs {
		close(ch)
		delete(t.subs, ch)
	}
}

// Stopped reports whether the track has been stopped.
func (t *MediaTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// MediaStream is a set of tracks acquired or received together.
type MediaStream struct {
	id     string
	tracks []*MediaTrack
}

// NewMediaStream groups tracks into a stream.
func NewMediaStream(tracks ...*MediaTrack) *MediaStream {
	return &MediaStream{id: uuid.NewString(), tracks: tracks}
}

// ID returns the stream's unique identifier.
func (s *MediaStream) ID() string { return s.id }

// Tracks returns all tracks in the stream.
func (s *MediaStream) Tracks() []*MediaTrack { return s.tracks }

// AudioTrack returns the first audio track, or nil.
func (s *MediaStream) AudioTrack() *MediaTrack {
	for _, t := range s.tracks {
		if t.kind == TrackKindAudio {
			return t
		}
	}
	return nil
}

// VideoTrack returns the first video track, or nil.
func (s *MediaStream) VideoTrack() *MediaTrack {
	for _, t := range s.tracks {
		if t.kind == TrackKindVideo {
			return t
		}
	}
	return nil
}

// addTrack appends a track to the stream. Used by transports assembling a
// remote stream as tracks arrive.
func (s *MediaStream) addTrack(t *MediaTrack) {
	s.tracks = append(s.tracks, t)
}

// DeviceProvider opens local capture devices. Implementations bridge to
// the platform's camera and microphone; tests use a mock provider.
type DeviceProvider interface {
	// OpenTracks acquires devices matching the constraints and returns a
	// stream of live tracks. Failures are reported as *DeviceError.
	OpenTracks(ctx context.Context, constraints MediaConstraints) (*MediaStream, error)
}

// MediaCapture acquires and releases local media with a descending
// capability ladder, tolerating partially available hardware.
type MediaCapture struct {
	provider DeviceProvider
	logger   Logger
}

// NewMediaCapture wraps a device provider.
func NewMediaCapture(provider DeviceProvider, logger Logger) *MediaCapture {
	if logger == nil {
		logger = defaultLogger()
	}
	return &MediaCapture{provider: provider, logger: logger}
}

// Acquire attempts the capability ladder full audio+video → video-only →
// audio-only and returns the first stream that succeeds. Rungs below the
// requested constraints are only attempted for the capabilities the caller
// asked for. The returned error is the failure of the last rung attempted.
func (c *MediaCapture) Acquire(ctx context.Context, constraints MediaConstraints) (*MediaStream, error) {
	ladder := captureLadder(constraints)
	if len(ladder) == 0 {
		return nil, &DeviceError{Reason: ErrDeviceNotFound, Constraints: constraints}
	}

	var lastErr error
	for _, rung := range ladder {
		stream, err := c.provider.OpenTracks(ctx, rung)
		if err == nil {
			c.logger.Info("local media acquired", "constraints", rung.String(), "stream", stream.ID())
			return stream, nil
		}
		lastErr = err
		c.logger.Warn("media acquisition rung failed", "constraints", rung.String(), "error", err)
	}
	return nil, fmt.Errorf("no capture capability available: %w", lastErr)
}

// Release stops every track in the stream. It is idempotent and safe to
// call with an already-released stream or nil.
func (c *MediaCapture) Release(stream *MediaStream) {
	if stream == nil {
		return
	}
	for _, t := range stream.Tracks() {
		t.Stop()
	}
}

// captureLadder expands the requested constraints into the descending rung
// list to attempt.
func captureLadder(constraints MediaConstraints) []MediaConstraints {
	var ladder []MediaConstraints
	if constraints.Audio && constraints.Video {
		ladder = append(ladder, MediaConstraints{Audio: true, Video: true})
	}
	if constraints.Video {
		ladder = append(ladder, MediaConstraints{Video: true})
	}
	if constraints.Audio {
		ladder = append(ladder, MediaConstraints{Audio: true})
	}
	return ladder
}
