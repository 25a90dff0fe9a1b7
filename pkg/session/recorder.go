package session

import (
	"fmt"
	"sync"
	"time"
)

// RecorderConfig carries the fixed recording constants. Resolution, frame
// rate and bitrates are configuration, not negotiated with the peer.
type RecorderConfig struct {
	// Width and Height are the composite surface dimensions.
	Width, Height int

	// FrameRate is the composite capture rate in frames per second.
	FrameRate int

	// VideoBitsPerSecond is the composite video bitrate.
	VideoBitsPerSecond int

	// AudioBitsPerSecond is the per-party audio capture bitrate. Kept low:
	// these artifacts exist only for transcription.
	AudioBitsPerSecond int

	// VideoPreferences is the ordered codec preference list for the
	// composite pipeline. Nil uses DefaultVideoPreferences.
	VideoPreferences []string

	// AudioPreferences is the ordered codec preference list for the audio
	// pipelines. Nil uses DefaultAudioPreferences.
	AudioPreferences []string
}

// DefaultRecorderConfig returns the engine's fixed recording constants.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Width:              1280,
		Height:             720,
		FrameRate:          15,
		VideoBitsPerSecond: 2_500_000,
		AudioBitsPerSecond: 32_000,
	}
}

func (c RecorderConfig) videoPreferences() []string {
	if len(c.VideoPreferences) > 0 {
		return c.VideoPreferences
	}
	return DefaultVideoPreferences
}

func (c RecorderConfig) audioPreferences() []string {
	if len(c.AudioPreferences) > 0 {
		return c.AudioPreferences
	}
	return DefaultAudioPreferences
}

// Recorder runs the two independent recording pipelines of a connected
// call: the composite audiovisual recording for user download and the
// per-party audio-only captures for transcription.
//
// Both pipelines start once the session reaches Connected and stop exactly
// once on hang-up. Composite failure is isolated: the audio pipelines
// still run, and recording errors never abort the call.
type Recorder struct {
	cfg      RecorderConfig
	factory  EncoderFactory
	composer SurfaceComposer
	logger   Logger

	mu      sync.Mutex
	started bool
	stopped bool

	composite   *compositePipeline
	localAudio  *audioPipeline
	remoteAudio *audioPipeline
}

// NewRecorder creates a recorder. A nil factory uses the passthrough
// factory; a nil composer uses an InsetComposer at the configured surface
// size.
func NewRecorder(cfg RecorderConfig, factory EncoderFactory, composer SurfaceComposer, logger Logger) *Recorder {
	if factory == nil {
		factory = &PassthroughEncoderFactory{}
	}
	if composer == nil {
		composer = &InsetComposer{Width: cfg.Width, Height: cfg.Height}
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &Recorder{cfg: cfg, factory: factory, composer: composer, logger: logger}
}

// Start launches both pipelines against the connected call's streams.
// remote may be nil when the call carries no remote media; the composite
// pipeline then records the raw local stream directly.
//
// A returned error always wraps ErrRecordingUnavailable and means the
// composite pipeline could not start. The audio pipelines are launched
// independently and their failure is reported only through empty
// artifacts.
func (r *Recorder) Start(local, remote *MediaStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return nil
	}
	r.started = true

	// Per-party audio capture first: it is the only guaranteed artifact
	// even when video capture fails.
	if local != nil && local.AudioTrack() != nil {
		r.localAudio = r.startAudioPipeline("local", local.AudioTrack())
	}
	if remote != nil && remote.AudioTrack() != nil {
		r.remoteAudio = r.startAudioPipeline("remote", remote.AudioTrack())
	}

	composite, err := r.startCompositePipeline(local, remote)
	if err != nil {
		r.logger.Warn("composite recording unavailable", "error", err)
		return err
	}
	r.composite = composite
	return nil
}

// Stop ends both pipelines and finalizes all artifacts. Stop is
// idempotent: the second and subsequent calls are no-ops.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	composite, localAudio, remoteAudio := r.composite, r.localAudio, r.remoteAudio
	r.mu.Unlock()

	if composite != nil {
		composite.stop()
	}
	if localAudio != nil {
		localAudio.stop()
	}
	if remoteAudio != nil {
		remoteAudio.stop()
	}
}

// CompositeArtifact returns the downloadable composite recording. The
// second return value is false when the composite pipeline never ran or
// produced no media. Only valid after Stop.
func (r *Recorder) CompositeArtifact() (RecordingArtifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.composite == nil {
		return RecordingArtifact{}, false
	}
	a := r.composite.artifact()
	return a, !a.Empty()
}

// LocalAudioArtifact returns the local party's audio-only capture. Empty
// when the call never reached Connected or the pipeline failed.
func (r *Recorder) LocalAudioArtifact() RecordingArtifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localAudio == nil {
		return RecordingArtifact{}
	}
	return r.localAudio.artifact()
}

// RemoteAudioArtifact returns the remote party's audio-only capture.
func (r *Recorder) RemoteAudioArtifact() RecordingArtifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remoteAudio == nil {
		return RecordingArtifact{}
	}
	return r.remoteAudio.artifact()
}

// DownloadFilename derives the deterministic download name for the
// composite artifact.
func DownloadFilename(counselID string, startedAt time.Time) string {
	return fmt.Sprintf("counsel-%s-%s.webm", counselID, startedAt.UTC().Format("20060102-150405"))
}

// ---- composite pipeline ----

type compositePipeline struct {
	writer *webmWriter
	enc    Encoder

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup

	cancels []func()
}

// startCompositePipeline selects an encoding via the preference ladder and
// launches the surface capture loop. With a remote stream present the
// pipeline composes remote-fill plus local inset at the fixed frame rate;
// without one it records the raw local stream directly.
func (r *Recorder) startCompositePipeline(local, remote *MediaStream) (*compositePipeline, error) {
	enc, err := newEncoderWithFallback(r.factory, r.cfg.videoPreferences(), EncoderOptions{
		VideoBitsPerSecond: r.cfg.VideoBitsPerSecond,
	})
	if err != nil {
		return nil, err
	}

	codecID := matroskaCodecID(enc.MimeType())
	var localVideo, remoteVideo, localAudioTrack *MediaTrack
	if local != nil {
		localVideo = local.VideoTrack()
		localAudioTrack = local.AudioTrack()
	}
	if remote != nil {
		remoteVideo = remote.VideoTrack()
	}
	if localVideo == nil && remoteVideo == nil && localAudioTrack == nil {
		return nil, fmt.Errorf("%w: no recordable tracks", ErrRecordingUnavailable)
	}

	p := &compositePipeline{
		writer: newWebmWriter(webmConfig{
			videoCodecID: codecID,
			width:        r.cfg.Width,
			height:       r.cfg.Height,
			withAudio:    localAudioTrack != nil,
		}),
		enc:  enc,
		done: make(chan struct{}),
	}

	if localAudioTrack != nil {
		ch, cancel := localAudioTrack.Subscribe()
		p.cancels = append(p.cancels, cancel)
		p.wg.Add(1)
		go p.drainAudio(ch)
	}

	if remoteVideo != nil {
		// Composed surface capture at the fixed frame rate.
		remoteCh, cancelRemote := remoteVideo.Subscribe()
		p.cancels = append(p.cancels, cancelRemote)
		var localCh <-chan Sample
		if localVideo != nil {
			var cancelLocal func()
			localCh, cancelLocal = localVideo.Subscribe()
			p.cancels = append(p.cancels, cancelLocal)
		}
		p.wg.Add(1)
		go p.composeLoop(r.composer, r.cfg.FrameRate, remoteCh, localCh)
	} else if localVideo != nil {
		// Never connected to a peer with video: record the raw local
		// stream directly.
		ch, cancel := localVideo.Subscribe()
		p.cancels = append(p.cancels, cancel)
		p.wg.Add(1)
		go p.drainVideo(ch)
	}

	return p, nil
}

// composeLoop renders and encodes one surface frame per tick from the
// latest remote and local frames.
func (p *compositePipeline) composeLoop(composer SurfaceComposer, frameRate int, remoteCh, localCh <-chan Sample) {
	defer p.wg.Done()
	if frameRate <= 0 {
		frameRate = 15
	}
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	var latestRemote, latestLocal *Sample
	for {
		select {
		case <-p.done:
			return
		case s, ok := <-remoteCh:
			if !ok {
				remoteCh = nil
				continue
			}
			latestRemote = &s
		case s, ok := <-localCh:
			if !ok {
				localCh = nil
				continue
			}
			latestLocal = &s
		case <-ticker.C:
			frame, ok := composer.Compose(latestRemote, latestLocal)
			if !ok {
				continue
			}
			encoded, err := p.enc.Encode(frame)
			if err != nil {
				continue // per-frame encode errors never abort the pipeline
			}
			p.mu.Lock()
			p.writer.WriteVideo(encoded.Timestamp.UnixMilli(), encoded.Keyframe, encoded.Data)
			p.mu.Unlock()
		}
	}
}

func (p *compositePipeline) drainVideo(ch <-chan Sample) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			encoded, err := p.enc.Encode(s)
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.writer.WriteVideo(encoded.Timestamp.UnixMilli(), encoded.Keyframe, encoded.Data)
			p.mu.Unlock()
		}
	}
}

func (p *compositePipeline) drainAudio(ch <-chan Sample) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			p.mu.Lock()
			p.writer.WriteAudio(s.Timestamp.UnixMilli(), s.Data)
			p.mu.Unlock()
		}
	}
}

func (p *compositePipeline) stop() {
	close(p.done)
	for _, cancel := range p.cancels {
		cancel()
	}
	p.wg.Wait()
}

func (p *compositePipeline) artifact() RecordingArtifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	blob := p.writer.Bytes()
	return RecordingArtifact{Blob: blob, MediaType: "video/webm", Size: len(blob)}
}

// ---- per-party audio pipeline ----

type audioPipeline struct {
	writer *webmWriter
	enc    Encoder

	mu     sync.Mutex
	done   chan struct{}
	wg     sync.WaitGroup
	cancel func()
}

func (r *Recorder) startAudioPipeline(party string, track *MediaTrack) *audioPipeline {
	enc, err := newEncoderWithFallback(r.factory, r.cfg.audioPreferences(), EncoderOptions{
		AudioBitsPerSecond: r.cfg.AudioBitsPerSecond,
	})
	if err != nil {
		// Audio capture failure is isolated per pipeline; the artifact
		// simply stays empty.
		r.logger.Warn("audio capture unavailable", "party", party, "error", err)
		return nil
	}

	p := &audioPipeline{
		writer: newWebmWriter(webmConfig{withAudio: true}),
		enc:    enc,
		done:   make(chan struct{}),
	}
	ch, cancel := track.Subscribe()
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.done:
				return
			case s, ok := <-ch:
				if !ok {
					return
				}
				encoded, err := p.enc.Encode(s)
				if err != nil {
					continue
				}
				p.mu.Lock()
				p.writer.WriteAudio(encoded.Timestamp.UnixMilli(), encoded.Data)
				p.mu.Unlock()
			}
		}
	}()
	return p
}

func (p *audioPipeline) stop() {
	close(p.done)
	p.cancel()
	p.wg.Wait()
}

func (p *audioPipeline) artifact() RecordingArtifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	blob := p.writer.Bytes()
	return RecordingArtifact{Blob: blob, MediaType: "audio/webm", Size: len(blob)}
}

// matroskaCodecID maps an encoder MIME type to the Matroska codec id used
// in the container.
func matroskaCodecID(mimeType string) string {
	switch mimeType {
	case MimeTypeVP9:
		return "V_VP9"
	default:
		return "V_VP8"
	}
}
