package session

import "fmt"

// EncoderOptions configures an encoder instance for a recording pipeline.
type EncoderOptions struct {
	// MimeType is the selected container/codec MIME type. Empty means
	// "implementation default" (the unconstrained retry).
	MimeType string

	// VideoBitsPerSecond is the target video bitrate, 0 for default.
	VideoBitsPerSecond int

	// AudioBitsPerSecond is the target audio bitrate, 0 for default.
	AudioBitsPerSecond int
}

// Encoder transforms samples into the representation stored in a recording
// container. Implementations may be passthrough when samples arrive
// already encoded from the capture or transport layer.
type Encoder interface {
	// Encode transforms a single sample.
	Encode(s Sample) (Sample, error)

	// MimeType returns the MIME type this encoder produces.
	MimeType() string
}

// EncoderFactory creates encoders and answers codec support queries.
// The recording pipelines consult a factory once per start through
// BestSupportedEncoding.
type EncoderFactory interface {
	// Supported reports whether the factory can instantiate an encoder
	// for the given MIME type. The empty MIME type is always supported
	// and selects the factory default.
	Supported(mimeType string) bool

	// New instantiates an encoder. Instantiation may fail even for a
	// supported MIME type, e.g. when bitrate options are rejected.
	New(opts EncoderOptions) (Encoder, error)
}

// BestSupportedEncoding returns the first MIME type in the ordered
// preference list that the factory supports. The empty string (the
// unconstrained default) always matches, so appending "" to a preference
// list guarantees a result. Returns ErrRecordingUnavailable when nothing
// in the list is supported.
func BestSupportedEncoding(factory EncoderFactory, preferences []string) (string, error) {
	for _, mime := range preferences {
		if factory.Supported(mime) {
			return mime, nil
		}
	}
	return "", ErrRecordingUnavailable
}

// newEncoderWithFallback instantiates an encoder for the best supported
// encoding in the preference list. If instantiation with the selected
// options fails, it retries exactly once with no explicit options before
// giving up with ErrRecordingUnavailable.
func newEncoderWithFallback(factory EncoderFactory, preferences []string, opts EncoderOptions) (Encoder, error) {
	mime, err := BestSupportedEncoding(factory, preferences)
	if err != nil {
		return nil, err
	}
	opts.MimeType = mime
	enc, err := factory.New(opts)
	if err == nil {
		return enc, nil
	}
	// One optionless retry, then give up.
	enc, retryErr := factory.New(EncoderOptions{})
	if retryErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordingUnavailable, err.Error())
	}
	return enc, nil
}

// passthroughEncoder stores samples as delivered. Capture devices and the
// peer transport hand the engine media that is already in its wire
// encoding, so the default recording path containerizes without
// re-encoding.
type passthroughEncoder struct {
	mime string
}

func (e *passthroughEncoder) Encode(s Sample) (Sample, error) { return s, nil }

func (e *passthroughEncoder) MimeType() string { return e.mime }

// PassthroughEncoderFactory is the default EncoderFactory. It supports the
// engine's VP9/VP8/Opus wire codecs and containerizes samples unchanged.
type PassthroughEncoderFactory struct{}

// Supported reports support for the engine wire codecs and the default.
func (f *PassthroughEncoderFactory) Supported(mimeType string) bool {
	switch mimeType {
	case "", MimeTypeVP9, MimeTypeVP8, MimeTypeOpus:
		return true
	}
	return false
}

// New returns a passthrough encoder for the requested MIME type.
func (f *PassthroughEncoderFactory) New(opts EncoderOptions) (Encoder, error) {
	mime := opts.MimeType
	if mime == "" {
		mime = MimeTypeVP8
	}
	if !f.Supported(mime) {
		return nil, fmt.Errorf("unsupported encoding %q", mime)
	}
	return &passthroughEncoder{mime: mime}, nil
}

// Wire codec MIME types used across capture, transport and recording.
const (
	MimeTypeVP9  = "video/VP9"
	MimeTypeVP8  = "video/VP8"
	MimeTypeOpus = "audio/opus"
)

// DefaultVideoPreferences is the ordered codec preference list for the
// composite recording pipeline: the high-efficiency codec first, then the
// general-purpose fallback, then the unconstrained default.
var DefaultVideoPreferences = []string{MimeTypeVP9, MimeTypeVP8, ""}

// DefaultAudioPreferences is the ordered codec preference list for the
// per-party audio pipelines.
var DefaultAudioPreferences = []string{MimeTypeOpus, ""}
