package session

// Minimal WebM/EBML muxing for recording artifacts. The composite pipeline
// writes a video+audio file, the per-party audio pipelines write
// audio-only files. Everything is accumulated in memory: artifacts are
// blobs handed to the download surface or the transcription boundary,
// never streamed to disk.

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EBML element IDs used by the muxer.
var (
	ebmlIDHeader       = []byte{0x1A, 0x45, 0xDF, 0xA3}
	ebmlIDVersion      = []byte{0x42, 0x86}
	ebmlIDReadVersion  = []byte{0x42, 0xF7}
	ebmlIDMaxIDLength  = []byte{0x42, 0xF2}
	ebmlIDMaxSizeLen   = []byte{0x42, 0xF3}
	ebmlIDDocType      = []byte{0x42, 0x82}
	ebmlIDDocTypeVer   = []byte{0x42, 0x87}
	ebmlIDDocTypeRdVer = []byte{0x42, 0x85}
	ebmlIDSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	ebmlIDInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	ebmlIDTimecodeScl  = []byte{0x2A, 0xD7, 0xB1}
	ebmlIDMuxingApp    = []byte{0x4D, 0x80}
	ebmlIDWritingApp   = []byte{0x57, 0x41}
	ebmlIDTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	ebmlIDTrackEntry   = []byte{0xAE}
	ebmlIDTrackNumber  = []byte{0xD7}
	ebmlIDTrackUID     = []byte{0x73, 0xC5}
	ebmlIDTrackType    = []byte{0x83}
	ebmlIDCodecID      = []byte{0x86}
	ebmlIDCodecPrivate = []byte{0x63, 0xA2}
	ebmlIDVideo        = []byte{0xE0}
	ebmlIDPixelWidth   = []byte{0xB0}
	ebmlIDPixelHeight  = []byte{0xBA}
	ebmlIDAudio        = []byte{0xE1}
	ebmlIDSampleFreq   = []byte{0xB5}
	ebmlIDChannels     = []byte{0x9F}
	ebmlIDCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	ebmlIDTimecode     = []byte{0xE7}
	ebmlIDSimpleBlock  = []byte{0xA3}
)

// ebmlUnknownSize marks streaming Segment elements whose length is not
// known at write time.
var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// opusCodecPrivate is the OpusHead structure required by WebM for Opus
// audio tracks (mono, 48 kHz).
var opusCodecPrivate = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels = 1
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain
	0x00, // channel mapping family
}

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlElement encodes id + vint(len(body)) + body.
func ebmlElement(id, body []byte) []byte {
	out := make([]byte, 0, len(id)+8+len(body))
	out = append(out, id...)
	out = append(out, ebmlVint(uint64(len(body)))...)
	return append(out, body...)
}

// ebmlUint encodes an unsigned integer in the minimal number of
// big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func ebmlJoin(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// webmConfig describes the tracks of a recording container.
type webmConfig struct {
	// videoCodecID is the Matroska codec id ("V_VP9" or "V_VP8"). Empty
	// produces an audio-only container.
	videoCodecID string
	width        int
	height       int

	// withAudio adds an Opus audio track.
	withAudio bool

	writingApp string
}

const (
	webmTrackVideo = 1
	webmTrackAudio = 2

	// audio-only containers carry Opus on track 1
	webmTrackAudioOnly = 1

	// maximum cluster span before a forced flush, in ms
	webmClusterSpanMs = 5000
)

// webmWriter accumulates a complete WebM file in memory. Writers are not
// safe for concurrent use; each recording pipeline owns exactly one.
type webmWriter struct {
	cfg webmConfig
	buf bytes.Buffer

	headerWritten bool

	clusterOpen     bool
	clusterStartMs  int64
	clusterBlocks   bytes.Buffer
	clusterAnchored bool

	baseVideoMs  int64
	baseVideoSet bool
	baseAudioMs  int64
	baseAudioSet bool
}

func newWebmWriter(cfg webmConfig) *webmWriter {
	if cfg.writingApp == "" {
		cfg.writingApp = "testchat"
	}
	return &webmWriter{cfg: cfg}
}

// writeHeader emits the EBML header, Segment start, Info and Tracks.
func (w *webmWriter) writeHeader() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true

	headerBody := ebmlJoin(
		ebmlElement(ebmlIDVersion, ebmlUint(1)),
		ebmlElement(ebmlIDReadVersion, ebmlUint(1)),
		ebmlElement(ebmlIDMaxIDLength, ebmlUint(4)),
		ebmlElement(ebmlIDMaxSizeLen, ebmlUint(8)),
		ebmlElement(ebmlIDDocType, []byte("webm")),
		ebmlElement(ebmlIDDocTypeVer, ebmlUint(2)),
		ebmlElement(ebmlIDDocTypeRdVer, ebmlUint(2)),
	)
	w.buf.Write(ebmlElement(ebmlIDHeader, headerBody))

	w.buf.Write(ebmlIDSegment)
	w.buf.Write(ebmlUnknownSize)

	infoBody := ebmlJoin(
		ebmlElement(ebmlIDTimecodeScl, ebmlUint(1000000)), // 1 ms units
		ebmlElement(ebmlIDMuxingApp, []byte(w.cfg.writingApp)),
		ebmlElement(ebmlIDWritingApp, []byte(w.cfg.writingApp)),
	)
	w.buf.Write(ebmlElement(ebmlIDInfo, infoBody))

	var tracksBody []byte
	if w.cfg.videoCodecID != "" {
		videoBody := ebmlJoin(
			ebmlElement(ebmlIDPixelWidth, ebmlUint(uint64(w.cfg.width))),
			ebmlElement(ebmlIDPixelHeight, ebmlUint(uint64(w.cfg.height))),
		)
		videoEntry := ebmlJoin(
			ebmlElement(ebmlIDTrackNumber, ebmlUint(webmTrackVideo)),
			ebmlElement(ebmlIDTrackUID, ebmlUint(webmTrackVideo)),
			ebmlElement(ebmlIDTrackType, ebmlUint(1)),
			ebmlElement(ebmlIDCodecID, []byte(w.cfg.videoCodecID)),
			ebmlElement(ebmlIDVideo, videoBody),
		)
		tracksBody = ebmlElement(ebmlIDTrackEntry, videoEntry)
	}
	if w.cfg.withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
		audioBody := ebmlJoin(
			ebmlElement(ebmlIDSampleFreq, freq),
			ebmlElement(ebmlIDChannels, ebmlUint(1)),
		)
		audioEntry := ebmlJoin(
			ebmlElement(ebmlIDTrackNumber, ebmlUint(uint64(w.audioTrackNumber()))),
			ebmlElement(ebmlIDTrackUID, ebmlUint(uint64(w.audioTrackNumber()))),
			ebmlElement(ebmlIDTrackType, ebmlUint(2)),
			ebmlElement(ebmlIDCodecID, []byte("A_OPUS")),
			ebmlElement(ebmlIDCodecPrivate, opusCodecPrivate),
			ebmlElement(ebmlIDAudio, audioBody),
		)
		tracksBody = ebmlJoin(tracksBody, ebmlElement(ebmlIDTrackEntry, audioEntry))
	}
	w.buf.Write(ebmlElement(ebmlIDTracks, tracksBody))
}

func (w *webmWriter) audioTrackNumber() int {
	if w.cfg.videoCodecID == "" {
		return webmTrackAudioOnly
	}
	return webmTrackAudio
}

// WriteVideo appends one video frame. Timestamps are normalized so the
// first frame of the track lands at t=0; capture and transport clocks
// start at arbitrary offsets.
func (w *webmWriter) WriteVideo(timestampMs int64, keyframe bool, data []byte) {
	if w.cfg.videoCodecID == "" || len(data) == 0 {
		return
	}
	if !w.baseVideoSet {
		w.baseVideoMs = timestampMs
		w.baseVideoSet = true
	}
	w.writeHeader()
	w.writeBlock(webmTrackVideo, timestampMs-w.baseVideoMs, keyframe, keyframe, data)
}

// WriteAudio appends one audio packet.
func (w *webmWriter) WriteAudio(timestampMs int64, data []byte) {
	if !w.cfg.withAudio || len(data) == 0 {
		return
	}
	if !w.baseAudioSet {
		w.baseAudioMs = timestampMs
		w.baseAudioSet = true
	}
	w.writeHeader()
	// Audio-only containers open clusters on any block.
	boundary := w.cfg.videoCodecID == ""
	w.writeBlock(w.audioTrackNumber(), timestampMs-w.baseAudioMs, false, boundary, data)
}

// writeBlock adds a SimpleBlock, opening or rotating clusters as needed.
// A new cluster starts at every boundary block (video keyframes, or any
// block for audio-only files) and whenever the cluster span cap is hit.
func (w *webmWriter) writeBlock(track int, tsMs int64, keyframe, boundary bool, data []byte) {
	if w.clusterOpen {
		rotate := (boundary && keyframe) || tsMs-w.clusterStartMs > webmClusterSpanMs || tsMs < w.clusterStartMs
		if rotate {
			w.flushCluster()
		}
	}
	if !w.clusterOpen {
		if !boundary && !w.clusterAnchored && track != webmTrackVideo && w.cfg.videoCodecID != "" {
			// Audio arriving before the first video keyframe in a
			// composite file: hold until a cluster is anchored. Once one
			// has been, audio may open continuation clusters after a
			// span-cap rotation.
			return
		}
		w.clusterOpen = true
		w.clusterAnchored = true
		w.clusterStartMs = tsMs
		w.clusterBlocks.Reset()
	}

	rel := tsMs - w.clusterStartMs
	if rel < -30000 || rel > 30000 {
		return // outside int16 relative timecode range, drop
	}
	w.clusterBlocks.Write(webmSimpleBlock(track, int16(rel), keyframe, data))
}

// webmSimpleBlock encodes a single SimpleBlock element.
func webmSimpleBlock(track int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(track))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	body := make([]byte, len(trackVint)+3+len(data))
	copy(body, trackVint)
	binary.BigEndian.PutUint16(body[len(trackVint):], uint16(relMs))
	body[len(trackVint)+2] = flags
	copy(body[len(trackVint)+3:], data)
	return ebmlElement(ebmlIDSimpleBlock, body)
}

func (w *webmWriter) flushCluster() {
	if !w.clusterOpen || w.clusterBlocks.Len() == 0 {
		w.clusterOpen = false
		return
	}
	body := ebmlJoin(
		ebmlElement(ebmlIDTimecode, ebmlUint(uint64(w.clusterStartMs))),
		w.clusterBlocks.Bytes(),
	)
	w.buf.Write(ebmlElement(ebmlIDCluster, body))
	w.clusterOpen = false
	w.clusterBlocks.Reset()
}

// Bytes flushes any open cluster and returns the complete file. The
// result is empty when no media was ever written.
func (w *webmWriter) Bytes() []byte {
	w.flushCluster()
	if !w.headerWritten {
		return nil
	}
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	return out
}
