// Package summarize implements the client side of the external
// transcription/summarization boundary: a single multipart request
// carrying the JSON chat transcript and up to two per-party audio
// artifacts, returning a normalized message list and a free-text summary.
//
// Absence of configuration degrades gracefully: New returns
// ErrNotConfigured and callers fall back to the locally assembled
// transcript with no summary.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sephinote7/testchat-sub000/pkg/session"
)

// Multipart field names. One fixed name per party, per the boundary
// contract.
const (
	fieldTranscript     = "transcript"
	fieldCounselorAudio = "counselor_audio"
	fieldClientAudio    = "client_audio"
)

// ErrNotConfigured indicates no summarizer endpoint was configured.
var ErrNotConfigured = fmt.Errorf("summarizer endpoint not configured")

// Config holds the boundary's connection settings.
type Config struct {
	// Endpoint is the summarization service URL. Empty means the
	// boundary is unconfigured.
	Endpoint string

	// Timeout bounds the whole request. Zero uses 60s: the service
	// transcribes audio, which is slow.
	Timeout time.Duration
}

// Client submits finalization payloads to the summarization service.
type Client struct {
	endpoint string
	http     *http.Client
	logger   session.Logger
}

// New creates a client, or ErrNotConfigured when the endpoint is empty.
func New(cfg Config, logger session.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}, nil
}

// wire types of the boundary's JSON response.
type responseBody struct {
	Messages []responseMessage `json:"messages"`
	Summary  string            `json:"summary"`
}

type responseMessage struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Summarize submits the transcript and audio artifacts and returns the
// service's normalized messages and summary.
func (c *Client) Summarize(ctx context.Context, req session.SummaryRequest) (*session.SummaryResult, error) {
	body, contentType, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build summarize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("summarize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("summarize request: status %d: %s", resp.StatusCode, snippet)
	}

	var parsed responseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode summarize response: %w", err)
	}

	result := &session.SummaryResult{Summary: parsed.Summary}
	for _, m := range parsed.Messages {
		result.Messages = append(result.Messages, session.TranscriptEntry{
			Speaker:   session.Role(m.Speaker),
			Text:      m.Text,
			Timestamp: m.Timestamp,
		})
	}
	return result, nil
}

// buildPayload assembles the multipart body: the JSON transcript plus
// zero, one or two audio files depending on what the recording pipelines
// produced.
func buildPayload(req session.SummaryRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	transcript, err := json.Marshal(req.Transcript)
	if err != nil {
		return nil, "", fmt.Errorf("encode transcript: %w", err)
	}
	if err := mw.WriteField(fieldTranscript, string(transcript)); err != nil {
		return nil, "", fmt.Errorf("write transcript field: %w", err)
	}

	writeAudio := func(field string, artifact session.RecordingArtifact) error {
		if artifact.Empty() {
			return nil
		}
		part, err := mw.CreateFormFile(field, field+".webm")
		if err != nil {
			return fmt.Errorf("create %s part: %w", field, err)
		}
		_, err = part.Write(artifact.Blob)
		return err
	}
	// Local audio is the persisting party's own capture; in this domain
	// that party is the counselor.
	if err := writeAudio(fieldCounselorAudio, req.LocalAudio); err != nil {
		return nil, "", err
	}
	if err := writeAudio(fieldClientAudio, req.RemoteAudio); err != nil {
		return nil, "", err
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("finish multipart payload: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

var _ session.Summarizer = (*Client)(nil)
