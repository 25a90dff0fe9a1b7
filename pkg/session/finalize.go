package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Summarizer is the transcription/summarization boundary. Implementations
// submit the chat transcript plus the per-party audio artifacts and return
// a normalized message list and a free-text summary.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (*SummaryResult, error)
}

// SummaryRequest is the multipart payload submitted to the summarization
// boundary. Either audio artifact may be empty when the corresponding
// pipeline produced nothing.
type SummaryRequest struct {
	CounselID   string
	Transcript  []ChatMessage
	LocalAudio  RecordingArtifact
	RemoteAudio RecordingArtifact
}

// SummaryResult is the summarization service's response.
type SummaryResult struct {
	Messages []TranscriptEntry
	Summary  string
}

// TranscriptStore is the persistence boundary for finished calls.
type TranscriptStore interface {
	// UpsertTranscript overwrites the record for the session id when one
	// exists and inserts a new record otherwise.
	UpsertTranscript(ctx context.Context, rec TranscriptRecord) error
}

// FinalizationInput is the snapshot a terminating session hands to the
// pipeline.
type FinalizationInput struct {
	CounselID      string
	Role           Role
	CounselorEmail string
	ClientEmail    string
	Transcript     []ChatMessage

	// AudioArtifacts returns the current per-party audio captures. It is
	// polled during the bounded readiness wait because recording
	// finalization is asynchronous relative to hang-up. Nil means no
	// recorder ever ran.
	AudioArtifacts func() (local, remote RecordingArtifact)
}

// FinalizationPipelineConfig configures the pipeline's bounded waits.
type FinalizationPipelineConfig struct {
	// AudioWaitTimeout bounds the wait for both audio artifacts to become
	// non-empty. Zero uses 3 seconds. The pipeline proceeds with whatever
	// is available once it elapses.
	AudioWaitTimeout time.Duration

	// AudioPollInterval is the readiness polling period. Zero uses 100ms.
	AudioPollInterval time.Duration
}

// FinalizationPipeline assembles the transcript of a finished call, calls
// the summarization boundary and persists the resulting TranscriptRecord.
//
// The pipeline itself is stateless; the owning session guarantees it runs
// at most once per call. Summarization failure degrades to the locally
// assembled transcript with no summary. Persistence failure is logged and
// surfaced, never retried, and never re-opens the call.
type FinalizationPipeline struct {
	cfg        FinalizationPipelineConfig
	summarizer Summarizer
	store      TranscriptStore
	logger     Logger
}

// NewFinalizationPipeline creates the pipeline. summarizer may be nil when
// the boundary is unconfigured; the transcript then persists without a
// summary. store must not be nil.
func NewFinalizationPipeline(cfg FinalizationPipelineConfig, summarizer Summarizer, store TranscriptStore, logger Logger) *FinalizationPipeline {
	if cfg.AudioWaitTimeout <= 0 {
		cfg.AudioWaitTimeout = 3 * time.Second
	}
	if cfg.AudioPollInterval <= 0 {
		cfg.AudioPollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &FinalizationPipeline{cfg: cfg, summarizer: summarizer, store: store, logger: logger}
}

// Run executes the four finalization steps: snapshot, bounded audio wait,
// summarization, upsert. The returned error reports persistence failure
// only; summarization problems are absorbed into the degraded result.
func (p *FinalizationPipeline) Run(ctx context.Context, input FinalizationInput) error {
	localAudio, remoteAudio := p.waitForAudio(ctx, input.AudioArtifacts)

	messages, summary := p.summarize(ctx, SummaryRequest{
		CounselID:   input.CounselID,
		Transcript:  input.Transcript,
		LocalAudio:  localAudio,
		RemoteAudio: remoteAudio,
	})

	rec := TranscriptRecord{
		CounselID:      input.CounselID,
		Messages:       messages,
		Summary:        summary,
		PersistedBy:    input.Role,
		CounselorEmail: input.CounselorEmail,
		ClientEmail:    input.ClientEmail,
	}
	if err := p.store.UpsertTranscript(ctx, rec); err != nil {
		p.logger.Error("transcript upsert failed",
			"counsel_id", input.CounselID,
			"error", err)
		return fmt.Errorf("%w: %s", ErrPersistenceFailed, err.Error())
	}

	p.logger.Info("transcript persisted",
		"counsel_id", input.CounselID,
		"messages", len(rec.Messages),
		"summarized", summary != "")
	return nil
}

// waitForAudio polls until both per-party artifacts are non-empty or the
// bounded timeout elapses, then returns whatever is available. There is
// no permanent hang: an artifact that never fills is simply omitted.
func (p *FinalizationPipeline) waitForAudio(ctx context.Context, artifacts func() (RecordingArtifact, RecordingArtifact)) (RecordingArtifact, RecordingArtifact) {
	if artifacts == nil {
		return RecordingArtifact{}, RecordingArtifact{}
	}

	deadline := time.Now().Add(p.cfg.AudioWaitTimeout)
	for {
		local, remote := artifacts()
		if !local.Empty() && !remote.Empty() {
			return local, remote
		}
		if time.Now().After(deadline) {
			p.logger.Warn("audio readiness wait elapsed, proceeding with partial artifacts",
				"local_bytes", local.Size,
				"remote_bytes", remote.Size)
			return local, remote
		}
		select {
		case <-ctx.Done():
			return local, remote
		case <-time.After(p.cfg.AudioPollInterval):
		}
	}
}

// summarize submits the payload to the summarization boundary and returns
// the normalized messages and summary. On failure or when the boundary is
// unconfigured it degrades to the locally assembled transcript with an
// empty summary.
func (p *FinalizationPipeline) summarize(ctx context.Context, req SummaryRequest) ([]TranscriptEntry, string) {
	local := localTranscript(req.Transcript)
	if p.summarizer == nil {
		p.logger.Info("summarization unconfigured, keeping local transcript", "counsel_id", req.CounselID)
		return local, ""
	}

	result, err := p.summarizer.Summarize(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrSummarizationUnavailable) {
			err = fmt.Errorf("%w: %s", ErrSummarizationUnavailable, err.Error())
		}
		p.logger.Warn("summarization failed, keeping local transcript",
			"counsel_id", req.CounselID,
			"error", err)
		return local, ""
	}
	return result.Messages, result.Summary
}

// localTranscript converts the chat transcript into normalized entries.
func localTranscript(transcript []ChatMessage) []TranscriptEntry {
	out := make([]TranscriptEntry, 0, len(transcript))
	for _, m := range transcript {
		out = append(out, TranscriptEntry{Speaker: m.Sender, Text: m.Text, Timestamp: m.Timestamp})
	}
	return out
}
