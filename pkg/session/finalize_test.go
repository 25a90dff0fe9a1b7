package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sephinote7/testchat-sub000/internal/test/mocks"
	"github.com/sephinote7/testchat-sub000/pkg/session"
)

func fastPipelineConfig() session.FinalizationPipelineConfig {
	return session.FinalizationPipelineConfig{
		AudioWaitTimeout:  30 * time.Millisecond,
		AudioPollInterval: 5 * time.Millisecond,
	}
}

func sampleInput() session.FinalizationInput {
	return session.FinalizationInput{
		CounselID:      "c-9",
		Role:           session.RoleCounselor,
		CounselorEmail: "counselor@example.com",
		ClientEmail:    "client@example.com",
		Transcript: []session.ChatMessage{
			{Sender: session.RoleCounselor, Text: "hello", Timestamp: time.Now()},
			{Sender: session.RoleClient, Text: "hi", Timestamp: time.Now()},
		},
	}
}

func TestFinalizationUsesSummaryResult(t *testing.T) {
	store := mocks.NewMockStore()
	summarizer := mocks.NewMockSummarizer()
	summarizer.Result = &session.SummaryResult{
		Messages: []session.TranscriptEntry{
			{Speaker: session.RoleCounselor, Text: "hello"},
			{Speaker: session.RoleClient, Text: "hi"},
		},
		Summary: "a short greeting exchange",
	}
	p := session.NewFinalizationPipeline(fastPipelineConfig(), summarizer, store, mocks.NewMockLogger())

	require.NoError(t, p.Run(context.Background(), sampleInput()))

	require.Equal(t, 1, store.UpsertCount())
	rec, _ := store.LastUpsert()
	assert.Equal(t, "a short greeting exchange", rec.Summary)
	assert.Len(t, rec.Messages, 2)
	assert.Equal(t, session.RoleCounselor, rec.PersistedBy)
	assert.Equal(t, 1, summarizer.RequestCount())
}

func TestFinalizationSummarizerFailureDegrades(t *testing.T) {
	store := mocks.NewMockStore()
	summarizer := mocks.NewMockSummarizer()
	summarizer.Err = errors.New("service down")
	p := session.NewFinalizationPipeline(fastPipelineConfig(), summarizer, store, mocks.NewMockLogger())

	require.NoError(t, p.Run(context.Background(), sampleInput()),
		"summarization failure must not surface as a finalization error")

	require.Equal(t, 1, store.UpsertCount())
	rec, _ := store.LastUpsert()
	assert.Empty(t, rec.Summary)
	require.Len(t, rec.Messages, 2, "local transcript survives summarizer failure")
	assert.Equal(t, "hello", rec.Messages[0].Text)
}

func TestFinalizationWithoutSummarizer(t *testing.T) {
	store := mocks.NewMockStore()
	p := session.NewFinalizationPipeline(fastPipelineConfig(), nil, store, mocks.NewMockLogger())

	require.NoError(t, p.Run(context.Background(), sampleInput()))

	rec, ok := store.LastUpsert()
	require.True(t, ok)
	assert.Empty(t, rec.Summary)
	assert.Len(t, rec.Messages, 2)
}

func TestFinalizationPersistenceFailure(t *testing.T) {
	store := mocks.NewMockStore()
	store.UpsertErr = errors.New("connection refused")
	p := session.NewFinalizationPipeline(fastPipelineConfig(), nil, store, mocks.NewMockLogger())

	err := p.Run(context.Background(), sampleInput())
	assert.ErrorIs(t, err, session.ErrPersistenceFailed)
}

func TestFinalizationAudioWaitBounded(t *testing.T) {
	store := mocks.NewMockStore()
	summarizer := mocks.NewMockSummarizer()
	p := session.NewFinalizationPipeline(fastPipelineConfig(), summarizer, store, mocks.NewMockLogger())

	input := sampleInput()
	// Artifacts that never fill (as when the recorder produced nothing):
	// the wait must elapse, never hang.
	input.AudioArtifacts = func() (session.RecordingArtifact, session.RecordingArtifact) {
		return session.RecordingArtifact{}, session.RecordingArtifact{}
	}

	start := time.Now()
	require.NoError(t, p.Run(context.Background(), input))
	assert.Less(t, time.Since(start), time.Second)

	require.Equal(t, 1, summarizer.RequestCount())
	assert.True(t, summarizer.Requests[0].LocalAudio.Empty())
	assert.True(t, summarizer.Requests[0].RemoteAudio.Empty())
}

func TestFinalizationWaitsForAudio(t *testing.T) {
	store := mocks.NewMockStore()
	summarizer := mocks.NewMockSummarizer()
	p := session.NewFinalizationPipeline(fastPipelineConfig(), summarizer, store, mocks.NewMockLogger())

	blob := session.RecordingArtifact{Blob: []byte{1, 2, 3}, MediaType: "audio/webm", Size: 3}
	ready := time.Now().Add(10 * time.Millisecond)
	input := sampleInput()
	input.AudioArtifacts = func() (session.RecordingArtifact, session.RecordingArtifact) {
		if time.Now().Before(ready) {
			return session.RecordingArtifact{}, session.RecordingArtifact{}
		}
		return blob, blob
	}

	require.NoError(t, p.Run(context.Background(), input))
	require.Equal(t, 1, summarizer.RequestCount())
	assert.False(t, summarizer.Requests[0].LocalAudio.Empty())
	assert.False(t, summarizer.Requests[0].RemoteAudio.Empty())
}
