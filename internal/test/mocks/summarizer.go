package mocks

import (
	"context"
	"sync"

	"github.com/sephinote7/testchat-sub000/pkg/session"
)

// MockSummarizer implements session.Summarizer with a canned result.
type MockSummarizer struct {
	mu sync.Mutex

	Result *session.SummaryResult
	Err    error

	Requests []session.SummaryRequest
}

func NewMockSummarizer() *MockSummarizer {
	return &MockSummarizer{}
}

func (m *MockSummarizer) Summarize(ctx context.Context, req session.SummaryRequest) (*session.SummaryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return &session.SummaryResult{}, nil
}

// RequestCount returns how many summarize calls were made.
func (m *MockSummarizer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

var _ session.Summarizer = (*MockSummarizer)(nil)
