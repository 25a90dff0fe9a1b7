package mocks

import (
	"context"
	"sync"

	"github.com/sephinote7/testchat-sub000/pkg/session"
)

// MockStore implements session.TranscriptStore, recording every upsert.
type MockStore struct {
	mu sync.Mutex

	Upserts   []session.TranscriptRecord
	UpsertErr error
}

func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) UpsertTranscript(ctx context.Context, rec session.TranscriptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Upserts = append(m.Upserts, rec)
	return m.UpsertErr
}

// UpsertCount returns how many upserts were recorded.
func (m *MockStore) UpsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Upserts)
}

// LastUpsert returns the most recent record, if any.
func (m *MockStore) LastUpsert() (session.TranscriptRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Upserts) == 0 {
		return session.TranscriptRecord{}, false
	}
	return m.Upserts[len(m.Upserts)-1], true
}

var _ session.TranscriptStore = (*MockStore)(nil)
