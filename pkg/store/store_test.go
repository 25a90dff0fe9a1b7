package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sephinote7/testchat-sub000/pkg/session"
)

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Config{APIKey: "key"})
	assert.Error(t, err)

	_, err = New(Config{URL: "https://project.supabase.co"})
	assert.Error(t, err)
}

type recordedRequest struct {
	method string
	path   string
	query  string
}

// fakeSupabase serves the REST surface the store touches and records
// every request.
func fakeSupabase(t *testing.T, selectResponse string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
		})
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(selectResponse))
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	return srv, &requests
}

func testTranscript() session.TranscriptRecord {
	return session.TranscriptRecord{
		CounselID:      "c-77",
		Messages:       []session.TranscriptEntry{{Speaker: session.RoleCounselor, Text: "hello"}},
		Summary:        "short greeting",
		PersistedBy:    session.RoleCounselor,
		CounselorEmail: "counselor@example.com",
		ClientEmail:    "client@example.com",
	}
}

func TestUpsertInsertsWhenAbsent(t *testing.T) {
	srv, requests := fakeSupabase(t, `[]`)
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "key"})
	require.NoError(t, err)

	require.NoError(t, c.UpsertTranscript(context.Background(), testTranscript()))

	require.Len(t, *requests, 2)
	assert.Equal(t, http.MethodGet, (*requests)[0].method)
	assert.Contains(t, (*requests)[0].query, "counsel_id=eq.c-77")
	assert.Equal(t, http.MethodPost, (*requests)[1].method)
	assert.Contains(t, (*requests)[1].path, "transcripts")
}

func TestUpsertUpdatesWhenPresent(t *testing.T) {
	srv, requests := fakeSupabase(t, `[{"counsel_id":"c-77"}]`)
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "key"})
	require.NoError(t, err)

	require.NoError(t, c.UpsertTranscript(context.Background(), testTranscript()))

	require.Len(t, *requests, 2)
	assert.Equal(t, http.MethodPatch, (*requests)[1].method)
	assert.Contains(t, (*requests)[1].query, "counsel_id=eq.c-77")
}

func TestGetCounsel(t *testing.T) {
	counsel := session.CounselRecord{
		ID:             "c-77",
		Title:          "weekly check-in",
		CounselorEmail: "counselor@example.com",
		ClientEmail:    "client@example.com",
	}
	body, _ := json.Marshal(counsel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "id=eq.c-77")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "key"})
	require.NoError(t, err)

	got, err := c.GetCounsel(context.Background(), "c-77")
	require.NoError(t, err)
	assert.Equal(t, "weekly check-in", got.Title)
	assert.Equal(t, "counselor@example.com", got.CounselorEmail)
}
