// Package store implements the persistence boundary over Supabase: the
// read side of the pre-existing counsel scheduling records and the upsert
// of transcript records produced by call finalization.
package store

import (
	"context"
	"fmt"

	"github.com/supabase-community/supabase-go"

	"github.com/sephinote7/testchat-sub000/pkg/session"
)

// Table names in the Supabase schema.
const (
	tableCounsels    = "counsels"
	tableTranscripts = "transcripts"
)

// Config holds the Supabase connection configuration.
type Config struct {
	URL    string
	APIKey string
}

// Client implements lookup of CounselRecords and upsert of
// TranscriptRecords.
type Client struct {
	client *supabase.Client
}

// New creates a Supabase-backed store client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Client{client: client}, nil
}

// GetCounsel retrieves a counsel scheduling record by id.
func (c *Client) GetCounsel(ctx context.Context, counselID string) (*session.CounselRecord, error) {
	var rec session.CounselRecord
	_, err := c.client.From(tableCounsels).
		Select("*", "", false).
		Eq("id", counselID).
		Single().
		ExecuteTo(&rec)
	if err != nil {
		return nil, fmt.Errorf("get counsel %s: %w", counselID, err)
	}
	return &rec, nil
}

// UpsertTranscript writes a transcript record keyed by the counsel id:
// an existing record for the session is overwritten, otherwise a new one
// is inserted.
func (c *Client) UpsertTranscript(ctx context.Context, rec session.TranscriptRecord) error {
	var existing []session.TranscriptRecord
	_, err := c.client.From(tableTranscripts).
		Select("counsel_id", "", false).
		Eq("counsel_id", rec.CounselID).
		ExecuteTo(&existing)
	if err != nil {
		return fmt.Errorf("look up transcript for counsel %s: %w", rec.CounselID, err)
	}

	if len(existing) > 0 {
		_, _, err = c.client.From(tableTranscripts).
			Update(rec, "minimal", "").
			Eq("counsel_id", rec.CounselID).
			Execute()
		if err != nil {
			return fmt.Errorf("update transcript for counsel %s: %w", rec.CounselID, err)
		}
		return nil
	}

	_, _, err = c.client.From(tableTranscripts).
		Insert(rec, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert transcript for counsel %s: %w", rec.CounselID, err)
	}
	return nil
}

// Compile-time check that Client satisfies the finalization boundary.
var _ session.TranscriptStore = (*Client)(nil)
