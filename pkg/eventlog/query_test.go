package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/store"
)

// setupTestDB writes a log through the store, the same path the daemon
// uses, and returns the database path for a Reader.
func setupTestDB(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []protocol.Event{
		{Type: protocol.EventStorySubmitted, Severity: protocol.SeverityInfo, StoryID: "s-1"},
		{Type: protocol.EventJobPlanned, Severity: protocol.SeverityInfo, StoryID: "s-1", JobID: "j-1"},
		{Type: protocol.EventJobStarted, Severity: protocol.SeverityInfo, StoryID: "s-1", JobID: "j-1"},
		{Type: protocol.EventJobCompleted, Severity: protocol.SeverityInfo, StoryID: "s-1", JobID: "j-1",
			Metadata: map[string]string{"stage": "draft"}},
		{Type: protocol.EventJobFailed, Severity: protocol.SeverityError, StoryID: "s-2", JobID: "j-9"},
		{Type: protocol.EventBreakerOpened, Severity: protocol.SeverityWarning,
			Metadata: map[string]string{"provider": "beta"}},
	}
	ctx := context.Background()
	for i, e := range events {
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := st.AppendEvent(ctx, e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	return dbPath
}

func TestNewReaderMissingDatabase(t *testing.T) {
	_, err := eventlog.NewReader(filepath.Join(t.TempDir(), "nope.db"))
	if err == nil {
		t.Fatal("NewReader succeeded on a missing database")
	}
}

func TestQueryAll(t *testing.T) {
	r, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	events, err := r.Query(context.Background(), eventlog.QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("len(events) = %d, want 6", len(events))
	}
	// Newest first.
	if events[0].Type != protocol.EventBreakerOpened {
		t.Errorf("events[0].Type = %s, want breaker_opened", events[0].Type)
	}
	if events[0].Metadata != "provider=beta" {
		t.Errorf("Metadata = %q, want provider=beta", events[0].Metadata)
	}
}

func TestQueryByStory(t *testing.T) {
	r, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	events, err := r.Query(context.Background(), eventlog.QueryOpts{StoryID: "s-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want 4", len(events))
	}
	for _, e := range events {
		if e.StoryID != "s-1" {
			t.Errorf("event %d leaked from story %s", e.ID, e.StoryID)
		}
	}
}

func TestQueryByTypeAndSeverity(t *testing.T) {
	r, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	tests := []struct {
		name string
		opts eventlog.QueryOpts
		want int
	}{
		{name: "by type", opts: eventlog.QueryOpts{EventType: protocol.EventJobCompleted}, want: 1},
		{name: "by severity", opts: eventlog.QueryOpts{Severity: "error"}, want: 1},
		{name: "by job", opts: eventlog.QueryOpts{JobID: "j-1"}, want: 3},
		{name: "no match", opts: eventlog.QueryOpts{EventType: "unknown_type"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := r.Query(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("len(events) = %d, want %d", len(events), tt.want)
			}
		})
	}
}

func TestQueryTimeRangeAndLimit(t *testing.T) {
	r, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	after := time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC)
	events, err := r.Query(context.Background(), eventlog.QueryOpts{After: &after})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want the 4 events at or after +2s", len(events))
	}

	events, err = r.Query(context.Background(), eventlog.QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want limit of 2", len(events))
	}
}

func TestQueryParsesTimestamps(t *testing.T) {
	r, err := eventlog.NewReader(setupTestDB(t))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	events, err := r.Query(context.Background(), eventlog.QueryOpts{EventType: protocol.EventStorySubmitted})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !events[0].CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", events[0].CreatedAt, want)
	}
}
