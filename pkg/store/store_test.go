package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetJob(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	j := protocol.Job{
		ID:              "j-1",
		StoryID:         "s-1",
		Stage:           "draft",
		Provider:        "alpha",
		Model:           "m1",
		Priority:        1,
		MaxRetries:      3,
		EstimatedTokens: 800,
		MaxTokens:       4096,
		State:           protocol.JobPending,
		CreatedAt:       created,
	}
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("save job: %v", err)
	}

	got, err := s.GetJob(ctx, "j-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Stage != "draft" || got.Provider != "alpha" || got.State != protocol.JobPending {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.PredecessorIDs != nil {
		t.Errorf("PredecessorIDs = %v, want nil", got.PredecessorIDs)
	}
	if !got.StartedAt.IsZero() {
		t.Errorf("StartedAt = %v, want zero", got.StartedAt)
	}
}

func TestSaveJobUpdatesInPlace(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	j := protocol.Job{
		ID: "j-1", StoryID: "s-1", Stage: "logic",
		Provider: "alpha", Model: "m1",
		PredecessorIDs: []string{"j-0"},
		State:          protocol.JobEnqueued,
		CreatedAt:      time.Now(),
	}
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("save job: %v", err)
	}

	j.State = protocol.JobRunning
	j.Attempt = 1
	j.StartedAt = time.Now()
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("update job: %v", err)
	}

	got, err := s.GetJob(ctx, "j-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != protocol.JobRunning || got.Attempt != 1 {
		t.Errorf("update not applied: state=%s attempt=%d", got.State, got.Attempt)
	}
	if len(got.PredecessorIDs) != 1 || got.PredecessorIDs[0] != "j-0" {
		t.Errorf("PredecessorIDs = %v, want [j-0]", got.PredecessorIDs)
	}
}

func TestJobsForStory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stages := []string{"draft", "logic", "test"}
	for i, stage := range stages {
		j := protocol.Job{
			ID: "j-" + stage, StoryID: "s-1", Stage: stage,
			Provider: "alpha", Model: "m1",
			State:     protocol.JobPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("save job %s: %v", stage, err)
		}
	}
	// A job for a different story must not leak in.
	other := protocol.Job{
		ID: "j-other", StoryID: "s-2", Stage: "draft",
		Provider: "alpha", Model: "m1",
		State: protocol.JobPending, CreatedAt: base,
	}
	if err := s.SaveJob(ctx, other); err != nil {
		t.Fatalf("save other job: %v", err)
	}

	jobs, err := s.JobsForStory(ctx, "s-1")
	if err != nil {
		t.Fatalf("jobs for story: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len(jobs) = %d, want 3", len(jobs))
	}
	for i, stage := range stages {
		if jobs[i].Stage != stage {
			t.Errorf("jobs[%d].Stage = %s, want %s", i, jobs[i].Stage, stage)
		}
	}
}

func TestAppendEvent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	e := protocol.Event{
		Type:      protocol.EventJobCompleted,
		Severity:  protocol.SeverityInfo,
		Timestamp: time.Now(),
		StoryID:   "s-1",
		JobID:     "j-1",
		Metadata:  map[string]string{"stage": "draft", "attempt": "0"},
	}
	if err := s.AppendEvent(ctx, e); err != nil {
		t.Fatalf("append event: %v", err)
	}
	// Append again: the log is append-only, duplicates are fine.
	if err := s.AppendEvent(ctx, e); err != nil {
		t.Fatalf("append event twice: %v", err)
	}
}

func TestUsageRoundTripAndPrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-8 * 24 * time.Hour)

	if err := s.InsertUsage(ctx, "alpha", "m1", 600, "j-1", now.Add(-30*time.Second)); err != nil {
		t.Fatalf("insert usage: %v", err)
	}
	if err := s.InsertUsage(ctx, "alpha", "m1", 400, "j-2", now.Add(-10*time.Second)); err != nil {
		t.Fatalf("insert usage: %v", err)
	}
	if err := s.InsertUsage(ctx, "alpha", "m1", 999, "j-old", old); err != nil {
		t.Fatalf("insert old usage: %v", err)
	}
	if err := s.InsertUsage(ctx, "beta", "m2", 100, "j-3", now); err != nil {
		t.Fatalf("insert other usage: %v", err)
	}

	samples, err := s.UsageSince(ctx, "alpha", "m1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("usage since: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("len(samples) = %d, want 2", len(samples))
	}
	if samples[0].Tokens != 600 || samples[1].Tokens != 400 {
		t.Errorf("samples out of order: %+v", samples)
	}

	pruned, err := s.PruneUsage(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("prune usage: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}
