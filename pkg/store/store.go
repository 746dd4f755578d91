// Package store owns the loom runtime SQLite database. It mirrors job state
// for inspection across restarts, appends the durable event log, and persists
// the guardian's token usage samples. All writers in the daemon share one
// Store; readers outside the process open the database read-only via
// pkg/eventlog.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"loom/pkg/protocol"
)

// timeFormat is the canonical timestamp encoding for all rows the daemon
// writes. SQLite's own datetime('now') default is a fallback only.
const timeFormat = time.RFC3339Nano

// Store wraps the runtime database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the runtime database at path with WAL enabled and
// initializes the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- Jobs ---

// SaveJob inserts or replaces the job row. The in-memory job is
// authoritative; this mirror exists for restarts and post-mortems.
func (s *Store) SaveJob(ctx context.Context, j protocol.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs
		(id, story_id, stage, predecessors, provider, model, priority, attempt,
		 max_retries, estimated_tokens, max_tokens, state, eligible_at,
		 created_at, started_at, completed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.StoryID, j.Stage, strings.Join(j.PredecessorIDs, ","),
		j.Provider, j.Model, j.Priority, j.Attempt,
		j.MaxRetries, j.EstimatedTokens, j.MaxTokens, string(j.State),
		encodeTime(j.EligibleAt), encodeTime(j.CreatedAt),
		encodeTime(j.StartedAt), encodeTime(j.CompletedAt), j.LastError,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob loads one job by id. Returns sql.ErrNoRows wrapped when absent.
func (s *Store) GetJob(ctx context.Context, id string) (protocol.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+" WHERE id = ?", id)
	j, err := scanJob(row)
	if err != nil {
		return protocol.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// JobsForStory loads all jobs planned for a story, oldest first.
func (s *Store) JobsForStory(ctx context.Context, storyID string) ([]protocol.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+" WHERE story_id = ? ORDER BY created_at, id", storyID)
	if err != nil {
		return nil, fmt.Errorf("query jobs for story %s: %w", storyID, err)
	}
	defer rows.Close()

	var jobs []protocol.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

const jobSelect = `SELECT id, story_id, stage, predecessors, provider, model,
	priority, attempt, max_retries, estimated_tokens, max_tokens, state,
	eligible_at, created_at, started_at, completed_at, last_error FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (protocol.Job, error) {
	var j protocol.Job
	var preds, state string
	var eligibleAt, createdAt, startedAt, doneAt string
	err := row.Scan(
		&j.ID, &j.StoryID, &j.Stage, &preds, &j.Provider, &j.Model,
		&j.Priority, &j.Attempt, &j.MaxRetries, &j.EstimatedTokens,
		&j.MaxTokens, &state, &eligibleAt, &createdAt, &startedAt, &doneAt,
		&j.LastError,
	)
	if err != nil {
		return protocol.Job{}, err
	}
	if preds != "" {
		j.PredecessorIDs = strings.Split(preds, ",")
	}
	j.State = protocol.JobState(state)
	j.EligibleAt = decodeTime(eligibleAt)
	j.CreatedAt = decodeTime(createdAt)
	j.StartedAt = decodeTime(startedAt)
	j.CompletedAt = decodeTime(doneAt)
	return j, nil
}

// --- Events ---

// AppendEvent writes one event row. Metadata is flattened to "k=v" pairs so
// the log stays greppable without a JSON decoder.
func (s *Store) AppendEvent(ctx context.Context, e protocol.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (type, severity, story_id, job_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, string(e.Severity), e.StoryID, e.JobID,
		encodeMetadata(e.Metadata), encodeTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	// Deterministic order keeps tests and grep output stable.
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j] < pairs[j-1]; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	return strings.Join(pairs, " ")
}

// --- Usage samples ---

// UsageSample is one recorded token spend against a (provider, model).
type UsageSample struct {
	Tokens     int
	JobID      string
	RecordedAt time.Time
}

// InsertUsage appends a usage sample.
func (s *Store) InsertUsage(ctx context.Context, provider, model string, tokens int, jobID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_samples (provider, model, tokens, job_id, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		provider, model, tokens, jobID, encodeTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert usage %s/%s: %w", provider, model, err)
	}
	return nil
}

// UsageSince loads samples for one (provider, model) recorded at or after
// since, oldest first. The guardian calls this on startup to rebuild its
// windows so a restart does not loosen budgets.
func (s *Store) UsageSince(ctx context.Context, provider, model string, since time.Time) ([]UsageSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tokens, job_id, recorded_at FROM usage_samples
		WHERE provider = ? AND model = ? AND recorded_at >= ?
		ORDER BY recorded_at, id`,
		provider, model, encodeTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage %s/%s: %w", provider, model, err)
	}
	defer rows.Close()

	var samples []UsageSample
	for rows.Next() {
		var (
			sm UsageSample
			at string
		)
		if err := rows.Scan(&sm.Tokens, &sm.JobID, &at); err != nil {
			return nil, fmt.Errorf("scan usage sample: %w", err)
		}
		sm.RecordedAt = decodeTime(at)
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage samples: %w", err)
	}
	return samples, nil
}

// PruneUsage deletes samples recorded before the cutoff. Returns the number
// of rows removed.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM usage_samples WHERE recorded_at < ?", encodeTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune usage samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune usage rows affected: %w", err)
	}
	return n, nil
}

// --- Time encoding ---

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
