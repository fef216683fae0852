// Package postgres is the pgx/v5-backed production ProgressStore:
// Progress, Bible, Arc, Chapter, and CostRecord bodies live in jsonb
// columns, with unique constraints carrying the idempotent-insert
// contract spec.md assigns to each entity.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/store"
)

// Store is a connection-pool-backed ProgressStore.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and returns a ready Store. Callers own the pool's
// lifetime; call Close when finished.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate creates the schema if it doesn't already exist. The Health
// Sweeper's scan relies on the partial index over active jobs with a
// stale last_updated.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            uuid PRIMARY KEY,
	owner         text NOT NULL,
	title         text NOT NULL,
	genre         text NOT NULL,
	premise_ref   text NOT NULL DEFAULT '',
	status        text NOT NULL,
	bible_ref     text NOT NULL DEFAULT '',
	cover_ref     text NOT NULL DEFAULT '',
	progress      jsonb NOT NULL,
	current_step  text NOT NULL,
	last_updated  timestamptz NOT NULL,
	created_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_active_stale
	ON jobs (last_updated) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_jobs_error ON jobs (status) WHERE status = 'error';

CREATE TABLE IF NOT EXISTS bibles (
	id uuid PRIMARY KEY, job_id uuid NOT NULL UNIQUE REFERENCES jobs(id),
	body jsonb NOT NULL, created_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS arcs (
	id uuid PRIMARY KEY, job_id uuid NOT NULL, number int NOT NULL,
	body jsonb NOT NULL, created_at timestamptz NOT NULL,
	UNIQUE (job_id, number)
);
CREATE TABLE IF NOT EXISTS chapters (
	id uuid PRIMARY KEY, job_id uuid NOT NULL, number int NOT NULL,
	body jsonb NOT NULL, created_at timestamptz NOT NULL,
	UNIQUE (job_id, number)
);
CREATE TABLE IF NOT EXISTS feedback (
	id uuid PRIMARY KEY, job_id uuid NOT NULL,
	body jsonb NOT NULL, created_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS cost_records (
	id uuid PRIMARY KEY, job_id uuid NOT NULL,
	body jsonb NOT NULL, created_at timestamptz NOT NULL
);
`

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) CreateJob(ctx context.Context, owner, premiseRef, title, genre string) (*story.Job, error) {
	now := time.Now()
	j := &story.Job{
		Owner:      owner,
		Title:      title,
		Genre:      genre,
		PremiseRef: premiseRef,
		Status:     story.JobStatusActive,
		Progress: story.Progress{
			CurrentStep: story.StepGeneratingBible,
			LastUpdated: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	progressBody, err := json.Marshal(j.Progress)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, owner, title, genre, premise_ref, status, progress, current_step, last_updated, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		owner, title, genre, premiseRef, j.Status, progressBody, j.Progress.CurrentStep, j.Progress.LastUpdated, j.CreatedAt, j.UpdatedAt)
	if err := row.Scan(&j.ID); err != nil {
		return nil, fmt.Errorf("postgres store: insert job: %w", err)
	}
	return j, nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (*story.Job, error) {
	var j story.Job
	var progressBody []byte
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, title, genre, premise_ref, status, bible_ref, cover_ref, progress, created_at, updated_at
		FROM jobs WHERE id = $1`, jobID)
	if err := row.Scan(&j.ID, &j.Owner, &j.Title, &j.Genre, &j.PremiseRef, &j.Status, &j.BibleRef, &j.CoverRef, &progressBody, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(progressBody, &j.Progress); err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateProgress reads-modifies-writes inside a transaction so concurrent
// sweeper and pipeline writers never clobber each other's patches.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, patch story.ProgressPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var j story.Job
	var progressBody []byte
	row := tx.QueryRow(ctx, `SELECT status, progress FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	if err := row.Scan(&j.Status, &progressBody); err != nil {
		if err == pgx.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(progressBody, &j.Progress); err != nil {
		return err
	}
	p := &j.Progress

	if patch.BibleComplete != nil {
		p.BibleComplete = *patch.BibleComplete
	}
	if patch.ArcComplete != nil {
		p.ArcComplete = *patch.ArcComplete
	}
	if patch.ChaptersGenerated != nil {
		p.ChaptersGenerated = *patch.ChaptersGenerated
	}
	if patch.CurrentStep != nil {
		p.CurrentStep = *patch.CurrentStep
	}
	if patch.LastError != nil {
		p.LastError = *patch.LastError
	}
	if patch.ClearLastError {
		p.LastError = ""
		p.LastErrorAt = nil
	}
	if patch.LastErrorAt != nil {
		p.LastErrorAt = patch.LastErrorAt
	}
	if patch.RetryCount != nil {
		p.RetryCount = *patch.RetryCount
	}
	if patch.HealthCheckRetries != nil {
		p.HealthCheckRetries = *patch.HealthCheckRetries
	}
	if patch.RecoveryStarted != nil {
		p.RecoveryStarted = *patch.RecoveryStarted
	}
	if patch.ClearRecoveryLock {
		p.RecoveryStarted = nil
	}
	if patch.BatchStart != nil {
		p.BatchStart = *patch.BatchStart
	}
	if patch.BatchEnd != nil {
		p.BatchEnd = *patch.BatchEnd
	}
	if patch.ClearBatch {
		p.BatchStart = 0
		p.BatchEnd = 0
	}
	if patch.ErrorLogs != nil {
		p.ErrorLogs = *patch.ErrorLogs
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	p.LastUpdated = time.Now()

	newBody, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $1, progress = $2, current_step = $3, last_updated = $4, updated_at = $4
		WHERE id = $5`, j.Status, newBody, p.CurrentStep, p.LastUpdated, jobID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ClearRecoveryLock(ctx context.Context, jobID string) error {
	return s.UpdateProgress(ctx, jobID, story.ProgressPatch{ClearRecoveryLock: true})
}

func (s *Store) AcquireRecoveryLock(ctx context.Context, jobID string, now time.Time) error {
	n := now
	np := &n
	return s.UpdateProgress(ctx, jobID, story.ProgressPatch{RecoveryStarted: &np})
}

func (s *Store) LoadBible(ctx context.Context, jobID string) (*story.Bible, error) {
	var body []byte
	row := s.pool.QueryRow(ctx, `SELECT body FROM bibles WHERE job_id = $1`, jobID)
	if err := row.Scan(&body); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var b story.Bible
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) InsertBible(ctx context.Context, b *story.Bible) (*story.Bible, error) {
	if existing, err := s.LoadBible(ctx, b.JobID); err == nil {
		return existing, nil
	}
	cp := *b
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO bibles (id, job_id, body, created_at) VALUES (gen_random_uuid(), $1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE SET job_id = EXCLUDED.job_id
		RETURNING id`, b.JobID, body, cp.CreatedAt)
	if err := row.Scan(&cp.ID); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) LoadLatestArc(ctx context.Context, jobID string) (*story.Arc, error) {
	var body []byte
	row := s.pool.QueryRow(ctx, `SELECT body FROM arcs WHERE job_id = $1 ORDER BY number DESC LIMIT 1`, jobID)
	if err := row.Scan(&body); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var a story.Arc
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) InsertArc(ctx context.Context, a *story.Arc) (*story.Arc, error) {
	var existingBody []byte
	row := s.pool.QueryRow(ctx, `SELECT body FROM arcs WHERE job_id = $1 AND number = $2`, a.JobID, a.Number)
	if err := row.Scan(&existingBody); err == nil {
		var existing story.Arc
		if err := json.Unmarshal(existingBody, &existing); err == nil {
			return &existing, nil
		}
	}
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	qr := s.pool.QueryRow(ctx, `
		INSERT INTO arcs (id, job_id, number, body, created_at) VALUES (gen_random_uuid(), $1, $2, $3, $4)
		ON CONFLICT (job_id, number) DO UPDATE SET job_id = EXCLUDED.job_id
		RETURNING id`, a.JobID, a.Number, body, cp.CreatedAt)
	if err := qr.Scan(&cp.ID); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) LoadChapter(ctx context.Context, jobID string, n int) (*story.Chapter, error) {
	var body []byte
	row := s.pool.QueryRow(ctx, `SELECT body FROM chapters WHERE job_id = $1 AND number = $2`, jobID, n)
	if err := row.Scan(&body); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var c story.Chapter
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) LoadPreviousChapters(ctx context.Context, jobID string, before, window int) ([]*story.Chapter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body FROM chapters WHERE job_id = $1 AND number < $2
		ORDER BY number DESC LIMIT $3`, jobID, before, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*story.Chapter
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c story.Chapter
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, err
		}
		out = append([]*story.Chapter{&c}, out...)
	}
	return out, rows.Err()
}

func (s *Store) CountChapters(ctx context.Context, jobID string) (int, error) {
	var n int
	row := s.pool.QueryRow(ctx, `SELECT count(*) FROM chapters WHERE job_id = $1`, jobID)
	return n, row.Scan(&n)
}

func (s *Store) InsertChapter(ctx context.Context, c *story.Chapter) (*story.Chapter, error) {
	var existingBody []byte
	row := s.pool.QueryRow(ctx, `SELECT body FROM chapters WHERE job_id = $1 AND number = $2`, c.JobID, c.Number)
	if err := row.Scan(&existingBody); err == nil {
		var existing story.Chapter
		if err := json.Unmarshal(existingBody, &existing); err == nil {
			return &existing, nil
		}
	}
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	qr := s.pool.QueryRow(ctx, `
		INSERT INTO chapters (id, job_id, number, body, created_at) VALUES (gen_random_uuid(), $1, $2, $3, $4)
		ON CONFLICT (job_id, number) DO UPDATE SET job_id = EXCLUDED.job_id
		RETURNING id`, c.JobID, c.Number, body, cp.CreatedAt)
	if err := qr.Scan(&cp.ID); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) LoadFeedback(ctx context.Context, jobID string) ([]*story.CheckpointFeedback, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM feedback WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*story.CheckpointFeedback
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var f story.CheckpointFeedback
		if err := json.Unmarshal(body, &f); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *Store) InsertFeedback(ctx context.Context, f *story.CheckpointFeedback) (*story.CheckpointFeedback, error) {
	cp := *f
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO feedback (id, job_id, body, created_at) VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id`, f.JobID, body, cp.CreatedAt)
	if err := row.Scan(&cp.ID); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) InsertCostRecord(ctx context.Context, c *story.CostRecord) error {
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cost_records (id, job_id, body, created_at) VALUES (gen_random_uuid(), $1, $2, $3)`,
		c.JobID, body, cp.CreatedAt)
	return err
}

// ScanJobs implements the Health Sweeper's OR query as two index-backed
// scans, mirroring internal/store/memory's split for the same reason:
// an active job only qualifies once stale, an errored job always does.
func (s *Store) ScanJobs(ctx context.Context, filter store.JobFilter) ([]*story.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case filter.Status == story.JobStatusActive && !filter.StaleBefore.IsZero():
		rows, err = s.pool.Query(ctx, `
			SELECT id, owner, title, genre, status, bible_ref, cover_ref, progress, created_at, updated_at
			FROM jobs WHERE status = 'active' AND last_updated < $1 ORDER BY created_at ASC`, filter.StaleBefore)
	case filter.Status != "":
		rows, err = s.pool.Query(ctx, `
			SELECT id, owner, title, genre, status, bible_ref, cover_ref, progress, created_at, updated_at
			FROM jobs WHERE status = $1 ORDER BY created_at ASC`, filter.Status)
	default:
		rows, err = s.pool.Query(ctx, `
			SELECT id, owner, title, genre, status, bible_ref, cover_ref, progress, created_at, updated_at
			FROM jobs ORDER BY created_at ASC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*story.Job
	for rows.Next() {
		var j story.Job
		var progressBody []byte
		if err := rows.Scan(&j.ID, &j.Owner, &j.Title, &j.Genre, &j.Status, &j.BibleRef, &j.CoverRef, &progressBody, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(progressBody, &j.Progress); err != nil {
			return nil, err
		}
		if matchesStepFilter(&j, filter) {
			out = append(out, &j)
		}
	}
	return out, rows.Err()
}

func matchesStepFilter(j *story.Job, f store.JobFilter) bool {
	if len(f.StepPrefixes) == 0 && len(f.ExactSteps) == 0 {
		return true
	}
	step := string(j.Progress.CurrentStep)
	for _, p := range f.StepPrefixes {
		if len(step) >= len(p) && step[:len(p)] == p {
			return true
		}
	}
	for _, e := range f.ExactSteps {
		if j.Progress.CurrentStep == e {
			return true
		}
	}
	return false
}
