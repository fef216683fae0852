// Package filestore adapts the on-disk blob primitive in fs.go into a
// full ProgressStore: one JSON file per entity, keyed by a sanitized
// path, mirroring the teacher's CheckpointManager save/load idiom but
// covering the orchestrator's whole entity set instead of a single
// phase snapshot.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/store"
)

// Store is a single-node, file-backed ProgressStore. Safe for concurrent
// use from one process; it does not coordinate across processes (use
// internal/recoverylock for that).
type Store struct {
	mu sync.Mutex
	fs Storage
}

// New returns a Store persisting under baseDir.
func New(baseDir string) *Store {
	return &Store{fs: NewFileSystem(baseDir)}
}

func jobPath(id string) string          { return "jobs/" + id + ".json" }
func biblePath(jobID string) string     { return "bibles/" + jobID + ".json" }
func arcPath(jobID string) string       { return "arcs/" + jobID + ".json" }
func chapterDir(jobID string) string    { return "chapters/" + jobID }
func chapterPath(jobID string, n int) string {
	return chapterDir(jobID) + "/" + strconv.Itoa(n) + ".json"
}
func feedbackDir(jobID string) string { return "feedback/" + jobID }
func costDir() string                 { return "costs" }

func (s *Store) readJSON(ctx context.Context, path string, v any) error {
	data, err := s.fs.Load(ctx, path)
	if err != nil {
		return store.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (s *Store) writeJSON(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", path, err)
	}
	return s.fs.Save(ctx, path, data)
}

func (s *Store) CreateJob(ctx context.Context, owner, premiseRef, title, genre string) (*story.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	j := &story.Job{
		ID:         uuid.NewString(),
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
	if err := s.writeJSON(ctx, jobPath(j.ID), j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (*story.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var j story.Job
	if err := s.readJSON(ctx, jobPath(jobID), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, patch story.ProgressPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var j story.Job
	if err := s.readJSON(ctx, jobPath(jobID), &j); err != nil {
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
	j.UpdatedAt = p.LastUpdated

	return s.writeJSON(ctx, jobPath(jobID), &j)
}

func (s *Store) ClearRecoveryLock(ctx context.Context, jobID string) error {
	return s.UpdateProgress(ctx, jobID, story.ProgressPatch{ClearRecoveryLock: true})
}

func (s *Store) AcquireRecoveryLock(ctx context.Context, jobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var j story.Job
	if err := s.readJSON(ctx, jobPath(jobID), &j); err != nil {
		return err
	}
	j.Progress.RecoveryStarted = &now
	return s.writeJSON(ctx, jobPath(jobID), &j)
}

func (s *Store) LoadBible(ctx context.Context, jobID string) (*story.Bible, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b story.Bible
	if err := s.readJSON(ctx, biblePath(jobID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) InsertBible(ctx context.Context, b *story.Bible) (*story.Bible, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing story.Bible
	if err := s.readJSON(ctx, biblePath(b.JobID), &existing); err == nil {
		return &existing, nil
	}
	cp := *b
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if err := s.writeJSON(ctx, biblePath(b.JobID), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) LoadLatestArc(ctx context.Context, jobID string) (*story.Arc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a story.Arc
	if err := s.readJSON(ctx, arcPath(jobID), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) InsertArc(ctx context.Context, a *story.Arc) (*story.Arc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing story.Arc
	if err := s.readJSON(ctx, arcPath(a.JobID), &existing); err == nil && existing.Number == a.Number {
		return &existing, nil
	}
	cp := *a
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if err := s.writeJSON(ctx, arcPath(a.JobID), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) LoadChapter(ctx context.Context, jobID string, n int) (*story.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c story.Chapter
	if err := s.readJSON(ctx, chapterPath(jobID, n), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) LoadPreviousChapters(ctx context.Context, jobID string, before, window int) ([]*story.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.fs.List(ctx, chapterDir(jobID)+"/*.json")
	if err != nil {
		return nil, nil
	}
	var nums []int
	for _, e := range entries {
		base := strings.TrimSuffix(strings.TrimPrefix(e, chapterDir(jobID)+"/"), ".json")
		n, convErr := strconv.Atoi(base)
		if convErr == nil && n < before {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	if len(nums) > window {
		nums = nums[len(nums)-window:]
	}
	out := make([]*story.Chapter, 0, len(nums))
	for _, n := range nums {
		var c story.Chapter
		if err := s.readJSON(ctx, chapterPath(jobID, n), &c); err == nil {
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) CountChapters(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.fs.List(ctx, chapterDir(jobID)+"/*.json")
	if err != nil {
		return 0, nil
	}
	return len(entries), nil
}

func (s *Store) InsertChapter(ctx context.Context, c *story.Chapter) (*story.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing story.Chapter
	if err := s.readJSON(ctx, chapterPath(c.JobID, c.Number), &existing); err == nil {
		return &existing, nil
	}
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if err := s.writeJSON(ctx, chapterPath(c.JobID, c.Number), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) LoadFeedback(ctx context.Context, jobID string) ([]*story.CheckpointFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.fs.List(ctx, feedbackDir(jobID)+"/*.json")
	if err != nil {
		return nil, nil
	}
	sort.Strings(entries)
	out := make([]*story.CheckpointFeedback, 0, len(entries))
	for _, e := range entries {
		var f story.CheckpointFeedback
		if err := s.readJSON(ctx, e, &f); err == nil {
			out = append(out, &f)
		}
	}
	return out, nil
}

func (s *Store) InsertFeedback(ctx context.Context, f *story.CheckpointFeedback) (*story.CheckpointFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *f
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	path := feedbackDir(f.JobID) + "/" + cp.CreatedAt.Format("20060102T150405.000000000") + "-" + cp.ID + ".json"
	if err := s.writeJSON(ctx, path, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) InsertCostRecord(ctx context.Context, c *story.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	path := costDir() + "/" + cp.JobID + "-" + cp.ID + ".json"
	return s.writeJSON(ctx, path, &cp)
}

func (s *Store) ScanJobs(ctx context.Context, filter store.JobFilter) ([]*story.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.fs.List(ctx, "jobs/*.json")
	if err != nil {
		return nil, nil
	}
	var out []*story.Job
	for _, e := range entries {
		var j story.Job
		if err := s.readJSON(ctx, e, &j); err != nil {
			continue
		}
		if matchesFilter(&j, filter) {
			cp := j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func matchesFilter(j *story.Job, f store.JobFilter) bool {
	statusOK := false
	if f.Status != "" && j.Status == f.Status {
		statusOK = true
	}
	for _, st := range f.AnyStatus {
		if j.Status == st {
			statusOK = true
		}
	}
	if f.Status == "" && len(f.AnyStatus) == 0 {
		statusOK = true
	}
	if !statusOK {
		return false
	}

	if !f.StaleBefore.IsZero() && !j.Progress.LastUpdated.Before(f.StaleBefore) {
		return false
	}

	if len(f.StepPrefixes) > 0 || len(f.ExactSteps) > 0 {
		matched := false
		step := string(j.Progress.CurrentStep)
		for _, p := range f.StepPrefixes {
			if strings.HasPrefix(step, p) {
				matched = true
				break
			}
		}
		for _, e := range f.ExactSteps {
			if j.Progress.CurrentStep == e {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
