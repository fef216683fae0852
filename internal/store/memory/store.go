// Package memory is an in-process ProgressStore used by tests and local
// development. It mirrors the semantics of the production postgres store
// (idempotent inserts, ordered scans) without any external dependency.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/storyforge/internal/domain/story"
	"github.com/dotcommander/storyforge/internal/store"
)

// Store is a mutex-guarded in-memory ProgressStore.
type Store struct {
	mu sync.Mutex

	jobs      map[string]*story.Job
	bibles    map[string]*story.Bible   // keyed by jobID
	arcs      map[string]*story.Arc     // keyed by jobID
	chapters  map[string]map[int]*story.Chapter // jobID -> number -> chapter
	feedback  map[string][]*story.CheckpointFeedback
	costs     []*story.CostRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*story.Job),
		bibles:   make(map[string]*story.Bible),
		arcs:     make(map[string]*story.Arc),
		chapters: make(map[string]map[int]*story.Chapter),
		feedback: make(map[string][]*story.CheckpointFeedback),
	}
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
	s.jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (*story.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, patch story.ProgressPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
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
	return nil
}

func (s *Store) ClearRecoveryLock(ctx context.Context, jobID string) error {
	cleared := true
	return s.UpdateProgress(ctx, jobID, story.ProgressPatch{ClearRecoveryLock: cleared})
}

func (s *Store) AcquireRecoveryLock(ctx context.Context, jobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	j.Progress.RecoveryStarted = &now
	return nil
}

func (s *Store) LoadBible(ctx context.Context, jobID string) (*story.Bible, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bibles[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) InsertBible(ctx context.Context, b *story.Bible) (*story.Bible, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bibles[b.JobID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *b
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.bibles[b.JobID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) LoadLatestArc(ctx context.Context, jobID string) (*story.Arc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.arcs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) InsertArc(ctx context.Context, a *story.Arc) (*story.Arc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.arcs[a.JobID]; ok && existing.Number == a.Number {
		cp := *existing
		return &cp, nil
	}
	cp := *a
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.arcs[a.JobID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) LoadChapter(ctx context.Context, jobID string, n int) (*story.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNum, ok := s.chapters[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c, ok := byNum[n]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) LoadPreviousChapters(ctx context.Context, jobID string, before, window int) ([]*story.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNum := s.chapters[jobID]
	var nums []int
	for n := range byNum {
		if n < before {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	if len(nums) > window {
		nums = nums[len(nums)-window:]
	}
	out := make([]*story.Chapter, 0, len(nums))
	for _, n := range nums {
		cp := *byNum[n]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) CountChapters(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chapters[jobID]), nil
}

func (s *Store) InsertChapter(ctx context.Context, c *story.Chapter) (*story.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNum, ok := s.chapters[c.JobID]
	if !ok {
		byNum = make(map[int]*story.Chapter)
		s.chapters[c.JobID] = byNum
	}
	if existing, ok := byNum[c.Number]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	byNum[c.Number] = &cp
	out := cp
	return &out, nil
}

func (s *Store) LoadFeedback(ctx context.Context, jobID string) ([]*story.CheckpointFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.feedback[jobID]
	out := make([]*story.CheckpointFeedback, len(rows))
	for i, f := range rows {
		cp := *f
		out[i] = &cp
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
	s.feedback[f.JobID] = append(s.feedback[f.JobID], &cp)
	out := cp
	return &out, nil
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
	s.costs = append(s.costs, &cp)
	return nil
}

// Backdate forces Progress.LastUpdated to t, bypassing UpdateProgress's
// always-now stamping. Exists for tests that need to simulate a stalled job
// without sleeping out the staleness window.
func (s *Store) Backdate(jobID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	j.Progress.LastUpdated = t
	return nil
}

func (s *Store) ScanJobs(ctx context.Context, filter store.JobFilter) ([]*story.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*story.Job
	for _, j := range s.jobs {
		if !matchesFilter(j, filter) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func matchesFilter(j *story.Job, f store.JobFilter) bool {
	statusOK := false
	if f.Status != "" && j.Status == f.Status {
		statusOK = true
	}
	for _, s := range f.AnyStatus {
		if j.Status == s {
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
