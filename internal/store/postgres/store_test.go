package postgres

import (
	"context"
	"os"
	"testing"
)

// TestStoreAgainstLiveDatabase exercises the real pgx pool. It requires
// STORYFORGE_TEST_DATABASE_URL and is skipped otherwise: this package has
// no in-memory fake, since its whole point is the jsonb/index behavior
// that a fake pool can't reproduce faithfully.
func TestStoreAgainstLiveDatabase(t *testing.T) {
	dsn := os.Getenv("STORYFORGE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("STORYFORGE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	job, err := s.CreateJob(ctx, "owner", "premise", "Live Book", "fantasy")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.LoadJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if got.Title != "Live Book" {
		t.Errorf("got title %q", got.Title)
	}
}
