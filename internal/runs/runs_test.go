package runs

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/records"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	rs, err := records.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return NewStore(rs)
}

func TestStartFinishList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	run, err := s.Start(ctx, "c1", TypeChat)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.now = func() time.Time { return start.Add(1500 * time.Millisecond) }
	run.Status = StatusCompleted
	run.ToolsUsed = []string{"get_students", "get_tasks"}
	run.InsightsCount = 2
	if err := s.Finish(ctx, "c1", run); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if run.ExecutionTimeMS != 1500 {
		t.Errorf("execution_time_ms = %d, want 1500", run.ExecutionTimeMS)
	}

	list, err := s.List(ctx, "c1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
	got := list[0]
	if got.Status != StatusCompleted || got.InsightsCount != 2 || len(got.ToolsUsed) != 2 || got.ExecutionTimeMS != 1500 {
		t.Errorf("run = %+v", got)
	}
	if got.CompletedAt == nil || !got.StartedAt.Equal(start) {
		t.Errorf("timing = %v / %v", got.StartedAt, got.CompletedAt)
	}

	if other, _ := s.List(ctx, "c2", 10); len(other) != 0 {
		t.Errorf("c2 sees %d runs", len(other))
	}
}

func TestCheckRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// One run outside the window, two inside.
	s.now = func() time.Time { return now.Add(-2 * time.Hour) }
	s.Start(ctx, "c1", TypeChat)
	s.now = func() time.Time { return now.Add(-30 * time.Minute) }
	s.Start(ctx, "c1", TypeChat)
	s.Start(ctx, "c1", TypeChat)
	s.now = func() time.Time { return now }

	if err := s.CheckRate(ctx, "c1", 3); err != nil {
		t.Errorf("CheckRate(3) = %v, want nil", err)
	}
	err := s.CheckRate(ctx, "c1", 2)
	if !errors.Is(err, ErrRateLimited) || failure.Classify(err) != failure.Transient {
		t.Errorf("CheckRate(2) = %v, want transient rate limit", err)
	}
	if err := s.CheckRate(ctx, "c2", 1); err != nil {
		t.Errorf("other counselor limited: %v", err)
	}
	if err := s.CheckRate(ctx, "c1", 0); err != nil {
		t.Errorf("disabled limit returned %v", err)
	}
}
