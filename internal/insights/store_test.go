package insights

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/counselor-agent/internal/records"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "insights.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	rs, err := records.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return NewStore(rs, 0)
}

func TestSaveListDismiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, "c1", "run-1", []Insight{
		{Category: "deadlines", Priority: "high", Finding: "3 overdue", Recommendation: "Call"},
		{Category: "essays", Priority: "low", Finding: "1 draft", Recommendation: "Review"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(saved) != 2 || saved[0].ID == "" || saved[0].Status != StatusActive || saved[0].AgentRunID != "run-1" {
		t.Fatalf("saved = %+v", saved)
	}
	if saved[0].ExpiresAt == nil || saved[0].ExpiresAt.Sub(time.Now()) < 13*24*time.Hour {
		t.Errorf("expires_at = %v, want about 14 days out", saved[0].ExpiresAt)
	}

	all, err := s.List(ctx, "c1", ListOptions{})
	if err != nil || len(all) != 2 {
		t.Fatalf("List = %d, %v", len(all), err)
	}
	high, _ := s.List(ctx, "c1", ListOptions{Priority: "high"})
	if len(high) != 1 || high[0].Finding != "3 overdue" {
		t.Errorf("high = %+v", high)
	}
	if other, _ := s.List(ctx, "c2", ListOptions{}); len(other) != 0 {
		t.Errorf("c2 sees %d insights", len(other))
	}

	if _, err := s.Dismiss(ctx, "c2", saved[0].ID); !errors.Is(err, records.ErrNotFound) {
		t.Errorf("foreign Dismiss err = %v", err)
	}
	d, err := s.Dismiss(ctx, "c1", saved[0].ID)
	if err != nil || d.Status != StatusDismissed {
		t.Fatalf("Dismiss = %+v, %v", d, err)
	}
	if left, _ := s.List(ctx, "c1", ListOptions{}); len(left) != 1 {
		t.Errorf("after dismiss = %d, want 1", len(left))
	}
}

func TestListHidesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, "c1", "", []Insight{{Category: "c", Priority: "low", Finding: "f", Recommendation: "r"}}); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Now().Add(15 * 24 * time.Hour) }
	if got, _ := s.List(ctx, "c1", ListOptions{}); len(got) != 0 {
		t.Errorf("expired insight listed: %+v", got)
	}
}
