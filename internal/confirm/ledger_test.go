package confirm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/counselor-agent/internal/events"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/records"
	_ "modernc.org/sqlite"
)

func newTestLedger(t *testing.T, bus *events.Bus) *Ledger {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "confirm.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	l, err := NewLedger(db, time.Hour, nil, bus)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func deleteIntent(owner string) Intent {
	return Intent{
		OwnerID:  owner,
		Tool:     "delete_essay",
		Action:   "delete",
		Entity:   "essay",
		Op:       OpDelete,
		Table:    records.TableEssays,
		TargetID: "essay-1",
		Message:  `Delete essay "Why Us"?`,
	}
}

func TestRecordAndGet(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()

	in := deleteIntent("c1")
	in.Op = OpUpdate
	in.Data = map[string]any{"status": "final"}
	rec, err := l.Record(ctx, in)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Token == "" || rec.Status != StatusPending {
		t.Fatalf("recorded = %+v", rec)
	}

	got, err := l.Get(ctx, "c1", rec.Token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Data["status"] != "final" || got.TargetID != "essay-1" || got.Op != OpUpdate {
		t.Errorf("got %+v", got)
	}

	if _, err := l.Get(ctx, "c2", rec.Token); !errors.Is(err, records.ErrNotFound) {
		t.Errorf("foreign Get err = %v", err)
	}
}

func TestApplyOnce(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(4)
	l := newTestLedger(t, bus)
	ctx := context.Background()

	rec, err := l.Record(ctx, deleteIntent("c1"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	var calls atomic.Int32
	apply := func(ctx context.Context, in *Intent) (any, error) {
		calls.Add(1)
		return map[string]any{"deleted": in.TargetID}, nil
	}

	first, err := l.Apply(ctx, "c1", rec.Token, apply)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if first.Replayed || string(first.Intent.Result) != `{"deleted":"essay-1"}` {
		t.Errorf("first = %+v result=%s", first, first.Intent.Result)
	}

	second, err := l.Apply(ctx, "c1", rec.Token, apply)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if !second.Replayed || string(second.Intent.Result) != string(first.Intent.Result) {
		t.Errorf("second = %+v", second)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("apply ran %d times, want 1", n)
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindConfirmed || e.Data["token"] != rec.Token {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no confirmed event published")
	}
}

func TestApplyForeignToken(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	rec, _ := l.Record(ctx, deleteIntent("c1"))

	_, err := l.Apply(ctx, "c2", rec.Token, func(context.Context, *Intent) (any, error) {
		t.Fatal("apply must not run for a foreign token")
		return nil, nil
	})
	if failure.Classify(err) != failure.NotFound {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestApplyTransientReleases(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	rec, _ := l.Record(ctx, deleteIntent("c1"))

	_, err := l.Apply(ctx, "c1", rec.Token, func(context.Context, *Intent) (any, error) {
		return nil, fmt.Errorf("delete: %w", records.ErrTimeout)
	})
	if failure.Classify(err) != failure.Transient {
		t.Fatalf("err = %v, want transient", err)
	}
	got, _ := l.Get(ctx, "c1", rec.Token)
	if got.Status != StatusPending {
		t.Fatalf("status after transient = %s, want pending", got.Status)
	}

	out, err := l.Apply(ctx, "c1", rec.Token, func(context.Context, *Intent) (any, error) {
		return "ok", nil
	})
	if err != nil || out.Intent.Status != StatusApplied {
		t.Errorf("retry = %+v, %v", out, err)
	}
}

func TestApplyPermanentFailureSticks(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	rec, _ := l.Record(ctx, deleteIntent("c1"))

	_, err := l.Apply(ctx, "c1", rec.Token, func(context.Context, *Intent) (any, error) {
		return nil, fmt.Errorf("insert: %w", records.ErrConstraint)
	})
	if failure.Classify(err) != failure.DatabaseIntegrity {
		t.Fatalf("err = %v", err)
	}

	_, err = l.Apply(ctx, "c1", rec.Token, func(context.Context, *Intent) (any, error) {
		t.Fatal("a failed intent must not be applied again")
		return nil, nil
	})
	if failure.Classify(err) != failure.DatabaseIntegrity {
		t.Errorf("replayed err = %v, want database_integrity", err)
	}
}

func TestApplyExpired(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	rec, _ := l.Record(ctx, deleteIntent("c1"))

	l.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := l.Apply(ctx, "c1", rec.Token, func(context.Context, *Intent) (any, error) {
		t.Fatal("expired intent applied")
		return nil, nil
	})
	if !errors.Is(err, records.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	for range 3 {
		if _, err := l.Record(ctx, deleteIntent("c1")); err != nil {
			t.Fatal(err)
		}
	}
	l.Record(ctx, deleteIntent("c2"))

	got, err := l.List(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
}
