package insights

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/counselor-agent/internal/records"
)

// DefaultTTL is how long a new insight stays active.
const DefaultTTL = 14 * 24 * time.Hour

// Insight statuses.
const (
	StatusActive    = "active"
	StatusDismissed = "dismissed"
)

// Store persists insights in the agent_insights table of a record store.
type Store struct {
	records records.Store
	ttl     time.Duration
	now     func() time.Time
}

// NewStore returns a Store over rs. A ttl of zero uses [DefaultTTL].
func NewStore(rs records.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{records: rs, ttl: ttl, now: time.Now}
}

// Save stores the insights as active for owner and returns them with
// ids and timestamps filled in. runID may be empty.
func (s *Store) Save(ctx context.Context, owner, runID string, list []Insight) ([]Insight, error) {
	expires := s.now().UTC().Add(s.ttl)
	out := make([]Insight, 0, len(list))
	for _, in := range list {
		row := records.Row{
			"category":       in.Category,
			"priority":       in.Priority,
			"finding":        in.Finding,
			"recommendation": in.Recommendation,
			"status":         StatusActive,
			"expires_at":     expires,
		}
		if runID != "" {
			row["agent_run_id"] = runID
		}
		saved, err := s.records.Insert(ctx, owner, records.TableInsights, row)
		if err != nil {
			return out, fmt.Errorf("save insight: %w", err)
		}
		out = append(out, fromRow(saved))
	}
	return out, nil
}

// ListOptions narrows [Store.List].
type ListOptions struct {
	Priority string
	Limit    int
}

// List returns owner's active, unexpired insights, newest first.
func (s *Store) List(ctx context.Context, owner string, opts ListOptions) ([]Insight, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	f := records.Filter{
		Where: []records.Cond{
			records.Where("status", records.Eq, StatusActive),
			records.Where("expires_at", records.Gt, s.now().UTC()),
		},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   opts.Limit,
	}
	if opts.Priority != "" {
		f.Where = append(f.Where, records.Where("priority", records.Eq, opts.Priority))
	}
	rows, err := s.records.Select(ctx, owner, records.TableInsights, f)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	out := make([]Insight, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// DismissPatch is the change that dismisses an insight.
func DismissPatch(now time.Time) records.Row {
	return records.Row{"status": StatusDismissed, "dismissed_at": now.UTC()}
}

// Dismiss marks owner's insight dismissed. Returns a wrapped
// [records.ErrNotFound] for unknown or foreign ids.
func (s *Store) Dismiss(ctx context.Context, owner, id string) (Insight, error) {
	row, err := s.records.Update(ctx, owner, records.TableInsights, id, DismissPatch(s.now()))
	if err != nil {
		return Insight{}, fmt.Errorf("dismiss insight: %w", err)
	}
	return fromRow(row), nil
}

func fromRow(r records.Row) Insight {
	in := Insight{
		ID:             r.ID(),
		AgentRunID:     r.String("agent_run_id"),
		Category:       r.String("category"),
		Priority:       r.String("priority"),
		Finding:        r.String("finding"),
		Recommendation: r.String("recommendation"),
		Status:         r.String("status"),
	}
	if t, err := time.Parse(records.TimeLayout, r.String("expires_at")); err == nil {
		in.ExpiresAt = &t
	}
	if t, err := time.Parse(records.TimeLayout, r.String("created_at")); err == nil {
		in.CreatedAt = &t
	}
	return in
}
