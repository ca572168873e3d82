// Package runs records one agent_runs row per assistant turn and
// enforces the per-counselor hourly run limit.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/records"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// TypeChat is the run type of an interactive chat turn.
const TypeChat = "chat"

// ErrRateLimited is returned when a counselor exceeds their hourly runs.
var ErrRateLimited = errors.New("hourly run limit reached")

// Run is one agent execution.
type Run struct {
	ID              string     `json:"id"`
	RunType         string     `json:"run_type"`
	Status          string     `json:"status"`
	InsightsCount   int        `json:"insights_count"`
	ToolsUsed       []string   `json:"tools_used"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Store keeps runs in the agent_runs table.
type Store struct {
	records records.Store
	now     func() time.Time
}

// NewStore returns a Store over rs.
func NewStore(rs records.Store) *Store {
	return &Store{records: rs, now: time.Now}
}

// Start inserts a running row for owner.
func (s *Store) Start(ctx context.Context, owner, runType string) (*Run, error) {
	now := s.now().UTC()
	row, err := s.records.Insert(ctx, owner, records.TableRuns, records.Row{
		"run_type":   runType,
		"status":     StatusRunning,
		"tools_used": []string{},
		"started_at": now,
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &Run{ID: row.ID(), RunType: runType, Status: StatusRunning, ToolsUsed: []string{}, StartedAt: now}, nil
}

// Finish writes the run's outcome. Status, InsightsCount, ToolsUsed and
// ErrorMessage are taken from r; timing is computed here.
func (s *Store) Finish(ctx context.Context, owner string, r *Run) error {
	now := s.now().UTC()
	r.CompletedAt = &now
	r.ExecutionTimeMS = now.Sub(r.StartedAt).Milliseconds()
	tools := r.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	patch := records.Row{
		"status":            r.Status,
		"insights_count":    r.InsightsCount,
		"tools_used":        tools,
		"execution_time_ms": r.ExecutionTimeMS,
		"completed_at":      now,
	}
	if r.ErrorMessage != "" {
		patch["error_message"] = r.ErrorMessage
	}
	if _, err := s.records.Update(ctx, owner, records.TableRuns, r.ID, patch); err != nil {
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}
	return nil
}

// List returns owner's most recent runs.
func (s *Store) List(ctx context.Context, owner string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.records.Select(ctx, owner, records.TableRuns, records.Filter{
		OrderBy: "started_at", Desc: true, Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// CheckRate returns a transient failure when owner has started
// maxPerHour or more runs in the last hour. maxPerHour <= 0 disables
// the check.
func (s *Store) CheckRate(ctx context.Context, owner string, maxPerHour int) error {
	if maxPerHour <= 0 {
		return nil
	}
	rows, err := s.records.Select(ctx, owner, records.TableRuns, records.Filter{
		Where: []records.Cond{records.Where("started_at", records.Gte, s.now().Add(-time.Hour))},
		Limit: maxPerHour,
	})
	if err != nil {
		return fmt.Errorf("count runs: %w", err)
	}
	if len(rows) >= maxPerHour {
		return failure.New(failure.Transient,
			fmt.Sprintf("You've reached the limit of %d assistant requests per hour. Please try again later.", maxPerHour),
			ErrRateLimited)
	}
	return nil
}

func fromRow(row records.Row) Run {
	r := Run{
		ID:           row.ID(),
		RunType:      row.String("run_type"),
		Status:       row.String("status"),
		ErrorMessage: row.String("error_message"),
		ToolsUsed:    []string{},
	}
	if n, ok := row.Int("insights_count"); ok {
		r.InsightsCount = int(n)
	}
	if n, ok := row.Int("execution_time_ms"); ok {
		r.ExecutionTimeMS = n
	}
	if raw, ok := row["tools_used"].(json.RawMessage); ok {
		_ = json.Unmarshal(raw, &r.ToolsUsed)
	}
	if t, err := time.Parse(records.TimeLayout, row.String("started_at")); err == nil {
		r.StartedAt = t
	}
	if t, err := time.Parse(records.TimeLayout, row.String("completed_at")); err == nil {
		r.CompletedAt = &t
	}
	return r
}
