// Package confirm records mutation intents proposed by the assistant and
// applies each one at most once, when the counselor confirms it.
package confirm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/counselor-agent/internal/events"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/records"
)

// ErrNotFound is returned for tokens that do not exist, have expired, or
// belong to another counselor. It matches [records.ErrNotFound].
var ErrNotFound = fmt.Errorf("confirmation: %w", records.ErrNotFound)

// DefaultTTL is how long an unconfirmed intent stays applicable.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of an intent.
type Status string

// Intent states. An intent moves pending → applying → applied|failed;
// a transient failure moves it back to pending.
const (
	StatusPending  Status = "pending"
	StatusApplying Status = "applying"
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
)

// Op is the record-store operation an intent performs.
type Op string

// Intent operations.
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Intent is a proposed mutation awaiting confirmation.
type Intent struct {
	Token    string         `json:"confirmation_token"`
	OwnerID  string         `json:"owner_id"`
	Tool     string         `json:"tool"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	Op       Op             `json:"op"`
	Table    string         `json:"table"`
	TargetID string         `json:"target_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Message  string         `json:"message"`

	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	AppliedAt     *time.Time      `json:"applied_at,omitempty"`
}

// ApplyFunc performs the mutation described by an intent and returns a
// JSON-encodable result.
type ApplyFunc func(ctx context.Context, in *Intent) (any, error)

// Outcome is the result of confirming an intent.
type Outcome struct {
	Intent *Intent
	// Replayed is true when the intent had already been applied and the
	// stored result was returned without writing again.
	Replayed bool
}

// Ledger is a SQLite-backed store of mutation intents.
type Ledger struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time
}

// NewLedger creates the schema if needed. A ttl of zero uses
// [DefaultTTL]. bus may be nil.
func NewLedger(db *sql.DB, ttl time.Duration, logger *slog.Logger, bus *events.Bus) (*Ledger, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{db: db, ttl: ttl, logger: logger, bus: bus, now: time.Now}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate confirmations: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS confirmations (
		token          TEXT PRIMARY KEY,
		counselor_id   TEXT NOT NULL,
		tool           TEXT NOT NULL,
		action         TEXT NOT NULL,
		entity         TEXT NOT NULL,
		op             TEXT NOT NULL,
		table_name     TEXT NOT NULL,
		target_id      TEXT,
		data           TEXT,
		message        TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		result         TEXT,
		error          TEXT,
		error_category TEXT,
		created_at     TEXT NOT NULL,
		expires_at     TEXT NOT NULL,
		applied_at     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_confirmations_owner ON confirmations(counselor_id, created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record stores a pending intent and returns it with Token, Status,
// CreatedAt and ExpiresAt filled in.
func (l *Ledger) Record(ctx context.Context, in Intent) (*Intent, error) {
	if in.OwnerID == "" || in.Table == "" || in.Op == "" {
		return nil, errors.New("record intent: owner, table and op are required")
	}
	var data sql.NullString
	if len(in.Data) > 0 {
		b, err := json.Marshal(in.Data)
		if err != nil {
			return nil, fmt.Errorf("encode intent data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	now := l.now().UTC()
	in.Token = uuid.NewString()
	in.Status = StatusPending
	in.CreatedAt = now
	in.ExpiresAt = now.Add(l.ttl)

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO confirmations (token, counselor_id, tool, action, entity, op, table_name, target_id, data, message, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Token, in.OwnerID, in.Tool, in.Action, in.Entity, string(in.Op), in.Table,
		sql.NullString{String: in.TargetID, Valid: in.TargetID != ""}, data, in.Message,
		string(StatusPending), now.Format(records.TimeLayout), in.ExpiresAt.Format(records.TimeLayout),
	); err != nil {
		return nil, fmt.Errorf("record intent: %w", err)
	}

	l.logger.Debug("intent recorded",
		"token", in.Token, "tool", in.Tool, "action", in.Action, "entity", in.Entity, "target_id", in.TargetID)
	return &in, nil
}

// Get returns the owner's intent, or [ErrNotFound].
func (l *Ledger) Get(ctx context.Context, ownerID, token string) (*Intent, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT token, counselor_id, tool, action, entity, op, table_name, target_id, data, message,
		        status, result, error, error_category, created_at, expires_at, applied_at
		 FROM confirmations WHERE token = ? AND counselor_id = ?`, token, ownerID)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return in, nil
}

// Apply runs fn for the owner's pending intent exactly once.
//
// An intent that was already applied returns its stored result with
// Replayed set, and fn is not called. An intent that previously failed
// returns the same failure. A concurrent Apply of the same token gets a
// transient error. When fn fails with a transient error the intent goes
// back to pending so it can be confirmed again.
func (l *Ledger) Apply(ctx context.Context, ownerID, token string, fn ApplyFunc) (*Outcome, error) {
	in, err := l.Get(ctx, ownerID, token)
	if err != nil {
		return nil, err
	}
	if done, err := l.settled(in); done || err != nil {
		return &Outcome{Intent: in, Replayed: true}, err
	}
	if l.now().After(in.ExpiresAt) {
		return nil, failure.New(failure.NotFound, "This confirmation has expired. Please ask again.", ErrNotFound)
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE confirmations SET status = ? WHERE token = ? AND counselor_id = ? AND status = ?`,
		string(StatusApplying), token, ownerID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race; report whatever the winner produced.
		if in, err = l.Get(ctx, ownerID, token); err != nil {
			return nil, err
		}
		if done, err := l.settled(in); done || err != nil {
			return &Outcome{Intent: in, Replayed: true}, err
		}
		return nil, failure.New(failure.Transient, "This change is already being applied.", nil)
	}

	// The claim is held; settle it even if the caller goes away.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	result, applyErr := fn(ctx, in)
	if applyErr != nil {
		cat := failure.Classify(applyErr)
		if cat == failure.Transient {
			if _, err := l.db.ExecContext(settleCtx,
				`UPDATE confirmations SET status = ? WHERE token = ?`, string(StatusPending), token); err != nil {
				l.logger.Error("release intent failed", "token", token, "error", err)
			}
			return nil, applyErr
		}
		if _, err := l.db.ExecContext(settleCtx,
			`UPDATE confirmations SET status = ?, error = ?, error_category = ?, applied_at = ? WHERE token = ?`,
			string(StatusFailed), applyErr.Error(), string(cat), l.now().UTC().Format(records.TimeLayout), token); err != nil {
			l.logger.Error("mark intent failed", "token", token, "error", err)
		}
		l.logger.Warn("intent failed", "token", token, "tool", in.Tool, "category", cat, "error", applyErr)
		return nil, applyErr
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode intent result: %w", err)
	}
	applied := l.now().UTC()
	if _, err := l.db.ExecContext(settleCtx,
		`UPDATE confirmations SET status = ?, result = ?, applied_at = ? WHERE token = ?`,
		string(StatusApplied), string(encoded), applied.Format(records.TimeLayout), token); err != nil {
		return nil, fmt.Errorf("mark intent applied: %w", err)
	}

	in.Status = StatusApplied
	in.Result = encoded
	in.AppliedAt = &applied

	l.logger.Info("intent applied", "token", token, "tool", in.Tool, "action", in.Action, "entity", in.Entity)
	l.bus.Emit(events.SourceConfirm, events.KindConfirmed, map[string]any{
		"token":        token,
		"counselor_id": ownerID,
		"tool":         in.Tool,
		"action":       in.Action,
		"entity":       in.Entity,
	})
	return &Outcome{Intent: in}, nil
}

// settled reports whether in has reached a final state. A failed intent
// yields its recorded failure.
func (l *Ledger) settled(in *Intent) (bool, error) {
	switch in.Status {
	case StatusApplied:
		l.logger.Log(context.Background(), llm.LevelTrace, "intent replayed", "token", in.Token)
		return true, nil
	case StatusFailed:
		cat := failure.Category(in.ErrorCategory)
		if cat == "" {
			cat = failure.Unknown
		}
		return true, failure.New(cat, cat.UserMessage(), errors.New(in.Error))
	}
	return false, nil
}

// List returns the owner's most recent intents.
func (l *Ledger) List(ctx context.Context, ownerID string, limit int) ([]Intent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT token, counselor_id, tool, action, entity, op, table_name, target_id, data, message,
		        status, result, error, error_category, created_at, expires_at, applied_at
		 FROM confirmations WHERE counselor_id = ? ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(r scanner) (*Intent, error) {
	var in Intent
	var op, status, created, expires string
	var target, data, result, errText, cat, applied sql.NullString
	if err := r.Scan(&in.Token, &in.OwnerID, &in.Tool, &in.Action, &in.Entity, &op, &in.Table,
		&target, &data, &in.Message, &status, &result, &errText, &cat, &created, &expires, &applied); err != nil {
		return nil, err
	}
	in.Op = Op(op)
	in.Status = Status(status)
	in.TargetID = target.String
	in.Error = errText.String
	in.ErrorCategory = cat.String
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &in.Data); err != nil {
			return nil, fmt.Errorf("decode intent data: %w", err)
		}
	}
	if result.Valid {
		in.Result = json.RawMessage(result.String)
	}
	in.CreatedAt, _ = time.Parse(records.TimeLayout, created)
	in.ExpiresAt, _ = time.Parse(records.TimeLayout, expires)
	if applied.Valid {
		t, err := time.Parse(records.TimeLayout, applied.String)
		if err == nil {
			in.AppliedAt = &t
		}
	}
	return &in, nil
}
