// Package records provides owner-scoped access to the counselor's domain
// tables: students, tasks, essays, colleges, notes, and the agent's own
// insight and run history. Every operation takes the acting counselor's
// id and never reads or writes a row owned by someone else; a foreign
// row is indistinguishable from a missing one.
package records

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Sentinel errors returned (wrapped) by every [Store] implementation.
// Callers match them with [errors.Is].
var (
	// ErrNotFound means the row does not exist or belongs to another owner.
	ErrNotFound = errors.New("record not found")
	// ErrConstraint means a uniqueness, foreign key, check, or
	// required-column constraint rejected the write.
	ErrConstraint = errors.New("constraint violation")
	// ErrTimeout means the store was busy or the operation timed out.
	// Retrying later may succeed.
	ErrTimeout = errors.New("record store timeout")
	// ErrInvalidColumn means a row, patch, or filter named a column or
	// table the schema does not define.
	ErrInvalidColumn = errors.New("invalid column")
)

// Row is a single record keyed by column name. Values read back from a
// store are normalized per column kind: text and time columns are
// strings ([TimeLayout] for times), integers are int64, reals are float64,
// and JSON columns are [encoding/json.RawMessage].
type Row map[string]any

// String returns the column as a string, or "" when absent or null.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the column as an int64. The second result is false when
// the column is absent, null, or not numeric.
func (r Row) Int(col string) (int64, bool) {
	switch v := r[col].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns the column as a float64. The second result is false
// when the column is absent, null, or not numeric.
func (r Row) Float(col string) (float64, bool) {
	switch v := r[col].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// ID returns the row's primary key.
func (r Row) ID() string { return r.String("id") }

// Store is the record store contract shared by the SQLite and Postgres
// implementations. owner is the acting counselor id; implementations
// stamp it on inserts and add it to every predicate.
type Store interface {
	// Insert creates a row and returns it as stored, including the
	// generated id and timestamps.
	Insert(ctx context.Context, owner, table string, row Row) (Row, error)

	// Select returns the owner's rows in table matching the filter.
	Select(ctx context.Context, owner, table string, f Filter) ([]Row, error)

	// Update applies patch to the owner's row with the given id and
	// returns the updated row. Returns [ErrNotFound] when no such row
	// is visible to owner.
	Update(ctx context.Context, owner, table, id string, patch Row) (Row, error)

	// Delete removes the owner's row with the given id. Returns
	// [ErrNotFound] when no such row is visible to owner.
	Delete(ctx context.Context, owner, table, id string) error
}

// Get is a convenience wrapper returning the single row with the given id.
func Get(ctx context.Context, s Store, owner, table, id string) (Row, error) {
	rows, err := s.Select(ctx, owner, table, Filter{
		Where: []Cond{{Column: "id", Op: Eq, Value: id}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return rows[0], nil
}

// Op is a comparison operator usable in a [Cond].
type Op string

// Supported comparison operators.
const (
	Eq   Op = "="
	Ne   Op = "<>"
	Gte  Op = ">="
	Lte  Op = "<="
	Gt   Op = ">"
	Lt   Op = "<"
	Like Op = "LIKE"
	// IsNull matches rows where the column is null; Value is ignored.
	IsNull Op = "IS NULL"
)

// Cond is a single column predicate. Conditions in a [Filter] are ANDed.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

// Where is shorthand for building a [Cond].
func Where(col string, op Op, v any) Cond {
	return Cond{Column: col, Op: op, Value: v}
}

// Search matches Term as a case-insensitive substring of any of Columns.
type Search struct {
	Columns []string
	Term    string
}

// Filter narrows a [Store.Select].
type Filter struct {
	Where   []Cond
	Search  *Search
	OrderBy string
	Desc    bool
	Limit   int
}

// rowID returns the id an insert should use: the row's own "id" when the
// caller supplied one, otherwise a fresh UUIDv7. Repeating an insert with
// the same id fails with [ErrConstraint] instead of writing a second row.
func rowID(row Row) (string, error) {
	switch v := row["id"].(type) {
	case nil:
	case string:
		if v != "" {
			return v, nil
		}
	default:
		return "", fmt.Errorf("id must be a string, got %T: %w", v, ErrInvalidColumn)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}
