package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// OpenSQLite opens the production SQLite database at path with WAL
// journaling, a busy timeout, and foreign key enforcement.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// SQLiteStore is a [Store] backed by a SQLite database. It accepts any
// database/sql handle, so tests can use the pure-Go driver while
// production uses the cgo one. All public methods are safe for
// concurrent use.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates the domain tables if needed and returns a store
// over db.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate records: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return err
	}
	for _, name := range Tables() {
		t, _ := lookupTable(name)
		for _, stmt := range t.ddl(sqliteDialect) {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// Insert implements [Store].
func (s *SQLiteStore) Insert(ctx context.Context, owner, table string, row Row) (Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	id, err := rowID(row)
	if err != nil {
		return nil, err
	}
	cols, vals, err := t.prepareInsert(sqliteDialect, owner, id, row, s.now())
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.Name, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := s.db.ExecContext(ctx, query, vals...); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, translateSQLite(err))
	}
	return Get(ctx, s, owner, table, id)
}

// Select implements [Store].
func (s *SQLiteStore) Select(ctx context.Context, owner, table string, f Filter) ([]Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	query, args, err := t.buildSelect(sqliteDialect, owner, f)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, translateSQLite(err))
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		vals := make([]any, len(t.Columns))
		ptrs := make([]any, len(t.Columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		r := make(Row, len(t.Columns))
		for i, c := range t.Columns {
			r[c.Name] = normalize(c, vals[i])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, translateSQLite(err))
	}
	return out, nil
}

// Update implements [Store].
func (s *SQLiteStore) Update(ctx context.Context, owner, table, id string, patch Row) (Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	set, err := t.preparePatch(sqliteDialect, patch, s.now())
	if err != nil {
		return nil, err
	}

	var assigns []string
	var args []any
	for _, c := range t.Columns {
		v, ok := set[c.Name]
		if !ok {
			continue
		}
		assigns = append(assigns, c.Name+" = ?")
		args = append(args, v)
	}
	args = append(args, id, owner)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND counselor_id = ?", t.Name, strings.Join(assigns, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", table, id, translateSQLite(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update %s %s: %w", table, id, ErrNotFound)
	}
	return Get(ctx, s, owner, table, id)
}

// Delete implements [Store].
func (s *SQLiteStore) Delete(ctx context.Context, owner, table, id string) error {
	t, err := lookupTable(table)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ? AND counselor_id = ?", t.Name), id, owner)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, translateSQLite(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s %s: %w", table, id, ErrNotFound)
	}
	s.logger.Debug("record deleted", "table", table, "id", id, "owner", owner)
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// translateSQLite maps driver errors onto the package sentinels. Both the
// cgo driver's typed errors and the pure-Go driver's messages are
// recognized.
func translateSQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
