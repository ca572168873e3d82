package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenPostgres connects to a hosted Postgres record store through gorm.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// PostgresStore is a [Store] backed by Postgres via gorm. It shares the
// schema and query builder with [SQLiteStore], so both backends accept
// the same rows and filters.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore creates the domain tables if needed and returns a
// store over db.
func NewPostgresStore(ctx context.Context, db *gorm.DB, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{db: db, logger: logger, now: time.Now}
	for _, name := range Tables() {
		t, _ := lookupTable(name)
		for _, stmt := range t.ddl(postgresDialect) {
			if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
				return nil, fmt.Errorf("migrate %s: %w", name, err)
			}
		}
	}
	return s, nil
}

// Insert implements [Store].
func (s *PostgresStore) Insert(ctx context.Context, owner, table string, row Row) (Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	id, err := rowID(row)
	if err != nil {
		return nil, err
	}
	cols, vals, err := t.prepareInsert(postgresDialect, owner, id, row, s.now())
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(cols))
	for i, c := range cols {
		values[c] = vals[i]
	}

	if err := s.db.WithContext(ctx).Table(t.Name).Create(values).Error; err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, translateGorm(err))
	}
	return Get(ctx, s, owner, table, id)
}

// Select implements [Store].
func (s *PostgresStore) Select(ctx context.Context, owner, table string, f Filter) ([]Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	query, args, err := t.buildSelect(postgresDialect, owner, f)
	if err != nil {
		return nil, err
	}

	var raw []map[string]any
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&raw).Error; err != nil {
		return nil, fmt.Errorf("select %s: %w", table, translateGorm(err))
	}
	out := make([]Row, 0, len(raw))
	for _, m := range raw {
		r := make(Row, len(t.Columns))
		for _, c := range t.Columns {
			r[c.Name] = normalize(c, m[c.Name])
		}
		out = append(out, r)
	}
	return out, nil
}

// Update implements [Store].
func (s *PostgresStore) Update(ctx context.Context, owner, table, id string, patch Row) (Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	set, err := t.preparePatch(postgresDialect, patch, s.now())
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Table(t.Name).
		Where("id = ? AND counselor_id = ?", id, owner).
		Updates(set)
	if res.Error != nil {
		return nil, fmt.Errorf("update %s %s: %w", table, id, translateGorm(res.Error))
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("update %s %s: %w", table, id, ErrNotFound)
	}
	return Get(ctx, s, owner, table, id)
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, owner, table, id string) error {
	t, err := lookupTable(table)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ? AND counselor_id = ?", t.Name), id, owner)
	if res.Error != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, translateGorm(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete %s %s: %w", table, id, ErrNotFound)
	}
	s.logger.Debug("record deleted", "table", table, "id", id, "owner", owner)
	return nil
}

func translateGorm(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrForeignKeyViolated),
		errors.Is(err, gorm.ErrCheckConstraintViolated):
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
