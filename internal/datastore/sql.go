package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dbsmedya/goforget/internal/sqlutil"
	"github.com/dbsmedya/goforget/internal/types"
)

const (
	mysqlColumnsQuery = `SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
		ORDER BY TABLE_NAME, ORDINAL_POSITION`

	postgresColumnsQuery = `SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		ORDER BY table_name, ordinal_position`
)

// SQLStore implements Store over a database/sql pool. Identifiers are
// validated and quoted; the subject value is always a bound parameter.
type SQLStore struct {
	name     string
	category string
	dialect  sqlutil.Dialect
	history  bool
	db       *sql.DB
}

// SQLStoreOptions describes an enrolled SQL store.
type SQLStoreOptions struct {
	Name     string
	Category string
	Dialect  sqlutil.Dialect
	// History enables FOR SYSTEM_TIME AS OF reads (MariaDB system-versioned tables).
	History bool
}

// NewSQLStore wraps a connected pool.
func NewSQLStore(db *sql.DB, opts SQLStoreOptions) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is nil")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("store name is required")
	}
	if opts.Dialect == "" {
		opts.Dialect = sqlutil.MySQL
	}
	return &SQLStore{
		name:     opts.Name,
		category: opts.Category,
		dialect:  opts.Dialect,
		history:  opts.History && opts.Dialect == sqlutil.MySQL,
		db:       db,
	}, nil
}

func (s *SQLStore) Name() string             { return s.name }
func (s *SQLStore) Category() string         { return s.category }
func (s *SQLStore) Dialect() sqlutil.Dialect { return s.dialect }
func (s *SQLStore) SupportsHistory() bool    { return s.history }

// Columns reads the store's schema from information_schema.
func (s *SQLStore) Columns(ctx context.Context) ([]types.Column, error) {
	query := mysqlColumnsQuery
	if s.dialect == sqlutil.Postgres {
		query = postgresColumnsQuery
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", s.name, err)
	}
	defer rows.Close()

	var cols []types.Column
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, types.Column{
			Location: types.Location{Store: s.name, Container: table, Column: column},
			DataType: strings.ToLower(dataType),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return cols, nil
}

// Sample returns up to limit distinct non-null values of a column.
func (s *SQLStore) Sample(ctx context.Context, container, column string, limit int) ([]string, error) {
	table, err := s.dialect.QuoteIdentifierSafe(container)
	if err != nil {
		return nil, err
	}
	col, err := s.dialect.QuoteIdentifierSafe(column)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL LIMIT %d", col, table, col, limit)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s.%s: %w", container, column, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v interface{}
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, types.ToString(v))
	}
	return out, rows.Err()
}

// where renders the match predicate with placeholders starting at start.
func (s *SQLStore) where(m Match, start int) (string, []interface{}, error) {
	frag, n, err := s.dialect.EqualsAny(m.Columns, start)
	if err != nil {
		return "", nil, err
	}
	args := make([]interface{}, n)
	for i := range args {
		args[i] = m.Value
	}
	return frag, args, nil
}

// Count counts the rows of container matching m.
func (s *SQLStore) Count(ctx context.Context, container string, m Match) (int64, error) {
	table, err := s.dialect.QuoteIdentifierSafe(container)
	if err != nil {
		return 0, err
	}
	pred, args, err := s.where(m, 1)
	if err != nil {
		return 0, err
	}

	var raw interface{}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, pred)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return 0, fmt.Errorf("failed to count %s.%s: %w", s.name, container, err)
	}
	return types.ToInt64(raw), nil
}

// CountAsOf counts matching rows in the system-versioned history of container.
func (s *SQLStore) CountAsOf(ctx context.Context, container string, m Match, at time.Time) (int64, error) {
	if !s.history {
		return 0, ErrHistoryUnsupported
	}
	table, err := s.dialect.QuoteIdentifierSafe(container)
	if err != nil {
		return 0, err
	}
	pred, args, err := s.where(m, 2)
	if err != nil {
		return 0, err
	}

	var raw interface{}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s FOR SYSTEM_TIME AS OF ? WHERE %s", table, pred)
	args = append([]interface{}{at.UTC()}, args...)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return 0, fmt.Errorf("failed to count %s.%s as of %s: %w", s.name, container, at.Format(time.RFC3339), err)
	}
	return types.ToInt64(raw), nil
}

// Select returns up to limit matching rows restricted to columns. An empty
// column list selects every column.
func (s *SQLStore) Select(ctx context.Context, container string, columns []string, m Match, limit int) ([]map[string]interface{}, error) {
	table, err := s.dialect.QuoteIdentifierSafe(container)
	if err != nil {
		return nil, err
	}

	list := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			if quoted[i], err = s.dialect.QuoteIdentifierSafe(c); err != nil {
				return nil, err
			}
		}
		list = strings.Join(quoted, ", ")
	}

	pred, args, err := s.where(m, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", list, table, pred)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s.%s: %w", s.name, container, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]interface{}, len(names))
		for i, n := range names {
			row[n] = values[i]
		}
		out = append(out, types.NormalizeRow(row))
	}
	return out, rows.Err()
}

// Update applies set to the matching rows and returns the affected count.
func (s *SQLStore) Update(ctx context.Context, container string, set []Assignment, m Match) (int64, error) {
	if len(set) == 0 {
		return 0, fmt.Errorf("no columns to update")
	}
	table, err := s.dialect.QuoteIdentifierSafe(container)
	if err != nil {
		return 0, err
	}

	parts := make([]string, len(set))
	args := make([]interface{}, 0, len(set)+len(m.Columns))
	for i, a := range set {
		col, err := s.dialect.QuoteIdentifierSafe(a.Column)
		if err != nil {
			return 0, err
		}
		parts[i] = col + " = " + s.dialect.Placeholder(i+1)
		args = append(args, a.Value)
	}

	pred, whereArgs, err := s.where(m, len(set)+1)
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(parts, ", "), pred)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s.%s: %w", s.name, container, err)
	}
	return res.RowsAffected()
}

// Delete removes the matching rows and returns the affected count. Deleting
// rows that are already gone is not an error.
func (s *SQLStore) Delete(ctx context.Context, container string, m Match) (int64, error) {
	table, err := s.dialect.QuoteIdentifierSafe(container)
	if err != nil {
		return 0, err
	}
	pred, args, err := s.where(m, 1)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, pred)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s.%s: %w", s.name, container, err)
	}
	return res.RowsAffected()
}
