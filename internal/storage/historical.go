package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ferrysync/internal/model"
	"ferrysync/migrations"
)

// HistoricalSQLite implements HistoricalStore backed by its own SQLite database.
type HistoricalSQLite struct {
	db *sql.DB
}

// NewHistoricalSQLite opens the historical database at dsn and runs pending migrations.
func NewHistoricalSQLite(dsn string) (*HistoricalSQLite, error) {
	db, err := openSQLite(dsn, migrations.Historical, false)
	if err != nil {
		return nil, err
	}
	return &HistoricalSQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *HistoricalSQLite) Close() error {
	return s.db.Close()
}

// ReplaceRanges deletes all rows and inserts ranges in one transaction.
// Codes and names are stored upper-cased so Lookup can compare them directly.
func (s *HistoricalSQLite) ReplaceRanges(ctx context.Context, ranges []model.HistoricalDateRange) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM historical_date_ranges`); err != nil {
		return 0, fmt.Errorf("delete historical_date_ranges: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO historical_date_ranges
		   (origin_code, origin_name, destination_code, destination_name, start_date, end_date, appear_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, r := range ranges {
		r = normalizeRange(r)
		if _, err := stmt.ExecContext(ctx,
			r.OriginCode, r.OriginName, r.DestinationCode, r.DestinationName,
			r.StartDate, r.EndDate, r.AppearDate,
		); err != nil {
			return 0, fmt.Errorf("insert range %d (%s-%s): %w", i, r.OriginName, r.DestinationName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(ranges), nil
}

// Count returns the number of stored ranges.
func (s *HistoricalSQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM historical_date_ranges`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ranges: %w", err)
	}
	return n, nil
}

const historicalColumns = `id, origin_code, origin_name, destination_code, destination_name, start_date, end_date, appear_date`

// Lookup finds the ranges of a port pair. Each side matches a code or a name,
// case-insensitively. Exact matches in the given direction are tried first,
// then substring matches, then substring matches in the reverse direction.
func (s *HistoricalSQLite) Lookup(ctx context.Context, q model.HistoricalQuery) ([]model.HistoricalDateRange, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("lookup needs both origin and destination")
	}
	origin := upper(q.Origin)
	dest := upper(q.Destination)

	// SQLite folds case for ASCII only, so both sides are upper-cased in Go.
	exact := `SELECT ` + historicalColumns + ` FROM historical_date_ranges
	          WHERE (origin_name = ? OR origin_code = ?)
	            AND (destination_name = ? OR destination_code = ?)
	          ORDER BY start_date, id`
	like := `SELECT ` + historicalColumns + ` FROM historical_date_ranges
	         WHERE (origin_name LIKE ? ESCAPE '\' OR origin_code LIKE ? ESCAPE '\')
	           AND (destination_name LIKE ? ESCAPE '\' OR destination_code LIKE ? ESCAPE '\')
	         ORDER BY start_date, id`

	attempts := []struct {
		query string
		args  []any
	}{
		{exact, []any{origin, origin, dest, dest}},
		{like, []any{likeArg(origin), likeArg(origin), likeArg(dest), likeArg(dest)}},
		{like, []any{likeArg(dest), likeArg(dest), likeArg(origin), likeArg(origin)}},
	}

	for _, a := range attempts {
		ranges, err := s.queryRanges(ctx, a.query, a.args...)
		if err != nil {
			return nil, err
		}
		if len(ranges) > 0 {
			return ranges, nil
		}
	}
	return nil, nil
}

func (s *HistoricalSQLite) queryRanges(ctx context.Context, query string, args ...any) ([]model.HistoricalDateRange, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ranges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.HistoricalDateRange
	for rows.Next() {
		var r model.HistoricalDateRange
		if err := rows.Scan(&r.ID, &r.OriginCode, &r.OriginName, &r.DestinationCode, &r.DestinationName,
			&r.StartDate, &r.EndDate, &r.AppearDate); err != nil {
			return nil, fmt.Errorf("scan range: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func normalizeRange(r model.HistoricalDateRange) model.HistoricalDateRange {
	r.OriginCode = upper(r.OriginCode)
	r.OriginName = upper(r.OriginName)
	r.DestinationCode = upper(r.DestinationCode)
	r.DestinationName = upper(r.DestinationName)
	return r
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeArg(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
