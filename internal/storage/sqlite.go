package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"ferrysync/internal/model"
	"ferrysync/migrations"
)

// openSQLite opens dsn, applies pragmas and runs the given migration set.
// The pool is limited to one connection so ":memory:" databases are shared
// and writes are serialized.
func openSQLite(dsn, set string, foreignKeys bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	fk := "OFF"
	if foreignKeys {
		fk = "ON"
	}
	if _, err := db.Exec("PRAGMA foreign_keys=" + fk); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set foreign keys: %w", err)
	}

	if err := migrations.Run(db, set); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// RoutesSQLite implements RouteStore backed by a SQLite database.
type RoutesSQLite struct {
	db *sql.DB
}

// NewRoutesSQLite opens the current-routes database at dsn and runs pending migrations.
func NewRoutesSQLite(dsn string) (*RoutesSQLite, error) {
	db, err := openSQLite(dsn, migrations.Current, true)
	if err != nil {
		return nil, err
	}
	return &RoutesSQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *RoutesSQLite) Close() error {
	return s.db.Close()
}

// ReplaceRoutes performs a full refresh. On any error the transaction is
// rolled back and the previous dataset stays in place.
func (s *RoutesSQLite) ReplaceRoutes(ctx context.Context, records []model.RouteRecord) (model.TableCounts, error) {
	var counts model.TableCounts

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{
		"vessels_and_accommodation_prices",
		"vessels_and_indicative_prices",
		"dates_and_vessels",
		"routes",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return counts, fmt.Errorf("delete %s: %w", table, err)
		}
	}

	insRoute, err := tx.PrepareContext(ctx,
		`INSERT INTO routes (route_number, company, company_code, origin_port_code, origin_port_name,
		                     destination_port_code, destination_port_name, departure_time, arrival_time,
		                     origin_port_stop, destination_port_stop, departure_offset, arrival_offset, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return counts, fmt.Errorf("prepare routes insert: %w", err)
	}
	defer func() { _ = insRoute.Close() }()

	insDate, err := tx.PrepareContext(ctx,
		`INSERT INTO dates_and_vessels (route_id, schedule_date, vessel) VALUES (?, ?, ?)`)
	if err != nil {
		return counts, fmt.Errorf("prepare dates insert: %w", err)
	}
	defer func() { _ = insDate.Close() }()

	insPrice, err := tx.PrepareContext(ctx,
		`INSERT INTO vessels_and_indicative_prices (route_id, vessel, indicative_price) VALUES (?, ?, ?)`)
	if err != nil {
		return counts, fmt.Errorf("prepare prices insert: %w", err)
	}
	defer func() { _ = insPrice.Close() }()

	insAcc, err := tx.PrepareContext(ctx,
		`INSERT INTO vessels_and_accommodation_prices (route_id, vessel, accommodation_type, price)
		 VALUES (?, ?, ?, ?)`)
	if err != nil {
		return counts, fmt.Errorf("prepare accommodation insert: %w", err)
	}
	defer func() { _ = insAcc.Close() }()

	for i, rec := range records {
		r := normalizeRoute(rec.Route)
		res, err := insRoute.ExecContext(ctx,
			r.RouteNumber, r.Company, r.CompanyCode, r.OriginPortCode, r.OriginPortName,
			r.DestinationPortCode, r.DestinationPortName, r.DepartureTime, r.ArrivalTime,
			r.OriginPortStop, r.DestinationPortStop, r.DepartureOffset, r.ArrivalOffset, r.Duration,
		)
		if err != nil {
			return counts, fmt.Errorf("insert route %d (%s): %w", i, r.RouteNumber, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return counts, fmt.Errorf("last insert id: %w", err)
		}
		counts.Routes++

		for _, e := range rec.Schedule {
			if _, err := insDate.ExecContext(ctx, id, strings.TrimSpace(e.Date), upper(e.Vessel)); err != nil {
				return counts, fmt.Errorf("insert schedule of route %s on %s: %w", r.RouteNumber, e.Date, err)
			}
			counts.Schedules++
		}
		for _, p := range rec.Prices {
			if _, err := insPrice.ExecContext(ctx, id, upper(p.Vessel), int64(p.Price)); err != nil {
				return counts, fmt.Errorf("insert price of route %s vessel %s: %w", r.RouteNumber, p.Vessel, err)
			}
			counts.Prices++
		}
		for _, a := range rec.Accommodations {
			if _, err := insAcc.ExecContext(ctx, id, upper(a.Vessel), upper(a.Accommodation), int64(a.Price)); err != nil {
				return counts, fmt.Errorf("insert accommodation price of route %s vessel %s: %w", r.RouteNumber, a.Vessel, err)
			}
			counts.AccommodationPrices++
		}
	}

	if err := tx.Commit(); err != nil {
		return model.TableCounts{}, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}

// Counts returns the number of rows in each of the four tables.
func (s *RoutesSQLite) Counts(ctx context.Context) (model.TableCounts, error) {
	var c model.TableCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM routes),
		        (SELECT COUNT(*) FROM dates_and_vessels),
		        (SELECT COUNT(*) FROM vessels_and_indicative_prices),
		        (SELECT COUNT(*) FROM vessels_and_accommodation_prices)`,
	).Scan(&c.Routes, &c.Schedules, &c.Prices, &c.AccommodationPrices)
	if err != nil {
		return c, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

// Fares returns the joined view of routes, their sailings and prices.
// Sailings without accommodation prices yield one row with an empty accommodation.
// Port filters match a code or a name, case-insensitively.
func (s *RoutesSQLite) Fares(ctx context.Context, f model.FareFilter) ([]model.Fare, error) {
	var (
		where []string
		args  []any
	)
	if v := upper(f.Origin); v != "" {
		where = append(where, "(r.origin_port_code = ? OR r.origin_port_name = ?)")
		args = append(args, v, v)
	}
	if v := upper(f.Destination); v != "" {
		where = append(where, "(r.destination_port_code = ? OR r.destination_port_name = ?)")
		args = append(args, v, v)
	}
	if v := strings.TrimSpace(f.Date); v != "" {
		where = append(where, "d.schedule_date = ?")
		args = append(args, v)
	}

	query := `SELECT r.route_id, r.route_number, r.company, r.origin_port_code, r.origin_port_name,
	                 r.destination_port_code, r.destination_port_name, r.departure_time, r.arrival_time,
	                 d.schedule_date, d.vessel, p.indicative_price,
	                 COALESCE(a.accommodation_type, ''), COALESCE(a.price, 0)
	          FROM routes r
	          JOIN dates_and_vessels d ON d.route_id = r.route_id
	          JOIN vessels_and_indicative_prices p ON p.route_id = r.route_id AND p.vessel = d.vessel
	          LEFT JOIN vessels_and_accommodation_prices a ON a.route_id = r.route_id AND a.vessel = d.vessel`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY d.schedule_date, r.departure_time, r.route_id, a.accommodation_type"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fares []model.Fare
	for rows.Next() {
		var fr model.Fare
		var price, accPrice int64
		if err := rows.Scan(&fr.RouteID, &fr.RouteNumber, &fr.Company, &fr.OriginPortCode, &fr.OriginPortName,
			&fr.DestinationPortCode, &fr.DestinationPortName, &fr.DepartureTime, &fr.ArrivalTime,
			&fr.Date, &fr.Vessel, &price, &fr.Accommodation, &accPrice); err != nil {
			return nil, fmt.Errorf("scan fare: %w", err)
		}
		fr.IndicativePrice = model.Cents(price)
		fr.AccommodationPrice = model.Cents(accPrice)
		fares = append(fares, fr)
	}
	return fares, rows.Err()
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// normalizeRoute upper-cases textual fields. Clock times are only trimmed.
func normalizeRoute(r model.Route) model.Route {
	r.RouteNumber = strings.TrimSpace(r.RouteNumber)
	r.Company = upper(r.Company)
	r.CompanyCode = upper(r.CompanyCode)
	r.OriginPortCode = upper(r.OriginPortCode)
	r.OriginPortName = upper(r.OriginPortName)
	r.DestinationPortCode = upper(r.DestinationPortCode)
	r.DestinationPortName = upper(r.DestinationPortName)
	r.DepartureTime = strings.TrimSpace(r.DepartureTime)
	r.ArrivalTime = strings.TrimSpace(r.ArrivalTime)
	return r
}
