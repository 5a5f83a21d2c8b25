// Package ingest turns downloaded feed files into database refreshes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ferrysync/internal/fault"
	"ferrysync/internal/gtfs"
	"ferrysync/internal/metrics"
	"ferrysync/internal/model"
	"ferrysync/internal/storage"
)

// Loader performs full refreshes of the current and historical stores.
type Loader struct {
	routes     storage.RouteStore
	historical storage.HistoricalStore
	log        *slog.Logger
}

// NewLoader creates a Loader. historical may be nil when the historical store is not used.
func NewLoader(routes storage.RouteStore, historical storage.HistoricalStore, log *slog.Logger) *Loader {
	return &Loader{routes: routes, historical: historical, log: log}
}

// LoadCurrent parses path and replaces the current routes with its contents.
// The file is parsed completely before the store is touched.
func (l *Loader) LoadCurrent(ctx context.Context, path string) (model.TableCounts, error) {
	start := time.Now()

	records, err := gtfs.ParseRoutesFile(path)
	if err != nil {
		metrics.RecordLoad("current", time.Since(start), nil, err)
		return model.TableCounts{}, fault.New(fault.LoadFailed, "parse "+path, err)
	}

	counts, err := l.routes.ReplaceRoutes(ctx, records)
	metrics.RecordLoad("current", time.Since(start), map[string]int{
		"routes":                           counts.Routes,
		"dates_and_vessels":                counts.Schedules,
		"vessels_and_indicative_prices":    counts.Prices,
		"vessels_and_accommodation_prices": counts.AccommodationPrices,
	}, err)
	if err != nil {
		return model.TableCounts{}, fault.New(fault.LoadFailed, "load "+path, err)
	}

	l.log.Info("current routes loaded", "path", path,
		"routes", counts.Routes, "schedules", counts.Schedules,
		"prices", counts.Prices, "accommodation_prices", counts.AccommodationPrices,
		"duration", time.Since(start).Round(time.Millisecond))
	return counts, nil
}

// LoadHistorical parses path and replaces the historical date ranges.
func (l *Loader) LoadHistorical(ctx context.Context, path string) (int, error) {
	if l.historical == nil {
		return 0, fault.New(fault.LoadFailed, "load historical", errors.New("historical store is not configured"))
	}
	start := time.Now()

	ranges, err := gtfs.ParseHistoricalFile(path)
	if err != nil {
		metrics.RecordLoad("historical", time.Since(start), nil, err)
		return 0, fault.New(fault.LoadFailed, "parse "+path, err)
	}

	n, err := l.historical.ReplaceRanges(ctx, ranges)
	metrics.RecordLoad("historical", time.Since(start), map[string]int{"historical_date_ranges": n}, err)
	if err != nil {
		return 0, fault.New(fault.LoadFailed, "load "+path, err)
	}

	l.log.Info("historical ranges loaded", "path", path, "ranges", n)
	return n, nil
}

// Counts returns the current row counts.
func (l *Loader) Counts(ctx context.Context) (model.TableCounts, error) {
	c, err := l.routes.Counts(ctx)
	if err != nil {
		return c, fmt.Errorf("count current rows: %w", err)
	}
	return c, nil
}
