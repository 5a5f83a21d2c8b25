// Package storage defines the persistence interfaces and their SQLite implementations.
package storage

import (
	"context"

	"ferrysync/internal/model"
)

// RouteStore holds the current timetable: routes and their schedule and price rows.
type RouteStore interface {
	// ReplaceRoutes deletes every current row and inserts records in one transaction.
	ReplaceRoutes(ctx context.Context, records []model.RouteRecord) (model.TableCounts, error)
	Counts(ctx context.Context) (model.TableCounts, error)
	Fares(ctx context.Context, f model.FareFilter) ([]model.Fare, error)
	Close() error
}

// HistoricalStore holds the operating windows seen in past feeds.
type HistoricalStore interface {
	// ReplaceRanges deletes every row and inserts ranges in one transaction.
	ReplaceRanges(ctx context.Context, ranges []model.HistoricalDateRange) (int, error)
	Lookup(ctx context.Context, q model.HistoricalQuery) ([]model.HistoricalDateRange, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
