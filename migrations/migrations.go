// Package migrations embeds the SQL migrations of both stores and applies them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

// Migration sets, one directory per database.
const (
	Current    = "current"
	Historical = "historical"
)

// FS contains the embedded SQL migration files.
//
//go:embed current/*.sql historical/*.sql
var FS embed.FS

// goose keeps its base FS and dialect in package globals.
var mu sync.Mutex

// Run applies all pending migrations of the given set to db.
func Run(db *sql.DB, set string) error {
	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(FS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, set); err != nil {
		return fmt.Errorf("run %s migrations: %w", set, err)
	}

	return nil
}
