// Package dialect describes the SQL differences between the supported
// databases: driver name, placeholder style, timestamp type and connection
// setup.
package dialect

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect is a supported SQL database.
type Dialect struct {
	// Name is the configuration name ("sqlite", "postgres").
	Name string
	// Driver is the database/sql driver name.
	Driver string
	// Timestamp is the column type for timestamps.
	Timestamp string
	// Pragmas run once on every new store, before the schema.
	Pragmas []string

	bindType int
}

var (
	// SQLite is modernc.org/sqlite.
	SQLite = Dialect{
		Name:      "sqlite",
		Driver:    "sqlite",
		Timestamp: "TIMESTAMP",
		Pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		},
		bindType: sqlx.QUESTION,
	}

	// Postgres is github.com/lib/pq.
	Postgres = Dialect{
		Name:      "postgres",
		Driver:    "postgres",
		Timestamp: "TIMESTAMP WITH TIME ZONE",
		bindType:  sqlx.DOLLAR,
	}
)

// ForDriver returns the dialect for a configured driver name. Common
// aliases are accepted.
func ForDriver(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver: %s", name)
	}
}

// Rebind converts ? placeholders to the dialect's bind style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.bindType, query)
}

// InsertIgnore returns the clause that turns an INSERT on an existing key
// into a no-op. Both dialects share the ON CONFLICT form.
func (d Dialect) InsertIgnore(conflictColumns ...string) string {
	return "ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ") DO NOTHING"
}
