package migrations

import (
	"database/sql"
	_ "embed"

	"github.com/skillforge/chainsync/internal/db"
	"github.com/skillforge/chainsync/internal/logger"
)

//go:embed 001_sync_state.sql
var mig001 string

//go:embed 002_raw_events.sql
var mig002 string

//go:embed 003_projections.sql
var mig003 string

func all() []db.Migration {
	return []db.Migration{
		{
			ID:  "001_sync_state.sql",
			SQL: mig001,
		},
		{
			ID:  "002_raw_events.sql",
			SQL: mig002,
		},
		{
			ID:  "003_projections.sql",
			SQL: mig003,
		},
	}
}

// RunMigrations applies the full engine schema to the database at dbPath.
func RunMigrations(dbPath string) error {
	return db.RunMigrations(dbPath, all())
}

// RunMigrationsDB applies the full engine schema to an already open database.
func RunMigrationsDB(log *logger.Logger, database *sql.DB) error {
	return db.RunMigrationsDB(log, database, all())
}
