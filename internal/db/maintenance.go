package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
)

// Vacuum reclaims free space in the database file. It needs exclusive
// access, so run it while the sync loops are stopped.
func Vacuum(db *sql.DB) error {
	if _, err := db.Exec("VACUUM"); err != nil {
		if strings.Contains(err.Error(), "database is locked") {
			return fmt.Errorf("cannot vacuum: database is locked (retry later)")
		}
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

// WALCheckpoint flushes the write-ahead log back into the main database
// file. A no-op when the database is not in WAL mode.
func WALCheckpoint(db *sql.DB, mode string) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to check journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return nil
	}

	var busyCount, logFrames, checkpointedFrames int
	err := db.QueryRow(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)).
		Scan(&busyCount, &logFrames, &checkpointedFrames)
	if err != nil {
		return fmt.Errorf("failed to execute WAL checkpoint: %w", err)
	}

	return nil
}

// DBTotalSize returns the combined size of the database file and its WAL
// and shared-memory sidecars. Missing files count as zero.
func DBTotalSize(dbPath string) (int64, error) {
	var total int64

	for _, path := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		total += info.Size()
	}

	return total, nil
}
