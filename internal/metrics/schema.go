package metrics

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/logger"
)

const (
	SchemaVersion = 2

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS raw_samples (
	       time_ms                INTEGER PRIMARY KEY,
	       cpu_usage_pct_instant  REAL,
	       cpu_usage_pct_avg10s   REAL,
	       cpu_temp_c             REAL,
	       disk_used_pct          REAL,
	       inodes_used_pct        REAL,
	       mem_used_pct           REAL NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS rollup_1m (
	       bucket_start_ms        INTEGER PRIMARY KEY,
	       cpu_usage_pct_avg10s   REAL,
	       cpu_temp_c             REAL,
	       disk_used_pct          REAL,
	       inodes_used_pct        REAL,
	       mem_used_pct           REAL NOT NULL
	   );`

	upsertRawSQL = `
    INSERT INTO raw_samples (
        time_ms, cpu_usage_pct_instant, cpu_usage_pct_avg10s,
        cpu_temp_c, disk_used_pct, inodes_used_pct, mem_used_pct
    ) VALUES (?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(time_ms) DO UPDATE SET
        cpu_usage_pct_instant = excluded.cpu_usage_pct_instant,
        cpu_usage_pct_avg10s  = excluded.cpu_usage_pct_avg10s,
        cpu_temp_c            = excluded.cpu_temp_c,
        disk_used_pct         = excluded.disk_used_pct,
        inodes_used_pct       = excluded.inodes_used_pct,
        mem_used_pct          = excluded.mem_used_pct`

	upsertRollupSQL = `
    INSERT INTO rollup_1m (
        bucket_start_ms, cpu_usage_pct_avg10s,
        cpu_temp_c, disk_used_pct, inodes_used_pct, mem_used_pct
    ) VALUES (?, ?, ?, ?, ?, ?)
    ON CONFLICT(bucket_start_ms) DO UPDATE SET
        cpu_usage_pct_avg10s = excluded.cpu_usage_pct_avg10s,
        cpu_temp_c           = excluded.cpu_temp_c,
        disk_used_pct        = excluded.disk_used_pct,
        inodes_used_pct      = excluded.inodes_used_pct,
        mem_used_pct         = excluded.mem_used_pct`

	selectRawRangeSQL = `
    SELECT time_ms, cpu_usage_pct_instant, cpu_usage_pct_avg10s,
           cpu_temp_c, disk_used_pct, inodes_used_pct, mem_used_pct
    FROM raw_samples
    WHERE time_ms >= ? AND time_ms <= ?
    ORDER BY time_ms ASC`

	selectRollupRangeSQL = `
    SELECT bucket_start_ms, cpu_usage_pct_avg10s,
           cpu_temp_c, disk_used_pct, inodes_used_pct, mem_used_pct
    FROM rollup_1m
    WHERE bucket_start_ms >= ? AND bucket_start_ms <= ?
    ORDER BY bucket_start_ms ASC`

	selectLatestRawSQL = `
    SELECT time_ms, cpu_usage_pct_instant, cpu_usage_pct_avg10s,
           cpu_temp_c, disk_used_pct, inodes_used_pct, mem_used_pct
    FROM raw_samples
    ORDER BY time_ms DESC
    LIMIT 1`

	// Deletes run in bounded chunks so the write lock is released between
	// them and the sampler never waits long behind a large prune.
	pruneRawSQL = `
    DELETE FROM raw_samples WHERE time_ms IN (
        SELECT time_ms FROM raw_samples WHERE time_ms < ? ORDER BY time_ms LIMIT ?
    )`

	pruneRollupSQL = `
    DELETE FROM rollup_1m WHERE bucket_start_ms IN (
        SELECT bucket_start_ms FROM rollup_1m WHERE bucket_start_ms < ? ORDER BY bucket_start_ms LIMIT ?
    )`

	rawStatsSQL    = `SELECT COUNT(*), COALESCE(MIN(time_ms), 0), COALESCE(MAX(time_ms), 0) FROM raw_samples`
	rollupStatsSQL = `SELECT COUNT(*), COALESCE(MIN(bucket_start_ms), 0), COALESCE(MAX(bucket_start_ms), 0) FROM rollup_1m`
)

// InitSchema creates a new database schema with the current version
func InitSchema(ctx context.Context, db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT OR REPLACE INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(ctx, db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx, `
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
