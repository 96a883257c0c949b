package metrics

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const (
	pruneChunk = 5000
	dsnParams  = "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate"
)

// Repository is the SQLite-backed Store. Writes are serialized; reads run
// concurrently against the WAL.
type Repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
	mu     sync.Mutex
	closed atomic.Bool
}

var _ Store = (*Repository)(nil)

// NewRepository opens (creating if needed) the database at cfg.DBPath and
// brings its schema up to date. Every handle acquired is released if any
// step fails.
func NewRepository(ctx context.Context, cfg Config, log logger.Logger) (*Repository, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+dsnParams)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	ok := false
	defer func() {
		if !ok {
			db.Close()
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "ping_database",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(ctx, db, cfg.DBPath, cfg.BackupOnMigrate, log); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	// An up to date schema needs no writes, so a read-only file would
	// otherwise go unnoticed until the first flush
	if err := checkWritable(ctx, db); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "write_check",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	ok = true

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Metrics repository initialized")

	return &Repository{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

// checkWritable takes the write lock and touches the schema version row,
// then rolls back.
func checkWritable(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE schema_versions SET applied_at = applied_at WHERE version = ?`, SchemaVersion)
	if rbErr := tx.Rollback(); err == nil {
		err = rbErr
	}
	return err
}

func (r *Repository) checkOpen() error {
	if r.closed.Load() {
		return errors.New().New(ErrStoreClosed)
	}
	return nil
}

// InsertRaw upserts a single raw sample.
func (r *Repository) InsertRaw(ctx context.Context, row RawSample) error {
	return r.InsertRawBatch(ctx, []RawSample{row})
}

// InsertRawBatch upserts rows in a single transaction; either all rows are
// written or none are.
func (r *Repository) InsertRawBatch(ctx context.Context, rows []RawSample) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertRawSQL)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.TimeMs,
			row.CPUUsagePctInstant.nullable(),
			row.CPUUsagePctAvg10s.nullable(),
			row.CPUTempC.nullable(),
			row.DiskUsedPct.nullable(),
			row.InodesUsedPct.nullable(),
			row.MemUsedPct,
		); err != nil {
			return errFactory.WithData(ErrTransactionFailed, struct {
				Phase  string
				TimeMs int64
				Error  string
			}{
				Phase:  "insert_raw",
				TimeMs: row.TimeMs,
				Error:  err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	r.logger.Debug().Int("records", len(rows)).Msg("Flushed raw samples to database")

	return nil
}

// InsertRollup upserts one minute rollup, replacing any row for the same bucket.
func (r *Repository) InsertRollup(ctx context.Context, row RollupSample) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.ExecContext(ctx, upsertRollupSQL,
		row.BucketStartMs,
		row.CPUUsagePctAvg10s.nullable(),
		row.CPUTempC.nullable(),
		row.DiskUsedPct.nullable(),
		row.InodesUsedPct.nullable(),
		row.MemUsedPct,
	); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRaw(s scanner) (RawSample, error) {
	var row RawSample
	err := s.Scan(
		&row.TimeMs,
		&row.CPUUsagePctInstant,
		&row.CPUUsagePctAvg10s,
		&row.CPUTempC,
		&row.DiskUsedPct,
		&row.InodesUsedPct,
		&row.MemUsedPct,
	)
	return row, err
}

// SelectRawRange returns raw samples with fromMs <= time <= toMs, oldest first.
func (r *Repository) SelectRawRange(ctx context.Context, fromMs, toMs int64) ([]RawSample, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectRawRangeSQL, fromMs, toMs)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	out := make([]RawSample, 0)
	for rows.Next() {
		row, err := scanRaw(rows)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

// SelectRollupRange returns rollups whose bucket start lies in [fromMs, toMs], oldest first.
func (r *Repository) SelectRollupRange(ctx context.Context, fromMs, toMs int64) ([]RollupSample, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectRollupRangeSQL, fromMs, toMs)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	out := make([]RollupSample, 0)
	for rows.Next() {
		var row RollupSample
		if err := rows.Scan(
			&row.BucketStartMs,
			&row.CPUUsagePctAvg10s,
			&row.CPUTempC,
			&row.DiskUsedPct,
			&row.InodesUsedPct,
			&row.MemUsedPct,
		); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

// Latest returns the newest raw row; ok is false when the tier is empty.
func (r *Repository) Latest(ctx context.Context) (RawSample, bool, error) {
	if err := r.checkOpen(); err != nil {
		return RawSample{}, false, err
	}

	row, err := scanRaw(r.db.QueryRowContext(ctx, selectLatestRawSQL))
	if errors.Is(err, sql.ErrNoRows) {
		return RawSample{}, false, nil
	}
	if err != nil {
		return RawSample{}, false, errors.New().Wrap(ErrStorageAccess, err)
	}
	return row, true, nil
}

// PruneRaw deletes raw samples older than olderThanMs and returns the count.
func (r *Repository) PruneRaw(ctx context.Context, olderThanMs int64) (int64, error) {
	return r.prune(ctx, pruneRawSQL, "raw_samples", olderThanMs)
}

// PruneRollup deletes rollups whose bucket starts before olderThanMs.
func (r *Repository) PruneRollup(ctx context.Context, olderThanMs int64) (int64, error) {
	return r.prune(ctx, pruneRollupSQL, "rollup_1m", olderThanMs)
}

func (r *Repository) prune(ctx context.Context, query, table string, olderThanMs int64) (int64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	var total int64
	for {
		n, err := r.pruneChunk(ctx, query, olderThanMs)
		total += n
		if err != nil {
			return total, errors.New().WithData(ErrStorageAccess, struct {
				Phase string
				Table string
				Error string
			}{
				Phase: "prune",
				Table: table,
				Error: err.Error(),
			})
		}
		if n < pruneChunk {
			break
		}
	}

	if total > 0 {
		r.logger.Debug().
			Str("table", table).
			Int64("cutoff_ms", olderThanMs).
			Int64("deleted", total).
			Msg("Pruned expired rows")
	}

	return total, nil
}

func (r *Repository) pruneChunk(ctx context.Context, query string, olderThanMs int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, query, olderThanMs, pruneChunk)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats reports row counts and time bounds of both tiers.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	if err := r.checkOpen(); err != nil {
		return Stats{}, err
	}

	errFactory := errors.New()

	var s Stats
	if err := r.db.QueryRowContext(ctx, rawStatsSQL).
		Scan(&s.Raw.Rows, &s.Raw.OldestMs, &s.Raw.NewestMs); err != nil {
		return Stats{}, errFactory.Wrap(ErrStorageAccess, err)
	}
	if err := r.db.QueryRowContext(ctx, rollupStatsSQL).
		Scan(&s.Rollup.Rows, &s.Rollup.OldestMs, &s.Rollup.NewestMs); err != nil {
		return Stats{}, errFactory.Wrap(ErrStorageAccess, err)
	}

	return s, nil
}

// Close checkpoints the WAL and releases the database. It is safe to call
// more than once.
func (r *Repository) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	errFactory := errors.New()

	var checkpointErr error
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		checkpointErr = errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	// The handle is released even when the checkpoint fails.
	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	if checkpointErr != nil {
		return checkpointErr
	}

	r.logger.Info().Msg("Metrics repository closed gracefully")

	return nil
}
