// Package history persists the command log to sqlite so diagnostics
// survive a restart. It tees off the in-memory ring through the
// cmdlog.Sink interface; the ring stays the hot path.
package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/cmdlog"
	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultDirPerm = 0o755

	defaultBatchSize    = 16
	defaultBatchTimeout = 30 * time.Second
)

type Config struct {
	DBPath       string
	BatchSize    int
	BatchTimeout time.Duration
}

type Repository struct {
	db  *sql.DB
	cfg Config

	mu     sync.Mutex
	buffer []cmdlog.Entry

	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func NewRepository(cfg Config) (*Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	logger.Info().
		Str("path", cfg.DBPath).
		Int("batch_size", cfg.BatchSize).
		Msg("Command history repository initialized")

	r := &Repository{
		db:            db,
		cfg:           cfg,
		buffer:        make([]cmdlog.Entry, 0, cfg.BatchSize),
		flushTicker:   time.NewTicker(cfg.BatchTimeout),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	go r.flusher()

	return r, nil
}

// Record buffers one command entry, flushing when the batch fills.
// Implements cmdlog.Sink.
func (r *Repository) Record(entry cmdlog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, entry)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

// Recent returns the newest entries up to limit, oldest first.
func (r *Repository) Recent(limit int) ([]cmdlog.Entry, error) {
	errFactory := errors.New()

	rows, err := r.db.Query(`
        SELECT timestamp, command, exit_code, duration_ms, output
        FROM command_log
        ORDER BY timestamp DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var entries []cmdlog.Entry
	for rows.Next() {
		var ts int64
		var durationMS int64
		var entry cmdlog.Entry
		if err := rows.Scan(&ts, &entry.Command, &entry.ExitCode, &durationMS, &entry.Output); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		entry.Timestamp = time.Unix(0, ts)
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	// Reverse to oldest-first, matching the ring's snapshot order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

func (r *Repository) Close() error {
	errFactory := errors.New()

	close(r.shutdownChan)
	r.flushTicker.Stop()
	<-r.flushDoneChan

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	logger.Info().Msg("Command history repository closed")

	return nil
}

func (r *Repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				logger.Error().Err(err).Msg("Failed to flush command history")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				logger.Error().Err(err).Msg("Failed to flush command history on shutdown")
			}
			r.mu.Unlock()
			return
		}
	}
}

// flush writes the buffered entries in one transaction. Caller holds mu.
func (r *Repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(`
        INSERT INTO command_log (timestamp, command, exit_code, duration_ms, output)
        VALUES (?, ?, ?, ?, ?)
    `)
	if err != nil {
		_ = tx.Rollback()
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for i := range r.buffer {
		e := &r.buffer[i]
		if _, err := stmt.Exec(e.Timestamp.UnixNano(), e.Command, e.ExitCode, e.Duration.Milliseconds(), e.Output); err != nil {
			_ = tx.Rollback()
			return errFactory.Wrap(ErrStorageAccess, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.buffer = r.buffer[:0]

	return nil
}
