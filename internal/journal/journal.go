// Package journal keeps a local SQLite record of every transmission
// request the engine issues. It is an audit trail only: frames are never
// stored and nothing is re-sent from it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/makinje/busrelay-agent/internal/engine"
	_ "modernc.org/sqlite"
)

// Journal implements an append-only request log using SQLite.
type Journal struct {
	db           *sql.DB
	doneChan     chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once
	entryChan    chan Entry
	signalChan   chan struct{}
	batchSize    int
	batchTimeout time.Duration
	dropped      atomic.Uint64
	now          func() time.Time
}

// New creates or opens a journal at the specified path.
func New(path string, batchSize int, batchTimeout time.Duration) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal db: %w", err)
	}

	if err := configureDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure db: %w", err)
	}

	if err := initDB(db); err != nil {
		db.Close()
		return nil, err
	}

	if batchSize <= 0 {
		batchSize = 100
	}
	if batchTimeout <= 0 {
		batchTimeout = 500 * time.Millisecond
	}

	j := &Journal{
		db:           db,
		doneChan:     make(chan struct{}),
		stopped:      make(chan struct{}),
		entryChan:    make(chan Entry, batchSize*4),
		signalChan:   make(chan struct{}, 1),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		now:          time.Now,
	}

	go j.runBatchWriter()

	return j, nil
}

func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}

	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to exec pragma %q: %w", p, err)
		}
	}
	return nil
}

func initDB(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS transmissions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		batch_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		frames INTEGER NOT NULL,
		status INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		elapsed_ns INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	indexQuery := `
	CREATE INDEX IF NOT EXISTS idx_transmissions_outcome
	ON transmissions (outcome, seq);
	`
	if _, err := db.Exec(indexQuery); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// ObserveCycle journals every request of a cycle. It never blocks: when
// the writer falls behind, entries are dropped and counted.
func (j *Journal) ObserveCycle(report engine.CycleReport) {
	if !report.Sent {
		return
	}
	finished := report.Finished
	if finished.IsZero() {
		finished = j.now()
	}
	created := finished.UnixNano()
	for _, req := range report.Result.Requests {
		e := Entry{
			CreatedAt:    created,
			BatchID:      report.BatchID,
			Cycle:        report.Cycle,
			Frames:       req.Frames,
			Status:       req.Status,
			Outcome:      req.Outcome.String(),
			ElapsedNanos: req.Elapsed.Nanoseconds(),
		}
		if req.Err != nil {
			e.Error = req.Err.Error()
		}
		select {
		case j.entryChan <- e:
		default:
			j.dropped.Add(1)
		}
	}
}

// Dropped returns the number of entries discarded because the writer
// could not keep up.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) runBatchWriter() {
	defer close(j.stopped)

	var batch []Entry
	ticker := time.NewTicker(j.batchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.AppendBatch(ctx, batch); err != nil {
			slog.Error("journal batch write failed", "error", err, "entries", len(batch))
		}
		batch = nil

		select {
		case j.signalChan <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case e := <-j.entryChan:
			batch = append(batch, e)
			if len(batch) >= j.batchSize {
				flush()
				ticker.Reset(j.batchTimeout)
			}
		case <-ticker.C:
			flush()
		case <-j.doneChan:
			for {
				select {
				case e := <-j.entryChan:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// AppendBatch writes entries in a single transaction.
func (j *Journal) AppendBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO transmissions (created_at, batch_id, cycle, frames, status, outcome, elapsed_ns, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		created := e.CreatedAt
		if created == 0 {
			created = j.now().UnixNano()
		}
		if _, err := stmt.ExecContext(ctx, created, e.BatchID, int64(e.Cycle), e.Frames, e.Status, e.Outcome, e.ElapsedNanos, e.Error); err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WaitForWrite blocks until the writer has flushed a batch or ctx is
// cancelled.
func (j *Journal) WaitForWrite(ctx context.Context) error {
	select {
	case <-j.signalChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	query := `
	SELECT seq, created_at, batch_id, cycle, frames, status, outcome, elapsed_ns, error
	FROM transmissions
	ORDER BY seq DESC
	LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transmissions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var cycle int64
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.BatchID, &cycle, &e.Frames, &e.Status, &e.Outcome, &e.ElapsedNanos, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Cycle = uint64(cycle)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return entries, nil
}

// Summary aggregates journaled requests by outcome.
func (j *Journal) Summary(ctx context.Context) ([]OutcomeCount, error) {
	query := `
	SELECT outcome, COUNT(*), COALESCE(SUM(frames), 0)
	FROM transmissions
	GROUP BY outcome
	ORDER BY outcome
	`
	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize transmissions: %w", err)
	}
	defer rows.Close()

	var counts []OutcomeCount
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.Outcome, &c.Requests, &c.Frames); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return counts, nil
}

// Cleanup deletes all but the newest retentionCount entries.
func (j *Journal) Cleanup(ctx context.Context, retentionCount int) (int64, error) {
	if retentionCount < 0 {
		retentionCount = 0
	}

	query := `
	DELETE FROM transmissions
	WHERE seq NOT IN (
		SELECT seq FROM transmissions
		ORDER BY seq DESC
		LIMIT ?
	)`
	res, err := j.db.ExecContext(ctx, query, retentionCount)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup transmissions: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes pending entries and closes the database.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.doneChan) })
	<-j.stopped
	return j.db.Close()
}
