// Package tracing stores closed aggregation rounds in a
// SQLite database for offline analysis.
package tracing

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/tebeka/atexit"
	"github.com/unixpickle/switchagg/aggswitch"
)

// DefaultBatchSize is the number of records buffered
// before they are written in one transaction.
const DefaultBatchSize = 1000

// SQLiteRoundTracer is an aggswitch.Tracer that writes
// round records to a SQLite database.
//
// It is safe to share one tracer between listeners.
type SQLiteRoundTracer struct {
	db        *sql.DB
	statement *sql.Stmt

	lock      sync.Mutex
	path      string
	pending   []aggswitch.RoundRecord
	batchSize int
	closed    bool
	log       zerolog.Logger
}

// NewSQLiteRoundTracer creates a tracer that will write to
// path once Init is called.
//
// If path is empty, Init picks a unique file name in the
// working directory.
// Buffered records are flushed when the process exits via
// atexit.
func NewSQLiteRoundTracer(path string, log zerolog.Logger) *SQLiteRoundTracer {
	t := &SQLiteRoundTracer{
		path:      path,
		batchSize: DefaultBatchSize,
		log:       log,
	}
	atexit.Register(func() { t.Close() })
	return t
}

// SetBatchSize changes how many records are buffered
// before a flush.
func (t *SQLiteRoundTracer) SetBatchSize(n int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.batchSize = max(n, 1)
}

// Path returns the database file name.
func (t *SQLiteRoundTracer) Path() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.path
}

// Init creates the database and its table.
//
// It fails if the database file already exists.
func (t *SQLiteRoundTracer) Init() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.path == "" {
		t.path = "switchagg_rounds_" + xid.New().String() + ".sqlite3"
	}
	if _, err := os.Stat(t.path); err == nil {
		return fmt.Errorf("init trace: file %s already exists", t.path)
	}
	db, err := sql.Open("sqlite3", t.path)
	if err != nil {
		return fmt.Errorf("init trace: %w", err)
	}

	for _, query := range []string{
		`CREATE TABLE rounds
		(
			listener     INTEGER NOT NULL,
			chunk_offset INTEGER NOT NULL,
			world_size   INTEGER NOT NULL,
			data_length  INTEGER NOT NULL,
			contributors INTEGER NOT NULL,
			duplicates   INTEGER NOT NULL,
			expired      BOOLEAN NOT NULL,
			started_at   INTEGER NOT NULL,
			closed_at    INTEGER NOT NULL
		);`,
		`CREATE INDEX rounds_offset_index ON rounds (chunk_offset);`,
		`CREATE INDEX rounds_expired_index ON rounds (expired);`,
	} {
		if _, err := db.Exec(query); err != nil {
			db.Close()
			return fmt.Errorf("init trace: %w", err)
		}
	}

	stmt, err := db.Prepare(`INSERT INTO rounds VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return fmt.Errorf("init trace: %w", err)
	}
	t.db = db
	t.statement = stmt
	t.log.Info().Str("path", t.path).Msg("tracing rounds")
	return nil
}

// TraceRound buffers a record, flushing the buffer when it
// is full.
func (t *SQLiteRoundTracer) TraceRound(rec aggswitch.RoundRecord) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed || t.db == nil {
		return
	}
	t.pending = append(t.pending, rec)
	if len(t.pending) >= t.batchSize {
		if err := t.flush(); err != nil {
			t.log.Error().Err(err).Msg("flush round trace")
		}
	}
}

// Flush writes all buffered records.
func (t *SQLiteRoundTracer) Flush() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.flush()
}

func (t *SQLiteRoundTracer) flush() error {
	if len(t.pending) == 0 || t.db == nil {
		return nil
	}
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	stmt := tx.Stmt(t.statement)
	for _, rec := range t.pending {
		_, err := stmt.Exec(
			rec.Listener,
			rec.Offset,
			rec.WorldSize,
			rec.DataLength,
			rec.Contributors,
			rec.Duplicates,
			rec.Expired,
			rec.StartedAt.UnixNano(),
			rec.ClosedAt.UnixNano(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert round %d: %w", rec.Offset, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.pending = nil
	return nil
}

// Close flushes buffered records and closes the database.
//
// Records traced after Close are discarded.
func (t *SQLiteRoundTracer) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed || t.db == nil {
		return nil
	}
	t.closed = true
	flushErr := t.flush()
	t.statement.Close()
	if err := t.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// ReadRounds loads every record from a trace database, in
// insertion order.
func ReadRounds(path string) ([]aggswitch.RoundRecord, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT listener, chunk_offset, world_size, data_length, contributors,
		duplicates, expired, started_at, closed_at FROM rounds ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []aggswitch.RoundRecord
	for rows.Next() {
		var rec aggswitch.RoundRecord
		var startedAt, closedAt int64
		err := rows.Scan(
			&rec.Listener,
			&rec.Offset,
			&rec.WorldSize,
			&rec.DataLength,
			&rec.Contributors,
			&rec.Duplicates,
			&rec.Expired,
			&startedAt,
			&closedAt,
		)
		if err != nil {
			return nil, err
		}
		rec.StartedAt = time.Unix(0, startedAt)
		rec.ClosedAt = time.Unix(0, closedAt)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// A Summary aggregates the records of a trace.
type Summary struct {
	Rounds       int
	Expired      int
	Duplicates   int
	MeanDuration time.Duration
	MaxDuration  time.Duration
}

// Summarize computes a Summary of records.
func Summarize(records []aggswitch.RoundRecord) Summary {
	var s Summary
	var total time.Duration
	for _, rec := range records {
		s.Rounds++
		if rec.Expired {
			s.Expired++
		}
		s.Duplicates += rec.Duplicates
		d := rec.ClosedAt.Sub(rec.StartedAt)
		total += d
		s.MaxDuration = max(s.MaxDuration, d)
	}
	if s.Rounds > 0 {
		s.MeanDuration = total / time.Duration(s.Rounds)
	}
	return s
}
