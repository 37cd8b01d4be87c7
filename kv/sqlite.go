package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`

	// sqliteScanChunk bounds how many rows a scan holds before running callbacks,
	// so callbacks may issue further statements on the same transaction.
	sqliteScanChunk = 256
)

// SQLiteStore implements Store on a single SQLite table. It keeps one write
// connection and a small read pool, as a WAL database allows.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	gate    *writeGate
	closed  atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) a SQLite store at path.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	isMemoryDB := strings.Contains(path, ":memory:")
	busyMS := busyTimeout.Milliseconds()

	writeDSN := path
	readDSN := path
	if !isMemoryDB {
		writeDSN = withParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_synchronous=NORMAL", busyMS))
		readDSN = withParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyMS))
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	if _, err := writeDB.Exec(sqliteSchema); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to create kv schema: %w", classifySQLite(err))
	}

	// An in-memory database is private to its connection, so reads share the writer.
	readDB := writeDB
	if !isMemoryDB {
		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)
	}

	log.Debug().Str("path", path).Msg("Opened sqlite record store")
	return &SQLiteStore{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
		gate:    newWriteGate(busyTimeout),
	}, nil
}

func withParams(path, params string) string {
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Begin opens a transaction. Read transactions on an in-memory database share
// the write connection and therefore also take the write lock.
func (s *SQLiteStore) Begin(ctx context.Context, mode TxnMode) (Txn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	sharedConn := s.readDB == s.writeDB
	if mode == ReadOnly && !sharedConn {
		tx, err := s.readDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return nil, fmt.Errorf("failed to begin read transaction: %w", classifySQLite(err))
		}
		return &sqliteTxn{tx: tx, readOnly: true}, nil
	}

	if err := s.gate.acquire(ctx); err != nil {
		return nil, err
	}
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		s.gate.release()
		return nil, fmt.Errorf("failed to begin write transaction: %w", classifySQLite(err))
	}
	return &sqliteTxn{tx: tx, gate: s.gate, readOnly: mode == ReadOnly}, nil
}

// Close closes both connection pools. It is idempotent.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	writeErr := s.writeDB.Close()
	if s.readDB != s.writeDB {
		if err := s.readDB.Close(); err != nil && writeErr == nil {
			return err
		}
	}
	return writeErr
}

type sqliteTxn struct {
	tx       *sql.Tx
	gate     *writeGate
	readOnly bool
	done     bool
}

func (t *sqliteTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	var v []byte
	err := t.tx.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if err != nil {
		return nil, classifySQLite(err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *sqliteTxn) Put(key, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.Exec(`INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?)`, key, value)
	return classifySQLite(err)
}

func (t *sqliteTxn) Delete(key []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM kv WHERE k = ?`, key)
	return classifySQLite(err)
}

type sqliteRow struct {
	k, v []byte
}

// Scan pages through the range with keyset pagination. No result set is open
// while fn runs.
func (t *sqliteTxn) Scan(opts ScanOptions, fn func(key, value []byte) error) error {
	if t.done {
		return ErrTxnDone
	}
	lower := opts.Lower
	upper := opts.Upper
	lowerInclusive := true
	upperInclusive := false

	for {
		rows, err := t.scanChunk(lower, upper, lowerInclusive, upperInclusive, opts.Reverse)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := fn(r.k, r.v); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
		}
		if len(rows) < sqliteScanChunk {
			return nil
		}

		last := rows[len(rows)-1].k
		if opts.Reverse {
			upper = last
			upperInclusive = false
		} else {
			lower = last
			lowerInclusive = false
		}
	}
}

func (t *sqliteTxn) scanChunk(lower, upper []byte, lowerInclusive, upperInclusive, reverse bool) ([]sqliteRow, error) {
	var (
		conds []string
		args  []any
	)
	if lower != nil {
		op := ">"
		if lowerInclusive {
			op = ">="
		}
		conds = append(conds, "k "+op+" ?")
		args = append(args, lower)
	}
	if upper != nil {
		op := "<"
		if upperInclusive {
			op = "<="
		}
		conds = append(conds, "k "+op+" ?")
		args = append(args, upper)
	}

	query := "SELECT k, v FROM kv"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if reverse {
		query += " ORDER BY k DESC"
	} else {
		query += " ORDER BY k ASC"
	}
	query += fmt.Sprintf(" LIMIT %d", sqliteScanChunk)

	rs, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rs.Close()

	out := make([]sqliteRow, 0, sqliteScanChunk)
	for rs.Next() {
		var r sqliteRow
		if err := rs.Scan(&r.k, &r.v); err != nil {
			return nil, classifySQLite(err)
		}
		out = append(out, r)
	}
	return out, classifySQLite(rs.Err())
}

func (t *sqliteTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if t.gate != nil {
		defer t.gate.release()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", classifySQLite(err))
	}
	return nil
}

func (t *sqliteTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.gate != nil {
		defer t.gate.release()
	}
	return classifySQLite(t.tx.Rollback())
}

func (t *sqliteTxn) writable() error {
	if t.done {
		return ErrTxnDone
	}
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

// classifySQLite maps sqlite result codes onto the package sentinels while
// keeping the original error in the chain.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
	}
	return err
}
