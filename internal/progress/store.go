// Package progress persists per-file resume state between sync runs. A record
// survives a failed transfer and lets the next run pick up a half-written temp
// file or an acknowledged chunk sequence instead of starting over.
package progress

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"

	"github.com/openmined/bisync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS progress (
    phash INTEGER PRIMARY KEY,
    modtime INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    chunk INTEGER NOT NULL DEFAULT 0,
    transfer_id INTEGER NOT NULL DEFAULT 0,
    tmpfile TEXT NOT NULL DEFAULT '',
    error_count INTEGER NOT NULL DEFAULT 0,
    error_string TEXT NOT NULL DEFAULT ''
);
`

// Record is one resumable-transfer row. It is only returned to a caller whose
// entry still matches on (phash, modtime, fingerprint); a changed source
// invalidates the resume data.
type Record struct {
	PHash       uint64
	ModTime     int64
	Fingerprint string
	Chunk       int64
	TransferID  int64
	TmpFile     string
	ErrorCount  int
	ErrorString string
}

// dbRecord shadows Record for scanning; SQLite stores the hash as a signed
// integer.
type dbRecord struct {
	PHash       int64  `db:"phash"`
	ModTime     int64  `db:"modtime"`
	Fingerprint string `db:"fingerprint"`
	Chunk       int64  `db:"chunk"`
	TransferID  int64  `db:"transfer_id"`
	TmpFile     string `db:"tmpfile"`
	ErrorCount  int    `db:"error_count"`
	ErrorString string `db:"error_string"`
}

// Store is the progress journal, one SQLite file per workspace. A file lock
// keeps two concurrent sync processes from interleaving.
type Store struct {
	db   *sqlx.DB
	lock *flock.Flock
	path string
}

// NewStore opens (creating if needed) the journal at the given path. Pass
// ":memory:" for tests.
func NewStore(path string) (*Store, error) {
	var lock *flock.Flock
	if path != ":memory:" {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock progress journal: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("progress journal %s is locked by another sync", path)
		}
	}

	conn, err := db.Open(path, db.WithMaxOpenConns(1))
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, fmt.Errorf("open progress journal: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		if lock != nil {
			lock.Unlock()
		}
		return nil, fmt.Errorf("init progress schema: %w", err)
	}

	return &Store{db: conn, lock: lock, path: path}, nil
}

func (s *Store) Close() error {
	if s.lock != nil {
		defer s.lock.Unlock()
	}
	return s.db.Close()
}

// Get returns the record for phash only if modtime and fingerprint also
// match, nil otherwise.
func (s *Store) Get(phash uint64, modtime int64, fingerprint string) (*Record, error) {
	var rec dbRecord
	err := s.db.Get(&rec,
		"SELECT * FROM progress WHERE phash = ? AND modtime = ? AND fingerprint = ?",
		int64(phash), modtime, fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query progress for %d: %w", phash, err)
	}
	return &Record{
		PHash:       uint64(rec.PHash),
		ModTime:     rec.ModTime,
		Fingerprint: rec.Fingerprint,
		Chunk:       rec.Chunk,
		TransferID:  rec.TransferID,
		TmpFile:     rec.TmpFile,
		ErrorCount:  rec.ErrorCount,
		ErrorString: rec.ErrorString,
	}, nil
}

// Put inserts or replaces the record.
func (s *Store) Put(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("cannot store nil record")
	}
	row := dbRecord{
		PHash:       int64(rec.PHash),
		ModTime:     rec.ModTime,
		Fingerprint: rec.Fingerprint,
		Chunk:       rec.Chunk,
		TransferID:  rec.TransferID,
		TmpFile:     rec.TmpFile,
		ErrorCount:  rec.ErrorCount,
		ErrorString: rec.ErrorString,
	}
	_, err := s.db.NamedExec(`
		INSERT OR REPLACE INTO progress
		(phash, modtime, fingerprint, chunk, transfer_id, tmpfile, error_count, error_string)
		VALUES (:phash, :modtime, :fingerprint, :chunk, :transfer_id, :tmpfile, :error_count, :error_string)`,
		&row)
	if err != nil {
		return fmt.Errorf("store progress for %d: %w", rec.PHash, err)
	}
	slog.Debug("progress put", "phash", rec.PHash, "chunk", rec.Chunk, "transferId", rec.TransferID, "tmpfile", rec.TmpFile, "errors", rec.ErrorCount)
	return nil
}

// Delete drops the record for phash. Deleting a missing record is not an
// error.
func (s *Store) Delete(phash uint64) error {
	_, err := s.db.Exec("DELETE FROM progress WHERE phash = ?", int64(phash))
	if err != nil {
		return fmt.Errorf("delete progress for %d: %w", phash, err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM progress"); err != nil {
		return 0, fmt.Errorf("count progress records: %w", err)
	}
	return n, nil
}
