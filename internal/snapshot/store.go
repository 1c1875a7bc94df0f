// Package snapshot implements a persistent key-value store of (path →
// file-content bytes, owning-PID) captured on OPEN, supporting
// delete-on-benign-close and lookup-all-by-PID, self-protected so only the
// detector process can open its backing file.
//
// Uses modernc.org/sqlite through database/sql, a single connection
// (SetMaxOpenConns(1), SQLite allows one writer), WAL journaling, and schema
// applied as CREATE TABLE IF NOT EXISTS at open time. Because every statement
// goes through the one connection, restore reads and AddFile/DeleteFile
// writes are serialized.
package snapshot

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// ddl is one relation, no uniqueness constraint on path — callers guarantee
// "replace" semantics via delete-then-insert, accepting the resulting
// crash-between-steps window.
const ddl = `
CREATE TABLE IF NOT EXISTS files(
	path    TEXT    NOT NULL,
	content BLOB    NOT NULL,
	pid     INTEGER NOT NULL
);
`

// StoreError wraps a backend statement failure: logged by the caller, never
// fatal, and treated as "snapshot absent" for that path.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "snapshot: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// Store is the SQLite-backed snapshot store described above.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the backing file at path, applies the schema, and
// narrows the file's mode to 0000 so that only the detector process — which
// already holds an open fd and, typically, root privilege — can access it.
// Store itself has no fanotify dependency so it stays unit-testable without
// CAP_SYS_ADMIN; the detector does not IGNORE-mark path, and instead denies
// other PIDs' permission events against it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	// SQLite allows only one writer; a single pooled connection avoids
	// "database is locked" errors from the orchestrator and the worker
	// pool mutating concurrently (same discipline as sqlite_queue.go).
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "set WAL mode", Err: err}
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "set synchronous", Err: err}
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "apply schema", Err: err}
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0o000); err != nil {
			_ = db.Close()
			return nil, &StoreError{Op: "chmod backing file", Err: err}
		}
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the backing file's path, so callers can deny cross-PID
// opens of it.
func (s *Store) Path() string { return s.path }

// AddFile captures the current on-disk bytes of path, replacing any prior
// snapshot for the same path (delete-then-insert, an atomic-replace law),
// and records pid as the owner. If the source file cannot be read at this
// instant, AddFile is a best-effort silent no-op — not an error, since a
// file that vanished between OPEN delivery and the worker task running it
// is not itself a fault.
func (s *Store) AddFile(path string, pid int) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &StoreError{Op: "addfile begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return &StoreError{Op: "addfile delete", Err: err}
	}
	if _, err := tx.Exec(`INSERT INTO files (path, content, pid) VALUES (?, ?, ?)`, path, content, pid); err != nil {
		return &StoreError{Op: "addfile insert", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "addfile commit", Err: err}
	}
	return nil
}

// DeleteFile removes the row for path, if present. Called on a benign
// (CLOSE_NOWRITE) close: the file was not mutated under this handle, so the
// snapshot is no longer justified and dropping it bounds store growth.
func (s *Store) DeleteFile(path string) error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return &StoreError{Op: "deletefile", Err: err}
	}
	return nil
}

// Contents returns the stored content for path, or nil if absent.
func (s *Store) Contents(path string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRow(`SELECT content FROM files WHERE path = ?`, path).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "contents", Err: err}
	}
	return content, nil
}

// FilesOpenedBy returns every path whose owner-PID equals pid, used by
// restoration after a kill.
func (s *Store) FilesOpenedBy(pid int) ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM files WHERE pid = ?`, pid)
	if err != nil {
		return nil, &StoreError{Op: "filesopenedby", Err: err}
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, &StoreError{Op: "filesopenedby scan", Err: err}
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "filesopenedby rows", Err: err}
	}
	return paths, nil
}

// IsPresent reports whether path currently has a stored snapshot.
func (s *Store) IsPresent(path string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM files WHERE path = ? LIMIT 1`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &StoreError{Op: "ispresent", Err: err}
	}
	return true, nil
}

// Restore overwrites path on disk with its stored snapshot bytes, the
// inverse of AddFile. If no snapshot is stored for path, Restore returns an
// error and leaves the file untouched.
func (s *Store) Restore(path string) error {
	content, err := s.Contents(path)
	if err != nil {
		return err
	}
	if content == nil {
		return fmt.Errorf("snapshot: restore %s: no snapshot present", path)
	}
	return os.WriteFile(path, content, 0o600)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
