// Package checkpoint gives a sync run resumability: every SyncAction the
// executor finishes applying is recorded in a small SQLite database keyed
// by the FileEntry it acted on, so a second run against the same
// source/destination pair can skip the entries a prior run already
// finished instead of re-diffing and re-copying from scratch.
package checkpoint

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/bamsammich/kopy/internal/model"
)

// DB is a resume ledger for one source/destination pair. Applied actions
// are batched in memory and flushed periodically so the common path
// (thousands of small files) doesn't pay a transaction per entry.
type DB struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	batch   []appliedEntry
	done    chan struct{}
	stopped bool
}

type appliedEntry struct {
	entry  *model.FileEntry
	action model.ActionKind
}

// Open opens (or creates) the resume ledger for the given source/
// destination pair. The DB is stored at $XDG_RUNTIME_DIR/kopy/<job-id>.db
// or kopy-<job-id>.db under os.TempDir().
func Open(src, dst string) (*DB, error) {
	jobID := jobID(src, dst)
	path := dbPath(jobID)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	c := &DB{
		db:   db,
		path: path,
		done: make(chan struct{}),
	}

	if err := c.init(src, dst); err != nil {
		db.Close()
		return nil, err
	}

	go c.flushLoop()

	return c, nil
}

func (c *DB) init(src, dst string) error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS applied (
			path    TEXT PRIMARY KEY,
			size    INTEGER NOT NULL,
			hash    TEXT NOT NULL,
			mtime   INTEGER NOT NULL,
			action  INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var storedSrc, storedDst string
	row := c.db.QueryRow("SELECT value FROM meta WHERE key = 'src_root'")
	if err := row.Scan(&storedSrc); err == nil {
		row2 := c.db.QueryRow("SELECT value FROM meta WHERE key = 'dst_root'")
		if err := row2.Scan(&storedDst); err == nil {
			if storedSrc != src || storedDst != dst {
				return fmt.Errorf("checkpoint roots mismatch: stored %s->%s, got %s->%s",
					storedSrc, storedDst, src, dst)
			}
		}
	} else {
		_, err = c.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('src_root', ?), ('dst_root', ?)", src, dst)
		if err != nil {
			return fmt.Errorf("store meta: %w", err)
		}
	}

	return nil
}

// Completed reports whether e was already applied by a prior run at the
// same size and mtime. A resumed run treats a Completed entry as an
// implicit Skip rather than re-copying it.
func (c *DB) Completed(e *model.FileEntry) bool {
	var storedSize, storedMtime int64
	err := c.db.QueryRow(
		"SELECT size, mtime FROM applied WHERE path = ?", e.Path,
	).Scan(&storedSize, &storedMtime)
	if err != nil {
		return false
	}
	return storedSize == e.Size && storedMtime == e.MTime.UnixNano()
}

// MarkApplied records that a CopyNew or Overwrite action for e finished
// successfully. Writes are batched and flushed periodically.
func (c *DB) MarkApplied(e *model.FileEntry, kind model.ActionKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batch = append(c.batch, appliedEntry{entry: e, action: kind})

	if len(c.batch) >= 100 {
		return c.flushLocked()
	}
	return nil
}

// Flush writes any pending batch entries to the database.
func (c *DB) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *DB) flushLocked() error {
	if len(c.batch) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO applied (path, size, hash, mtime, action) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range c.batch {
		if _, err := stmt.Exec(e.entry.Path, e.entry.Size, e.entry.HashHex(), e.entry.MTime.UnixNano(), int(e.action)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", e.entry.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.batch = c.batch[:0]
	return nil
}

func (c *DB) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			_ = c.flushLocked()
			c.mu.Unlock()
		}
	}
}

// Close flushes any pending writes and closes the database.
func (c *DB) Close() error {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
	_ = c.flushLocked()
	c.mu.Unlock()
	return c.db.Close()
}

// Remove deletes the checkpoint database file, discarding resume state
// for this source/destination pair.
func (c *DB) Remove() error {
	return os.Remove(c.path)
}

// Path returns the filesystem path of the checkpoint database file.
func (c *DB) Path() string {
	return c.path
}

// jobID computes a deterministic job ID from source and destination paths
// so repeated runs of the same pair reuse the same ledger.
func jobID(src, dst string) string {
	h := blake3.New()
	h.Write([]byte(src))
	h.Write([]byte{0})
	h.Write([]byte(dst))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

func dbPath(jobID string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "kopy", jobID+".db")
	}
	return filepath.Join(os.TempDir(), "kopy-"+jobID+".db")
}
