// Package snapshot records file contents before they are modified so that a
// change can be undone later.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrNoSnapshot is returned by Undo when a path has no recorded snapshot.
var ErrNoSnapshot = errors.New("no snapshot recorded for path")

// Snapshot is the recorded state of a file before a modification.
type Snapshot struct {
	ID        int64
	Path      string
	Digest    string // blake2b-256 of the content, hex; empty when the file did not exist
	Existed   bool
	Size      int
	CreatedAt time.Time
}

// Repository stores snapshots in the snapshots table.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository returns a repository backed by db. The schema is created by persistence.Open.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Digest returns the hex blake2b-256 digest of content.
func Digest(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Insert records the current content of path. A path that does not exist yet is
// recorded as absent so that Undo removes the file again.
func (r *Repository) Insert(ctx context.Context, path string) (Snapshot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve %s: %w", path, err)
	}

	snap := Snapshot{Path: abs, CreatedAt: r.now().UTC()}
	content, err := os.ReadFile(abs)
	switch {
	case err == nil:
		snap.Existed = true
		snap.Size = len(content)
		snap.Digest = Digest(content)
	case errors.Is(err, fs.ErrNotExist):
		content = nil
	default:
		return Snapshot{}, fmt.Errorf("read %s for snapshot: %w", abs, err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO snapshots (path, digest, content, existed, created_at) VALUES (?, ?, ?, ?, ?)`,
		snap.Path, snap.Digest, content, snap.Existed, snap.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot for %s: %w", abs, err)
	}
	if snap.ID, err = res.LastInsertId(); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot id: %w", err)
	}
	return snap, nil
}

// Undo restores the most recent snapshot of path and removes it from the history.
func (r *Repository) Undo(ctx context.Context, path string) (Snapshot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve %s: %w", path, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin undo: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		snap      Snapshot
		content   []byte
		digest    sql.NullString
		createdAt string
	)
	row := tx.QueryRowContext(ctx,
		`SELECT id, digest, content, existed, created_at FROM snapshots WHERE path = ? ORDER BY id DESC LIMIT 1`, abs)
	if err := row.Scan(&snap.ID, &digest, &content, &snap.Existed, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, abs)
		}
		return Snapshot{}, fmt.Errorf("load snapshot for %s: %w", abs, err)
	}
	snap.Path = abs
	snap.Digest = digest.String
	snap.Size = len(content)
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if snap.Existed {
		if snap.Digest != "" && Digest(content) != snap.Digest {
			return Snapshot{}, fmt.Errorf("snapshot %d for %s is corrupt: digest mismatch", snap.ID, abs)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return Snapshot{}, fmt.Errorf("restore %s: %w", abs, err)
		}
		if err := os.WriteFile(abs, content, 0o644); err != nil { //nolint:gosec // restoring user file
			return Snapshot{}, fmt.Errorf("restore %s: %w", abs, err)
		}
	} else if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("remove %s: %w", abs, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, snap.ID); err != nil {
		return Snapshot{}, fmt.Errorf("drop snapshot %d: %w", snap.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit undo: %w", err)
	}
	return snap, nil
}

// List returns the snapshots recorded for path, newest first.
func (r *Repository) List(ctx context.Context, path string) ([]Snapshot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, digest, length(content), existed, created_at FROM snapshots WHERE path = ? ORDER BY id DESC`, abs)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", abs, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		var (
			s         Snapshot
			digest    sql.NullString
			size      sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&s.ID, &digest, &size, &s.Existed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.Path = abs
		s.Digest = digest.String
		s.Size = int(size.Int64)
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}
