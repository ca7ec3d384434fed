// Package state persists the last-applied resource graph. The engine loads it
// before a run to avoid duplicate creation and records each entity right after
// it converges, so an aborted run leaves behind exactly what was created.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Resource kinds recorded per stack. One row per (stack, kind).
const (
	KindSubnets       = "subnets"
	KindSecurityGroup = "security-group" // suffixed with /<name>
	KindLoadBalancer  = "load-balancer"
	KindTargetGroup   = "target-group"
	KindListener      = "listener"
	KindLogGroup      = "log-group"
	KindBackend       = "backend"
	KindNodeGroup     = "node-group"
	KindAttachment    = "attachment"
)

// Resource is one converged entity.
type Resource struct {
	Stack     string
	Kind      string
	ID        string
	Extra     string
	CreatedAt time.Time
}

// Store wraps the SQLite convergence-state database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the state database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS resources (
		stack      TEXT NOT NULL,
		kind       TEXT NOT NULL,
		id         TEXT NOT NULL,
		extra      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (stack, kind)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state db: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns all recorded resources for a stack, oldest first.
func (s *Store) Load(stack string) ([]Resource, error) {
	rows, err := s.db.Query(
		`SELECT stack, kind, id, extra, created_at FROM resources WHERE stack = ? ORDER BY created_at, kind`,
		stack)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	defer rows.Close()

	var resources []Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.Stack, &r.Kind, &r.ID, &r.Extra, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning state row: %w", err)
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// Get returns the recorded resource of a kind, or ok=false if none exists.
func (s *Store) Get(stack, kind string) (Resource, bool, error) {
	var r Resource
	err := s.db.QueryRow(
		`SELECT stack, kind, id, extra, created_at FROM resources WHERE stack = ? AND kind = ?`,
		stack, kind).Scan(&r.Stack, &r.Kind, &r.ID, &r.Extra, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, false, nil
	}
	if err != nil {
		return Resource{}, false, fmt.Errorf("reading state: %w", err)
	}
	return r, true, nil
}

// Record upserts a converged resource.
func (s *Store) Record(stack, kind, id, extra string) error {
	_, err := s.db.Exec(
		`INSERT INTO resources (stack, kind, id, extra) VALUES (?, ?, ?, ?)
		 ON CONFLICT (stack, kind) DO UPDATE SET id = excluded.id, extra = excluded.extra`,
		stack, kind, id, extra)
	if err != nil {
		return fmt.Errorf("recording %s: %w", kind, err)
	}
	return nil
}

// Forget removes a resource record after the real entity is torn down.
func (s *Store) Forget(stack, kind string) error {
	if _, err := s.db.Exec(`DELETE FROM resources WHERE stack = ? AND kind = ?`, stack, kind); err != nil {
		return fmt.Errorf("forgetting %s: %w", kind, err)
	}
	return nil
}
