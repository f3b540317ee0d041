// ABOUTME: SQLite-backed namespace pool
// ABOUTME: Slots are ordered by their numeric index; names are unique when bound

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/caprouter/internal/namespace"
)

// ErrNamespaceNameTaken indicates another slot is already bound to the name.
var ErrNamespaceNameTaken = errors.New("namespace name already bound")

// Namespaces returns the namespace pool repository backed by this store.
func (s *SQLiteStore) Namespaces() namespace.Repository {
	return sqliteNamespaces{s: s}
}

type sqliteNamespaces struct {
	s *SQLiteStore
}

// List returns every namespace slot ordered by index.
func (n sqliteNamespaces) List(ctx context.Context) ([]namespace.Namespace, error) {
	rows, err := n.s.db.QueryContext(ctx, `SELECT path, name FROM namespaces ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying namespaces: %w", err)
	}
	defer rows.Close()

	var out []namespace.Namespace
	for rows.Next() {
		var ns namespace.Namespace
		var name sql.NullString
		if err := rows.Scan(&ns.Path, &name); err != nil {
			return nil, fmt.Errorf("scanning namespace: %w", err)
		}
		ns.Name = name.String
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating namespaces: %w", err)
	}
	return out, nil
}

// Save inserts or updates a namespace slot.
func (n sqliteNamespaces) Save(ctx context.Context, ns namespace.Namespace) error {
	idx := namespace.Index(ns.Path)
	if idx < 0 {
		return fmt.Errorf("invalid namespace path %q", ns.Path)
	}

	query := `
		INSERT INTO namespaces (path, idx, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
	`
	_, err := n.s.db.ExecContext(ctx, query,
		ns.Path,
		idx,
		nullString(ns.Name),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrNamespaceNameTaken, ns.Name)
		}
		return fmt.Errorf("saving namespace: %w", err)
	}

	n.s.logger.Debug("saved namespace", "path", ns.Path, "name", ns.Name)
	return nil
}

// Bind claims a free slot with a conditional update, so routers sharing the
// database file never bind one slot twice. A name already bound elsewhere
// returns that binding.
func (n sqliteNamespaces) Bind(ctx context.Context, ns namespace.Namespace) (namespace.Namespace, error) {
	res, err := n.s.db.ExecContext(ctx,
		`UPDATE namespaces SET name = ?, updated_at = ? WHERE path = ? AND name IS NULL`,
		ns.Name,
		time.Now().UTC().Format(time.RFC3339),
		ns.Path,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return n.boundTo(ctx, ns.Name)
		}
		return namespace.Namespace{}, fmt.Errorf("binding namespace: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return namespace.Namespace{}, fmt.Errorf("binding namespace: %w", err)
	}
	if affected == 0 {
		return namespace.Namespace{}, fmt.Errorf("%w: %s", namespace.ErrSlotTaken, ns.Path)
	}
	n.s.logger.Debug("bound namespace", "path", ns.Path, "name", ns.Name)
	return ns, nil
}

func (n sqliteNamespaces) boundTo(ctx context.Context, name string) (namespace.Namespace, error) {
	ns := namespace.Namespace{Name: name}
	err := n.s.db.QueryRowContext(ctx, `SELECT path FROM namespaces WHERE name = ?`, name).Scan(&ns.Path)
	if err != nil {
		return namespace.Namespace{}, fmt.Errorf("reading namespace bound to %q: %w", name, err)
	}
	return ns, nil
}
