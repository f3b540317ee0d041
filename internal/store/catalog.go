// ABOUTME: SQLite-backed catalog of tools and resources
// ABOUTME: Implements dispatch.Catalog with upsert semantics keyed by name

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/caprouter/internal/dispatch"
)

const toolColumns = `name, description, uri, type, input_schema, namespace, namespace_path, configuration_data, secrets_data`

// SaveTool inserts or replaces a tool.
func (s *SQLiteStore) SaveTool(ctx context.Context, tool dispatch.ToolReference) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO tools (` + toolColumns + `, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			uri = excluded.uri,
			type = excluded.type,
			input_schema = excluded.input_schema,
			namespace = excluded.namespace,
			namespace_path = excluded.namespace_path,
			configuration_data = excluded.configuration_data,
			secrets_data = excluded.secrets_data,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		tool.Name,
		nullString(tool.Description),
		tool.URI,
		tool.Type,
		nullString(string(tool.InputSchema)),
		nullString(tool.Namespace),
		nullString(tool.NamespacePath),
		nullString(tool.ConfigurationData),
		nullString(tool.SecretsData),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("saving tool: %w", err)
	}
	s.logger.Debug("saved tool", "name", tool.Name)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (dispatch.ToolReference, error) {
	var t dispatch.ToolReference
	var desc, schema, ns, nsPath, cfg, secrets sql.NullString
	if err := row.Scan(&t.Name, &desc, &t.URI, &t.Type, &schema, &ns, &nsPath, &cfg, &secrets); err != nil {
		return dispatch.ToolReference{}, err
	}
	t.Description = desc.String
	if schema.Valid {
		t.InputSchema = []byte(schema.String)
	}
	t.Namespace = ns.String
	t.NamespacePath = nsPath.String
	t.ConfigurationData = cfg.String
	t.SecretsData = secrets.String
	return t, nil
}

// GetTool retrieves a tool by name.
// Returns dispatch.ErrToolNotFound if it doesn't exist.
func (s *SQLiteStore) GetTool(ctx context.Context, name string) (dispatch.ToolReference, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE name = ?`, name)
	t, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.ToolReference{}, fmt.Errorf("%w: %s", dispatch.ErrToolNotFound, name)
	}
	if err != nil {
		return dispatch.ToolReference{}, fmt.Errorf("querying tool: %w", err)
	}
	return t, nil
}

// ListTools returns every tool ordered by name.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]dispatch.ToolReference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer rows.Close()

	var out []dispatch.ToolReference
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTool removes a tool.
// Returns dispatch.ErrToolNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteTool(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting tool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", dispatch.ErrToolNotFound, name)
	}
	return nil
}

const resourceColumns = `name, description, location, type, mime_type, namespace, namespace_path, configuration_data, secrets_data`

// SaveResource inserts or replaces a resource.
func (s *SQLiteStore) SaveResource(ctx context.Context, res dispatch.ResourceReference) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO resources (` + resourceColumns + `, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			location = excluded.location,
			type = excluded.type,
			mime_type = excluded.mime_type,
			namespace = excluded.namespace,
			namespace_path = excluded.namespace_path,
			configuration_data = excluded.configuration_data,
			secrets_data = excluded.secrets_data,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		res.Name,
		nullString(res.Description),
		res.Location,
		res.Type,
		nullString(res.MimeType),
		nullString(res.Namespace),
		nullString(res.NamespacePath),
		nullString(res.ConfigurationData),
		nullString(res.SecretsData),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("saving resource: %w", err)
	}
	s.logger.Debug("saved resource", "name", res.Name)
	return nil
}

func scanResource(row rowScanner) (dispatch.ResourceReference, error) {
	var r dispatch.ResourceReference
	var desc, mime, ns, nsPath, cfg, secrets sql.NullString
	if err := row.Scan(&r.Name, &desc, &r.Location, &r.Type, &mime, &ns, &nsPath, &cfg, &secrets); err != nil {
		return dispatch.ResourceReference{}, err
	}
	r.Description = desc.String
	r.MimeType = mime.String
	r.Namespace = ns.String
	r.NamespacePath = nsPath.String
	r.ConfigurationData = cfg.String
	r.SecretsData = secrets.String
	return r, nil
}

// GetResource retrieves a resource by name.
// Returns dispatch.ErrResourceNotFound if it doesn't exist.
func (s *SQLiteStore) GetResource(ctx context.Context, name string) (dispatch.ResourceReference, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE name = ?`, name)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.ResourceReference{}, fmt.Errorf("%w: %s", dispatch.ErrResourceNotFound, name)
	}
	if err != nil {
		return dispatch.ResourceReference{}, fmt.Errorf("querying resource: %w", err)
	}
	return r, nil
}

// ListResources returns every resource ordered by name.
func (s *SQLiteStore) ListResources(ctx context.Context) ([]dispatch.ResourceReference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resourceColumns+` FROM resources ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer rows.Close()

	var out []dispatch.ResourceReference
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResource removes a resource.
// Returns dispatch.ErrResourceNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteResource(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting resource: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", dispatch.ErrResourceNotFound, name)
	}
	return nil
}
