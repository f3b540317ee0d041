// ABOUTME: SQLite-backed provisioning ledger
// ABOUTME: Remembers which tool or resource was provisioned on which instance

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/caprouter/internal/dispatch"
)

// Lookup returns the provisioning reference recorded for key, if any.
func (s *SQLiteStore) Lookup(ctx context.Context, key dispatch.ProvisionKey) (dispatch.ProvisioningReference, bool, error) {
	query := `
		SELECT configuration_uri, secrets_uri, properties_json
		FROM provisions
		WHERE kind = ? AND name = ? AND target_id = ?
	`
	var ref dispatch.ProvisioningReference
	var props sql.NullString
	err := s.db.QueryRowContext(ctx, query, key.Kind, key.Name, key.TargetID).Scan(
		&ref.ConfigurationURI,
		&ref.SecretsURI,
		&props,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.ProvisioningReference{}, false, nil
	}
	if err != nil {
		return dispatch.ProvisioningReference{}, false, fmt.Errorf("querying provision: %w", err)
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &ref.Properties); err != nil {
			return dispatch.ProvisioningReference{}, false, fmt.Errorf("decoding provision properties: %w", err)
		}
	}
	return ref, true, nil
}

// Record stores the provisioning reference for key, replacing any previous one.
func (s *SQLiteStore) Record(ctx context.Context, key dispatch.ProvisionKey, ref dispatch.ProvisioningReference) error {
	var props any
	if len(ref.Properties) > 0 {
		data, err := json.Marshal(ref.Properties)
		if err != nil {
			return fmt.Errorf("encoding provision properties: %w", err)
		}
		props = string(data)
	}

	query := `
		INSERT INTO provisions (kind, name, target_id, configuration_uri, secrets_uri, properties_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, name, target_id) DO UPDATE SET
			configuration_uri = excluded.configuration_uri,
			secrets_uri = excluded.secrets_uri,
			properties_json = excluded.properties_json
	`
	_, err := s.db.ExecContext(ctx, query,
		key.Kind,
		key.Name,
		key.TargetID,
		ref.ConfigurationURI,
		ref.SecretsURI,
		props,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording provision: %w", err)
	}
	return nil
}

// Forget removes every provisioning record for a tool or resource.
func (s *SQLiteStore) Forget(ctx context.Context, kind, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM provisions WHERE kind = ? AND name = ?`, kind, name)
	if err != nil {
		return fmt.Errorf("deleting provisions: %w", err)
	}
	return nil
}
