package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medwire/dicomgw/pkg/types"
)

const destinationSelect = `
	SELECT id, name, ae_title, host, port, max_pdu_length,
		connect_timeout_seconds, association_timeout_seconds,
		tls_enabled, tls_cert_file, tls_key_file, tls_ca_file, tls_skip_verify,
		enabled, forwarding_rules, last_success_at, last_failure_at,
		consecutive_failures, created_at, updated_at
	FROM destinations`

// CreateDestination inserts a new destination row
func (s *Store) CreateDestination(ctx context.Context, d *types.Destination) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	var rules []byte
	if d.ForwardingRules != nil {
		var err error
		rules, err = json.Marshal(d.ForwardingRules)
		if err != nil {
			return fmt.Errorf("failed to marshal forwarding rules: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO destinations (
			id, name, ae_title, host, port, max_pdu_length,
			connect_timeout_seconds, association_timeout_seconds,
			tls_enabled, tls_cert_file, tls_key_file, tls_ca_file, tls_skip_verify,
			enabled, forwarding_rules
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.Name, d.AETitle, d.Host, d.Port, d.MaxPDULength,
		int(d.ConnectTimeout.Seconds()), int(d.AssociationTimeout.Seconds()),
		d.TLSEnabled, d.TLSCertFile, d.TLSKeyFile, d.TLSCAFile, d.TLSSkipVerify,
		d.Enabled, rules,
	)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	return nil
}

// GetDestination loads a destination by surrogate id
func (s *Store) GetDestination(ctx context.Context, id uuid.UUID) (*types.Destination, error) {
	return scanDestination(s.pool.QueryRow(ctx, destinationSelect+` WHERE id = $1`, id))
}

// GetDestinationByName loads a destination by its unique name
func (s *Store) GetDestinationByName(ctx context.Context, name string) (*types.Destination, error) {
	return scanDestination(s.pool.QueryRow(ctx, destinationSelect+` WHERE name = $1`, name))
}

// ListDestinations returns all destinations, optionally only enabled ones
func (s *Store) ListDestinations(ctx context.Context, enabledOnly bool) ([]*types.Destination, error) {
	query := destinationSelect + ` ORDER BY name`
	if enabledOnly {
		query = destinationSelect + ` WHERE enabled ORDER BY name`
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer rows.Close()

	return collectDestinations(rows)
}

// ListDestinationsByIDs returns the subset of destinations with the given ids
func (s *Store) ListDestinationsByIDs(ctx context.Context, ids []uuid.UUID) ([]*types.Destination, error) {
	rows, err := s.pool.Query(ctx, destinationSelect+` WHERE id = ANY($1) ORDER BY name`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer rows.Close()

	return collectDestinations(rows)
}

// SetDestinationEnabled flips the enabled flag by name
func (s *Store) SetDestinationEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE destinations SET enabled = $2, updated_at = now() WHERE name = $1`,
		name, enabled)
	if err != nil {
		return fmt.Errorf("failed to update destination: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// recordDestinationSuccess resets the failure streak after a fully
// successful send. Runs inside the forward-job completion transaction.
func recordDestinationSuccess(ctx context.Context, db execer, id uuid.UUID) error {
	_, err := db.Exec(ctx, `
		UPDATE destinations SET
			last_success_at = now(),
			consecutive_failures = 0,
			updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to record destination success: %w", err)
	}
	return nil
}

// recordDestinationFailure bumps the failure streak. Runs inside the
// forward-job failure transaction.
func recordDestinationFailure(ctx context.Context, db execer, id uuid.UUID) error {
	_, err := db.Exec(ctx, `
		UPDATE destinations SET
			last_failure_at = now(),
			consecutive_failures = consecutive_failures + 1,
			updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to record destination failure: %w", err)
	}
	return nil
}

func collectDestinations(rows pgx.Rows) ([]*types.Destination, error) {
	var out []*types.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate destinations: %w", err)
	}
	return out, nil
}

func scanDestination(row pgx.Row) (*types.Destination, error) {
	var (
		d                       types.Destination
		connectSecs, assocSecs  int
		rules                   []byte
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.AETitle, &d.Host, &d.Port, &d.MaxPDULength,
		&connectSecs, &assocSecs,
		&d.TLSEnabled, &d.TLSCertFile, &d.TLSKeyFile, &d.TLSCAFile, &d.TLSSkipVerify,
		&d.Enabled, &rules, &d.LastSuccessAt, &d.LastFailureAt,
		&d.ConsecutiveFailures, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan destination: %w", err)
	}

	d.ConnectTimeout = time.Duration(connectSecs) * time.Second
	d.AssociationTimeout = time.Duration(assocSecs) * time.Second

	if len(rules) > 0 {
		var fr types.ForwardingRules
		if err := json.Unmarshal(rules, &fr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal forwarding rules: %w", err)
		}
		d.ForwardingRules = &fr
	}

	return &d, nil
}
