package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AuditSink records operator-visible mutations. It is passed explicitly
// to the code paths that mutate destinations or replay dead letters;
// there is no implicit interception.
type AuditSink struct {
	store *Store
}

// Audit returns the sink backed by this store
func (s *Store) Audit() *AuditSink {
	return &AuditSink{store: s}
}

// Record appends one audit row. metadata may be any JSON-serializable
// value or nil.
func (a *AuditSink) Record(ctx context.Context, action, entityType, entityID, actor string, metadata any) error {
	var meta []byte
	if metadata != nil {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	_, err := a.store.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, actor, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), action, entityType, entityID, actor, meta)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}
