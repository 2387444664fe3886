package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions.
const (
	ActionCreate   = "CREATE"
	ActionUpdate   = "UPDATE"
	ActionValidate = "VALIDATE"
	ActionRefuse   = "REFUSE"
)

// AuditEntry is the input for one history row. Actor may be nil for
// system-initiated actions but must always be supplied explicitly.
type AuditEntry struct {
	EntityKind EntityKind
	EntityID   int64
	Action     string
	Actor      *string
	OldStatut  *string
	NewStatut  *string
	Changes    map[string]any
}

// AuditService is the append-only history log. The interface deliberately
// exposes no update or delete: history is immutable once written.
type AuditService interface {
	RecordTx(ctx context.Context, tx pgx.Tx, entry AuditEntry) error
	History(ctx context.Context, kind EntityKind, entityID int64) ([]AuditLog, error)
}

type auditService struct {
	pool *pgxpool.Pool
}

func NewAuditService(pool *pgxpool.Pool) AuditService {
	return &auditService{pool: pool}
}

// RecordTx appends one history row inside the caller's transaction so the
// audit record commits or rolls back with the change it describes.
func (s *auditService) RecordTx(ctx context.Context, tx pgx.Tx, entry AuditEntry) error {
	var changes []byte
	if entry.Changes != nil {
		var err error
		changes, err = json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal audit changes: %w", err)
		}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (entity_kind, entity_id, action, actor, old_statut, new_statut, changes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.EntityKind, entry.EntityID, entry.Action, entry.Actor, entry.OldStatut, entry.NewStatut, changes)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// History returns the audit rows for one entity, newest first.
func (s *auditService) History(ctx context.Context, kind EntityKind, entityID int64) ([]AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_kind, entity_id, action, actor, old_statut, new_statut, changes, created_at
		FROM audit_logs
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY created_at DESC, id DESC
	`, kind, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit history: %w", err)
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var l AuditLog
		var changes []byte
		if err := rows.Scan(&l.ID, &l.EntityKind, &l.EntityID, &l.Action, &l.Actor,
			&l.OldStatut, &l.NewStatut, &changes, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &l.Changes); err != nil {
				return nil, fmt.Errorf("failed to decode audit changes: %w", err)
			}
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
