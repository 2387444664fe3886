package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// CourrierService numbers outgoing correspondence. Counters are scoped per
// entity, document type and calendar day, so each new day restarts at 001.
type CourrierService interface {
	Create(ctx context.Context, in CreateCourrierInput) (*Courrier, error)
	Get(ctx context.Context, id int) (*Courrier, error)
	ListByClient(ctx context.Context, clientID int) ([]Courrier, error)
}

type CreateCourrierInput struct {
	EntityID int
	ClientID int
	DocType  string
	Notes    string
	Actor    *string
}

var docTypeRe = regexp.MustCompile(`^[A-Z]{3}$`)

type courrierService struct {
	pool  *pgxpool.Pool
	audit AuditService
	log   zerolog.Logger
}

func NewCourrierService(pool *pgxpool.Pool, audit AuditService, log zerolog.Logger) CourrierService {
	return &courrierService{
		pool:  pool,
		audit: audit,
		log:   log.With().Str("service", "courriers").Logger(),
	}
}

func (s *courrierService) Create(ctx context.Context, in CreateCourrierInput) (*Courrier, error) {
	if !docTypeRe.MatchString(in.DocType) {
		return nil, fmt.Errorf("doc type %q must be three uppercase letters", in.DocType)
	}

	scope := SequenceScope{DocType: in.DocType}

	var courrier *Courrier
	for attempt := 1; ; attempt++ {
		var err error
		courrier, err = s.tryCreate(ctx, in, &scope)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < allocationRetries {
			s.log.Warn().Int("attempt", attempt).Msg("reference collision on courrier creation, retrying")
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
			continue
		}
		if isUniqueViolation(err) {
			return nil, &AllocationConflictError{Scope: scope, Attempts: attempt}
		}
		return nil, err
	}

	s.log.Info().Str("reference", courrier.Reference).Msg("courrier created")
	return courrier, nil
}

func (s *courrierService) tryCreate(ctx context.Context, in CreateCourrierInput, scope *SequenceScope) (*Courrier, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var entityCode, cNum string
	err = tx.QueryRow(ctx, "SELECT code FROM entities WHERE id = $1", in.EntityID).Scan(&entityCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("entity %d not found", in.EntityID)
		}
		return nil, fmt.Errorf("failed to resolve entity: %w", err)
	}
	err = tx.QueryRow(ctx, "SELECT c_num FROM clients WHERE id = $1", in.ClientID).Scan(&cNum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("client %d not found", in.ClientID)
		}
		return nil, fmt.Errorf("failed to resolve client: %w", err)
	}

	now := time.Now().UTC()
	scope.EntityCode = entityCode
	scope.ScopeKey = DayScope(now)

	seq, err := NextSequenceTx(ctx, tx, *scope)
	if err != nil {
		return nil, err
	}
	reference := FormatCourrierReference(entityCode, in.DocType, now, cNum, seq)

	var id int
	err = tx.QueryRow(ctx, `
		INSERT INTO courriers (reference, entity_id, client_id, doc_type, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, reference, in.EntityID, in.ClientID, in.DocType, in.Notes, in.Actor).Scan(&id)
	if err != nil {
		return nil, err
	}

	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindCourrier,
		EntityID:   int64(id),
		Action:     ActionCreate,
		Actor:      in.Actor,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit courrier creation: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *courrierService) Get(ctx context.Context, id int) (*Courrier, error) {
	var c Courrier
	err := s.pool.QueryRow(ctx, `
		SELECT id, reference, entity_id, client_id, doc_type, notes, created_by, created_at
		FROM courriers WHERE id = $1
	`, id).Scan(&c.ID, &c.Reference, &c.EntityID, &c.ClientID, &c.DocType, &c.Notes, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("courrier %d not found", id)
		}
		return nil, fmt.Errorf("failed to fetch courrier %d: %w", id, err)
	}
	return &c, nil
}

func (s *courrierService) ListByClient(ctx context.Context, clientID int) ([]Courrier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, reference, entity_id, client_id, doc_type, notes, created_by, created_at
		FROM courriers WHERE client_id = $1 ORDER BY created_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query courriers: %w", err)
	}
	defer rows.Close()

	var courriers []Courrier
	for rows.Next() {
		var c Courrier
		if err := rows.Scan(&c.ID, &c.Reference, &c.EntityID, &c.ClientID, &c.DocType, &c.Notes,
			&c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan courrier: %w", err)
		}
		courriers = append(courriers, c)
	}
	return courriers, rows.Err()
}
