package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ProformaService moves proformas through their lifecycle. Proformas are
// created by the offer-won cascade, never directly.
type ProformaService interface {
	Envoyer(ctx context.Context, id int, actor *string) (*Proforma, error)
	Valider(ctx context.Context, id int, actor *string) (*Proforma, error)
	Refuser(ctx context.Context, id int, actor *string) (*Proforma, error)
	Get(ctx context.Context, id int) (*Proforma, error)
	GetByOffre(ctx context.Context, offreID int) (*Proforma, error)
}

type proformaService struct {
	pool  *pgxpool.Pool
	audit AuditService
	log   zerolog.Logger
}

func NewProformaService(pool *pgxpool.Pool, audit AuditService, log zerolog.Logger) ProformaService {
	return &proformaService{
		pool:  pool,
		audit: audit,
		log:   log.With().Str("service", "proformas").Logger(),
	}
}

func (s *proformaService) Envoyer(ctx context.Context, id int, actor *string) (*Proforma, error) {
	return s.transition(ctx, id, ProformaEnvoye, actor)
}

func (s *proformaService) Valider(ctx context.Context, id int, actor *string) (*Proforma, error) {
	return s.transition(ctx, id, ProformaValide, actor)
}

func (s *proformaService) Refuser(ctx context.Context, id int, actor *string) (*Proforma, error) {
	return s.transition(ctx, id, ProformaRefuse, actor)
}

func (s *proformaService) transition(ctx context.Context, id int, target StatutProforma, actor *string) (*Proforma, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current StatutProforma
	var dates StatusDates
	err = tx.QueryRow(ctx,
		"SELECT statut, dates_statuts FROM proformas WHERE id = $1 FOR UPDATE", id,
	).Scan(&current, &dates)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("proforma %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock proforma %d: %w", id, err)
	}

	if !CanTransitionProforma(current, target) {
		return nil, &InvalidTransitionError{Kind: KindProforma, Current: string(current), Attempted: string(target)}
	}

	now := time.Now().UTC()
	dates = StampStatusDate(dates, string(target), now)

	if target == ProformaValide {
		_, err = tx.Exec(ctx,
			"UPDATE proformas SET statut = $1, dates_statuts = $2, date_validation = $3 WHERE id = $4",
			target, dates, now, id)
	} else {
		_, err = tx.Exec(ctx,
			"UPDATE proformas SET statut = $1, dates_statuts = $2 WHERE id = $3",
			target, dates, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update proforma %d: %w", id, err)
	}

	oldStatut, newStatut := string(current), string(target)
	action := ActionUpdate
	switch target {
	case ProformaValide:
		action = ActionValidate
	case ProformaRefuse:
		action = ActionRefuse
	}
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindProforma,
		EntityID:   int64(id),
		Action:     action,
		Actor:      actor,
		OldStatut:  &oldStatut,
		NewStatut:  &newStatut,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit proforma transition: %w", err)
	}

	s.log.Info().Int("id", id).Str("from", oldStatut).Str("to", newStatut).Msg("proforma transition")
	return s.Get(ctx, id)
}

const proformaColumns = `id, offre_id, reference, sequence_number, entity_id, client_id,
	statut, date_validation, dates_statuts, created_by, created_at`

func (s *proformaService) Get(ctx context.Context, id int) (*Proforma, error) {
	return s.fetch(ctx, "id = $1", id)
}

func (s *proformaService) GetByOffre(ctx context.Context, offreID int) (*Proforma, error) {
	return s.fetch(ctx, "offre_id = $1", offreID)
}

func (s *proformaService) fetch(ctx context.Context, where string, arg any) (*Proforma, error) {
	var p Proforma
	err := s.pool.QueryRow(ctx,
		"SELECT "+proformaColumns+" FROM proformas WHERE "+where, arg,
	).Scan(&p.ID, &p.OffreID, &p.Reference, &p.SequenceNumber, &p.EntityID, &p.ClientID,
		&p.Statut, &p.DateValidation, &p.DatesStatuts, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("proforma %v not found", arg)
		}
		return nil, fmt.Errorf("failed to fetch proforma: %w", err)
	}
	return &p, nil
}
