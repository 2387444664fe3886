package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FactureService moves invoices through their lifecycle. Factures are seeded
// in BROUILLON by the affaire-validated cascade; marking one PAYEE feeds the
// payment back into the parent affaire's montant_paye in the same
// transaction.
type FactureService interface {
	Envoyer(ctx context.Context, id int, dateEcheance *time.Time, actor *string) (*Facture, error)
	MarquerPayee(ctx context.Context, id int, datePaiement *time.Time, actor *string) (*Facture, error)
	Annuler(ctx context.Context, id int, actor *string) (*Facture, error)
	Get(ctx context.Context, id int) (*Facture, error)
	GetByAffaire(ctx context.Context, affaireID int) (*Facture, error)
}

type factureService struct {
	pool  *pgxpool.Pool
	audit AuditService
	log   zerolog.Logger
}

func NewFactureService(pool *pgxpool.Pool, audit AuditService, log zerolog.Logger) FactureService {
	return &factureService{
		pool:  pool,
		audit: audit,
		log:   log.With().Str("service", "factures").Logger(),
	}
}

func (s *factureService) Envoyer(ctx context.Context, id int, dateEcheance *time.Time, actor *string) (*Facture, error) {
	return s.transition(ctx, id, FactureEnvoye, dateEcheance, actor)
}

func (s *factureService) MarquerPayee(ctx context.Context, id int, datePaiement *time.Time, actor *string) (*Facture, error) {
	return s.transition(ctx, id, FacturePayee, datePaiement, actor)
}

func (s *factureService) Annuler(ctx context.Context, id int, actor *string) (*Facture, error) {
	return s.transition(ctx, id, FactureAnnulee, nil, actor)
}

func (s *factureService) transition(ctx context.Context, id int, target StatutFacture, when *time.Time, actor *string) (*Facture, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current StatutFacture
	var affaireID int
	var montantHT decimal.Decimal
	var dates StatusDates
	err = tx.QueryRow(ctx, `
		SELECT statut, affaire_id, montant_ht, dates_statuts
		FROM factures WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current, &affaireID, &montantHT, &dates)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("facture %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock facture %d: %w", id, err)
	}

	if !CanTransitionFacture(current, target) {
		return nil, &InvalidTransitionError{Kind: KindFacture, Current: string(current), Attempted: string(target)}
	}

	now := time.Now().UTC()
	dates = StampStatusDate(dates, string(target), now)

	switch target {
	case FactureEnvoye:
		_, err = tx.Exec(ctx, `
			UPDATE factures SET statut = $1, dates_statuts = $2,
				date_echeance = COALESCE($3, date_echeance), updated_at = NOW()
			WHERE id = $4
		`, target, dates, when, id)
	case FacturePayee:
		paidAt := now
		if when != nil {
			paidAt = *when
		}
		_, err = tx.Exec(ctx, `
			UPDATE factures SET statut = $1, dates_statuts = $2, date_paiement = $3, updated_at = NOW()
			WHERE id = $4
		`, target, dates, paidAt, id)
		if err == nil {
			// montant_facture catches up if the invoicing was never tallied, so
			// montant_paye can never exceed it.
			_, err = tx.Exec(ctx, `
				UPDATE affaires
				SET montant_paye = montant_paye + $1,
				    montant_facture = GREATEST(montant_facture, montant_paye + $1),
				    updated_at = NOW()
				WHERE id = $2
			`, montantHT, affaireID)
		}
	default:
		_, err = tx.Exec(ctx,
			"UPDATE factures SET statut = $1, dates_statuts = $2, updated_at = NOW() WHERE id = $3",
			target, dates, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update facture %d: %w", id, err)
	}

	oldStatut, newStatut := string(current), string(target)
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindFacture,
		EntityID:   int64(id),
		Action:     ActionUpdate,
		Actor:      actor,
		OldStatut:  &oldStatut,
		NewStatut:  &newStatut,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit facture transition: %w", err)
	}

	s.log.Info().Int("id", id).Str("from", oldStatut).Str("to", newStatut).Msg("facture transition")
	return s.Get(ctx, id)
}

const factureColumns = `id, affaire_id, reference, sequence_number, entity_id, client_id,
	statut, montant_ht, date_echeance, date_paiement, dates_statuts, created_at, updated_at`

func (s *factureService) Get(ctx context.Context, id int) (*Facture, error) {
	return s.fetch(ctx, "id = $1", id)
}

func (s *factureService) GetByAffaire(ctx context.Context, affaireID int) (*Facture, error) {
	return s.fetch(ctx, "affaire_id = $1", affaireID)
}

func (s *factureService) fetch(ctx context.Context, where string, arg any) (*Facture, error) {
	var f Facture
	err := s.pool.QueryRow(ctx,
		"SELECT "+factureColumns+" FROM factures WHERE "+where, arg,
	).Scan(&f.ID, &f.AffaireID, &f.Reference, &f.SequenceNumber, &f.EntityID, &f.ClientID,
		&f.Statut, &f.MontantHT, &f.DateEcheance, &f.DatePaiement, &f.DatesStatuts,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("facture %v not found", arg)
		}
		return nil, fmt.Errorf("failed to fetch facture: %w", err)
	}
	return &f, nil
}
