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

// RapportService moves delivery reports through their lifecycle. Reaching
// VALIDE or TERMINE counts the rapport toward the parent affaire's
// progression, which is refreshed in the same transaction so the two rows
// never disagree.
type RapportService interface {
	Demarrer(ctx context.Context, id int, actor *string) (*Rapport, error)
	Valider(ctx context.Context, id int, actor *string) (*Rapport, error)
	Terminer(ctx context.Context, id int, actor *string) (*Rapport, error)
	Get(ctx context.Context, id int) (*Rapport, error)
	ListByAffaire(ctx context.Context, affaireID int) ([]Rapport, error)
}

type rapportService struct {
	pool  *pgxpool.Pool
	audit AuditService
	log   zerolog.Logger
}

func NewRapportService(pool *pgxpool.Pool, audit AuditService, log zerolog.Logger) RapportService {
	return &rapportService{
		pool:  pool,
		audit: audit,
		log:   log.With().Str("service", "rapports").Logger(),
	}
}

func (s *rapportService) Demarrer(ctx context.Context, id int, actor *string) (*Rapport, error) {
	return s.transition(ctx, id, RapportEnCours, actor)
}

func (s *rapportService) Valider(ctx context.Context, id int, actor *string) (*Rapport, error) {
	return s.transition(ctx, id, RapportValide, actor)
}

func (s *rapportService) Terminer(ctx context.Context, id int, actor *string) (*Rapport, error) {
	return s.transition(ctx, id, RapportTermine, actor)
}

func (s *rapportService) transition(ctx context.Context, id int, target StatutRapport, actor *string) (*Rapport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current StatutRapport
	var affaireID int
	var dates StatusDates
	err = tx.QueryRow(ctx, `
		SELECT statut, affaire_id, dates_statuts
		FROM rapports WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current, &affaireID, &dates)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("rapport %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock rapport %d: %w", id, err)
	}

	if !CanTransitionRapport(current, target) {
		return nil, &InvalidTransitionError{Kind: KindRapport, Current: string(current), Attempted: string(target)}
	}

	now := time.Now().UTC()
	dates = StampStatusDate(dates, string(target), now)

	_, err = tx.Exec(ctx,
		"UPDATE rapports SET statut = $1, dates_statuts = $2 WHERE id = $3",
		target, dates, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update rapport %d: %w", id, err)
	}

	if RapportAcheve(target) && !RapportAcheve(current) {
		if err := RefreshProgressionTx(ctx, tx, affaireID); err != nil {
			return nil, err
		}
	}

	oldStatut, newStatut := string(current), string(target)
	action := ActionUpdate
	if target == RapportValide {
		action = ActionValidate
	}
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindRapport,
		EntityID:   int64(id),
		Action:     action,
		Actor:      actor,
		OldStatut:  &oldStatut,
		NewStatut:  &newStatut,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit rapport transition: %w", err)
	}

	s.log.Info().Int("id", id).Str("from", oldStatut).Str("to", newStatut).Msg("rapport transition")
	return s.Get(ctx, id)
}

const rapportColumns = `id, affaire_id, produit_id, reference, sequence_number, entity_id, client_id,
	statut, dates_statuts, created_at`

func (s *rapportService) Get(ctx context.Context, id int) (*Rapport, error) {
	var r Rapport
	err := s.pool.QueryRow(ctx,
		"SELECT "+rapportColumns+" FROM rapports WHERE id = $1", id,
	).Scan(&r.ID, &r.AffaireID, &r.ProduitID, &r.Reference, &r.SequenceNumber, &r.EntityID,
		&r.ClientID, &r.Statut, &r.DatesStatuts, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("rapport %d not found", id)
		}
		return nil, fmt.Errorf("failed to fetch rapport %d: %w", id, err)
	}
	return &r, nil
}

func (s *rapportService) ListByAffaire(ctx context.Context, affaireID int) ([]Rapport, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+rapportColumns+" FROM rapports WHERE affaire_id = $1 ORDER BY id", affaireID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rapports: %w", err)
	}
	defer rows.Close()

	var rapports []Rapport
	for rows.Next() {
		var r Rapport
		if err := rows.Scan(&r.ID, &r.AffaireID, &r.ProduitID, &r.Reference, &r.SequenceNumber,
			&r.EntityID, &r.ClientID, &r.Statut, &r.DatesStatuts, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rapport: %w", err)
		}
		rapports = append(rapports, r)
	}
	return rapports, rows.Err()
}
