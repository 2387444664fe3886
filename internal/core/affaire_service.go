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

// AffaireService drives the execution lifecycle of a won deal: validation
// (which fans out the delivery documents), start/pause/resume, completion and
// the running financial tallies.
type AffaireService interface {
	// Valider moves the affaire to VALIDE and triggers the delivery cascade
	// (rapports, formations, facture). Cascade warnings are returned alongside
	// the updated affaire; they never undo the transition.
	Valider(ctx context.Context, id int, actor *string) (*Affaire, []CascadeWarning, error)
	Demarrer(ctx context.Context, id int, actor *string) (*Affaire, error)
	Pauser(ctx context.Context, id int, actor *string) (*Affaire, error)
	Reprendre(ctx context.Context, id int, actor *string) (*Affaire, error)
	// Terminer closes the affaire with its actual end date, which must not
	// precede the start date.
	Terminer(ctx context.Context, id int, dateFinReelle time.Time, actor *string) (*Affaire, error)
	Annuler(ctx context.Context, id int, actor *string, raison string) (*Affaire, error)
	// EnregistrerFacturation adds an invoiced amount to the affaire's tally.
	EnregistrerFacturation(ctx context.Context, id int, montant decimal.Decimal, actor *string) (*Affaire, error)
	// EnregistrerPaiement adds a received payment to the affaire's tally.
	EnregistrerPaiement(ctx context.Context, id int, montant decimal.Decimal, actor *string) (*Affaire, error)
	// RafraichirProgression recomputes progression from the share of achieved
	// rapports.
	RafraichirProgression(ctx context.Context, id int) (*Affaire, error)
	Get(ctx context.Context, id int) (*Affaire, error)
	GetByReference(ctx context.Context, reference string) (*Affaire, error)
}

type affaireService struct {
	pool    *pgxpool.Pool
	audit   AuditService
	cascade CascadeService
	log     zerolog.Logger
}

func NewAffaireService(pool *pgxpool.Pool, audit AuditService, cascade CascadeService, log zerolog.Logger) AffaireService {
	return &affaireService{
		pool:    pool,
		audit:   audit,
		cascade: cascade,
		log:     log.With().Str("service", "affaires").Logger(),
	}
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (s *affaireService) Valider(ctx context.Context, id int, actor *string) (*Affaire, []CascadeWarning, error) {
	affaire, err := s.transition(ctx, id, AffaireValide, actor, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	warnings, err := s.cascade.OnAffaireValidee(ctx, id, actor)
	if err != nil {
		// The transition is already committed; surface the cascade failure as
		// a warning so the caller can retry the fan-out.
		warnings = append(warnings, CascadeWarning{ParentRef: affaire.Reference, ChildKind: KindRapport, Err: err})
	}
	for _, w := range warnings {
		s.log.Warn().Str("affaire", affaire.Reference).Str("child", string(w.ChildKind)).Err(w.Err).Msg("cascade warning")
	}
	return affaire, warnings, nil
}

func (s *affaireService) Demarrer(ctx context.Context, id int, actor *string) (*Affaire, error) {
	return s.transition(ctx, id, AffaireEnCours, actor, nil, nil)
}

func (s *affaireService) Pauser(ctx context.Context, id int, actor *string) (*Affaire, error) {
	return s.transition(ctx, id, AffaireEnPause, actor, nil, nil)
}

func (s *affaireService) Reprendre(ctx context.Context, id int, actor *string) (*Affaire, error) {
	return s.transition(ctx, id, AffaireEnCours, actor, nil, nil)
}

func (s *affaireService) Terminer(ctx context.Context, id int, dateFinReelle time.Time, actor *string) (*Affaire, error) {
	changes := map[string]any{"date_fin_reelle": dateFinReelle.Format(time.RFC3339)}
	return s.transition(ctx, id, AffaireTerminee, actor, &dateFinReelle, changes)
}

func (s *affaireService) Annuler(ctx context.Context, id int, actor *string, raison string) (*Affaire, error) {
	var changes map[string]any
	if raison != "" {
		changes = map[string]any{"raison": raison}
	}
	return s.transition(ctx, id, AffaireAnnulee, actor, nil, changes)
}

// transition moves one affaire along a declared edge under a row lock.
// Completing sets date_fin_reelle and forces progression to 100; the end date
// is validated against date_debut before anything is written.
func (s *affaireService) transition(ctx context.Context, id int, target StatutAffaire, actor *string, dateFinReelle *time.Time, changes map[string]any) (*Affaire, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current StatutAffaire
	var dateDebut time.Time
	var progression int
	var dates StatusDates
	err = tx.QueryRow(ctx, `
		SELECT statut, date_debut, progression, dates_statuts
		FROM affaires WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current, &dateDebut, &progression, &dates)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("affaire %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock affaire %d: %w", id, err)
	}

	if !CanTransitionAffaire(current, target) {
		return nil, &InvalidTransitionError{Kind: KindAffaire, Current: string(current), Attempted: string(target)}
	}

	if target == AffaireTerminee {
		if dateFinReelle == nil {
			return nil, &MissingPrerequisiteError{Reason: "date de fin reelle is required to complete an affaire"}
		}
		if dateFinReelle.Before(dateDebut) {
			return nil, &MissingPrerequisiteError{
				Reason: fmt.Sprintf("date de fin reelle %s precedes date de debut %s",
					dateFinReelle.Format("2006-01-02"), dateDebut.Format("2006-01-02")),
			}
		}
		progression = 100
	}

	now := time.Now().UTC()
	dates = StampStatusDate(dates, string(target), now)

	_, err = tx.Exec(ctx, `
		UPDATE affaires
		SET statut = $1, date_fin_reelle = COALESCE($2, date_fin_reelle), progression = $3,
		    dates_statuts = $4, updated_by = $5, updated_at = NOW()
		WHERE id = $6
	`, target, dateFinReelle, progression, dates, actor, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update affaire %d: %w", id, err)
	}

	oldStatut, newStatut := string(current), string(target)
	action := ActionUpdate
	if target == AffaireValide {
		action = ActionValidate
	}
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindAffaire,
		EntityID:   int64(id),
		Action:     action,
		Actor:      actor,
		OldStatut:  &oldStatut,
		NewStatut:  &newStatut,
		Changes:    changes,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit affaire transition: %w", err)
	}

	s.log.Info().Int("id", id).Str("from", oldStatut).Str("to", newStatut).Msg("affaire transition")
	return s.Get(ctx, id)
}

// ── Financial tallies ────────────────────────────────────────────────────────

func (s *affaireService) EnregistrerFacturation(ctx context.Context, id int, montant decimal.Decimal, actor *string) (*Affaire, error) {
	return s.ajouterMontant(ctx, id, "montant_facture", montant, actor)
}

func (s *affaireService) EnregistrerPaiement(ctx context.Context, id int, montant decimal.Decimal, actor *string) (*Affaire, error) {
	return s.ajouterMontant(ctx, id, "montant_paye", montant, actor)
}

// ajouterMontant adds a positive amount to one of the affaire's tallies,
// refusing to push montant_facture past montant_total or montant_paye past
// montant_facture.
func (s *affaireService) ajouterMontant(ctx context.Context, id int, colonne string, montant decimal.Decimal, actor *string) (*Affaire, error) {
	if !montant.IsPositive() {
		return nil, fmt.Errorf("montant must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var a Affaire
	err = tx.QueryRow(ctx, `
		SELECT statut, montant_total, montant_facture, montant_paye
		FROM affaires WHERE id = $1
		FOR UPDATE
	`, id).Scan(&a.Statut, &a.MontantTotal, &a.MontantFacture, &a.MontantPaye)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("affaire %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock affaire %d: %w", id, err)
	}

	switch colonne {
	case "montant_facture":
		if montant.GreaterThan(a.MontantRestantAFacturer()) {
			return nil, fmt.Errorf("montant %s exceeds remaining %s to invoice", montant, a.MontantRestantAFacturer())
		}
	case "montant_paye":
		if montant.GreaterThan(a.MontantRestantAPayer()) {
			return nil, fmt.Errorf("montant %s exceeds remaining %s to pay", montant, a.MontantRestantAPayer())
		}
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf("UPDATE affaires SET %s = %s + $1, updated_by = $2, updated_at = NOW() WHERE id = $3", colonne, colonne),
		montant, actor, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update affaire %d: %w", id, err)
	}

	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindAffaire,
		EntityID:   int64(id),
		Action:     ActionUpdate,
		Actor:      actor,
		Changes:    map[string]any{colonne: montant.String()},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit affaire update: %w", err)
	}
	return s.Get(ctx, id)
}

// ── Progression ──────────────────────────────────────────────────────────────

func (s *affaireService) RafraichirProgression(ctx context.Context, id int) (*Affaire, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := RefreshProgressionTx(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit progression refresh: %w", err)
	}
	return s.Get(ctx, id)
}

// RefreshProgressionTx recomputes an affaire's progression inside the caller's
// transaction as the percentage of its rapports that reached VALIDE or
// TERMINE. An affaire with no rapports keeps progression 0; a terminal affaire
// is left untouched.
func RefreshProgressionTx(ctx context.Context, tx pgx.Tx, affaireID int) error {
	_, err := tx.Exec(ctx, `
		UPDATE affaires a
		SET progression = (
			SELECT COALESCE(ROUND(100.0 * COUNT(*) FILTER (WHERE r.statut IN ('VALIDE', 'TERMINE')) / NULLIF(COUNT(*), 0)), 0)
			FROM rapports r WHERE r.affaire_id = a.id
		), updated_at = NOW()
		WHERE a.id = $1 AND a.statut NOT IN ('TERMINEE', 'ANNULEE')
	`, affaireID)
	if err != nil {
		return fmt.Errorf("failed to refresh progression for affaire %d: %w", affaireID, err)
	}
	return nil
}

// ── Reads ────────────────────────────────────────────────────────────────────

const affaireColumns = `id, offre_id, reference, sequence_number, entity_id, client_id, statut,
	date_debut, date_fin_prevue, date_fin_reelle, montant_total, montant_facture, montant_paye,
	progression, notes, dates_statuts, created_by, created_at, updated_at`

func (s *affaireService) Get(ctx context.Context, id int) (*Affaire, error) {
	return s.fetch(ctx, "id = $1", id)
}

func (s *affaireService) GetByReference(ctx context.Context, reference string) (*Affaire, error) {
	return s.fetch(ctx, "reference = $1", reference)
}

func (s *affaireService) fetch(ctx context.Context, where string, arg any) (*Affaire, error) {
	var a Affaire
	err := s.pool.QueryRow(ctx,
		"SELECT "+affaireColumns+" FROM affaires WHERE "+where, arg,
	).Scan(&a.ID, &a.OffreID, &a.Reference, &a.SequenceNumber, &a.EntityID, &a.ClientID, &a.Statut,
		&a.DateDebut, &a.DateFinPrevue, &a.DateFinReelle, &a.MontantTotal, &a.MontantFacture, &a.MontantPaye,
		&a.Progression, &a.Notes, &a.DatesStatuts, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("affaire %v not found", arg)
		}
		return nil, fmt.Errorf("failed to fetch affaire %v: %w", arg, err)
	}
	return &a, nil
}
