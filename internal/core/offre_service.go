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

// OffreService manages the quote lifecycle. Winning an offer fires the
// document cascade after the transition commits: the proforma and the affaire
// are ensured to exist exactly once.
type OffreService interface {
	Create(ctx context.Context, in CreateOffreInput) (*Offre, error)
	Envoyer(ctx context.Context, id int, actor *string) (*Offre, error)
	// Gagner marks the offer as won and fires the cascade. Warnings report
	// children that could not be created; they never mask the transition's
	// success.
	Gagner(ctx context.Context, id int, actor *string) (*Offre, []CascadeWarning, error)
	Perdre(ctx context.Context, id int, actor *string) (*Offre, error)
	Get(ctx context.Context, id int) (*Offre, error)
	GetByReference(ctx context.Context, reference string) (*Offre, error)
}

type OffreProduitInput struct {
	ProduitID    int
	PrixUnitaire decimal.Decimal
}

type CreateOffreInput struct {
	EntityID           int
	ClientID           int
	ContactID          *int
	ProduitPrincipalID int
	Produits           []OffreProduitInput
	Montant            decimal.Decimal
	Notes              string
	Actor              *string
}

type offreService struct {
	pool    *pgxpool.Pool
	audit   AuditService
	cascade CascadeService
	log     zerolog.Logger
}

func NewOffreService(pool *pgxpool.Pool, audit AuditService, cascade CascadeService, log zerolog.Logger) OffreService {
	return &offreService{
		pool:    pool,
		audit:   audit,
		cascade: cascade,
		log:     log.With().Str("service", "offres").Logger(),
	}
}

func (s *offreService) Create(ctx context.Context, in CreateOffreInput) (*Offre, error) {
	if len(in.Produits) == 0 {
		return nil, fmt.Errorf("offre must have at least one product")
	}

	scope := SequenceScope{DocType: DocTypeOffre, ScopeKey: ClientScope(in.ClientID)}

	var offre *Offre
	for attempt := 1; ; attempt++ {
		var err error
		offre, err = s.tryCreate(ctx, in, &scope)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < allocationRetries {
			s.log.Warn().Int("attempt", attempt).Msg("reference collision on offre creation, retrying")
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
			continue
		}
		if isUniqueViolation(err) {
			return nil, &AllocationConflictError{Scope: scope, Attempts: attempt}
		}
		return nil, err
	}

	s.log.Info().Str("reference", offre.Reference).Msg("offre created")
	return offre, nil
}

func (s *offreService) tryCreate(ctx context.Context, in CreateOffreInput, scope *SequenceScope) (*Offre, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var entityCode, cNum, produitCode string
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
	err = tx.QueryRow(ctx, "SELECT code FROM products WHERE id = $1", in.ProduitPrincipalID).Scan(&produitCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d not found", in.ProduitPrincipalID)
		}
		return nil, fmt.Errorf("failed to resolve product: %w", err)
	}

	scope.EntityCode = entityCode
	seq, err := NextSequenceTx(ctx, tx, *scope)
	if err != nil {
		return nil, err
	}

	var nClient int
	err = tx.QueryRow(ctx, "SELECT COUNT(*) + 1 FROM offres WHERE client_id = $1", in.ClientID).Scan(&nClient)
	if err != nil {
		return nil, fmt.Errorf("failed to count client offres: %w", err)
	}

	now := time.Now().UTC()
	reference := FormatOffreReference(entityCode, cNum, now, produitCode, nClient, seq)
	dates := StampStatusDate(nil, string(OffreBrouillon), now)

	var id int
	err = tx.QueryRow(ctx, `
		INSERT INTO offres (reference, sequence_number, entity_id, client_id, contact_id,
			produit_principal_id, statut, montant, notes, dates_statuts, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, reference, seq, in.EntityID, in.ClientID, in.ContactID, in.ProduitPrincipalID,
		OffreBrouillon, in.Montant, in.Notes, dates, in.Actor).Scan(&id)
	if err != nil {
		return nil, err
	}

	for _, p := range in.Produits {
		_, err = tx.Exec(ctx, `
			INSERT INTO offre_produits (offre_id, produit_id, prix_unitaire)
			VALUES ($1, $2, $3)
			ON CONFLICT (offre_id, produit_id) DO NOTHING
		`, id, p.ProduitID, p.PrixUnitaire)
		if err != nil {
			return nil, fmt.Errorf("failed to link product %d: %w", p.ProduitID, err)
		}
	}

	newStatut := string(OffreBrouillon)
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindOffre,
		EntityID:   int64(id),
		Action:     ActionCreate,
		Actor:      in.Actor,
		NewStatut:  &newStatut,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit offre creation: %w", err)
	}
	return s.Get(ctx, id)
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (s *offreService) Envoyer(ctx context.Context, id int, actor *string) (*Offre, error) {
	return s.transition(ctx, id, OffreEnvoye, actor)
}

func (s *offreService) Perdre(ctx context.Context, id int, actor *string) (*Offre, error) {
	return s.transition(ctx, id, OffrePerdu, actor)
}

// Gagner transitions ENVOYE -> GAGNE atomically with its audit row, then
// fires the cascade as an explicit post-commit step. The cascade's children
// are independent units of work; their failures come back as warnings.
func (s *offreService) Gagner(ctx context.Context, id int, actor *string) (*Offre, []CascadeWarning, error) {
	offre, err := s.transition(ctx, id, OffreGagne, actor)
	if err != nil {
		return nil, nil, err
	}

	warnings, err := s.cascade.OnOffreGagnee(ctx, id, actor)
	if err != nil {
		return nil, nil, fmt.Errorf("cascade after winning offre %s: %w", offre.Reference, err)
	}
	for _, w := range warnings {
		s.log.Warn().Str("parent", w.ParentRef).Str("child", string(w.ChildKind)).Err(w.Err).Msg("cascade child failed")
	}
	return offre, warnings, nil
}

func (s *offreService) transition(ctx context.Context, id int, target StatutOffre, actor *string) (*Offre, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current StatutOffre
	var relance, dateValidation *time.Time
	var dates StatusDates
	err = tx.QueryRow(ctx, `
		SELECT statut, relance, date_validation, dates_statuts
		FROM offres WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current, &relance, &dateValidation, &dates)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("offre %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock offre %d: %w", id, err)
	}

	if !CanTransitionOffre(current, target) {
		return nil, &InvalidTransitionError{Kind: KindOffre, Current: string(current), Attempted: string(target)}
	}

	now := time.Now().UTC()
	dates = StampStatusDate(dates, string(target), now)

	switch {
	case target == OffreGagne:
		if dateValidation == nil {
			dateValidation = &now
		}
		relance = nil
	case IsTerminalOffre(target):
		relance = nil
	default:
		relance = ProchaineRelanceOffre(target, relance, now)
	}

	_, err = tx.Exec(ctx, `
		UPDATE offres
		SET statut = $1, relance = $2, date_validation = $3, dates_statuts = $4,
		    updated_by = $5, updated_at = NOW()
		WHERE id = $6
	`, target, relance, dateValidation, dates, actor, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update offre %d: %w", id, err)
	}

	oldStatut, newStatut := string(current), string(target)
	action := ActionUpdate
	if target == OffreGagne {
		action = ActionValidate
	}
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindOffre,
		EntityID:   int64(id),
		Action:     action,
		Actor:      actor,
		OldStatut:  &oldStatut,
		NewStatut:  &newStatut,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit offre transition: %w", err)
	}

	s.log.Info().Int("id", id).Str("from", oldStatut).Str("to", newStatut).Msg("offre transition")
	return s.Get(ctx, id)
}

// ── Queries ──────────────────────────────────────────────────────────────────

const offreColumns = `id, reference, sequence_number, entity_id, client_id, contact_id,
	produit_principal_id, statut, montant, date_validation, relance, notes,
	dates_statuts, created_by, created_at, updated_at`

func (s *offreService) Get(ctx context.Context, id int) (*Offre, error) {
	return s.fetch(ctx, "id = $1", id)
}

func (s *offreService) GetByReference(ctx context.Context, reference string) (*Offre, error) {
	return s.fetch(ctx, "reference = $1", reference)
}

func (s *offreService) fetch(ctx context.Context, where string, arg any) (*Offre, error) {
	var o Offre
	err := s.pool.QueryRow(ctx, "SELECT "+offreColumns+" FROM offres WHERE "+where, arg).Scan(
		&o.ID, &o.Reference, &o.SequenceNumber, &o.EntityID, &o.ClientID, &o.ContactID,
		&o.ProduitPrincipalID, &o.Statut, &o.Montant, &o.DateValidation, &o.Relance, &o.Notes,
		&o.DatesStatuts, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("offre %v not found", arg)
		}
		return nil, fmt.Errorf("failed to fetch offre %v: %w", arg, err)
	}
	return &o, nil
}
