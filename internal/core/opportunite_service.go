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

// OpportuniteService manages the pre-sales pipeline: creation, status
// transitions (with universal exits to GAGNEE/PERDUE) and conversion into an
// offre.
type OpportuniteService interface {
	Create(ctx context.Context, in CreateOpportuniteInput) (*Opportunite, error)
	Qualifier(ctx context.Context, id int, actor *string) (*Opportunite, error)
	Proposer(ctx context.Context, id int, actor *string) (*Opportunite, error)
	Negocier(ctx context.Context, id int, actor *string) (*Opportunite, error)
	Gagner(ctx context.Context, id int, actor *string) (*Opportunite, error)
	Perdre(ctx context.Context, id int, actor *string, raison string) (*Opportunite, error)
	// CreerOffre materializes an offre from a qualified opportunity, copying
	// its client, contact and product set.
	CreerOffre(ctx context.Context, id int, actor *string) (*Offre, error)
	Get(ctx context.Context, id int) (*Opportunite, error)
	// List returns a client's opportunities, most recent first. A nil statut
	// means all statuses.
	List(ctx context.Context, clientID int, statut *StatutOpportunite) ([]Opportunite, error)
}

type CreateOpportuniteInput struct {
	EntityID           int
	ClientID           int
	ContactID          *int
	ProduitPrincipalID int
	ProduitIDs         []int
	MontantEstime      decimal.Decimal
	Description        string
	BesoinsClient      string
	Actor              *string
}

type opportuniteService struct {
	pool   *pgxpool.Pool
	audit  AuditService
	offres OffreService
	log    zerolog.Logger
}

func NewOpportuniteService(pool *pgxpool.Pool, audit AuditService, offres OffreService, log zerolog.Logger) OpportuniteService {
	return &opportuniteService{
		pool:   pool,
		audit:  audit,
		offres: offres,
		log:    log.With().Str("service", "opportunites").Logger(),
	}
}

func (s *opportuniteService) Create(ctx context.Context, in CreateOpportuniteInput) (*Opportunite, error) {
	if in.MontantEstime.IsNegative() {
		return nil, fmt.Errorf("montant estime cannot be negative")
	}

	scope := SequenceScope{DocType: DocTypeOpportunite, ScopeKey: ClientScope(in.ClientID)}

	var opp *Opportunite
	for attempt := 1; ; attempt++ {
		var err error
		opp, err = s.tryCreate(ctx, in, &scope)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < allocationRetries {
			s.log.Warn().Int("attempt", attempt).Msg("reference collision on opportunite creation, retrying")
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
			continue
		}
		if isUniqueViolation(err) {
			return nil, &AllocationConflictError{Scope: scope, Attempts: attempt}
		}
		return nil, err
	}

	s.log.Info().Str("reference", opp.Reference).Msg("opportunite created")
	return opp, nil
}

// tryCreate runs one full creation attempt in its own transaction. A unique
// violation aborts the transaction, so retries restart from scratch and the
// burned sequence number leaves a gap, never a duplicate.
func (s *opportuniteService) tryCreate(ctx context.Context, in CreateOpportuniteInput, scope *SequenceScope) (*Opportunite, error) {
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
	err = tx.QueryRow(ctx, "SELECT COUNT(*) + 1 FROM opportunites WHERE client_id = $1", in.ClientID).Scan(&nClient)
	if err != nil {
		return nil, fmt.Errorf("failed to count client opportunites: %w", err)
	}

	now := time.Now().UTC()
	reference := FormatOpportuniteReference(entityCode, cNum, now, produitCode, nClient, seq)
	relance := ProchaineRelanceOpportunite(OpportuniteProspect, nil, now)
	dates := StampStatusDate(nil, string(OpportuniteProspect), now)

	var id int
	err = tx.QueryRow(ctx, `
		INSERT INTO opportunites (reference, sequence_number, entity_id, client_id, contact_id,
			produit_principal_id, statut, montant_estime, probabilite, description, besoins_client,
			relance, dates_statuts, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, reference, seq, in.EntityID, in.ClientID, in.ContactID, in.ProduitPrincipalID,
		OpportuniteProspect, in.MontantEstime, ProbabiliteParStatut[OpportuniteProspect],
		in.Description, in.BesoinsClient, relance, dates, in.Actor).Scan(&id)
	if err != nil {
		return nil, err
	}

	for _, pid := range in.ProduitIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO opportunite_produits (opportunite_id, produit_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, id, pid)
		if err != nil {
			return nil, fmt.Errorf("failed to link product %d: %w", pid, err)
		}
	}

	newStatut := string(OpportuniteProspect)
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindOpportunite,
		EntityID:   int64(id),
		Action:     ActionCreate,
		Actor:      in.Actor,
		NewStatut:  &newStatut,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit opportunite creation: %w", err)
	}
	return s.Get(ctx, id)
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (s *opportuniteService) Qualifier(ctx context.Context, id int, actor *string) (*Opportunite, error) {
	return s.transition(ctx, id, OpportuniteQualification, actor, nil)
}

func (s *opportuniteService) Proposer(ctx context.Context, id int, actor *string) (*Opportunite, error) {
	return s.transition(ctx, id, OpportuniteProposition, actor, nil)
}

func (s *opportuniteService) Negocier(ctx context.Context, id int, actor *string) (*Opportunite, error) {
	return s.transition(ctx, id, OpportuniteNegociation, actor, nil)
}

func (s *opportuniteService) Gagner(ctx context.Context, id int, actor *string) (*Opportunite, error) {
	return s.transition(ctx, id, OpportuniteGagnee, actor, nil)
}

func (s *opportuniteService) Perdre(ctx context.Context, id int, actor *string, raison string) (*Opportunite, error) {
	var changes map[string]any
	if raison != "" {
		changes = map[string]any{"raison": raison}
	}
	return s.transition(ctx, id, OpportunitePerdue, actor, changes)
}

// transition moves one opportunity along a declared edge. The row lock, edge
// check, derived fields (probability, relance, closure date), status-date
// stamp and audit row all commit atomically; concurrent attempts serialize on
// the lock and the loser fails the edge check.
func (s *opportuniteService) transition(ctx context.Context, id int, target StatutOpportunite, actor *string, changes map[string]any) (*Opportunite, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current StatutOpportunite
	var relance, dateCloture *time.Time
	var dates StatusDates
	err = tx.QueryRow(ctx, `
		SELECT statut, relance, date_cloture, dates_statuts
		FROM opportunites WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current, &relance, &dateCloture, &dates)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("opportunite %d not found", id)
		}
		return nil, fmt.Errorf("failed to lock opportunite %d: %w", id, err)
	}

	if !CanTransitionOpportunite(current, target) {
		return nil, &InvalidTransitionError{Kind: KindOpportunite, Current: string(current), Attempted: string(target)}
	}

	now := time.Now().UTC()
	dates = StampStatusDate(dates, string(target), now)

	if IsTerminalOpportunite(target) {
		relance = nil
		if dateCloture == nil {
			dateCloture = &now
		}
	} else {
		relance = ProchaineRelanceOpportunite(target, relance, now)
		dateCloture = nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE opportunites
		SET statut = $1, probabilite = $2, relance = $3, date_cloture = $4,
		    dates_statuts = $5, updated_by = $6, updated_at = NOW()
		WHERE id = $7
	`, target, ProbabiliteParStatut[target], relance, dateCloture, dates, actor, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update opportunite %d: %w", id, err)
	}

	oldStatut, newStatut := string(current), string(target)
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindOpportunite,
		EntityID:   int64(id),
		Action:     ActionUpdate,
		Actor:      actor,
		OldStatut:  &oldStatut,
		NewStatut:  &newStatut,
		Changes:    changes,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit opportunite transition: %w", err)
	}

	s.log.Info().Int("id", id).Str("from", oldStatut).Str("to", newStatut).Msg("opportunite transition")
	return s.Get(ctx, id)
}

// ── Conversion ───────────────────────────────────────────────────────────────

func (s *opportuniteService) CreerOffre(ctx context.Context, id int, actor *string) (*Offre, error) {
	opp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch opp.Statut {
	case OpportuniteQualification, OpportuniteProposition, OpportuniteNegociation, OpportuniteGagnee:
	default:
		return nil, &MissingPrerequisiteError{
			Reason: fmt.Sprintf("opportunite %s must be at least qualified to create an offre (statut %s)", opp.Reference, opp.Statut),
		}
	}

	rows, err := s.pool.Query(ctx, "SELECT produit_id FROM opportunite_produits WHERE opportunite_id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunite products: %w", err)
	}
	defer rows.Close()

	var produits []OffreProduitInput
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		produits = append(produits, OffreProduitInput{ProduitID: pid})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return s.offres.Create(ctx, CreateOffreInput{
		EntityID:           opp.EntityID,
		ClientID:           opp.ClientID,
		ContactID:          opp.ContactID,
		ProduitPrincipalID: opp.ProduitPrincipalID,
		Produits:           produits,
		Montant:            opp.MontantEstime,
		Actor:              actor,
	})
}

func (s *opportuniteService) Get(ctx context.Context, id int) (*Opportunite, error) {
	var o Opportunite
	err := s.pool.QueryRow(ctx, `
		SELECT id, reference, sequence_number, entity_id, client_id, contact_id,
		       produit_principal_id, statut, montant_estime, probabilite, description,
		       besoins_client, relance, date_cloture, dates_statuts, created_by, created_at, updated_at
		FROM opportunites WHERE id = $1
	`, id).Scan(&o.ID, &o.Reference, &o.SequenceNumber, &o.EntityID, &o.ClientID, &o.ContactID,
		&o.ProduitPrincipalID, &o.Statut, &o.MontantEstime, &o.Probabilite, &o.Description,
		&o.BesoinsClient, &o.Relance, &o.DateCloture, &o.DatesStatuts, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("opportunite %d not found", id)
		}
		return nil, fmt.Errorf("failed to fetch opportunite %d: %w", id, err)
	}
	return &o, nil
}

func (s *opportuniteService) List(ctx context.Context, clientID int, statut *StatutOpportunite) ([]Opportunite, error) {
	query := `
		SELECT id, reference, sequence_number, entity_id, client_id, contact_id,
		       produit_principal_id, statut, montant_estime, probabilite, description,
		       besoins_client, relance, date_cloture, dates_statuts, created_by, created_at, updated_at
		FROM opportunites WHERE client_id = $1`
	args := []any{clientID}
	if statut != nil {
		query += " AND statut = $2"
		args = append(args, *statut)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunites: %w", err)
	}
	defer rows.Close()

	var opps []Opportunite
	for rows.Next() {
		var o Opportunite
		if err := rows.Scan(&o.ID, &o.Reference, &o.SequenceNumber, &o.EntityID, &o.ClientID, &o.ContactID,
			&o.ProduitPrincipalID, &o.Statut, &o.MontantEstime, &o.Probabilite, &o.Description,
			&o.BesoinsClient, &o.Relance, &o.DateCloture, &o.DatesStatuts, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan opportunite: %w", err)
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}
