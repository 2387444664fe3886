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

// CascadeService materializes dependent documents when a parent reaches a
// trigger status. It is invoked explicitly after the parent's transition has
// committed, never from a hidden save hook.
//
// Every child is ensured with get-or-create semantics keyed by its parent:
// re-invoking a cascade for the same parent and trigger is a no-op for
// children that already exist. The unique constraints on the child tables are
// the backstop for races. Children are independent units of work: a failure
// creating one is collected as a CascadeWarning and does not roll back its
// siblings or the parent.
type CascadeService interface {
	// OnOffreGagnee ensures the won offer's proforma and affaire exist.
	OnOffreGagnee(ctx context.Context, offreID int, actor *string) ([]CascadeWarning, error)
	// OnAffaireValidee ensures one rapport per offer product, one formation
	// per training product, and the affaire's draft facture.
	OnAffaireValidee(ctx context.Context, affaireID int, actor *string) ([]CascadeWarning, error)
}

type cascadeService struct {
	pool  *pgxpool.Pool
	audit AuditService
	log   zerolog.Logger
}

func NewCascadeService(pool *pgxpool.Pool, audit AuditService, log zerolog.Logger) CascadeService {
	return &cascadeService{
		pool:  pool,
		audit: audit,
		log:   log.With().Str("service", "cascade").Logger(),
	}
}

// offreContext is the parent data every offre-triggered child needs.
type offreContext struct {
	ID             int
	Reference      string
	EntityID       int
	EntityCode     string
	ClientID       int
	ClientCNum     string
	Montant        decimal.Decimal
	DateValidation *time.Time
	CreatedBy      *string
}

func (s *cascadeService) loadOffre(ctx context.Context, offreID int) (*offreContext, error) {
	var o offreContext
	err := s.pool.QueryRow(ctx, `
		SELECT o.id, o.reference, o.entity_id, e.code, o.client_id, c.c_num,
		       o.montant, o.date_validation, o.created_by
		FROM offres o
		JOIN entities e ON e.id = o.entity_id
		JOIN clients c ON c.id = o.client_id
		WHERE o.id = $1
	`, offreID).Scan(&o.ID, &o.Reference, &o.EntityID, &o.EntityCode, &o.ClientID, &o.ClientCNum,
		&o.Montant, &o.DateValidation, &o.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("offre %d not found", offreID)
		}
		return nil, fmt.Errorf("failed to load offre %d: %w", offreID, err)
	}
	return &o, nil
}

func (s *cascadeService) OnOffreGagnee(ctx context.Context, offreID int, actor *string) ([]CascadeWarning, error) {
	offre, err := s.loadOffre(ctx, offreID)
	if err != nil {
		return nil, err
	}
	if offre.DateValidation == nil {
		return nil, &MissingPrerequisiteError{
			Reason: fmt.Sprintf("offre %s has no validation date", offre.Reference),
		}
	}

	var warnings []CascadeWarning

	if err := s.ensureProforma(ctx, offre, actor); err != nil {
		warnings = append(warnings, CascadeWarning{ParentRef: offre.Reference, ChildKind: KindProforma, Err: err})
	}
	if err := s.ensureAffaire(ctx, offre, actor); err != nil {
		warnings = append(warnings, CascadeWarning{ParentRef: offre.Reference, ChildKind: KindAffaire, Err: err})
	}
	return warnings, nil
}

func (s *cascadeService) ensureProforma(ctx context.Context, offre *offreContext, actor *string) error {
	var existing int
	err := s.pool.QueryRow(ctx, "SELECT id FROM proformas WHERE offre_id = $1", offre.ID).Scan(&existing)
	if err == nil {
		s.log.Debug().Str("offre", offre.Reference).Msg("proforma already exists, skipping")
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to check existing proforma: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	seq, err := NextSequenceTx(ctx, tx, SequenceScope{
		EntityCode: offre.EntityCode,
		DocType:    DocTypeProforma,
		ScopeKey:   MonthScope(now),
	})
	if err != nil {
		return err
	}

	var nClient int
	err = tx.QueryRow(ctx, "SELECT COUNT(*) + 1 FROM proformas WHERE client_id = $1", offre.ClientID).Scan(&nClient)
	if err != nil {
		return fmt.Errorf("failed to count client proformas: %w", err)
	}

	reference := FormatProformaReference(offre.EntityCode, offre.ClientCNum, now, offre.ID, nClient, seq)
	dates := StampStatusDate(nil, string(ProformaBrouillon), now)

	var id *int
	err = tx.QueryRow(ctx, `
		INSERT INTO proformas (offre_id, reference, sequence_number, entity_id, client_id, statut, dates_statuts, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (offre_id) DO NOTHING
		RETURNING id
	`, offre.ID, reference, seq, offre.EntityID, offre.ClientID, ProformaBrouillon, dates, actor).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race to a concurrent cascade; the child exists.
			return nil
		}
		return fmt.Errorf("failed to insert proforma: %w", err)
	}

	newStatut := string(ProformaBrouillon)
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindProforma,
		EntityID:   int64(*id),
		Action:     ActionCreate,
		Actor:      actor,
		NewStatut:  &newStatut,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit proforma creation: %w", err)
	}
	s.log.Info().Str("offre", offre.Reference).Str("reference", reference).Msg("proforma created")
	return nil
}

func (s *cascadeService) ensureAffaire(ctx context.Context, offre *offreContext, actor *string) error {
	var existing int
	err := s.pool.QueryRow(ctx, "SELECT id FROM affaires WHERE offre_id = $1", offre.ID).Scan(&existing)
	if err == nil {
		s.log.Debug().Str("offre", offre.Reference).Msg("affaire already exists, skipping")
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to check existing affaire: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	seq, err := NextSequenceTx(ctx, tx, SequenceScope{
		EntityCode: offre.EntityCode,
		DocType:    DocTypeAffaire,
		ScopeKey:   MonthScope(now),
	})
	if err != nil {
		return err
	}

	reference := FormatAffaireReference(now, offre.ClientID, offre.ID, seq)
	dates := StampStatusDate(nil, string(AffaireBrouillon), now)

	var id *int
	err = tx.QueryRow(ctx, `
		INSERT INTO affaires (offre_id, reference, sequence_number, entity_id, client_id,
			statut, date_debut, montant_total, dates_statuts, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (offre_id) DO NOTHING
		RETURNING id
	`, offre.ID, reference, seq, offre.EntityID, offre.ClientID,
		AffaireBrouillon, now, offre.Montant, dates, actor).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to insert affaire: %w", err)
	}

	newStatut := string(AffaireBrouillon)
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindAffaire,
		EntityID:   int64(*id),
		Action:     ActionCreate,
		Actor:      actor,
		NewStatut:  &newStatut,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit affaire creation: %w", err)
	}
	s.log.Info().Str("offre", offre.Reference).Str("reference", reference).Msg("affaire created")
	return nil
}

// ── Affaire validation cascade ───────────────────────────────────────────────

// affaireContext is the parent data every affaire-triggered child needs.
type affaireContext struct {
	ID                   int
	Reference            string
	OffreID              int
	EntityID             int
	EntityCode           string
	ClientID             int
	ClientCNum           string
	SequenceNumber       int64
	MontantTotal         decimal.Decimal
	DateDebut            time.Time
	DateFinPrevue        *time.Time
	ProduitPrincipalCode string
}

func (s *cascadeService) loadAffaire(ctx context.Context, affaireID int) (*affaireContext, error) {
	var a affaireContext
	err := s.pool.QueryRow(ctx, `
		SELECT a.id, a.reference, a.offre_id, a.entity_id, e.code, a.client_id, c.c_num,
		       a.sequence_number, a.montant_total, a.date_debut, a.date_fin_prevue, p.code
		FROM affaires a
		JOIN entities e ON e.id = a.entity_id
		JOIN clients c ON c.id = a.client_id
		JOIN offres o ON o.id = a.offre_id
		JOIN products p ON p.id = o.produit_principal_id
		WHERE a.id = $1
	`, affaireID).Scan(&a.ID, &a.Reference, &a.OffreID, &a.EntityID, &a.EntityCode, &a.ClientID,
		&a.ClientCNum, &a.SequenceNumber, &a.MontantTotal, &a.DateDebut, &a.DateFinPrevue,
		&a.ProduitPrincipalCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("affaire %d not found", affaireID)
		}
		return nil, fmt.Errorf("failed to load affaire %d: %w", affaireID, err)
	}
	return &a, nil
}

func (s *cascadeService) OnAffaireValidee(ctx context.Context, affaireID int, actor *string) ([]CascadeWarning, error) {
	affaire, err := s.loadAffaire(ctx, affaireID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.code, p.name, cat.code
		FROM offre_produits op
		JOIN products p ON p.id = op.produit_id
		JOIN categories cat ON cat.id = p.category_id
		WHERE op.offre_id = $1
		ORDER BY p.code
	`, affaire.OffreID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offre products: %w", err)
	}
	defer rows.Close()

	var produits []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.CategoryCode); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		produits = append(produits, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var warnings []CascadeWarning
	vus := make(map[int]bool, len(produits))
	for _, produit := range produits {
		if vus[produit.ID] {
			s.log.Warn().Str("affaire", affaire.Reference).Str("produit", produit.Code).Msg("duplicate product on offre, skipping")
			continue
		}
		vus[produit.ID] = true

		rapportID, err := s.ensureRapport(ctx, affaire, produit, actor)
		if err != nil {
			warnings = append(warnings, CascadeWarning{ParentRef: affaire.Reference, ChildKind: KindRapport, Err: err})
			continue
		}
		if produit.CategoryCode == CategorieFormation {
			if err := s.ensureFormation(ctx, affaire, produit, rapportID, actor); err != nil {
				warnings = append(warnings, CascadeWarning{ParentRef: affaire.Reference, ChildKind: KindFormation, Err: err})
			}
		}
	}

	if err := s.ensureFacture(ctx, affaire, actor); err != nil {
		warnings = append(warnings, CascadeWarning{ParentRef: affaire.Reference, ChildKind: KindFacture, Err: err})
	}
	return warnings, nil
}

func (s *cascadeService) ensureRapport(ctx context.Context, affaire *affaireContext, produit Product, actor *string) (int, error) {
	var existing int
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM rapports WHERE affaire_id = $1 AND produit_id = $2",
		affaire.ID, produit.ID,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to check existing rapport: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	seq, err := NextSequenceTx(ctx, tx, SequenceScope{
		EntityCode: affaire.EntityCode,
		DocType:    DocTypeRapport,
		ScopeKey:   MonthScope(now),
	})
	if err != nil {
		return 0, err
	}

	reference := FormatRapportReference(affaire.EntityCode, affaire.ClientCNum, affaire.Reference, produit.Code, seq)
	dates := StampStatusDate(nil, string(RapportBrouillon), now)

	var id *int
	err = tx.QueryRow(ctx, `
		INSERT INTO rapports (affaire_id, produit_id, reference, sequence_number, entity_id, client_id, statut, dates_statuts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (affaire_id, produit_id) DO NOTHING
		RETURNING id
	`, affaire.ID, produit.ID, reference, seq, affaire.EntityID, affaire.ClientID, RapportBrouillon, dates).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent cascade created it; fetch the winner.
			err = s.pool.QueryRow(ctx,
				"SELECT id FROM rapports WHERE affaire_id = $1 AND produit_id = $2",
				affaire.ID, produit.ID,
			).Scan(&existing)
			if err != nil {
				return 0, fmt.Errorf("failed to fetch concurrent rapport: %w", err)
			}
			return existing, nil
		}
		return 0, fmt.Errorf("failed to insert rapport: %w", err)
	}

	newStatut := string(RapportBrouillon)
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindRapport,
		EntityID:   int64(*id),
		Action:     ActionCreate,
		Actor:      actor,
		NewStatut:  &newStatut,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit rapport creation: %w", err)
	}
	s.log.Info().Str("affaire", affaire.Reference).Str("reference", reference).Msg("rapport created")
	return *id, nil
}

func (s *cascadeService) ensureFormation(ctx context.Context, affaire *affaireContext, produit Product, rapportID int, actor *string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id *int
	err = tx.QueryRow(ctx, `
		INSERT INTO formations (affaire_id, rapport_id, client_id, titre, date_debut, date_fin, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (affaire_id, rapport_id) DO NOTHING
		RETURNING id
	`, affaire.ID, rapportID, affaire.ClientID,
		fmt.Sprintf("Formation %s", produit.Name), affaire.DateDebut, affaire.DateFinPrevue,
		fmt.Sprintf("Formation %s pour le client %s", produit.Name, affaire.ClientCNum)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to insert formation: %w", err)
	}

	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindFormation,
		EntityID:   int64(*id),
		Action:     ActionCreate,
		Actor:      actor,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit formation creation: %w", err)
	}
	s.log.Info().Str("affaire", affaire.Reference).Int("formation", *id).Msg("formation created")
	return nil
}

// ensureFacture creates the affaire's single draft invoice, seeded with the
// affaire's own sequence number as in the legacy register.
func (s *cascadeService) ensureFacture(ctx context.Context, affaire *affaireContext, actor *string) error {
	var existing int
	err := s.pool.QueryRow(ctx, "SELECT id FROM factures WHERE affaire_id = $1", affaire.ID).Scan(&existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to check existing facture: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	reference := FormatFactureReference(affaire.EntityCode, affaire.ClientCNum, affaire.Reference,
		affaire.ProduitPrincipalCode, affaire.SequenceNumber)
	dates := StampStatusDate(nil, string(FactureBrouillon), now)

	var id *int
	err = tx.QueryRow(ctx, `
		INSERT INTO factures (affaire_id, reference, sequence_number, entity_id, client_id, statut, montant_ht, dates_statuts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (affaire_id) DO NOTHING
		RETURNING id
	`, affaire.ID, reference, affaire.SequenceNumber, affaire.EntityID, affaire.ClientID,
		FactureBrouillon, affaire.MontantTotal, dates).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to insert facture: %w", err)
	}

	newStatut := string(FactureBrouillon)
	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindFacture,
		EntityID:   int64(*id),
		Action:     ActionCreate,
		Actor:      actor,
		NewStatut:  &newStatut,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit facture creation: %w", err)
	}
	s.log.Info().Str("affaire", affaire.Reference).Str("reference", reference).Msg("facture created")
	return nil
}
