package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Relance delays in days per status. A status absent from its table gets no
// follow-up; terminal statuses clear any pending one.
var (
	delaisRelanceOpportunite = map[StatutOpportunite]int{
		OpportuniteProspect:      14,
		OpportuniteQualification: 10,
		OpportuniteProposition:   7,
		OpportuniteNegociation:   5,
	}

	delaisRelanceOffre = map[StatutOffre]int{
		OffreEnvoye: 7,
	}
)

// ProchaineRelanceOpportunite computes the next follow-up date for an
// opportunity. If a relance is already set, the delay extends it from that
// stored date, NOT from now: unrelated edits must not keep pushing an
// existing reminder forward. Only when no reminder exists yet does the clock
// start at now. Callers invoke this on status transitions only.
func ProchaineRelanceOpportunite(statut StatutOpportunite, existing *time.Time, now time.Time) *time.Time {
	if IsTerminalOpportunite(statut) {
		return nil
	}
	delai, ok := delaisRelanceOpportunite[statut]
	if !ok {
		return nil
	}
	base := now
	if existing != nil {
		base = *existing
	}
	next := base.Add(time.Duration(delai) * 24 * time.Hour)
	return &next
}

// ProchaineRelanceOffre is the offer counterpart of
// ProchaineRelanceOpportunite, with the same extend-from-existing policy.
func ProchaineRelanceOffre(statut StatutOffre, existing *time.Time, now time.Time) *time.Time {
	if IsTerminalOffre(statut) {
		return nil
	}
	delai, ok := delaisRelanceOffre[statut]
	if !ok {
		return nil
	}
	base := now
	if existing != nil {
		base = *existing
	}
	next := base.Add(time.Duration(delai) * 24 * time.Hour)
	return &next
}

// NecessiteRelance reports whether a follow-up is due now: a relance date is
// set, it is not in the future, and the status is non-terminal.
func NecessiteRelance(relance *time.Time, terminal bool, now time.Time) bool {
	return relance != nil && !relance.After(now) && !terminal
}

// RelanceDue is one item returned by ListDue, carrying what the notification
// event needs.
type RelanceDue struct {
	Kind      EntityKind
	EntityID  int64
	Reference string
	ClientNom string
	Statut    string
	Montant   decimal.Decimal
	Relance   time.Time
}

// RelanceService answers "which items need a follow-up". The core runs no
// scheduler loop; a cron-style caller polls ListDue.
type RelanceService interface {
	ListDue(ctx context.Context, asOf time.Time) ([]RelanceDue, error)
}

type relanceService struct {
	pool *pgxpool.Pool
}

func NewRelanceService(pool *pgxpool.Pool) RelanceService {
	return &relanceService{pool: pool}
}

// ListDue returns every non-terminal opportunity and offer whose relance date
// is at or before asOf, ordered by relance date ascending.
func (s *relanceService) ListDue(ctx context.Context, asOf time.Time) ([]RelanceDue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT 'OPPORTUNITE', o.id, o.reference, c.nom, o.statut, o.montant_estime, o.relance
		FROM opportunites o
		JOIN clients c ON c.id = o.client_id
		WHERE o.relance IS NOT NULL AND o.relance <= $1
		  AND o.statut NOT IN ('GAGNEE', 'PERDUE')
		UNION ALL
		SELECT 'OFFRE', f.id, f.reference, c.nom, f.statut, f.montant, f.relance
		FROM offres f
		JOIN clients c ON c.id = f.client_id
		WHERE f.relance IS NOT NULL AND f.relance <= $1
		  AND f.statut NOT IN ('GAGNE', 'PERDU')
		ORDER BY 7 ASC
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query due relances: %w", err)
	}
	defer rows.Close()

	var due []RelanceDue
	for rows.Next() {
		var d RelanceDue
		if err := rows.Scan(&d.Kind, &d.EntityID, &d.Reference, &d.ClientNom, &d.Statut, &d.Montant, &d.Relance); err != nil {
			return nil, fmt.Errorf("failed to scan due relance: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}
