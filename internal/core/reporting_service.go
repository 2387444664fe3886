package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ── Report types ──────────────────────────────────────────────────────────────

// StatutLine aggregates one pipeline status: how many documents sit in it and
// their combined value.
type StatutLine struct {
	Statut  string
	Nombre  int
	Montant decimal.Decimal
}

// PipelineReport is the commercial pipeline snapshot for one entity.
// MontantPondere weights each open opportunity by its conversion probability.
type PipelineReport struct {
	EntityCode       string
	Opportunites     []StatutLine
	Offres           []StatutLine
	MontantPondere   decimal.Decimal
	TauxConversion   float64 // won opportunities / closed opportunities
	RelancesEnRetard int     // open documents whose relance date has passed
}

// AffaireReport summarizes execution and collection for one entity.
type AffaireReport struct {
	EntityCode         string
	Affaires           []StatutLine
	MontantTotal       decimal.Decimal
	MontantFacture     decimal.Decimal
	MontantPaye        decimal.Decimal
	ProgressionMoyenne float64 // mean progression of non-terminal affaires
	RapportsEnAttente  int     // rapports not yet VALIDE or TERMINE
	FacturesNonSoldees int     // factures neither PAYEE nor ANNULEE
}

// ── Interface ─────────────────────────────────────────────────────────────────

// ReportingService provides read-only aggregate queries over the pipeline.
type ReportingService interface {
	// GetPipeline returns the opportunity and offer funnel for an entity:
	// counts and amounts per status, probability-weighted open value and the
	// historical conversion rate.
	GetPipeline(ctx context.Context, entityCode string) (*PipelineReport, error)

	// GetAffaires returns the execution snapshot for an entity: counts and
	// amounts per affaire status plus invoicing and payment totals.
	GetAffaires(ctx context.Context, entityCode string) (*AffaireReport, error)
}

// ── Implementation ────────────────────────────────────────────────────────────

type reportingService struct {
	pool *pgxpool.Pool
}

func NewReportingService(pool *pgxpool.Pool) ReportingService {
	return &reportingService{pool: pool}
}

func (s *reportingService) resolveEntityID(ctx context.Context, entityCode string) (int, error) {
	var id int
	if err := s.pool.QueryRow(ctx,
		"SELECT id FROM entities WHERE code = $1", entityCode,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("entity %s not found", entityCode)
	}
	return id, nil
}

func (s *reportingService) statutLines(ctx context.Context, query string, entityID int) ([]StatutLine, error) {
	rows, err := s.pool.Query(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status breakdown: %w", err)
	}
	defer rows.Close()

	var lines []StatutLine
	for rows.Next() {
		var l StatutLine
		if err := rows.Scan(&l.Statut, &l.Nombre, &l.Montant); err != nil {
			return nil, fmt.Errorf("failed to scan status line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *reportingService) GetPipeline(ctx context.Context, entityCode string) (*PipelineReport, error) {
	entityID, err := s.resolveEntityID(ctx, entityCode)
	if err != nil {
		return nil, err
	}

	report := &PipelineReport{EntityCode: entityCode}

	report.Opportunites, err = s.statutLines(ctx, `
		SELECT statut, COUNT(*), COALESCE(SUM(montant_estime), 0)
		FROM opportunites WHERE entity_id = $1
		GROUP BY statut ORDER BY statut
	`, entityID)
	if err != nil {
		return nil, err
	}

	report.Offres, err = s.statutLines(ctx, `
		SELECT statut, COUNT(*), COALESCE(SUM(montant), 0)
		FROM offres WHERE entity_id = $1
		GROUP BY statut ORDER BY statut
	`, entityID)
	if err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(montant_estime * probabilite / 100.0), 0)
		FROM opportunites
		WHERE entity_id = $1 AND statut NOT IN ('GAGNEE', 'PERDUE')
	`, entityID).Scan(&report.MontantPondere)
	if err != nil {
		return nil, fmt.Errorf("failed to compute weighted pipeline: %w", err)
	}

	var gagnees, cloturees int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE statut = 'GAGNEE'),
		       COUNT(*) FILTER (WHERE statut IN ('GAGNEE', 'PERDUE'))
		FROM opportunites WHERE entity_id = $1
	`, entityID).Scan(&gagnees, &cloturees)
	if err != nil {
		return nil, fmt.Errorf("failed to compute conversion rate: %w", err)
	}
	if cloturees > 0 {
		report.TauxConversion = float64(gagnees) / float64(cloturees)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM opportunites WHERE entity_id = $1 AND relance IS NOT NULL AND relance <= NOW())
		     + (SELECT COUNT(*) FROM offres       WHERE entity_id = $1 AND relance IS NOT NULL AND relance <= NOW())
	`, entityID).Scan(&report.RelancesEnRetard)
	if err != nil {
		return nil, fmt.Errorf("failed to count overdue relances: %w", err)
	}

	return report, nil
}

func (s *reportingService) GetAffaires(ctx context.Context, entityCode string) (*AffaireReport, error) {
	entityID, err := s.resolveEntityID(ctx, entityCode)
	if err != nil {
		return nil, err
	}

	report := &AffaireReport{EntityCode: entityCode}

	report.Affaires, err = s.statutLines(ctx, `
		SELECT statut, COUNT(*), COALESCE(SUM(montant_total), 0)
		FROM affaires WHERE entity_id = $1
		GROUP BY statut ORDER BY statut
	`, entityID)
	if err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(montant_total), 0), COALESCE(SUM(montant_facture), 0),
		       COALESCE(SUM(montant_paye), 0),
		       COALESCE(AVG(progression) FILTER (WHERE statut NOT IN ('TERMINEE', 'ANNULEE')), 0)
		FROM affaires WHERE entity_id = $1
	`, entityID).Scan(&report.MontantTotal, &report.MontantFacture, &report.MontantPaye, &report.ProgressionMoyenne)
	if err != nil {
		return nil, fmt.Errorf("failed to compute affaire totals: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM rapports
		WHERE entity_id = $1 AND statut NOT IN ('VALIDE', 'TERMINE')
	`, entityID).Scan(&report.RapportsEnAttente)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending rapports: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM factures
		WHERE entity_id = $1 AND statut NOT IN ('PAYEE', 'ANNULEE')
	`, entityID).Scan(&report.FacturesNonSoldees)
	if err != nil {
		return nil, fmt.Errorf("failed to count open factures: %w", err)
	}

	return report, nil
}
