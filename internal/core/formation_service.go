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

// FormationService manages training sessions spawned by the affaire cascade:
// participant enrollment and certificate generation. Certificates are
// idempotent per (formation, participant); regenerating for a session only
// fills the gaps.
type FormationService interface {
	AddParticipant(ctx context.Context, in AddParticipantInput) (*Participant, error)
	// GenererAttestations creates one attestation per enrolled participant
	// that does not already hold one, and returns every attestation of the
	// formation, pre-existing included.
	GenererAttestations(ctx context.Context, formationID int, actor *string) ([]AttestationFormation, error)
	Get(ctx context.Context, id int) (*Formation, error)
	ListParticipants(ctx context.Context, formationID int) ([]Participant, error)
}

type AddParticipantInput struct {
	FormationID int
	Nom         string
	Prenom      string
	Email       *string
	Telephone   *string
	Fonction    *string
}

type formationService struct {
	pool  *pgxpool.Pool
	audit AuditService
	log   zerolog.Logger
}

func NewFormationService(pool *pgxpool.Pool, audit AuditService, log zerolog.Logger) FormationService {
	return &formationService{
		pool:  pool,
		audit: audit,
		log:   log.With().Str("service", "formations").Logger(),
	}
}

func (s *formationService) AddParticipant(ctx context.Context, in AddParticipantInput) (*Participant, error) {
	if in.Nom == "" || in.Prenom == "" {
		return nil, fmt.Errorf("participant nom and prenom are required")
	}

	var p Participant
	err := s.pool.QueryRow(ctx, `
		INSERT INTO participants (formation_id, nom, prenom, email, telephone, fonction)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, formation_id, nom, prenom, email, telephone, fonction
	`, in.FormationID, in.Nom, in.Prenom, in.Email, in.Telephone, in.Fonction,
	).Scan(&p.ID, &p.FormationID, &p.Nom, &p.Prenom, &p.Email, &p.Telephone, &p.Fonction)
	if err != nil {
		return nil, fmt.Errorf("failed to add participant: %w", err)
	}
	return &p, nil
}

// formationContext carries the parent chain needed to number an attestation.
type formationContext struct {
	ID         int
	AffaireID  int
	RapportID  int
	ClientID   int
	ClientCNum string
	EntityID   int
	EntityCode string
	AffaireRef string
}

func (s *formationService) GenererAttestations(ctx context.Context, formationID int, actor *string) ([]AttestationFormation, error) {
	var fc formationContext
	err := s.pool.QueryRow(ctx, `
		SELECT f.id, f.affaire_id, f.rapport_id, f.client_id, c.c_num, a.entity_id, e.code, a.reference
		FROM formations f
		JOIN affaires a ON a.id = f.affaire_id
		JOIN entities e ON e.id = a.entity_id
		JOIN clients c ON c.id = f.client_id
		WHERE f.id = $1
	`, formationID).Scan(&fc.ID, &fc.AffaireID, &fc.RapportID, &fc.ClientID, &fc.ClientCNum,
		&fc.EntityID, &fc.EntityCode, &fc.AffaireRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("formation %d not found", formationID)
		}
		return nil, fmt.Errorf("failed to load formation %d: %w", formationID, err)
	}

	participants, err := s.ListParticipants(ctx, formationID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, &MissingPrerequisiteError{
			Reason: fmt.Sprintf("formation %d has no participants", formationID),
		}
	}

	for _, p := range participants {
		if err := s.ensureAttestation(ctx, &fc, p, actor); err != nil {
			return nil, err
		}
	}
	return s.listAttestations(ctx, formationID)
}

func (s *formationService) ensureAttestation(ctx context.Context, fc *formationContext, p Participant, actor *string) error {
	var existing int
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM attestations WHERE formation_id = $1 AND participant_id = $2",
		fc.ID, p.ID,
	).Scan(&existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to check existing attestation: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	seq, err := NextSequenceTx(ctx, tx, SequenceScope{
		EntityCode: fc.EntityCode,
		DocType:    DocTypeAttestation,
		ScopeKey:   MonthScope(now),
	})
	if err != nil {
		return err
	}

	reference := FormatAttestationReference(fc.EntityCode, fc.ClientCNum, now, fc.AffaireRef, fc.ID, p.ID, seq)
	details := fmt.Sprintf("Attestation de formation pour %s %s", p.Prenom, p.Nom)

	var id *int
	err = tx.QueryRow(ctx, `
		INSERT INTO attestations (formation_id, participant_id, rapport_id, affaire_id,
			reference, sequence_number, entity_id, client_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (formation_id, participant_id) DO NOTHING
		RETURNING id
	`, fc.ID, p.ID, fc.RapportID, fc.AffaireID, reference, seq, fc.EntityID, fc.ClientID, details).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to insert attestation: %w", err)
	}

	if err := s.audit.RecordTx(ctx, tx, AuditEntry{
		EntityKind: KindAttestation,
		EntityID:   int64(*id),
		Action:     ActionCreate,
		Actor:      actor,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit attestation creation: %w", err)
	}
	s.log.Info().Int("formation", fc.ID).Str("reference", reference).Msg("attestation created")
	return nil
}

func (s *formationService) Get(ctx context.Context, id int) (*Formation, error) {
	var f Formation
	err := s.pool.QueryRow(ctx, `
		SELECT id, affaire_id, rapport_id, client_id, titre, date_debut, date_fin, description, created_at
		FROM formations WHERE id = $1
	`, id).Scan(&f.ID, &f.AffaireID, &f.RapportID, &f.ClientID, &f.Titre, &f.DateDebut, &f.DateFin,
		&f.Description, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("formation %d not found", id)
		}
		return nil, fmt.Errorf("failed to fetch formation %d: %w", id, err)
	}
	return &f, nil
}

func (s *formationService) ListParticipants(ctx context.Context, formationID int) ([]Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, formation_id, nom, prenom, email, telephone, fonction
		FROM participants WHERE formation_id = $1 ORDER BY nom, prenom
	`, formationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.FormationID, &p.Nom, &p.Prenom, &p.Email, &p.Telephone, &p.Fonction); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *formationService) listAttestations(ctx context.Context, formationID int) ([]AttestationFormation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, formation_id, participant_id, rapport_id, affaire_id, reference,
		       sequence_number, entity_id, client_id, details, created_at
		FROM attestations WHERE formation_id = $1 ORDER BY id
	`, formationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attestations: %w", err)
	}
	defer rows.Close()

	var attestations []AttestationFormation
	for rows.Next() {
		var a AttestationFormation
		if err := rows.Scan(&a.ID, &a.FormationID, &a.ParticipantID, &a.RapportID, &a.AffaireID,
			&a.Reference, &a.SequenceNumber, &a.EntityID, &a.ClientID, &a.Details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attestation: %w", err)
		}
		attestations = append(attestations, a)
	}
	return attestations, rows.Err()
}
