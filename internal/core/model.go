package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityKind identifies which table an audit row or notification refers to.
// Explicit kind + id replaces the polymorphic foreign key of earlier designs.
type EntityKind string

const (
	KindOpportunite EntityKind = "OPPORTUNITE"
	KindOffre       EntityKind = "OFFRE"
	KindProforma    EntityKind = "PROFORMA"
	KindAffaire     EntityKind = "AFFAIRE"
	KindRapport     EntityKind = "RAPPORT"
	KindFormation   EntityKind = "FORMATION"
	KindFacture     EntityKind = "FACTURE"
	KindAttestation EntityKind = "ATTESTATION"
	KindCourrier    EntityKind = "COURRIER"
)

// Document type codes embedded in references.
const (
	DocTypeOpportunite = "OPP"
	DocTypeOffre       = "OFF"
	DocTypeProforma    = "PRO"
	DocTypeAffaire     = "AFF"
	DocTypeRapport     = "RAP"
	DocTypeFacture     = "FAC"
	DocTypeAttestation = "ATT"
)

// CategorieFormation is the category code marking training products. A
// rapport for a product in this category additionally spawns a formation.
const CategorieFormation = "FOR"

type StatutOpportunite string

const (
	OpportuniteProspect      StatutOpportunite = "PROSPECT"
	OpportuniteQualification StatutOpportunite = "QUALIFICATION"
	OpportuniteProposition   StatutOpportunite = "PROPOSITION"
	OpportuniteNegociation   StatutOpportunite = "NEGOCIATION"
	OpportuniteGagnee        StatutOpportunite = "GAGNEE"
	OpportunitePerdue        StatutOpportunite = "PERDUE"
)

type StatutOffre string

const (
	OffreBrouillon StatutOffre = "BROUILLON"
	OffreEnvoye    StatutOffre = "ENVOYE"
	OffreGagne     StatutOffre = "GAGNE"
	OffrePerdu     StatutOffre = "PERDU"
)

type StatutProforma string

const (
	ProformaBrouillon StatutProforma = "BROUILLON"
	ProformaEnvoye    StatutProforma = "ENVOYE"
	ProformaValide    StatutProforma = "VALIDE"
	ProformaRefuse    StatutProforma = "REFUSE"
)

type StatutAffaire string

const (
	AffaireBrouillon StatutAffaire = "BROUILLON"
	AffaireValide    StatutAffaire = "VALIDE"
	AffaireEnCours   StatutAffaire = "EN_COURS"
	AffaireEnPause   StatutAffaire = "EN_PAUSE"
	AffaireTerminee  StatutAffaire = "TERMINEE"
	AffaireAnnulee   StatutAffaire = "ANNULEE"
)

type StatutRapport string

const (
	RapportBrouillon StatutRapport = "BROUILLON"
	RapportEnCours   StatutRapport = "EN_COURS"
	RapportValide    StatutRapport = "VALIDE"
	RapportTermine   StatutRapport = "TERMINE"
)

type StatutFacture string

const (
	FactureBrouillon StatutFacture = "BROUILLON"
	FactureEnvoye    StatutFacture = "ENVOYE"
	FacturePayee     StatutFacture = "PAYEE"
	FactureAnnulee   StatutFacture = "ANNULEE"
)

// ProbabiliteParStatut maps an opportunity status to its conversion
// probability in percent. Recomputed on every transition so the persisted row
// is always consistent with its status.
var ProbabiliteParStatut = map[StatutOpportunite]int{
	OpportuniteProspect:      10,
	OpportuniteQualification: 30,
	OpportuniteProposition:   50,
	OpportuniteNegociation:   75,
	OpportuniteGagnee:        100,
	OpportunitePerdue:        0,
}

// StatusDates maps a status code to the instant it was first reached.
// Entries only ever accumulate; see StampStatusDate.
type StatusDates map[string]time.Time

type Entity struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type Category struct {
	ID       int    `json:"id"`
	EntityID int    `json:"entity_id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
}

type Product struct {
	ID           int    `json:"id"`
	CategoryID   int    `json:"category_id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	CategoryCode string `json:"category_code,omitempty"`
}

type Client struct {
	ID        int       `json:"id"`
	Nom       string    `json:"nom"`
	CNum      string    `json:"c_num"`
	Email     *string   `json:"email,omitempty"`
	Telephone *string   `json:"telephone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Contact struct {
	ID       int     `json:"id"`
	ClientID int     `json:"client_id"`
	Nom      string  `json:"nom"`
	Email    *string `json:"email,omitempty"`
	Fonction *string `json:"fonction,omitempty"`
}

type Opportunite struct {
	ID                 int               `json:"id"`
	Reference          string            `json:"reference"`
	SequenceNumber     int64             `json:"sequence_number"`
	EntityID           int               `json:"entity_id"`
	ClientID           int               `json:"client_id"`
	ContactID          *int              `json:"contact_id,omitempty"`
	ProduitPrincipalID int               `json:"produit_principal_id"`
	Statut             StatutOpportunite `json:"statut"`
	MontantEstime      decimal.Decimal   `json:"montant_estime"`
	Probabilite        int               `json:"probabilite"`
	Description        string            `json:"description"`
	BesoinsClient      string            `json:"besoins_client"`
	Relance            *time.Time        `json:"relance,omitempty"`
	DateCloture        *time.Time        `json:"date_cloture,omitempty"`
	DatesStatuts       StatusDates       `json:"dates_statuts"`
	CreatedBy          *string           `json:"created_by,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type Offre struct {
	ID                 int             `json:"id"`
	Reference          string          `json:"reference"`
	SequenceNumber     int64           `json:"sequence_number"`
	EntityID           int             `json:"entity_id"`
	ClientID           int             `json:"client_id"`
	ContactID          *int            `json:"contact_id,omitempty"`
	ProduitPrincipalID int             `json:"produit_principal_id"`
	Statut             StatutOffre     `json:"statut"`
	Montant            decimal.Decimal `json:"montant"`
	DateValidation     *time.Time      `json:"date_validation,omitempty"`
	Relance            *time.Time      `json:"relance,omitempty"`
	Notes              string          `json:"notes"`
	DatesStatuts       StatusDates     `json:"dates_statuts"`
	CreatedBy          *string         `json:"created_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// OffreProduit is one product line on an offer with its negotiated price.
type OffreProduit struct {
	OffreID      int             `json:"offre_id"`
	ProduitID    int             `json:"produit_id"`
	PrixUnitaire decimal.Decimal `json:"prix_unitaire"`
}

type Proforma struct {
	ID             int            `json:"id"`
	OffreID        int            `json:"offre_id"`
	Reference      string         `json:"reference"`
	SequenceNumber int64          `json:"sequence_number"`
	EntityID       int            `json:"entity_id"`
	ClientID       int            `json:"client_id"`
	Statut         StatutProforma `json:"statut"`
	DateValidation *time.Time     `json:"date_validation,omitempty"`
	DatesStatuts   StatusDates    `json:"dates_statuts"`
	CreatedBy      *string        `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type Affaire struct {
	ID             int             `json:"id"`
	OffreID        int             `json:"offre_id"`
	Reference      string          `json:"reference"`
	SequenceNumber int64           `json:"sequence_number"`
	EntityID       int             `json:"entity_id"`
	ClientID       int             `json:"client_id"`
	Statut         StatutAffaire   `json:"statut"`
	DateDebut      time.Time       `json:"date_debut"`
	DateFinPrevue  *time.Time      `json:"date_fin_prevue,omitempty"`
	DateFinReelle  *time.Time      `json:"date_fin_reelle,omitempty"`
	MontantTotal   decimal.Decimal `json:"montant_total"`
	MontantFacture decimal.Decimal `json:"montant_facture"`
	MontantPaye    decimal.Decimal `json:"montant_paye"`
	Progression    int             `json:"progression"`
	Notes          string          `json:"notes"`
	DatesStatuts   StatusDates     `json:"dates_statuts"`
	CreatedBy      *string         `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MontantRestantAFacturer is the portion of the affaire not yet invoiced.
func (a *Affaire) MontantRestantAFacturer() decimal.Decimal {
	return a.MontantTotal.Sub(a.MontantFacture)
}

// MontantRestantAPayer is the invoiced portion not yet paid.
func (a *Affaire) MontantRestantAPayer() decimal.Decimal {
	return a.MontantFacture.Sub(a.MontantPaye)
}

type Rapport struct {
	ID             int           `json:"id"`
	AffaireID      int           `json:"affaire_id"`
	ProduitID      int           `json:"produit_id"`
	Reference      string        `json:"reference"`
	SequenceNumber int64         `json:"sequence_number"`
	EntityID       int           `json:"entity_id"`
	ClientID       int           `json:"client_id"`
	Statut         StatutRapport `json:"statut"`
	DatesStatuts   StatusDates   `json:"dates_statuts"`
	CreatedAt      time.Time     `json:"created_at"`
}

type Formation struct {
	ID          int        `json:"id"`
	AffaireID   int        `json:"affaire_id"`
	RapportID   int        `json:"rapport_id"`
	ClientID    int        `json:"client_id"`
	Titre       string     `json:"titre"`
	DateDebut   *time.Time `json:"date_debut,omitempty"`
	DateFin     *time.Time `json:"date_fin,omitempty"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Participant struct {
	ID          int     `json:"id"`
	FormationID int     `json:"formation_id"`
	Nom         string  `json:"nom"`
	Prenom      string  `json:"prenom"`
	Email       *string `json:"email,omitempty"`
	Telephone   *string `json:"telephone,omitempty"`
	Fonction    *string `json:"fonction,omitempty"`
}

type AttestationFormation struct {
	ID             int       `json:"id"`
	FormationID    int       `json:"formation_id"`
	ParticipantID  int       `json:"participant_id"`
	RapportID      int       `json:"rapport_id"`
	AffaireID      int       `json:"affaire_id"`
	Reference      string    `json:"reference"`
	SequenceNumber int64     `json:"sequence_number"`
	EntityID       int       `json:"entity_id"`
	ClientID       int       `json:"client_id"`
	Details        string    `json:"details"`
	CreatedAt      time.Time `json:"created_at"`
}

type Facture struct {
	ID             int             `json:"id"`
	AffaireID      int             `json:"affaire_id"`
	Reference      string          `json:"reference"`
	SequenceNumber int64           `json:"sequence_number"`
	EntityID       int             `json:"entity_id"`
	ClientID       int             `json:"client_id"`
	Statut         StatutFacture   `json:"statut"`
	MontantHT      decimal.Decimal `json:"montant_ht"`
	DateEcheance   *time.Time      `json:"date_echeance,omitempty"`
	DatePaiement   *time.Time      `json:"date_paiement,omitempty"`
	DatesStatuts   StatusDates     `json:"dates_statuts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Courrier struct {
	ID        int       `json:"id"`
	Reference string    `json:"reference"`
	EntityID  int       `json:"entity_id"`
	ClientID  int       `json:"client_id"`
	DocType   string    `json:"doc_type"`
	Notes     string    `json:"notes"`
	CreatedBy *string   `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID         int64          `json:"id"`
	EntityKind EntityKind     `json:"entity_kind"`
	EntityID   int64          `json:"entity_id"`
	Action     string         `json:"action"`
	Actor      *string        `json:"actor,omitempty"`
	OldStatut  *string        `json:"old_statut,omitempty"`
	NewStatut  *string        `json:"new_statut,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
