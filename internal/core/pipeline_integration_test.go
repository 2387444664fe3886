package core_test

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gestion-affaires/internal/core"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live app database.
	// Set TEST_DATABASE_URL in your .env or environment to run integration tests.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE audit_logs, courriers, attestations, participants, formations,
			rapports, factures, affaires, proformas, offre_produits, offres,
			opportunite_produits, opportunites, reference_sequences, contacts,
			clients, products, categories, entities RESTART IDENTITY CASCADE;

		INSERT INTO entities (code, name) VALUES ('KIP', 'Kipro Services');

		INSERT INTO categories (entity_id, code, name) VALUES
		(1, 'CON', 'Conseil'),
		(1, 'FOR', 'Formation');

		INSERT INTO products (category_id, code, name) VALUES
		(1, 'VTE001', 'Audit technique'),
		(1, 'VTE002', 'Inspection'),
		(2, 'EC101', 'Formation HSE');

		INSERT INTO clients (nom, c_num) VALUES
		('Acme Industrie', 'C001'),
		('Globex SARL', 'C002');
	`)
	if err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}

	return pool
}

func testServices(pool *pgxpool.Pool) (core.OpportuniteService, core.OffreService, core.AffaireService, core.RapportService, core.FormationService) {
	log := zerolog.Nop()
	audit := core.NewAuditService(pool)
	cascade := core.NewCascadeService(pool, audit, log)
	offres := core.NewOffreService(pool, audit, cascade, log)
	opportunites := core.NewOpportuniteService(pool, audit, offres, log)
	affaires := core.NewAffaireService(pool, audit, cascade, log)
	rapports := core.NewRapportService(pool, audit, log)
	formations := core.NewFormationService(pool, audit, log)
	return opportunites, offres, affaires, rapports, formations
}

func strPtr(s string) *string { return &s }

// ── Allocation ────────────────────────────────────────────────────────────────

func TestNextSequence_ConcurrentAllocationsAreDistinct(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	const n = 20
	scope := core.SequenceScope{EntityCode: "KIP", DocType: "OFF", ScopeKey: "C1"}

	results := make(chan int64, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := pool.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback(ctx)

			seq, err := core.NextSequenceTx(ctx, tx, scope)
			if err != nil {
				errs <- err
				return
			}
			if err := tx.Commit(ctx); err != nil {
				errs <- err
				return
			}
			results <- seq
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("allocation failed: %v", err)
	}

	var got []int64
	for seq := range results {
		got = append(got, seq)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	if len(got) != n {
		t.Fatalf("expected %d allocations, got %d", n, len(got))
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Fatalf("expected gap-free sequence 1..%d, got %v", n, got)
		}
	}
}

func TestNextSequence_ScopesAreIndependent(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	for _, scopeKey := range []string{"C1", "C2"} {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatal(err)
		}
		seq, err := core.NextSequenceTx(ctx, tx, core.SequenceScope{EntityCode: "KIP", DocType: "OPP", ScopeKey: scopeKey})
		if err != nil {
			t.Fatalf("allocation in scope %s failed: %v", scopeKey, err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatal(err)
		}
		if seq != 1 {
			t.Errorf("scope %s: expected first allocation to be 1, got %d", scopeKey, seq)
		}
	}
}

// ── Opportunites ──────────────────────────────────────────────────────────────

func TestOpportunite_CreateSetsReferenceAndRelance(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	opportunites, _, _, _, _ := testServices(pool)
	ctx := context.Background()

	opp, err := opportunites.Create(ctx, core.CreateOpportuniteInput{
		EntityID:           1,
		ClientID:           1,
		ProduitPrincipalID: 1,
		ProduitIDs:         []int{1},
		MontantEstime:      decimal.NewFromInt(10000),
		Description:        "Audit annuel",
		Actor:              strPtr("commercial1"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if opp.Statut != core.OpportuniteProspect {
		t.Errorf("expected PROSPECT, got %s", opp.Statut)
	}
	if opp.Probabilite != 10 {
		t.Errorf("expected probabilite 10, got %d", opp.Probabilite)
	}
	if opp.SequenceNumber != 1 {
		t.Errorf("expected sequence 1, got %d", opp.SequenceNumber)
	}
	if opp.Relance == nil {
		t.Fatal("expected a relance date on creation")
	}
	wantRelance := time.Now().UTC().Add(14 * 24 * time.Hour)
	if diff := opp.Relance.Sub(wantRelance); diff < -time.Minute || diff > time.Minute {
		t.Errorf("relance %v not ~14 days out", opp.Relance)
	}
	if _, ok := opp.DatesStatuts[string(core.OpportuniteProspect)]; !ok {
		t.Error("expected PROSPECT stamped in dates_statuts")
	}
}

func TestOpportunite_PerdreClearsRelanceAndSetsCloture(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	opportunites, _, _, _, _ := testServices(pool)
	ctx := context.Background()

	opp, err := opportunites.Create(ctx, core.CreateOpportuniteInput{
		EntityID: 1, ClientID: 1, ProduitPrincipalID: 1, ProduitIDs: []int{1},
		MontantEstime: decimal.NewFromInt(5000),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	opp, err = opportunites.Perdre(ctx, opp.ID, strPtr("commercial1"), "budget gele")
	if err != nil {
		t.Fatalf("Perdre failed: %v", err)
	}

	if opp.Statut != core.OpportunitePerdue {
		t.Errorf("expected PERDUE, got %s", opp.Statut)
	}
	if opp.Relance != nil {
		t.Errorf("expected relance cleared, got %v", opp.Relance)
	}
	if opp.DateCloture == nil {
		t.Error("expected date_cloture set")
	}
	if opp.Probabilite != 0 {
		t.Errorf("expected probabilite 0, got %d", opp.Probabilite)
	}
	if core.NecessiteRelance(opp.Relance, true, time.Now().UTC()) {
		t.Error("a lost opportunity must never need a relance")
	}
}

func TestOpportunite_InvalidTransitionLeavesRowUnchanged(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	opportunites, _, _, _, _ := testServices(pool)
	ctx := context.Background()

	opp, err := opportunites.Create(ctx, core.CreateOpportuniteInput{
		EntityID: 1, ClientID: 1, ProduitPrincipalID: 1, ProduitIDs: []int{1},
		MontantEstime: decimal.NewFromInt(5000),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// PROSPECT cannot jump straight to NEGOCIATION.
	_, err = opportunites.Negocier(ctx, opp.ID, nil)
	var invalid *core.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.Current != string(core.OpportuniteProspect) || invalid.Attempted != string(core.OpportuniteNegociation) {
		t.Errorf("error carries %s -> %s, want PROSPECT -> NEGOCIATION", invalid.Current, invalid.Attempted)
	}

	after, err := opportunites.Get(ctx, opp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Statut != core.OpportuniteProspect {
		t.Errorf("status changed to %s after rejected transition", after.Statut)
	}
	if after.Relance == nil || !after.Relance.Equal(*opp.Relance) {
		t.Error("relance changed after rejected transition")
	}
}

func TestOpportunite_CreerOffreRequiresQualification(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	opportunites, _, _, _, _ := testServices(pool)
	ctx := context.Background()

	opp, err := opportunites.Create(ctx, core.CreateOpportuniteInput{
		EntityID: 1, ClientID: 1, ProduitPrincipalID: 1, ProduitIDs: []int{1},
		MontantEstime: decimal.NewFromInt(5000),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = opportunites.CreerOffre(ctx, opp.ID, nil)
	var missing *core.MissingPrerequisiteError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingPrerequisiteError for a PROSPECT opportunity, got %v", err)
	}

	if _, err := opportunites.Qualifier(ctx, opp.ID, nil); err != nil {
		t.Fatalf("Qualifier failed: %v", err)
	}
	offre, err := opportunites.CreerOffre(ctx, opp.ID, strPtr("commercial1"))
	if err != nil {
		t.Fatalf("CreerOffre failed: %v", err)
	}
	if offre.Statut != core.OffreBrouillon {
		t.Errorf("expected new offre in BROUILLON, got %s", offre.Statut)
	}
	if offre.ClientID != opp.ClientID || offre.ProduitPrincipalID != opp.ProduitPrincipalID {
		t.Error("offre did not inherit the opportunity's client and product")
	}
}

func TestOpportunite_ListFiltersByClientAndStatut(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	opportunites, _, _, _, _ := testServices(pool)
	ctx := context.Background()

	for _, clientID := range []int{1, 1, 2} {
		if _, err := opportunites.Create(ctx, core.CreateOpportuniteInput{
			EntityID: 1, ClientID: clientID, ProduitPrincipalID: 1, ProduitIDs: []int{1},
			MontantEstime: decimal.NewFromInt(1000),
		}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := opportunites.List(ctx, 1, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 opportunites for client 1, got %d", len(all))
	}

	if _, err := opportunites.Qualifier(ctx, all[0].ID, nil); err != nil {
		t.Fatal(err)
	}
	statut := core.OpportuniteQualification
	qualified, err := opportunites.List(ctx, 1, &statut)
	if err != nil {
		t.Fatalf("List with statut failed: %v", err)
	}
	if len(qualified) != 1 || qualified[0].Statut != core.OpportuniteQualification {
		t.Fatalf("expected 1 QUALIFICATION opportunite, got %d", len(qualified))
	}
}

// ── Cascade ───────────────────────────────────────────────────────────────────

func createSentOffre(t *testing.T, ctx context.Context, offres core.OffreService, produits []int) *core.Offre {
	t.Helper()

	inputs := make([]core.OffreProduitInput, len(produits))
	for i, pid := range produits {
		inputs[i] = core.OffreProduitInput{ProduitID: pid, PrixUnitaire: decimal.NewFromInt(1000)}
	}
	offre, err := offres.Create(ctx, core.CreateOffreInput{
		EntityID:           1,
		ClientID:           1,
		ProduitPrincipalID: produits[0],
		Produits:           inputs,
		Montant:            decimal.NewFromInt(int64(1000 * len(produits))),
		Actor:              strPtr("commercial1"),
	})
	if err != nil {
		t.Fatalf("offre Create failed: %v", err)
	}
	if _, err := offres.Envoyer(ctx, offre.ID, nil); err != nil {
		t.Fatalf("Envoyer failed: %v", err)
	}
	return offre
}

func TestOffre_GagnerCreatesProformaAndAffaireOnce(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, offres, _, _, _ := testServices(pool)
	ctx := context.Background()

	offre := createSentOffre(t, ctx, offres, []int{1})

	won, warnings, err := offres.Gagner(ctx, offre.ID, strPtr("commercial1"))
	if err != nil {
		t.Fatalf("Gagner failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected cascade warnings: %v", warnings)
	}
	if won.Statut != core.OffreGagne {
		t.Errorf("expected GAGNE, got %s", won.Statut)
	}
	if won.DateValidation == nil {
		t.Error("expected date_validation set on win")
	}

	var proformas, affaires int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM proformas WHERE offre_id = $1", offre.ID).Scan(&proformas); err != nil {
		t.Fatal(err)
	}
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM affaires WHERE offre_id = $1", offre.ID).Scan(&affaires); err != nil {
		t.Fatal(err)
	}
	if proformas != 1 || affaires != 1 {
		t.Fatalf("expected exactly 1 proforma and 1 affaire, got %d and %d", proformas, affaires)
	}

	// Re-firing the cascade must not duplicate children.
	audit := core.NewAuditService(pool)
	cascade := core.NewCascadeService(pool, audit, zerolog.Nop())
	if _, err := cascade.OnOffreGagnee(ctx, offre.ID, nil); err != nil {
		t.Fatalf("cascade re-fire failed: %v", err)
	}
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM proformas WHERE offre_id = $1", offre.ID).Scan(&proformas); err != nil {
		t.Fatal(err)
	}
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM affaires WHERE offre_id = $1", offre.ID).Scan(&affaires); err != nil {
		t.Fatal(err)
	}
	if proformas != 1 || affaires != 1 {
		t.Fatalf("cascade re-fire duplicated children: %d proformas, %d affaires", proformas, affaires)
	}
}

func TestAffaire_ValiderSpawnsRapportsFormationFacture(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, offres, affaires, _, _ := testServices(pool)
	ctx := context.Background()

	// Products 1 and 2 are Conseil, product 3 (EC101) is Formation.
	offre := createSentOffre(t, ctx, offres, []int{1, 2, 3})
	if _, _, err := offres.Gagner(ctx, offre.ID, nil); err != nil {
		t.Fatalf("Gagner failed: %v", err)
	}

	var affaireID int
	if err := pool.QueryRow(ctx, "SELECT id FROM affaires WHERE offre_id = $1", offre.ID).Scan(&affaireID); err != nil {
		t.Fatalf("affaire not created: %v", err)
	}

	affaire, warnings, err := affaires.Valider(ctx, affaireID, strPtr("chef-projet"))
	if err != nil {
		t.Fatalf("Valider failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected cascade warnings: %v", warnings)
	}
	if affaire.Statut != core.AffaireValide {
		t.Errorf("expected VALIDE, got %s", affaire.Statut)
	}

	var rapports, formations, factures int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM rapports WHERE affaire_id = $1", affaireID).Scan(&rapports); err != nil {
		t.Fatal(err)
	}
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM formations WHERE affaire_id = $1", affaireID).Scan(&formations); err != nil {
		t.Fatal(err)
	}
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM factures WHERE affaire_id = $1", affaireID).Scan(&factures); err != nil {
		t.Fatal(err)
	}
	if rapports != 3 {
		t.Errorf("expected 3 rapports (one per product), got %d", rapports)
	}
	if formations != 1 {
		t.Errorf("expected 1 formation (one FOR product), got %d", formations)
	}
	if factures != 1 {
		t.Errorf("expected 1 facture, got %d", factures)
	}

	// The facture reuses the affaire's own sequence number.
	var factureSeq int64
	if err := pool.QueryRow(ctx, "SELECT sequence_number FROM factures WHERE affaire_id = $1", affaireID).Scan(&factureSeq); err != nil {
		t.Fatal(err)
	}
	if factureSeq != affaire.SequenceNumber {
		t.Errorf("facture sequence %d != affaire sequence %d", factureSeq, affaire.SequenceNumber)
	}

	// Re-validating is not a legal edge, but re-firing the cascade is safe.
	audit := core.NewAuditService(pool)
	cascade := core.NewCascadeService(pool, audit, zerolog.Nop())
	if _, err := cascade.OnAffaireValidee(ctx, affaireID, nil); err != nil {
		t.Fatalf("cascade re-fire failed: %v", err)
	}
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM rapports WHERE affaire_id = $1", affaireID).Scan(&rapports); err != nil {
		t.Fatal(err)
	}
	if rapports != 3 {
		t.Errorf("cascade re-fire duplicated rapports: got %d", rapports)
	}
}

func TestCascade_ChildCreationsAreAudited(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, offres, affaires, _, _ := testServices(pool)
	audit := core.NewAuditService(pool)
	ctx := context.Background()

	// Product 1 is Conseil, product 3 (EC101) is Formation.
	offre := createSentOffre(t, ctx, offres, []int{1, 3})
	if _, _, err := offres.Gagner(ctx, offre.ID, nil); err != nil {
		t.Fatalf("Gagner failed: %v", err)
	}
	var affaireID int
	if err := pool.QueryRow(ctx, "SELECT id FROM affaires WHERE offre_id = $1", offre.ID).Scan(&affaireID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := affaires.Valider(ctx, affaireID, strPtr("chef-projet")); err != nil {
		t.Fatalf("Valider failed: %v", err)
	}

	// Every spawned rapport carries a CREATE audit row naming the actor who
	// triggered the cascade.
	rows, err := pool.Query(ctx, "SELECT id FROM rapports WHERE affaire_id = $1", affaireID)
	if err != nil {
		t.Fatal(err)
	}
	var rapportIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatal(err)
		}
		rapportIDs = append(rapportIDs, id)
	}
	rows.Close()
	if len(rapportIDs) != 2 {
		t.Fatalf("expected 2 rapports, got %d", len(rapportIDs))
	}
	for _, id := range rapportIDs {
		history, err := audit.History(ctx, core.KindRapport, id)
		if err != nil {
			t.Fatalf("History failed for rapport %d: %v", id, err)
		}
		if len(history) != 1 || history[0].Action != core.ActionCreate {
			t.Errorf("rapport %d: expected one CREATE audit row, got %+v", id, history)
			continue
		}
		if history[0].Actor == nil || *history[0].Actor != "chef-projet" {
			t.Errorf("rapport %d: expected actor chef-projet, got %v", id, history[0].Actor)
		}
	}

	// So does the formation spawned for the FOR product.
	var formationID int64
	if err := pool.QueryRow(ctx, "SELECT id FROM formations WHERE affaire_id = $1", affaireID).Scan(&formationID); err != nil {
		t.Fatalf("formation not created: %v", err)
	}
	history, err := audit.History(ctx, core.KindFormation, formationID)
	if err != nil {
		t.Fatalf("History failed for formation: %v", err)
	}
	if len(history) != 1 || history[0].Action != core.ActionCreate {
		t.Errorf("formation: expected one CREATE audit row, got %+v", history)
	}
}

func TestRapport_ValiderRefreshesProgression(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, offres, affaires, rapports, _ := testServices(pool)
	ctx := context.Background()

	offre := createSentOffre(t, ctx, offres, []int{1, 2})
	if _, _, err := offres.Gagner(ctx, offre.ID, nil); err != nil {
		t.Fatal(err)
	}
	var affaireID int
	if err := pool.QueryRow(ctx, "SELECT id FROM affaires WHERE offre_id = $1", offre.ID).Scan(&affaireID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := affaires.Valider(ctx, affaireID, nil); err != nil {
		t.Fatal(err)
	}

	liste, err := rapports.ListByAffaire(ctx, affaireID)
	if err != nil || len(liste) != 2 {
		t.Fatalf("expected 2 rapports, got %d (err %v)", len(liste), err)
	}

	if _, err := rapports.Demarrer(ctx, liste[0].ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := rapports.Valider(ctx, liste[0].ID, nil); err != nil {
		t.Fatal(err)
	}

	affaire, err := affaires.Get(ctx, affaireID)
	if err != nil {
		t.Fatal(err)
	}
	if affaire.Progression != 50 {
		t.Errorf("expected progression 50 after 1 of 2 rapports, got %d", affaire.Progression)
	}
}

// ── Formations ────────────────────────────────────────────────────────────────

func TestFormation_AttestationsAreIdempotent(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, offres, affaires, _, formations := testServices(pool)
	ctx := context.Background()

	offre := createSentOffre(t, ctx, offres, []int{3}) // EC101, category FOR
	if _, _, err := offres.Gagner(ctx, offre.ID, nil); err != nil {
		t.Fatal(err)
	}
	var affaireID int
	if err := pool.QueryRow(ctx, "SELECT id FROM affaires WHERE offre_id = $1", offre.ID).Scan(&affaireID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := affaires.Valider(ctx, affaireID, nil); err != nil {
		t.Fatal(err)
	}

	var formationID int
	if err := pool.QueryRow(ctx, "SELECT id FROM formations WHERE affaire_id = $1", affaireID).Scan(&formationID); err != nil {
		t.Fatalf("formation not created: %v", err)
	}

	for _, nom := range []string{"Diallo", "Ndiaye"} {
		if _, err := formations.AddParticipant(ctx, core.AddParticipantInput{
			FormationID: formationID, Nom: nom, Prenom: "Test",
		}); err != nil {
			t.Fatalf("AddParticipant failed: %v", err)
		}
	}

	first, err := formations.GenererAttestations(ctx, formationID, strPtr("formateur1"))
	if err != nil {
		t.Fatalf("GenererAttestations failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 attestations, got %d", len(first))
	}

	second, err := formations.GenererAttestations(ctx, formationID, nil)
	if err != nil {
		t.Fatalf("second GenererAttestations failed: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("regeneration duplicated attestations: got %d", len(second))
	}
	for i := range first {
		if first[i].Reference != second[i].Reference {
			t.Errorf("attestation %d reference changed on regeneration", i)
		}
	}
}

// ── Proformas / factures ──────────────────────────────────────────────────────

// wonAffaireID wins an offre over the given products and returns the cascade's
// affaire id.
func wonAffaireID(t *testing.T, ctx context.Context, pool *pgxpool.Pool, offres core.OffreService, produits []int) int {
	t.Helper()

	offre := createSentOffre(t, ctx, offres, produits)
	if _, _, err := offres.Gagner(ctx, offre.ID, nil); err != nil {
		t.Fatalf("Gagner failed: %v", err)
	}
	var affaireID int
	if err := pool.QueryRow(ctx, "SELECT id FROM affaires WHERE offre_id = $1", offre.ID).Scan(&affaireID); err != nil {
		t.Fatalf("affaire not created: %v", err)
	}
	return affaireID
}

func TestProforma_ValiderSetsDateValidation(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, offres, _, _, _ := testServices(pool)
	proformas := core.NewProformaService(pool, core.NewAuditService(pool), zerolog.Nop())
	ctx := context.Background()

	offre := createSentOffre(t, ctx, offres, []int{1})
	if _, _, err := offres.Gagner(ctx, offre.ID, nil); err != nil {
		t.Fatalf("Gagner failed: %v", err)
	}

	proforma, err := proformas.GetByOffre(ctx, offre.ID)
	if err != nil {
		t.Fatalf("GetByOffre failed: %v", err)
	}
	if proforma.Statut != core.ProformaBrouillon {
		t.Fatalf("expected BROUILLON, got %s", proforma.Statut)
	}

	// BROUILLON cannot jump straight to VALIDE.
	if _, err := proformas.Valider(ctx, proforma.ID, nil); err == nil {
		t.Fatal("expected invalid transition BROUILLON -> VALIDE")
	}

	if _, err := proformas.Envoyer(ctx, proforma.ID, strPtr("commercial1")); err != nil {
		t.Fatalf("Envoyer failed: %v", err)
	}
	validated, err := proformas.Valider(ctx, proforma.ID, strPtr("client"))
	if err != nil {
		t.Fatalf("Valider failed: %v", err)
	}
	if validated.Statut != core.ProformaValide {
		t.Errorf("expected VALIDE, got %s", validated.Statut)
	}
	if validated.DateValidation == nil {
		t.Error("expected date_validation set on VALIDE")
	}

	// VALIDE is terminal.
	var invalidErr *core.InvalidTransitionError
	if _, err := proformas.Refuser(ctx, proforma.ID, nil); !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidTransitionError after VALIDE, got %v", err)
	}
}

func TestFacture_PayeeFeedsAffaireMontantPaye(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	_, offres, affaires, _, _ := testServices(pool)
	factures := core.NewFactureService(pool, core.NewAuditService(pool), zerolog.Nop())
	ctx := context.Background()

	affaireID := wonAffaireID(t, ctx, pool, offres, []int{1})
	if _, _, err := affaires.Valider(ctx, affaireID, nil); err != nil {
		t.Fatalf("Valider failed: %v", err)
	}

	facture, err := factures.GetByAffaire(ctx, affaireID)
	if err != nil {
		t.Fatalf("GetByAffaire failed: %v", err)
	}
	if facture.Statut != core.FactureBrouillon {
		t.Fatalf("expected BROUILLON, got %s", facture.Statut)
	}

	// A draft cannot be marked paid.
	var invalidErr *core.InvalidTransitionError
	if _, err := factures.MarquerPayee(ctx, facture.ID, nil, nil); !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidTransitionError for BROUILLON -> PAYEE, got %v", err)
	}

	echeance := time.Now().UTC().Add(30 * 24 * time.Hour)
	sent, err := factures.Envoyer(ctx, facture.ID, &echeance, strPtr("compta"))
	if err != nil {
		t.Fatalf("Envoyer failed: %v", err)
	}
	if sent.DateEcheance == nil {
		t.Error("expected date_echeance set on ENVOYE")
	}

	paid, err := factures.MarquerPayee(ctx, facture.ID, nil, strPtr("compta"))
	if err != nil {
		t.Fatalf("MarquerPayee failed: %v", err)
	}
	if paid.Statut != core.FacturePayee {
		t.Errorf("expected PAYEE, got %s", paid.Statut)
	}
	if paid.DatePaiement == nil {
		t.Error("expected date_paiement set on PAYEE")
	}

	affaire, err := affaires.Get(ctx, affaireID)
	if err != nil {
		t.Fatal(err)
	}
	if !affaire.MontantPaye.Equal(facture.MontantHT) {
		t.Errorf("expected montant_paye %s, got %s", facture.MontantHT, affaire.MontantPaye)
	}
}

// ── Audit ─────────────────────────────────────────────────────────────────────

func TestAudit_HistoryRecordsTransitions(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	opportunites, _, _, _, _ := testServices(pool)
	audit := core.NewAuditService(pool)
	ctx := context.Background()

	opp, err := opportunites.Create(ctx, core.CreateOpportuniteInput{
		EntityID: 1, ClientID: 1, ProduitPrincipalID: 1, ProduitIDs: []int{1},
		MontantEstime: decimal.NewFromInt(5000), Actor: strPtr("commercial1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := opportunites.Qualifier(ctx, opp.ID, strPtr("commercial1")); err != nil {
		t.Fatal(err)
	}

	history, err := audit.History(ctx, core.KindOpportunite, int64(opp.ID))
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 audit rows (create + transition), got %d", len(history))
	}
	// Newest first.
	if history[0].Action != core.ActionUpdate || history[1].Action != core.ActionCreate {
		t.Errorf("unexpected action order: %s then %s", history[0].Action, history[1].Action)
	}
	if history[0].OldStatut == nil || *history[0].OldStatut != string(core.OpportuniteProspect) {
		t.Error("transition row missing old status")
	}
	if history[0].Actor == nil || *history[0].Actor != "commercial1" {
		t.Error("transition row missing actor")
	}
}
