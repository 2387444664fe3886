package core_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gestion-affaires/internal/core"
)

func TestCourrier_DailySequenceRestartsPerDay(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	courriers := core.NewCourrierService(pool, core.NewAuditService(pool), zerolog.Nop())
	ctx := context.Background()

	first, err := courriers.Create(ctx, core.CreateCourrierInput{
		EntityID: 1, ClientID: 1, DocType: "DEV", Notes: "devis initial",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := courriers.Create(ctx, core.CreateCourrierInput{
		EntityID: 1, ClientID: 2, DocType: "DEV",
	})
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}

	if !strings.HasSuffix(first.Reference, "-001") {
		t.Errorf("first courrier of the day should end in -001, got %s", first.Reference)
	}
	if !strings.HasSuffix(second.Reference, "-002") {
		t.Errorf("second courrier of the day should end in -002, got %s", second.Reference)
	}
	if !strings.HasPrefix(first.Reference, "KIP-DEV-") {
		t.Errorf("unexpected reference shape: %s", first.Reference)
	}

	// A different document type has its own counter.
	autre, err := courriers.Create(ctx, core.CreateCourrierInput{
		EntityID: 1, ClientID: 1, DocType: "FAC",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(autre.Reference, "-001") {
		t.Errorf("FAC counter should start at 001, got %s", autre.Reference)
	}
}

func TestCourrier_OccupiedReferenceExhaustsRetries(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	courriers := core.NewCourrierService(pool, core.NewAuditService(pool), zerolog.Nop())
	ctx := context.Background()

	// Occupy the reference the allocator will produce next. The failed insert
	// rolls the counter increment back with its transaction, so every retry
	// re-allocates sequence 1 and collides with this row again.
	taken := core.FormatCourrierReference("KIP", "ODV", time.Now().UTC(), "C001", 1)
	if _, err := pool.Exec(ctx, `
		INSERT INTO courriers (reference, entity_id, client_id, doc_type)
		VALUES ($1, 1, 1, 'ODV')
	`, taken); err != nil {
		t.Fatalf("failed to seed occupied reference: %v", err)
	}

	_, err := courriers.Create(ctx, core.CreateCourrierInput{
		EntityID: 1, ClientID: 1, DocType: "ODV",
	})
	var conflict *core.AllocationConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected AllocationConflictError, got %v", err)
	}
	if conflict.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", conflict.Attempts)
	}
	if conflict.Scope.DocType != "ODV" {
		t.Errorf("unexpected conflict scope: %+v", conflict.Scope)
	}

	// Nothing beyond the seeded row persisted.
	var n int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM courriers").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected only the seeded courrier, got %d rows", n)
	}
}

func TestCourrier_RejectsInvalidDocType(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	courriers := core.NewCourrierService(pool, core.NewAuditService(pool), zerolog.Nop())

	_, err := courriers.Create(context.Background(), core.CreateCourrierInput{
		EntityID: 1, ClientID: 1, DocType: "invalid",
	})
	if err == nil {
		t.Fatal("expected an error for a lowercase doc type")
	}
}

func TestRelance_ListDueOrdersAndFilters(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	opportunites, _, _, _, _ := testServices(pool)
	relances := core.NewRelanceService(pool)
	ctx := context.Background()

	open, err := opportunites.Create(ctx, core.CreateOpportuniteInput{
		EntityID: 1, ClientID: 1, ProduitPrincipalID: 1, ProduitIDs: []int{1},
		MontantEstime: decimal.NewFromInt(7000),
	})
	if err != nil {
		t.Fatal(err)
	}
	lost, err := opportunites.Create(ctx, core.CreateOpportuniteInput{
		EntityID: 1, ClientID: 2, ProduitPrincipalID: 1, ProduitIDs: []int{1},
		MontantEstime: decimal.NewFromInt(3000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := opportunites.Perdre(ctx, lost.ID, nil, ""); err != nil {
		t.Fatal(err)
	}

	// Nothing is due yet: relances sit 14 days out.
	due, err := relances.ListDue(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due now, got %d", len(due))
	}

	// A month from now the open opportunity is due; the lost one never is.
	due, err = relances.ListDue(ctx, time.Now().UTC().Add(30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due relance, got %d", len(due))
	}
	if due[0].Kind != core.KindOpportunite || due[0].Reference != open.Reference {
		t.Errorf("unexpected due item: %+v", due[0])
	}
	if due[0].ClientNom != "Acme Industrie" {
		t.Errorf("expected client name joined in, got %q", due[0].ClientNom)
	}
}
