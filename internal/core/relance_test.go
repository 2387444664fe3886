package core_test

import (
	"testing"
	"time"

	"gestion-affaires/internal/core"
)

func TestProchaineRelanceOpportunite_Delays(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		statut core.StatutOpportunite
		days   int
	}{
		{core.OpportuniteProspect, 14},
		{core.OpportuniteQualification, 10},
		{core.OpportuniteProposition, 7},
		{core.OpportuniteNegociation, 5},
	}

	for _, tt := range tests {
		got := core.ProchaineRelanceOpportunite(tt.statut, nil, now)
		if got == nil {
			t.Fatalf("%s: expected a relance date, got nil", tt.statut)
		}
		want := now.Add(time.Duration(tt.days) * 24 * time.Hour)
		if !got.Equal(want) {
			t.Errorf("%s: got %v, want %v", tt.statut, got, want)
		}
	}
}

func TestProchaineRelanceOpportunite_ExtendsFromExisting(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	existing := now.Add(-48 * time.Hour)

	got := core.ProchaineRelanceOpportunite(core.OpportuniteNegociation, &existing, now)
	if got == nil {
		t.Fatal("expected a relance date, got nil")
	}
	// The delay extends the stored date, not now: the reminder must not keep
	// sliding forward with every recomputation.
	want := existing.Add(5 * 24 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v (extended from existing)", got, want)
	}
}

func TestProchaineRelanceOpportunite_TerminalClears(t *testing.T) {
	now := time.Now().UTC()
	existing := now.Add(24 * time.Hour)

	if got := core.ProchaineRelanceOpportunite(core.OpportuniteGagnee, &existing, now); got != nil {
		t.Errorf("GAGNEE: expected nil relance, got %v", got)
	}
	if got := core.ProchaineRelanceOpportunite(core.OpportunitePerdue, &existing, now); got != nil {
		t.Errorf("PERDUE: expected nil relance, got %v", got)
	}
}

func TestProchaineRelanceOffre(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	// BROUILLON has no configured delay.
	if got := core.ProchaineRelanceOffre(core.OffreBrouillon, nil, now); got != nil {
		t.Errorf("BROUILLON: expected nil, got %v", got)
	}

	got := core.ProchaineRelanceOffre(core.OffreEnvoye, nil, now)
	if got == nil {
		t.Fatal("ENVOYE: expected a relance date, got nil")
	}
	if want := now.Add(7 * 24 * time.Hour); !got.Equal(want) {
		t.Errorf("ENVOYE: got %v, want %v", got, want)
	}

	if got := core.ProchaineRelanceOffre(core.OffreGagne, nil, now); got != nil {
		t.Errorf("GAGNE: expected nil, got %v", got)
	}
}

func TestNecessiteRelance(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		relance  *time.Time
		terminal bool
		want     bool
	}{
		{"due and open", &past, false, true},
		{"due but terminal", &past, true, false},
		{"not yet due", &future, false, false},
		{"no relance set", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := core.NecessiteRelance(tt.relance, tt.terminal, now); got != tt.want {
				t.Errorf("NecessiteRelance = %v, want %v", got, tt.want)
			}
		})
	}
}
