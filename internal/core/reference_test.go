package core_test

import (
	"testing"
	"time"

	"gestion-affaires/internal/core"
)

var mars2025 = time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)

func TestScopeKeys(t *testing.T) {
	if got := core.MonthScope(mars2025); got != "2503" {
		t.Errorf("MonthScope = %q, want 2503", got)
	}
	if got := core.DayScope(mars2025); got != "250315" {
		t.Errorf("DayScope = %q, want 250315", got)
	}
	if got := core.ClientScope(42); got != "C42" {
		t.Errorf("ClientScope = %q, want C42", got)
	}
	// Single-digit months must be zero-padded so keys sort and never collide
	// across e.g. month 1 + day 12 vs month 11 + day 2.
	janvier := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	if got := core.DayScope(janvier); got != "260102" {
		t.Errorf("DayScope = %q, want 260102", got)
	}
}

func TestFormatReferences(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			"opportunite",
			core.FormatOpportuniteReference("KIP", "C001", mars2025, "VTE001", 1, 1),
			"KIP/OPP/C001/250315/VTE001/1/0001",
		},
		{
			"first offre of the month",
			core.FormatOffreReference("KIP", "C001", mars2025, "VTE001", 1, 1),
			"KIP/OFF/C001/250315/VTE001/1/0001",
		},
		{
			"second offre of the month",
			core.FormatOffreReference("KIP", "C002", mars2025, "EC101", 1, 2),
			"KIP/OFF/C002/250315/EC101/1/0002",
		},
		{
			"proforma",
			core.FormatProformaReference("KIP", "C001", mars2025, 7, 2, 3),
			"KIP/PRO/C001/2503/7/2/003",
		},
		{
			"affaire",
			core.FormatAffaireReference(mars2025, 1, 7, 4),
			"AFF250317004",
		},
		{
			"rapport",
			core.FormatRapportReference("KIP", "C001", "AFF250317004", "VTE001", 12),
			"KIP/RAP/C001/AFF250317004/VTE001/0012",
		},
		{
			"facture",
			core.FormatFactureReference("KIP", "C001", "AFF250317004", "VTE001", 4),
			"KIP/FAC/C001/AFF250317004/VTE001/0004",
		},
		{
			"attestation",
			core.FormatAttestationReference("KIP", "C001", mars2025, "AFF250317004", 3, 9, 5),
			"KIP/ATT/C001/250315/AFF250317004/3/9/0005",
		},
		{
			"courrier",
			core.FormatCourrierReference("KIP", "DEV", mars2025, "C001", 2),
			"KIP-DEV-250315-C001-002",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
