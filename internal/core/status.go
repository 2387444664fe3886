package core

import "time"

// Allowed status transitions, one table per document kind. An absent edge is
// a forbidden move; GAGNEE/PERDUE are reachable from every non-terminal
// opportunity status (deliberate universal exits, not a default).

var opportuniteTransitions = map[StatutOpportunite]map[StatutOpportunite]bool{
	OpportuniteProspect:      {OpportuniteQualification: true, OpportuniteGagnee: true, OpportunitePerdue: true},
	OpportuniteQualification: {OpportuniteProposition: true, OpportuniteGagnee: true, OpportunitePerdue: true},
	OpportuniteProposition:   {OpportuniteNegociation: true, OpportuniteGagnee: true, OpportunitePerdue: true},
	OpportuniteNegociation:   {OpportuniteGagnee: true, OpportunitePerdue: true},
	OpportuniteGagnee:        {},
	OpportunitePerdue:        {},
}

var offreTransitions = map[StatutOffre]map[StatutOffre]bool{
	OffreBrouillon: {OffreEnvoye: true, OffrePerdu: true},
	OffreEnvoye:    {OffreGagne: true, OffrePerdu: true},
	OffreGagne:     {},
	OffrePerdu:     {},
}

var proformaTransitions = map[StatutProforma]map[StatutProforma]bool{
	ProformaBrouillon: {ProformaEnvoye: true, ProformaRefuse: true},
	ProformaEnvoye:    {ProformaValide: true, ProformaRefuse: true},
	ProformaValide:    {},
	ProformaRefuse:    {},
}

var affaireTransitions = map[StatutAffaire]map[StatutAffaire]bool{
	AffaireBrouillon: {AffaireValide: true, AffaireAnnulee: true},
	AffaireValide:    {AffaireEnCours: true, AffaireAnnulee: true},
	AffaireEnCours:   {AffaireEnPause: true, AffaireTerminee: true, AffaireAnnulee: true},
	AffaireEnPause:   {AffaireEnCours: true, AffaireAnnulee: true},
	AffaireTerminee:  {},
	AffaireAnnulee:   {},
}

var rapportTransitions = map[StatutRapport]map[StatutRapport]bool{
	RapportBrouillon: {RapportEnCours: true},
	RapportEnCours:   {RapportValide: true, RapportTermine: true},
	RapportValide:    {RapportTermine: true},
	RapportTermine:   {},
}

var factureTransitions = map[StatutFacture]map[StatutFacture]bool{
	FactureBrouillon: {FactureEnvoye: true, FactureAnnulee: true},
	FactureEnvoye:    {FacturePayee: true, FactureAnnulee: true},
	FacturePayee:     {},
	FactureAnnulee:   {},
}

func canTransition[S comparable](table map[S]map[S]bool, current, target S) bool {
	next, ok := table[current]
	if !ok {
		return false
	}
	return next[target]
}

// CanTransitionOpportunite reports whether current -> target is a declared edge.
func CanTransitionOpportunite(current, target StatutOpportunite) bool {
	return canTransition(opportuniteTransitions, current, target)
}

func CanTransitionOffre(current, target StatutOffre) bool {
	return canTransition(offreTransitions, current, target)
}

func CanTransitionProforma(current, target StatutProforma) bool {
	return canTransition(proformaTransitions, current, target)
}

func CanTransitionAffaire(current, target StatutAffaire) bool {
	return canTransition(affaireTransitions, current, target)
}

func CanTransitionRapport(current, target StatutRapport) bool {
	return canTransition(rapportTransitions, current, target)
}

func CanTransitionFacture(current, target StatutFacture) bool {
	return canTransition(factureTransitions, current, target)
}

// Terminal states freeze relance scheduling and make the row read-mostly.

func IsTerminalOpportunite(s StatutOpportunite) bool {
	return s == OpportuniteGagnee || s == OpportunitePerdue
}

func IsTerminalOffre(s StatutOffre) bool {
	return s == OffreGagne || s == OffrePerdu
}

func IsTerminalAffaire(s StatutAffaire) bool {
	return s == AffaireTerminee || s == AffaireAnnulee
}

// RapportAcheve reports whether a rapport counts toward affaire progression.
func RapportAcheve(s StatutRapport) bool {
	return s == RapportValide || s == RapportTermine
}

// StampStatusDate records when a status was first reached. An existing entry
// is never overwritten, so revisiting a status cannot move its date backward
// or forward; the map accumulates monotonically.
func StampStatusDate(dates StatusDates, statut string, at time.Time) StatusDates {
	if dates == nil {
		dates = make(StatusDates)
	}
	if _, ok := dates[statut]; ok {
		return dates
	}
	dates[statut] = at
	return dates
}
