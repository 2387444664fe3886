package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SequenceScope names one independent counter. Monthly documents use
// MonthScope for ScopeKey; client-numbered documents (opportunites, offres)
// use ClientScope. Two different scopes never contend for the same row.
type SequenceScope struct {
	EntityCode string
	DocType    string
	ScopeKey   string
}

// MonthScope keys a counter by year and month (e.g. "2503" for March 2025).
func MonthScope(at time.Time) string {
	return fmt.Sprintf("%02d%02d", at.Year()%100, int(at.Month()))
}

// ClientScope keys a counter by client.
func ClientScope(clientID int) string {
	return fmt.Sprintf("C%d", clientID)
}

// DayScope keys a counter by calendar day (courrier numbering).
func DayScope(at time.Time) string {
	return fmt.Sprintf("%02d%02d%02d", at.Year()%100, int(at.Month()), at.Day())
}

// allocationRetries bounds how often a creation retries after the reference
// unique index rejects an insert before giving up with AllocationConflictError.
const allocationRetries = 3

// NextSequenceTx allocates the next sequence number for scope inside the
// caller's transaction. The counter row upsert takes a row lock, so two
// concurrent allocations in the same scope serialize; the losing transaction
// of a rollback simply burns a number (gaps are acceptable, duplicates are
// not). Never run this outside a transaction: the increment must commit or
// roll back with the document it numbers.
func NextSequenceTx(ctx context.Context, tx pgx.Tx, scope SequenceScope) (int64, error) {
	var n int64
	err := tx.QueryRow(ctx, `
		INSERT INTO reference_sequences (entity_code, doc_type, scope_key, last_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (entity_code, doc_type, scope_key)
		DO UPDATE SET last_number = reference_sequences.last_number + 1
		RETURNING last_number
	`, scope.EntityCode, scope.DocType, scope.ScopeKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for %s/%s/%s: %w",
			scope.EntityCode, scope.DocType, scope.ScopeKey, err)
	}
	return n, nil
}

// ── Reference formats ────────────────────────────────────────────────────────
//
// One formatting strategy per document kind, all sharing the allocator. The
// trailing zero-padded sequence is the sortable, unique suffix within its
// scope; everything before it is display context. References are immutable
// once persisted.

func yymm(at time.Time) string {
	return fmt.Sprintf("%02d%02d", at.Year()%100, int(at.Month()))
}

func yymmdd(at time.Time) string {
	return fmt.Sprintf("%02d%02d%02d", at.Year()%100, int(at.Month()), at.Day())
}

// FormatOpportuniteReference: ENT/OPP/CNUM/YYMMDD/PRODCODE/N/SEQ4.
// nClient is the display ordinal of this opportunity for the client.
func FormatOpportuniteReference(entityCode, cNum string, at time.Time, produitCode string, nClient int, seq int64) string {
	return fmt.Sprintf("%s/OPP/%s/%s/%s/%d/%04d", entityCode, cNum, yymmdd(at), produitCode, nClient, seq)
}

// FormatOffreReference: ENT/OFF/CNUM/YYMMDD/PRODCODE/N/SEQ4.
func FormatOffreReference(entityCode, cNum string, at time.Time, produitCode string, nClient int, seq int64) string {
	return fmt.Sprintf("%s/OFF/%s/%s/%s/%d/%04d", entityCode, cNum, yymmdd(at), produitCode, nClient, seq)
}

// FormatProformaReference: ENT/PRO/CNUM/YYMM/OFFREID/N/SEQ3.
func FormatProformaReference(entityCode, cNum string, at time.Time, offreID, nClient int, seq int64) string {
	return fmt.Sprintf("%s/PRO/%s/%s/%d/%d/%03d", entityCode, cNum, yymm(at), offreID, nClient, seq)
}

// FormatAffaireReference: AFF + YYMM + client id + offre id + SEQ3,
// concatenated without separators.
func FormatAffaireReference(at time.Time, clientID, offreID int, seq int64) string {
	return fmt.Sprintf("AFF%s%d%d%03d", yymm(at), clientID, offreID, seq)
}

// FormatRapportReference: ENT/RAP/CNUM/AFFREF/PRODCODE/SEQ4.
func FormatRapportReference(entityCode, cNum, affaireRef, produitCode string, seq int64) string {
	return fmt.Sprintf("%s/RAP/%s/%s/%s/%04d", entityCode, cNum, affaireRef, produitCode, seq)
}

// FormatFactureReference: ENT/FAC/CNUM/AFFREF/PRODCODE/SEQ4.
func FormatFactureReference(entityCode, cNum, affaireRef, produitCode string, seq int64) string {
	return fmt.Sprintf("%s/FAC/%s/%s/%s/%04d", entityCode, cNum, affaireRef, produitCode, seq)
}

// FormatAttestationReference: ENT/ATT/CNUM/YYMMDD/AFFREF/FORMID/PARTID/SEQ4.
func FormatAttestationReference(entityCode, cNum string, at time.Time, affaireRef string, formationID, participantID int, seq int64) string {
	return fmt.Sprintf("%s/ATT/%s/%s/%s/%d/%d/%04d", entityCode, cNum, yymmdd(at), affaireRef, formationID, participantID, seq)
}

// FormatCourrierReference: ENT-TYPE-YYMMDD-CNUM-SEQ3, dash-delimited as in
// the correspondence register.
func FormatCourrierReference(entityCode, docType string, at time.Time, cNum string, seq int64) string {
	return fmt.Sprintf("%s-%s-%s-%s-%03d", entityCode, docType, yymmdd(at), cNum, seq)
}
