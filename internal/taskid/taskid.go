// Package taskid implements the pure, deterministic identity and typing
// rules of spec.md section 4.1: turning (batch id, input key) into a
// stable task id, and classifying which input files belong to a phase.
package taskid

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// New derives the deterministic id for a task. Same (batchID, inputKey,
// phaseTag) always yields the same id, across processes and restarts —
// the input-key space is already unique per batch, so combining it with
// batchID and phaseTag before hashing makes collisions within a single
// batch's input set a non-concern in practice.
func New(batchID, inputKey, phaseTag string) string {
	h := sha256.New()
	h.Write([]byte(phaseTag))
	h.Write([]byte{0})
	h.Write([]byte(batchID))
	h.Write([]byte{0})
	h.Write([]byte(inputKey))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// MatchesPhase classifies whether a file belongs to a phase by a
// case-insensitive suffix match against the phase's declared
// extensions. Extensions may be given with or without a leading dot.
func MatchesPhase(fileName string, suffixes []string) bool {
	lower := strings.ToLower(fileName)
	for _, suf := range suffixes {
		suf = strings.ToLower(strings.TrimPrefix(suf, "."))
		if suf == "" {
			continue
		}
		if strings.HasSuffix(lower, "."+suf) {
			return true
		}
	}
	return false
}
