package certs

import (
	"encoding/json"
	"fmt"
	"sort"

	"trustmodel/internal/domain"
)

// CanonicalPayload serializes the certified fields of a certificate into the
// byte form that is signed and verified. The field set and encoding are
// frozen: compact JSON with lexicographically sorted keys, one
// "<suite>_score" key per known suite (null when the suite did not run),
// capabilities sorted. Changing any of this invalidates every previously
// issued signature.
func CanonicalPayload(c domain.Certificate) ([]byte, error) {
	fields := map[string]any{
		"id":            c.ID,
		"agent_id":      c.AgentID,
		"evaluation_id": c.EvaluationID,
		"grade":         c.Grade,
		"overall_score": c.OverallScore,
		"issued_at":     c.IssuedAt,
		"expires_at":    c.ExpiresAt,
	}
	for _, suite := range domain.Suites {
		if score, ok := c.SuiteScores[suite]; ok {
			fields[suite+"_score"] = score
		} else {
			fields[suite+"_score"] = nil
		}
	}
	caps := append([]string(nil), c.CertifiedCapabilities...)
	sort.Strings(caps)
	fields["certified_capabilities"] = caps

	// encoding/json sorts map keys, giving the stable sorted-key form.
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return b, nil
}
