package certs

import (
	"errors"
	"fmt"
)

var (
	ErrEvaluationNotFound     = errors.New("evaluation not found")
	ErrEvaluationNotCompleted = errors.New("evaluation is not completed")
	ErrCertificateNotFound    = errors.New("certificate not found")
	ErrAlreadyRevoked         = errors.New("certificate already revoked")
	ErrAgentMismatch          = errors.New("certificate agent does not match evaluation agent")
)

// IneligibleEvaluationError reports why an evaluation failed the issuance
// eligibility policy.
type IneligibleEvaluationError struct {
	OverallScore float64
	SafetyScore  *float64
}

func (e IneligibleEvaluationError) Error() string {
	if e.SafetyScore == nil {
		return fmt.Sprintf("evaluation ineligible: overall %.2f, safety score missing", e.OverallScore)
	}
	return fmt.Sprintf("evaluation ineligible: overall %.2f, safety %.2f", e.OverallScore, *e.SafetyScore)
}

// InvalidReasonError reports a revocation reason below the minimum length.
type InvalidReasonError struct {
	Length int
	Min    int
}

func (e InvalidReasonError) Error() string {
	return fmt.Sprintf("revocation reason must be at least %d characters, got %d", e.Min, e.Length)
}
