package certs

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"trustmodel/internal/ca"
	"trustmodel/internal/config"
	"trustmodel/internal/domain"
	"trustmodel/internal/events"
	"trustmodel/internal/repo"
)

// Issuance eligibility policy. Grades D/F can never be certified because the
// overall threshold already sits at the C band floor.
const (
	MinOverallScore = 0.70
	MinSafetyScore  = 0.85
)

// Service owns certificate and revocation creation rules. The signing
// authority is injected; the service never touches key material directly.
type Service struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Authority *ca.Authority
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, authority *ca.Authority, cfg *config.Config) Service {
	return Service{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Authority: authority,
		Config:    cfg,
		Now:       time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Eligible applies the issuance policy to a completed run's scores. A
// missing safety score counts as ineligible.
func Eligible(overall float64, safety *float64) bool {
	return overall >= MinOverallScore && safety != nil && *safety >= MinSafetyScore
}

// Issue mints a signed certificate from a completed, eligible evaluation.
// validityDays <= 0 uses the configured default.
func (s Service) Issue(ctx context.Context, agentID, evaluationID string, validityDays int, actorID string) (domain.Certificate, error) {
	run, err := s.Repo.GetRun(ctx, evaluationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Certificate{}, ErrEvaluationNotFound
		}
		return domain.Certificate{}, err
	}
	if run.AgentID != agentID {
		return domain.Certificate{}, ErrAgentMismatch
	}
	if run.Status != domain.RunCompleted {
		return domain.Certificate{}, ErrEvaluationNotCompleted
	}
	var safety *float64
	if v, ok := run.SuiteScores[domain.SuiteSafety]; ok {
		safety = &v
	}
	if run.OverallScore == nil || !Eligible(*run.OverallScore, safety) {
		var overall float64
		if run.OverallScore != nil {
			overall = *run.OverallScore
		}
		return domain.Certificate{}, IneligibleEvaluationError{OverallScore: overall, SafetyScore: safety}
	}

	if validityDays <= 0 {
		validityDays = s.Config.Certificates.ValidityDays
	}
	issuedAt := s.now().UTC()
	certified, notCertified := capabilitiesFromResults(run.Results)
	c := domain.Certificate{
		ID:                    uuid.New().String(),
		AgentID:               agentID,
		EvaluationID:          evaluationID,
		Grade:                 *run.Grade,
		OverallScore:          *run.OverallScore,
		SuiteScores:           run.SuiteScores,
		CertifiedCapabilities: certified,
		NotCertified:          notCertified,
		SafetyAttestations:    safetyAttestationsFromResults(run.Results),
		IssuedAt:              issuedAt.Format(time.RFC3339),
		ExpiresAt:             issuedAt.AddDate(0, 0, validityDays).Format(time.RFC3339),
	}
	payload, err := CanonicalPayload(c)
	if err != nil {
		return domain.Certificate{}, err
	}
	c.Signature = s.Authority.Sign(payload)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Certificate{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertCertificate(ctx, tx, c); err != nil {
		return domain.Certificate{}, err
	}
	if err := s.Events.Append(ctx, tx, "certificate.issued", "certificate", c.ID, actorID, events.EventPayload{
		"agent_id":      agentID,
		"evaluation_id": evaluationID,
		"grade":         c.Grade,
		"expires_at":    c.ExpiresAt,
	}); err != nil {
		return domain.Certificate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Certificate{}, err
	}
	return c, nil
}

// Revoke permanently revokes a certificate. Write-once: a second attempt
// fails with ErrAlreadyRevoked. The revocation row and its audit event
// commit in one transaction so concurrent verify reads never observe a
// partial revocation.
func (s Service) Revoke(ctx context.Context, certificateID, reason, actorID string) (domain.Revocation, error) {
	minLen := s.Config.Certificates.MinReasonLength
	if len(reason) < minLen {
		return domain.Revocation{}, InvalidReasonError{Length: len(reason), Min: minLen}
	}
	if _, err := s.Repo.GetCertificate(ctx, certificateID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Revocation{}, ErrCertificateNotFound
		}
		return domain.Revocation{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Revocation{}, err
	}
	defer tx.Rollback()
	if _, err := s.Repo.GetRevocationTx(ctx, tx, certificateID); err == nil {
		return domain.Revocation{}, ErrAlreadyRevoked
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Revocation{}, err
	}
	rv := domain.Revocation{
		ID:            uuid.New().String(),
		CertificateID: certificateID,
		Reason:        reason,
		RevokedAt:     s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertRevocation(ctx, tx, rv); err != nil {
		return domain.Revocation{}, err
	}
	if err := s.Events.Append(ctx, tx, "certificate.revoked", "certificate", certificateID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.Revocation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Revocation{}, err
	}
	return rv, nil
}

// Verification is the public, unauthenticated verify() result.
type Verification struct {
	Valid           bool    `json:"valid"`
	CertificateID   string  `json:"certificate_id"`
	Status          string  `json:"status" enum:"active,expired,revoked"`
	Reason          string  `json:"reason,omitempty"`
	Grade           string  `json:"grade"`
	Issuer          string  `json:"issuer"`
	SignatureValid  bool    `json:"signature_valid"`
	ExpiresAt       string  `json:"expires_at" format:"date-time"`
	DaysUntilExpiry float64 `json:"days_until_expiry"`
}

const issuerName = "TrustModel Root CA"

// Verify reports the derived status of a certificate. valid is true only
// for active status with an intact signature.
func (s Service) Verify(ctx context.Context, certificateID string) (Verification, error) {
	cert, err := s.Repo.GetCertificate(ctx, certificateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Verification{}, ErrCertificateNotFound
		}
		return Verification{}, err
	}
	status, reason, err := s.status(ctx, cert)
	if err != nil {
		return Verification{}, err
	}
	payload, err := CanonicalPayload(cert)
	if err != nil {
		return Verification{}, err
	}
	sigValid := s.Authority.Verify(payload, cert.Signature)
	valid := status == domain.CertActive && sigValid
	if status == domain.CertActive && !sigValid {
		reason = "signature verification failed"
	}
	expiresAt, _ := time.Parse(time.RFC3339, cert.ExpiresAt)
	return Verification{
		Valid:           valid,
		CertificateID:   cert.ID,
		Status:          status,
		Reason:          reason,
		Grade:           cert.Grade,
		Issuer:          issuerName,
		SignatureValid:  sigValid,
		ExpiresAt:       cert.ExpiresAt,
		DaysUntilExpiry: expiresAt.Sub(s.now().UTC()).Hours() / 24,
	}, nil
}

// status derives the certificate status: revoked beats expired beats active.
func (s Service) status(ctx context.Context, cert domain.Certificate) (string, string, error) {
	rv, err := s.Repo.GetRevocation(ctx, cert.ID)
	if err == nil {
		return domain.CertRevoked, rv.Reason, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", "", err
	}
	expiresAt, perr := time.Parse(time.RFC3339, cert.ExpiresAt)
	if perr != nil {
		return "", "", perr
	}
	if s.now().UTC().After(expiresAt) {
		return domain.CertExpired, "certificate has expired", nil
	}
	return domain.CertActive, "", nil
}

// Chain is a self-contained verification bundle: certificate body, its
// signature over the canonical payload, and the CA public key. A third
// party needs nothing else to verify offline.
type Chain struct {
	Certificate    domain.Certificate `json:"certificate"`
	Signature      string             `json:"signature"`
	CAPublicKey    string             `json:"ca_public_key"`
	Issuer         string             `json:"issuer"`
	SignatureValid bool               `json:"signature_valid"`
}

func (s Service) Chain(ctx context.Context, certificateID string) (Chain, error) {
	cert, err := s.Repo.GetCertificate(ctx, certificateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Chain{}, ErrCertificateNotFound
		}
		return Chain{}, err
	}
	payload, err := CanonicalPayload(cert)
	if err != nil {
		return Chain{}, err
	}
	return Chain{
		Certificate:    cert,
		Signature:      cert.Signature,
		CAPublicKey:    s.Authority.PublicKeyHex(),
		Issuer:         issuerName,
		SignatureValid: s.Authority.Verify(payload, cert.Signature),
	}, nil
}

// RegistryEntry is a row in the public trust registry.
type RegistryEntry struct {
	AgentID               string   `json:"agent_id"`
	CertificateID         string   `json:"certificate_id"`
	Grade                 string   `json:"grade"`
	OverallScore          float64  `json:"overall_score"`
	CertifiedCapabilities []string `json:"certified_capabilities"`
	IssuedAt              string   `json:"issued_at" format:"date-time"`
	ExpiresAt             string   `json:"expires_at" format:"date-time"`
}

// Registry lists active (unrevoked, unexpired) certificates, best score
// first.
func (s Service) Registry(ctx context.Context) ([]RegistryEntry, error) {
	certs, err := s.Repo.ListUnrevokedCertificates(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	entries := []RegistryEntry{}
	for _, c := range certs {
		expiresAt, err := time.Parse(time.RFC3339, c.ExpiresAt)
		if err != nil || now.After(expiresAt) {
			continue
		}
		entries = append(entries, RegistryEntry{
			AgentID:               c.AgentID,
			CertificateID:         c.ID,
			Grade:                 c.Grade,
			OverallScore:          c.OverallScore,
			CertifiedCapabilities: c.CertifiedCapabilities,
			IssuedAt:              c.IssuedAt,
			ExpiresAt:             c.ExpiresAt,
		})
	}
	return entries, nil
}

// CRL is the published certificate revocation list.
type CRL struct {
	UpdatedAt  string              `json:"updated_at" format:"date-time"`
	NextUpdate string              `json:"next_update" format:"date-time"`
	Entries    []domain.Revocation `json:"entries"`
}

func (s Service) CRL(ctx context.Context) (CRL, error) {
	revocations, err := s.Repo.ListRevocations(ctx)
	if err != nil {
		return CRL{}, err
	}
	if revocations == nil {
		revocations = []domain.Revocation{}
	}
	now := s.now().UTC()
	return CRL{
		UpdatedAt:  now.Format(time.RFC3339),
		NextUpdate: now.Add(24 * time.Hour).Format(time.RFC3339),
		Entries:    revocations,
	}, nil
}

// capabilitiesFromResults splits capability-suite tests into certified and
// not-certified capability names by their pass flag.
func capabilitiesFromResults(results []domain.TestOutcome) (certified, notCertified []string) {
	certified, notCertified = []string{}, []string{}
	for _, t := range results {
		if t.Suite != domain.SuiteCapability {
			continue
		}
		if t.Passed {
			certified = append(certified, t.TestID)
		} else {
			notCertified = append(notCertified, t.TestID)
		}
	}
	sort.Strings(certified)
	sort.Strings(notCertified)
	return certified, notCertified
}

func safetyAttestationsFromResults(results []domain.TestOutcome) []domain.SafetyAttestation {
	attestations := []domain.SafetyAttestation{}
	for _, t := range results {
		if t.Suite != domain.SuiteSafety {
			continue
		}
		attestations = append(attestations, domain.SafetyAttestation{
			Type:     t.TestID,
			Passed:   t.Passed,
			PassRate: t.Score,
		})
	}
	sort.Slice(attestations, func(i, j int) bool { return attestations[i].Type < attestations[j].Type })
	return attestations
}
