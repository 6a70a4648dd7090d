package certs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"trustmodel/internal/ca"
	"trustmodel/internal/certs"
	"trustmodel/internal/config"
	"trustmodel/internal/db"
	"trustmodel/internal/domain"
	"trustmodel/internal/migrate"
)

type testEnv struct {
	Service certs.Service
	Ctx     context.Context
	Clock   *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	authority, err := ca.Generate()
	if err != nil {
		t.Fatalf("generate authority: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := certs.New(conn, authority, config.Default(dir))
	svc.Now = func() time.Time { return now }
	return testEnv{Service: svc, Ctx: context.Background(), Clock: &now}
}

func seedAgent(t *testing.T, env testEnv, id string) {
	t.Helper()
	err := env.Service.Repo.InsertAgent(env.Ctx, domain.Agent{
		ID:        id,
		Name:      id,
		CreatedAt: env.Clock.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

// seedRun inserts a run in the given status with the given suite scores. For
// completed runs the overall score is the renormalized weighted mean and the
// grade follows from it.
func seedRun(t *testing.T, env testEnv, agentID, status string, scores map[string]float64, results []domain.TestOutcome) string {
	t.Helper()
	now := env.Clock.Format(time.RFC3339)
	run := domain.EvaluationRun{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Status:    domain.RunPending,
		CreatedAt: now,
	}
	for _, s := range domain.Suites {
		if _, ok := scores[s]; ok {
			run.Suites = append(run.Suites, s)
		}
	}
	tx, err := env.Service.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Service.Repo.InsertRun(env.Ctx, tx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	run.Status = status
	if status == domain.RunCompleted {
		run.SuiteScores = scores
		overall := weightedOverall(scores)
		grade := domain.GradeFor(overall)
		run.OverallScore = &overall
		run.Grade = &grade
		run.Results = results
		run.StartedAt = &now
		run.CompletedAt = &now
	}
	if err := env.Service.Repo.UpdateRun(env.Ctx, tx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return run.ID
}

func weightedOverall(scores map[string]float64) float64 {
	weights := map[string]float64{
		domain.SuiteCapability:    0.30,
		domain.SuiteSafety:        0.30,
		domain.SuiteReliability:   0.25,
		domain.SuiteCommunication: 0.15,
	}
	var sum, total float64
	for suite, score := range scores {
		sum += weights[suite] * score
		total += weights[suite]
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

func TestIssueSignsEligibleEvaluation(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "agent-1")
	results := []domain.TestOutcome{
		{TestID: "code_generation", Suite: domain.SuiteCapability, Score: 0.95, Passed: true, Threshold: 0.7},
		{TestID: "tool_use", Suite: domain.SuiteCapability, Score: 0.60, Passed: false, Threshold: 0.7},
		{TestID: "prompt_injection_resistance", Suite: domain.SuiteSafety, Score: 0.92, Passed: true, Threshold: 0.85},
	}
	runID := seedRun(t, env, "agent-1", domain.RunCompleted,
		map[string]float64{domain.SuiteCapability: 0.95, domain.SuiteSafety: 0.92}, results)

	cert, err := env.Service.Issue(env.Ctx, "agent-1", runID, 0, "tester")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cert.Grade != "A" {
		t.Fatalf("grade = %s, want A", cert.Grade)
	}
	wantExpiry := env.Clock.AddDate(0, 0, 90).Format(time.RFC3339)
	if cert.ExpiresAt != wantExpiry {
		t.Fatalf("expires_at = %s, want %s", cert.ExpiresAt, wantExpiry)
	}
	if len(cert.CertifiedCapabilities) != 1 || cert.CertifiedCapabilities[0] != "code_generation" {
		t.Fatalf("certified capabilities = %v", cert.CertifiedCapabilities)
	}
	if len(cert.NotCertified) != 1 || cert.NotCertified[0] != "tool_use" {
		t.Fatalf("not certified = %v", cert.NotCertified)
	}
	if len(cert.SafetyAttestations) != 1 || !cert.SafetyAttestations[0].Passed {
		t.Fatalf("safety attestations = %v", cert.SafetyAttestations)
	}
	payload, err := certs.CanonicalPayload(cert)
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	if !env.Service.Authority.Verify(payload, cert.Signature) {
		t.Fatal("signature does not verify over the canonical payload")
	}
}

func TestIssueEligibilityPolicy(t *testing.T) {
	safety := func(v float64) *float64 { return &v }
	cases := []struct {
		name    string
		scores  map[string]float64
		wantErr bool
	}{
		{"passes both floors", map[string]float64{domain.SuiteCapability: 0.80, domain.SuiteSafety: 0.90}, false},
		{"overall below floor", map[string]float64{domain.SuiteCapability: 0.40, domain.SuiteSafety: 0.90}, true},
		{"safety below floor", map[string]float64{domain.SuiteCapability: 0.99, domain.SuiteSafety: 0.80}, true},
		{"safety suite missing", map[string]float64{domain.SuiteCapability: 0.99, domain.SuiteReliability: 0.99}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			seedAgent(t, env, "agent-1")
			runID := seedRun(t, env, "agent-1", domain.RunCompleted, tc.scores, nil)
			_, err := env.Service.Issue(env.Ctx, "agent-1", runID, 0, "tester")
			if tc.wantErr {
				var ineligible certs.IneligibleEvaluationError
				if !errors.As(err, &ineligible) {
					t.Fatalf("err = %v, want IneligibleEvaluationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
		})
	}
	// Eligible is the policy in isolation.
	if certs.Eligible(0.70, safety(0.85)) != true {
		t.Fatal("exact floors should be eligible")
	}
	if certs.Eligible(0.95, nil) != false {
		t.Fatal("missing safety score should be ineligible")
	}
}

func TestIssueRejectsIncompleteOrForeignRuns(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "agent-1")
	seedAgent(t, env, "agent-2")

	if _, err := env.Service.Issue(env.Ctx, "agent-1", "no-such-run", 0, "tester"); !errors.Is(err, certs.ErrEvaluationNotFound) {
		t.Fatalf("missing run: err = %v", err)
	}

	pending := seedRun(t, env, "agent-1", domain.RunPending, nil, nil)
	if _, err := env.Service.Issue(env.Ctx, "agent-1", pending, 0, "tester"); !errors.Is(err, certs.ErrEvaluationNotCompleted) {
		t.Fatalf("pending run: err = %v", err)
	}

	completed := seedRun(t, env, "agent-1", domain.RunCompleted,
		map[string]float64{domain.SuiteCapability: 0.90, domain.SuiteSafety: 0.90}, nil)
	if _, err := env.Service.Issue(env.Ctx, "agent-2", completed, 0, "tester"); !errors.Is(err, certs.ErrAgentMismatch) {
		t.Fatalf("foreign run: err = %v", err)
	}
}

func TestGradeBands(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.95, "A"}, {0.90, "A"}, {0.89, "B"}, {0.80, "B"},
		{0.79, "C"}, {0.70, "C"}, {0.69, "D"}, {0.60, "D"}, {0.59, "F"}, {0, "F"},
	}
	for _, tc := range cases {
		if got := domain.GradeFor(tc.score); got != tc.want {
			t.Errorf("GradeFor(%.2f) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func issueTestCert(t *testing.T, env testEnv, agentID string) domain.Certificate {
	t.Helper()
	runID := seedRun(t, env, agentID, domain.RunCompleted,
		map[string]float64{domain.SuiteCapability: 0.90, domain.SuiteSafety: 0.90}, nil)
	cert, err := env.Service.Issue(env.Ctx, agentID, runID, 0, "tester")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return cert
}

func TestVerifyDerivedStatus(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "agent-1")
	cert := issueTestCert(t, env, "agent-1")

	v, err := env.Service.Verify(env.Ctx, cert.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Valid || v.Status != domain.CertActive || !v.SignatureValid {
		t.Fatalf("fresh certificate: %+v", v)
	}
	if v.DaysUntilExpiry < 89 || v.DaysUntilExpiry > 90 {
		t.Fatalf("days_until_expiry = %f", v.DaysUntilExpiry)
	}

	// One day past expiry the same certificate reads expired; no row changed.
	*env.Clock = env.Clock.AddDate(0, 0, 91)
	v, err = env.Service.Verify(env.Ctx, cert.ID)
	if err != nil {
		t.Fatalf("verify after expiry: %v", err)
	}
	if v.Valid || v.Status != domain.CertExpired {
		t.Fatalf("expired certificate: %+v", v)
	}
	if v.DaysUntilExpiry >= 0 {
		t.Fatalf("days_until_expiry = %f, want negative", v.DaysUntilExpiry)
	}
}

func TestRevokeIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "agent-1")
	cert := issueTestCert(t, env, "agent-1")

	if _, err := env.Service.Revoke(env.Ctx, cert.ID, "short", "tester"); err == nil {
		t.Fatal("short reason accepted")
	} else {
		var invalid certs.InvalidReasonError
		if !errors.As(err, &invalid) {
			t.Fatalf("short reason: err = %v", err)
		}
	}

	rv, err := env.Service.Revoke(env.Ctx, cert.ID, "compromised deployment credentials", "tester")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if rv.CertificateID != cert.ID {
		t.Fatalf("revocation certificate_id = %s", rv.CertificateID)
	}

	if _, err := env.Service.Revoke(env.Ctx, cert.ID, "trying to revoke a second time", "tester"); !errors.Is(err, certs.ErrAlreadyRevoked) {
		t.Fatalf("second revoke: err = %v", err)
	}

	// Revoked wins over expired and over active.
	v, err := env.Service.Verify(env.Ctx, cert.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Valid || v.Status != domain.CertRevoked || v.Reason != "compromised deployment credentials" {
		t.Fatalf("revoked certificate: %+v", v)
	}
	*env.Clock = env.Clock.AddDate(0, 0, 365)
	v, _ = env.Service.Verify(env.Ctx, cert.ID)
	if v.Status != domain.CertRevoked {
		t.Fatalf("status after expiry = %s, want revoked", v.Status)
	}
}

func TestVerifyDetectsTamperedCertificate(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "agent-1")
	cert := issueTestCert(t, env, "agent-1")

	// Upgrade the stored grade behind the service's back.
	if _, err := env.Service.DB.ExecContext(env.Ctx, `UPDATE certificates SET grade='A', overall_score=0.99 WHERE id=?`, cert.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	v, err := env.Service.Verify(env.Ctx, cert.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Valid || v.SignatureValid {
		t.Fatalf("tampered certificate verified: %+v", v)
	}
}

func TestChainBundleVerifiesOffline(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "agent-1")
	cert := issueTestCert(t, env, "agent-1")

	chain, err := env.Service.Chain(env.Ctx, cert.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if !chain.SignatureValid {
		t.Fatal("chain reports invalid signature")
	}
	pub, err := ca.ParsePublicKey(chain.CAPublicKey)
	if err != nil {
		t.Fatalf("parse ca key: %v", err)
	}
	payload, err := certs.CanonicalPayload(chain.Certificate)
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	if !ca.Verify(payload, chain.Signature, pub) {
		t.Fatal("bundle does not verify with only its own contents")
	}
}

func TestRegistryAndCRL(t *testing.T) {
	env := newTestEnv(t)
	seedAgent(t, env, "agent-1")
	seedAgent(t, env, "agent-2")
	seedAgent(t, env, "agent-3")
	kept := issueTestCert(t, env, "agent-1")
	revoked := issueTestCert(t, env, "agent-2")

	// agent-3's certificate expires before the registry is read.
	expired := issueTestCert(t, env, "agent-3")
	if _, err := env.Service.DB.ExecContext(env.Ctx, `UPDATE certificates SET expires_at=? WHERE id=?`,
		env.Clock.AddDate(0, 0, -1).Format(time.RFC3339), expired.ID); err != nil {
		t.Fatalf("age certificate: %v", err)
	}

	if _, err := env.Service.Revoke(env.Ctx, revoked.ID, "policy violation reported upstream", "tester"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	entries, err := env.Service.Registry(env.Ctx)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if len(entries) != 1 || entries[0].CertificateID != kept.ID {
		t.Fatalf("registry = %+v", entries)
	}

	crl, err := env.Service.CRL(env.Ctx)
	if err != nil {
		t.Fatalf("crl: %v", err)
	}
	if len(crl.Entries) != 1 || crl.Entries[0].CertificateID != revoked.ID {
		t.Fatalf("crl = %+v", crl.Entries)
	}
}
