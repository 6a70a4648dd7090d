package tacp_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
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
	"trustmodel/internal/tacp"
)

type testEnv struct {
	Manager *tacp.Manager
	Certs   certs.Service
	Ctx     context.Context
	Clock   *time.Time
	keys    map[string]ed25519.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
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
	clock := func() time.Time { return now }
	certSvc := certs.New(conn, authority, config.Default(dir))
	certSvc.Now = clock
	mgr := tacp.New(conn, certSvc, config.Default(dir))
	mgr.Now = clock
	return &testEnv{
		Manager: mgr,
		Certs:   certSvc,
		Ctx:     context.Background(),
		Clock:   &now,
		keys:    map[string]ed25519.PrivateKey{},
	}
}

func (env *testEnv) seedAgent(t *testing.T, id string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	env.keys[id] = priv
	err = env.Certs.Repo.InsertAgent(env.Ctx, domain.Agent{
		ID:                id,
		Name:              id,
		IdentityPublicKey: hex.EncodeToString(pub),
		CreatedAt:         env.Clock.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func (env *testEnv) issueCert(t *testing.T, agentID string) domain.Certificate {
	t.Helper()
	now := env.Clock.Format(time.RFC3339)
	overall := 0.9
	grade := "A"
	run := domain.EvaluationRun{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Status:    domain.RunPending,
		Suites:    []string{domain.SuiteCapability, domain.SuiteSafety},
		CreatedAt: now,
	}
	tx, err := env.Certs.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Certs.Repo.InsertRun(env.Ctx, tx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	run.Status = domain.RunCompleted
	run.SuiteScores = map[string]float64{domain.SuiteCapability: 0.9, domain.SuiteSafety: 0.9}
	run.OverallScore = &overall
	run.Grade = &grade
	run.StartedAt = &now
	run.CompletedAt = &now
	if err := env.Certs.Repo.UpdateRun(env.Ctx, tx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	cert, err := env.Certs.Issue(env.Ctx, agentID, run.ID, 0, "tester")
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	return cert
}

// activeSession creates and accepts a session between two fresh agents.
func (env *testEnv) activeSession(t *testing.T) domain.TACPSession {
	t.Helper()
	env.seedAgent(t, "alice")
	env.seedAgent(t, "bob")
	s, err := env.Manager.Create(env.Ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	s, err = env.Manager.Accept(env.Ctx, s.ID, "bob")
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	return s
}

// proveTrust runs a full challenge/proof exchange: bob challenges, alice
// answers with her certificate chain and signed nonce.
func (env *testEnv) proveTrust(t *testing.T, sessionID string, cert domain.Certificate) {
	t.Helper()
	challenge, err := env.Manager.Send(env.Ctx, sessionID, "bob", tacp.MsgTrustChallenge, nil)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	var ch tacp.TrustChallengePayload
	if err := json.Unmarshal([]byte(challenge.PayloadJSON), &ch); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	chain, err := env.Certs.Chain(env.Ctx, cert.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	proof, err := json.Marshal(tacp.TrustProofPayload{
		SignedNonce:      hex.EncodeToString(ed25519.Sign(env.keys["alice"], []byte(ch.Nonce))),
		CertificateChain: chain,
	})
	if err != nil {
		t.Fatalf("marshal proof: %v", err)
	}
	if _, err := env.Manager.Send(env.Ctx, sessionID, "alice", tacp.MsgTrustProof, proof); err != nil {
		t.Fatalf("proof: %v", err)
	}
}

func TestSessionLifecycleValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "alice")
	env.seedAgent(t, "bob")

	if _, err := env.Manager.Create(env.Ctx, "alice", "alice", "alice"); !errors.Is(err, tacp.ErrSelfSession) {
		t.Fatalf("self session: err = %v", err)
	}
	if _, err := env.Manager.Create(env.Ctx, "alice", "ghost", "alice"); !errors.Is(err, tacp.ErrAgentNotFound) {
		t.Fatalf("unknown agent: err = %v", err)
	}

	s, err := env.Manager.Create(env.Ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Status != domain.SessionPending || s.HandshakeState != domain.HandshakeUnverified {
		t.Fatalf("new session = %+v", s)
	}

	// Messages flow only through active sessions, and only the responder
	// decides on a pending one.
	var stateErr tacp.SessionStateError
	if _, err := env.Manager.Send(env.Ctx, s.ID, "alice", tacp.MsgTrustChallenge, nil); !errors.As(err, &stateErr) {
		t.Fatalf("send on pending: err = %v", err)
	}
	if _, err := env.Manager.Accept(env.Ctx, s.ID, "alice"); !errors.Is(err, tacp.ErrNotParticipant) {
		t.Fatalf("accept by initiator: err = %v", err)
	}

	s, err = env.Manager.Accept(env.Ctx, s.ID, "bob")
	if err != nil || s.Status != domain.SessionActive {
		t.Fatalf("accept: %v (%+v)", err, s)
	}
	if _, err := env.Manager.Accept(env.Ctx, s.ID, "bob"); !errors.As(err, &stateErr) {
		t.Fatalf("double accept: err = %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "alice")
	env.seedAgent(t, "bob")
	s, _ := env.Manager.Create(env.Ctx, "alice", "bob", "alice")
	s, err := env.Manager.Reject(env.Ctx, s.ID, "bob", "not accepting work")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if s.Status != domain.SessionRejected || s.EndedAt == nil {
		t.Fatalf("rejected session = %+v", s)
	}
	var stateErr tacp.SessionStateError
	if _, err := env.Manager.Accept(env.Ctx, s.ID, "bob"); !errors.As(err, &stateErr) {
		t.Fatalf("accept after reject: err = %v", err)
	}
	if _, err := env.Manager.End(env.Ctx, s.ID, "bob", ""); !errors.As(err, &stateErr) {
		t.Fatalf("end after reject: err = %v", err)
	}
}

func TestHandshakeFailureIsRecoverable(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	cert := env.issueCert(t, "alice")

	// Task messages are gated until trust is established.
	req, _ := json.Marshal(tacp.TaskRequestPayload{TaskID: "t-1"})
	if _, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTaskRequest, req); !errors.Is(err, tacp.ErrTrustNotEstablished) {
		t.Fatalf("task before trust: err = %v", err)
	}

	// Proof without an outstanding challenge.
	if _, err := env.Manager.Send(env.Ctx, s.ID, "alice", tacp.MsgTrustProof, nil); !errors.Is(err, tacp.ErrNoChallenge) {
		t.Fatalf("proof without challenge: err = %v", err)
	}

	// Bad proof: nonce signed by the wrong key.
	if _, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTrustChallenge, nil); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	chain, _ := env.Certs.Chain(env.Ctx, cert.ID)
	badProof, _ := json.Marshal(tacp.TrustProofPayload{
		SignedNonce:      hex.EncodeToString(ed25519.Sign(env.keys["bob"], []byte("wrong bytes"))),
		CertificateChain: chain,
	})
	var trustErr tacp.TrustVerificationError
	if _, err := env.Manager.Send(env.Ctx, s.ID, "alice", tacp.MsgTrustProof, badProof); !errors.As(err, &trustErr) {
		t.Fatalf("bad proof: err = %v", err)
	}
	got, _ := env.Manager.Get(env.Ctx, s.ID)
	if got.Status != domain.SessionActive || got.HandshakeState != domain.HandshakeFailed {
		t.Fatalf("after bad proof: %+v", got)
	}

	// Re-challenge and succeed.
	env.proveTrust(t, s.ID, cert)
	got, _ = env.Manager.Get(env.Ctx, s.ID)
	if got.HandshakeState != domain.HandshakeVerified {
		t.Fatalf("handshake = %s, want verified", got.HandshakeState)
	}

	// Task messages now pass.
	if _, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTaskRequest, req); err != nil {
		t.Fatalf("task after trust: %v", err)
	}
}

func TestProofRejectsRevokedCertificate(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	cert := env.issueCert(t, "alice")
	if _, err := env.Certs.Revoke(env.Ctx, cert.ID, "credential compromise reported", "tester"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	challenge, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTrustChallenge, nil)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	var ch tacp.TrustChallengePayload
	json.Unmarshal([]byte(challenge.PayloadJSON), &ch)
	chain, _ := env.Certs.Chain(env.Ctx, cert.ID)
	proof, _ := json.Marshal(tacp.TrustProofPayload{
		SignedNonce:      hex.EncodeToString(ed25519.Sign(env.keys["alice"], []byte(ch.Nonce))),
		CertificateChain: chain,
	})
	var trustErr tacp.TrustVerificationError
	if _, err := env.Manager.Send(env.Ctx, s.ID, "alice", tacp.MsgTrustProof, proof); !errors.As(err, &trustErr) {
		t.Fatalf("revoked cert proof: err = %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	cert := env.issueCert(t, "alice")

	challenge, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTrustChallenge, nil)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	*env.Clock = env.Clock.Add(2 * time.Minute)

	var ch tacp.TrustChallengePayload
	json.Unmarshal([]byte(challenge.PayloadJSON), &ch)
	chain, _ := env.Certs.Chain(env.Ctx, cert.ID)
	proof, _ := json.Marshal(tacp.TrustProofPayload{
		SignedNonce:      hex.EncodeToString(ed25519.Sign(env.keys["alice"], []byte(ch.Nonce))),
		CertificateChain: chain,
	})
	var trustErr tacp.TrustVerificationError
	if _, err := env.Manager.Send(env.Ctx, s.ID, "alice", tacp.MsgTrustProof, proof); !errors.As(err, &trustErr) {
		t.Fatalf("late proof: err = %v", err)
	}
	got, _ := env.Manager.Get(env.Ctx, s.ID)
	if got.HandshakeState != domain.HandshakeFailed {
		t.Fatalf("handshake = %s, want failed", got.HandshakeState)
	}
}

func TestTaskProgressHighWaterMark(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	env.proveTrust(t, s.ID, env.issueCert(t, "alice"))

	send := func(msgType string, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		_, err = env.Manager.Send(env.Ctx, s.ID, "bob", msgType, raw)
		return err
	}
	if err := send(tacp.MsgTaskRequest, tacp.TaskRequestPayload{TaskID: "t-1"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := send(tacp.MsgTaskProgress, tacp.TaskProgressPayload{TaskID: "t-1", Progress: 0.2}); err != nil {
		t.Fatalf("progress 0.2: %v", err)
	}
	if err := send(tacp.MsgTaskProgress, tacp.TaskProgressPayload{TaskID: "t-1", Progress: 0.5}); err != nil {
		t.Fatalf("progress 0.5: %v", err)
	}
	var stale tacp.StaleProgressError
	if err := send(tacp.MsgTaskProgress, tacp.TaskProgressPayload{TaskID: "t-1", Progress: 0.3}); !errors.As(err, &stale) {
		t.Fatalf("regressed progress: err = %v", err)
	}
	tasks, _ := env.Manager.Tasks(env.Ctx, s.ID)
	if len(tasks) != 1 || tasks[0].LastProgress != 0.5 || tasks[0].Status != domain.TaskRunning {
		t.Fatalf("tasks = %+v", tasks)
	}

	if err := send(tacp.MsgTaskComplete, tacp.TaskCompletePayload{TaskID: "t-1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var taskState tacp.TaskStateError
	if err := send(tacp.MsgTaskProgress, tacp.TaskProgressPayload{TaskID: "t-1", Progress: 0.9}); !errors.As(err, &taskState) {
		t.Fatalf("progress on completed task: err = %v", err)
	}
	if err := send(tacp.MsgTaskProgress, tacp.TaskProgressPayload{TaskID: "ghost", Progress: 0.1}); !errors.Is(err, tacp.ErrTaskNotFound) {
		t.Fatalf("progress on unknown task: err = %v", err)
	}
}

func TestSequenceNumbersAreTotalOrder(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	env.proveTrust(t, s.ID, env.issueCert(t, "alice"))

	for _, id := range []string{"t-1", "t-2", "t-3"} {
		raw, _ := json.Marshal(tacp.TaskRequestPayload{TaskID: id})
		if _, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTaskRequest, raw); err != nil {
			t.Fatalf("request %s: %v", id, err)
		}
	}
	msgs, err := env.Manager.Messages(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	for i, msg := range msgs {
		if msg.SequenceNumber != int64(i+1) {
			t.Fatalf("message %d has sequence %d", i, msg.SequenceNumber)
		}
	}
}

func TestSenderSignatureIsStored(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	env.proveTrust(t, s.ID, env.issueCert(t, "alice"))

	raw, _ := json.Marshal(tacp.TaskRequestPayload{TaskID: "t-1"})
	sig := hex.EncodeToString(ed25519.Sign(env.keys["bob"], raw))
	sent, err := env.Manager.SendSigned(env.Ctx, s.ID, "bob", tacp.MsgTaskRequest, raw, sig)
	if err != nil {
		t.Fatalf("send signed: %v", err)
	}
	if sent.Signature != sig {
		t.Fatalf("returned signature = %q, want %q", sent.Signature, sig)
	}

	msgs, err := env.Manager.Messages(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	var got *domain.SessionMessage
	for i := range msgs {
		if msgs[i].ID == sent.ID {
			got = &msgs[i]
		} else if msgs[i].Signature != "" {
			// Handshake messages went through Send and carry no signature.
			t.Fatalf("message %s has signature %q", msgs[i].ID, msgs[i].Signature)
		}
	}
	if got == nil {
		t.Fatal("signed message not listed")
	}
	if got.Signature != sig {
		t.Fatalf("stored signature = %q, want %q", got.Signature, sig)
	}
}

func TestEndFailsOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	env.proveTrust(t, s.ID, env.issueCert(t, "alice"))

	for _, id := range []string{"t-1", "t-2"} {
		raw, _ := json.Marshal(tacp.TaskRequestPayload{TaskID: id})
		if _, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTaskRequest, raw); err != nil {
			t.Fatalf("request: %v", err)
		}
	}
	raw, _ := json.Marshal(tacp.TaskCompletePayload{TaskID: "t-1"})
	if _, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTaskComplete, raw); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ended, err := env.Manager.End(env.Ctx, s.ID, "alice", "")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != domain.SessionEnded || ended.EndedAt == nil {
		t.Fatalf("ended session = %+v", ended)
	}
	tasks, _ := env.Manager.Tasks(env.Ctx, s.ID)
	for _, task := range tasks {
		switch task.TaskID {
		case "t-1":
			if task.Status != domain.TaskCompleted {
				t.Fatalf("t-1 = %+v", task)
			}
		case "t-2":
			if task.Status != domain.TaskFailed || task.FailReason != "session_ended" {
				t.Fatalf("t-2 = %+v", task)
			}
		}
	}
	var stateErr tacp.SessionStateError
	if _, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTrustChallenge, nil); !errors.As(err, &stateErr) {
		t.Fatalf("send after end: err = %v", err)
	}
}

func TestSweepEndsIdleSessions(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)

	*env.Clock = env.Clock.Add(20 * time.Minute)
	ended, err := env.Manager.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ended != 1 {
		t.Fatalf("ended = %d, want 1", ended)
	}
	got, _ := env.Manager.Get(env.Ctx, s.ID)
	if got.Status != domain.SessionEnded || got.EndReason != "idle_timeout" {
		t.Fatalf("swept session = %+v", got)
	}
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	var unknown tacp.UnknownMessageTypeError
	if _, err := env.Manager.Send(env.Ctx, s.ID, "alice", "ping", nil); !errors.As(err, &unknown) {
		t.Fatalf("unknown type: err = %v", err)
	}
	// Unknown payload fields are rejected, not passed through.
	raw := json.RawMessage(`{"task_id":"t-1","surprise":true}`)
	env.proveTrust(t, s.ID, env.issueCert(t, "alice"))
	if _, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTaskRequest, raw); err == nil {
		t.Fatal("unknown payload field accepted")
	}
}

func TestSubscribeReceivesAcceptedMessages(t *testing.T) {
	env := newTestEnv(t)
	s := env.activeSession(t)
	ch, cancel := env.Manager.Subscribe(s.ID)
	defer cancel()

	env.proveTrust(t, s.ID, env.issueCert(t, "alice"))
	raw, _ := json.Marshal(tacp.TaskRequestPayload{TaskID: "t-1"})
	sent, err := env.Manager.Send(env.Ctx, s.ID, "bob", tacp.MsgTaskRequest, raw)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var last domain.SessionMessage
	for i := 0; i < 3; i++ { // challenge, proof, task_request
		select {
		case last = <-ch:
		case <-time.After(time.Second):
			t.Fatal("no message delivered")
		}
	}
	if last.ID != sent.ID || last.MessageType != tacp.MsgTaskRequest {
		t.Fatalf("delivered = %+v", last)
	}
}
