package tacp

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustmodel/internal/ca"
	"trustmodel/internal/certs"
	"trustmodel/internal/config"
	"trustmodel/internal/domain"
	"trustmodel/internal/events"
	"trustmodel/internal/repo"
)

// Manager owns session state machines, handshake verification, sequence
// number assignment and task derivation. All transitions for one session are
// serialized behind a per-session mutex; different sessions run in parallel.
type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Certs  certs.Service
	Config *config.Config
	Now    func() time.Time

	mu     sync.Mutex
	states map[string]*sessionState
}

// sessionState is the in-memory side of a session: the outstanding trust
// challenge and live message subscribers. Rebuilt empty on restart; an
// unanswered challenge simply has to be reissued.
type sessionState struct {
	mu          sync.Mutex
	challenge   *pendingChallenge
	subscribers map[int]chan domain.SessionMessage
	nextSub     int
}

type pendingChallenge struct {
	nonce         string
	certificateID string
	target        string
	issuedAt      time.Time
}

func New(db *sql.DB, certSvc certs.Service, cfg *config.Config) *Manager {
	return &Manager{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Certs:  certSvc,
		Config: cfg,
		Now:    time.Now,
		states: map[string]*sessionState{},
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) state(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok {
		st = &sessionState{subscribers: map[int]chan domain.SessionMessage{}}
		m.states[sessionID] = st
	}
	return st
}

func newNonce() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("tacp: nonce entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Create opens a pending session between two registered, distinct agents.
func (m *Manager) Create(ctx context.Context, initiatorID, responderID, actorID string) (domain.TACPSession, error) {
	if initiatorID == responderID {
		return domain.TACPSession{}, ErrSelfSession
	}
	for _, id := range []string{initiatorID, responderID} {
		if _, err := m.Repo.GetAgent(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.TACPSession{}, ErrAgentNotFound
			}
			return domain.TACPSession{}, err
		}
	}
	now := m.now().UTC().Format(time.RFC3339)
	s := domain.TACPSession{
		ID:               uuid.New().String(),
		InitiatorAgentID: initiatorID,
		ResponderAgentID: responderID,
		Status:           domain.SessionPending,
		HandshakeState:   domain.HandshakeUnverified,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TACPSession{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.TACPSession{}, err
	}
	if err := m.Events.Append(ctx, tx, "session.created", "session", s.ID, actorID, events.EventPayload{
		"initiator_agent_id": initiatorID,
		"responder_agent_id": responderID,
	}); err != nil {
		return domain.TACPSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TACPSession{}, err
	}
	return s, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (domain.TACPSession, error) {
	s, err := m.Repo.GetSession(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.TACPSession{}, ErrSessionNotFound
	}
	return s, err
}

func (m *Manager) Messages(ctx context.Context, sessionID string) ([]domain.SessionMessage, error) {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.Repo.ListMessages(ctx, sessionID)
}

func (m *Manager) Tasks(ctx context.Context, sessionID string) ([]domain.DelegatedTask, error) {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.Repo.ListTasks(ctx, sessionID)
}

// Accept moves a pending session to active. Only the responder may accept.
func (m *Manager) Accept(ctx context.Context, sessionID, actorID string) (domain.TACPSession, error) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return domain.TACPSession{}, err
	}
	if actorID != s.ResponderAgentID {
		return domain.TACPSession{}, ErrNotParticipant
	}
	if s.Status != domain.SessionPending {
		return domain.TACPSession{}, SessionStateError{SessionID: s.ID, Status: s.Status, Op: "accept"}
	}
	s.Status = domain.SessionActive
	s.LastActivityAt = m.now().UTC().Format(time.RFC3339)
	if err := m.updateSession(ctx, s, "session.accepted", actorID, nil); err != nil {
		return domain.TACPSession{}, err
	}
	return s, nil
}

// Reject moves a pending session to its rejected terminal state.
func (m *Manager) Reject(ctx context.Context, sessionID, actorID, reason string) (domain.TACPSession, error) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return domain.TACPSession{}, err
	}
	if actorID != s.ResponderAgentID {
		return domain.TACPSession{}, ErrNotParticipant
	}
	if s.Status != domain.SessionPending {
		return domain.TACPSession{}, SessionStateError{SessionID: s.ID, Status: s.Status, Op: "reject"}
	}
	now := m.now().UTC().Format(time.RFC3339)
	s.Status = domain.SessionRejected
	s.LastActivityAt = now
	s.EndedAt = &now
	s.EndReason = reason
	if err := m.updateSession(ctx, s, "session.rejected", actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.TACPSession{}, err
	}
	return s, nil
}

// End terminates a pending or active session. Tasks still requested or
// running are failed with reason "session_ended" in the same transaction.
func (m *Manager) End(ctx context.Context, sessionID, actorID, reason string) (domain.TACPSession, error) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.endLocked(ctx, st, sessionID, actorID, reason)
}

func (m *Manager) endLocked(ctx context.Context, st *sessionState, sessionID, actorID, reason string) (domain.TACPSession, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return domain.TACPSession{}, err
	}
	if s.Status != domain.SessionPending && s.Status != domain.SessionActive {
		return domain.TACPSession{}, SessionStateError{SessionID: s.ID, Status: s.Status, Op: "end"}
	}
	if reason == "" {
		reason = "ended"
	}
	now := m.now().UTC().Format(time.RFC3339)
	s.Status = domain.SessionEnded
	s.LastActivityAt = now
	s.EndedAt = &now
	s.EndReason = reason
	st.challenge = nil

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TACPSession{}, err
	}
	defer tx.Rollback()
	open, err := m.Repo.ListOpenTasks(ctx, tx, sessionID)
	if err != nil {
		return domain.TACPSession{}, err
	}
	for _, task := range open {
		task.Status = domain.TaskFailed
		task.FailReason = "session_ended"
		task.UpdatedAt = now
		if err := m.Repo.UpsertTask(ctx, tx, task); err != nil {
			return domain.TACPSession{}, err
		}
	}
	if err := m.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.TACPSession{}, err
	}
	if err := m.Events.Append(ctx, tx, "session.ended", "session", s.ID, actorID, events.EventPayload{
		"reason":       reason,
		"failed_tasks": len(open),
	}); err != nil {
		return domain.TACPSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TACPSession{}, err
	}
	return s, nil
}

// Send routes one protocol message through the session state machine. The
// payload is decoded strictly against the variant's shape. Accepted messages
// get the next sequence number and are fanned out to subscribers; rejected
// ones leave no message behind. A failed trust proof is the one exception:
// it is recorded, since it transitions the handshake to failed.
func (m *Manager) Send(ctx context.Context, sessionID, senderID, messageType string, payload json.RawMessage) (domain.SessionMessage, error) {
	return m.SendSigned(ctx, sessionID, senderID, messageType, payload, "")
}

// SendSigned is Send with a detached sender signature over the payload. The
// signature is stored with the message for relying parties to check; the
// manager itself only verifies the handshake nonce signature.
func (m *Manager) SendSigned(ctx context.Context, sessionID, senderID, messageType string, payload json.RawMessage, signature string) (domain.SessionMessage, error) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return domain.SessionMessage{}, err
	}
	if s.Status != domain.SessionActive {
		return domain.SessionMessage{}, SessionStateError{SessionID: s.ID, Status: s.Status, Op: "send message"}
	}
	var recipient string
	switch senderID {
	case s.InitiatorAgentID:
		recipient = s.ResponderAgentID
	case s.ResponderAgentID:
		recipient = s.InitiatorAgentID
	default:
		return domain.SessionMessage{}, ErrNotParticipant
	}

	switch messageType {
	case MsgTrustChallenge:
		return m.handleChallenge(ctx, st, s, senderID, recipient, payload, signature)
	case MsgTrustProof:
		return m.handleProof(ctx, st, s, senderID, recipient, payload, signature)
	case MsgTaskRequest, MsgTaskProgress, MsgTaskComplete, MsgTaskFailed:
		if s.HandshakeState != domain.HandshakeVerified {
			return domain.SessionMessage{}, ErrTrustNotEstablished
		}
		return m.handleTask(ctx, st, s, senderID, recipient, messageType, payload, signature)
	default:
		return domain.SessionMessage{}, UnknownMessageTypeError{Type: messageType}
	}
}

// handleChallenge issues a fresh nonce. Re-challenging is always permitted
// while the session is active; it supersedes any outstanding challenge.
func (m *Manager) handleChallenge(ctx context.Context, st *sessionState, s domain.TACPSession, senderID, recipient string, payload json.RawMessage, signature string) (domain.SessionMessage, error) {
	var in TrustChallengePayload
	if err := decodePayload(payload, &in); err != nil {
		return domain.SessionMessage{}, err
	}
	out := TrustChallengePayload{Nonce: newNonce(), CertificateID: in.CertificateID}
	st.challenge = &pendingChallenge{
		nonce:         out.Nonce,
		certificateID: out.CertificateID,
		target:        recipient,
		issuedAt:      m.now(),
	}
	s.HandshakeState = domain.HandshakeChallenged
	return m.appendMessage(ctx, st, s, senderID, recipient, MsgTrustChallenge, out, signature,
		"trust.challenged", events.EventPayload{"target_agent_id": recipient})
}

func (m *Manager) handleProof(ctx context.Context, st *sessionState, s domain.TACPSession, senderID, recipient string, payload json.RawMessage, signature string) (domain.SessionMessage, error) {
	var proof TrustProofPayload
	if err := decodePayload(payload, &proof); err != nil {
		return domain.SessionMessage{}, err
	}
	ch := st.challenge
	if s.HandshakeState != domain.HandshakeChallenged || ch == nil || ch.target != senderID {
		return domain.SessionMessage{}, ErrNoChallenge
	}

	reason := ""
	if m.now().Sub(ch.issuedAt) > m.Config.ChallengeTTL() {
		reason = "challenge expired"
	} else {
		reason = m.proofFailure(ctx, ch, senderID, proof)
	}
	st.challenge = nil
	if reason != "" {
		s.HandshakeState = domain.HandshakeFailed
		msg, err := m.appendMessage(ctx, st, s, senderID, recipient, MsgTrustProof, proof, signature,
			"trust.failed", events.EventPayload{"reason": reason})
		if err != nil {
			return domain.SessionMessage{}, err
		}
		return msg, TrustVerificationError{Reason: reason}
	}
	s.HandshakeState = domain.HandshakeVerified
	return m.appendMessage(ctx, st, s, senderID, recipient, MsgTrustProof, proof, signature,
		"trust.verified", events.EventPayload{"certificate_id": proof.CertificateChain.Certificate.ID})
}

// proofFailure runs the three handshake checks and returns the first failure
// reason, or "" when the proof is good: the chain must resolve to our CA,
// the certificate must be active, and the nonce signature must verify under
// the sender's registered identity key.
func (m *Manager) proofFailure(ctx context.Context, ch *pendingChallenge, senderID string, proof TrustProofPayload) string {
	chain := proof.CertificateChain
	if chain.CAPublicKey != m.Certs.Authority.PublicKeyHex() {
		return "certificate chain does not resolve to the known CA"
	}
	canonical, err := certs.CanonicalPayload(chain.Certificate)
	if err != nil {
		return "certificate chain is malformed"
	}
	if !m.Certs.Authority.Verify(canonical, chain.Signature) {
		return "certificate chain signature invalid"
	}
	if ch.certificateID != "" && chain.Certificate.ID != ch.certificateID {
		return "certificate does not match the challenged certificate"
	}
	if chain.Certificate.AgentID != senderID {
		return "certificate does not belong to the sender"
	}
	v, err := m.Certs.Verify(ctx, chain.Certificate.ID)
	if err != nil {
		return "certificate not found"
	}
	if !v.Valid {
		return "certificate is " + v.Status
	}
	agent, err := m.Repo.GetAgent(ctx, senderID)
	if err != nil {
		return "sender not registered"
	}
	if agent.IdentityPublicKey == "" {
		return "sender has no registered identity key"
	}
	pub, err := ca.ParsePublicKey(agent.IdentityPublicKey)
	if err != nil {
		return "sender identity key is malformed"
	}
	if !ca.Verify([]byte(ch.nonce), proof.SignedNonce, pub) {
		return "nonce signature invalid"
	}
	return ""
}

func (m *Manager) handleTask(ctx context.Context, st *sessionState, s domain.TACPSession, senderID, recipient, messageType string, payload json.RawMessage, signature string) (domain.SessionMessage, error) {
	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SessionMessage{}, err
	}
	defer tx.Rollback()

	var (
		out     any
		evtType string
		evt     events.EventPayload
	)
	switch messageType {
	case MsgTaskRequest:
		var p TaskRequestPayload
		if err := decodePayload(payload, &p); err != nil {
			return domain.SessionMessage{}, err
		}
		if p.TaskID == "" {
			return domain.SessionMessage{}, errors.New("task_id is required")
		}
		if existing, err := m.Repo.GetTask(ctx, tx, s.ID, p.TaskID); err == nil {
			return domain.SessionMessage{}, TaskStateError{TaskID: p.TaskID, Status: existing.Status, Op: "request"}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.SessionMessage{}, err
		}
		task := domain.DelegatedTask{SessionID: s.ID, TaskID: p.TaskID, Status: domain.TaskRequested, UpdatedAt: now}
		if err := m.Repo.UpsertTask(ctx, tx, task); err != nil {
			return domain.SessionMessage{}, err
		}
		out, evtType, evt = p, "task.requested", events.EventPayload{"task_id": p.TaskID}
	case MsgTaskProgress:
		var p TaskProgressPayload
		if err := decodePayload(payload, &p); err != nil {
			return domain.SessionMessage{}, err
		}
		if p.Progress < 0 || p.Progress > 1 {
			return domain.SessionMessage{}, errors.New("progress must be within [0,1]")
		}
		task, err := m.openTask(ctx, tx, s.ID, p.TaskID, "report progress on")
		if err != nil {
			return domain.SessionMessage{}, err
		}
		if p.Progress < task.LastProgress {
			// High water mark holds; the stale update is rejected and logged.
			log.Printf("tacp: session %s task %s: stale progress %.2f behind %.2f, rejected",
				s.ID, p.TaskID, p.Progress, task.LastProgress)
			return domain.SessionMessage{}, StaleProgressError{TaskID: p.TaskID, Current: task.LastProgress, Proposed: p.Progress}
		}
		task.Status = domain.TaskRunning
		task.LastProgress = p.Progress
		task.UpdatedAt = now
		if err := m.Repo.UpsertTask(ctx, tx, task); err != nil {
			return domain.SessionMessage{}, err
		}
		out, evtType, evt = p, "task.progress", events.EventPayload{"task_id": p.TaskID, "progress": p.Progress}
	case MsgTaskComplete:
		var p TaskCompletePayload
		if err := decodePayload(payload, &p); err != nil {
			return domain.SessionMessage{}, err
		}
		task, err := m.openTask(ctx, tx, s.ID, p.TaskID, "complete")
		if err != nil {
			return domain.SessionMessage{}, err
		}
		task.Status = domain.TaskCompleted
		task.LastProgress = 1
		task.UpdatedAt = now
		if err := m.Repo.UpsertTask(ctx, tx, task); err != nil {
			return domain.SessionMessage{}, err
		}
		out, evtType, evt = p, "task.completed", events.EventPayload{"task_id": p.TaskID}
	case MsgTaskFailed:
		var p TaskFailedPayload
		if err := decodePayload(payload, &p); err != nil {
			return domain.SessionMessage{}, err
		}
		task, err := m.openTask(ctx, tx, s.ID, p.TaskID, "fail")
		if err != nil {
			return domain.SessionMessage{}, err
		}
		task.Status = domain.TaskFailed
		task.FailReason = p.Reason
		task.UpdatedAt = now
		if err := m.Repo.UpsertTask(ctx, tx, task); err != nil {
			return domain.SessionMessage{}, err
		}
		out, evtType, evt = p, "task.failed", events.EventPayload{"task_id": p.TaskID, "reason": p.Reason}
	}

	s.LastActivityAt = now
	msg, err := m.insertMessage(ctx, tx, s, senderID, recipient, messageType, out, signature, evtType, evt)
	if err != nil {
		return domain.SessionMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SessionMessage{}, err
	}
	m.notify(st, msg)
	return msg, nil
}

func (m *Manager) openTask(ctx context.Context, tx *sql.Tx, sessionID, taskID, op string) (domain.DelegatedTask, error) {
	task, err := m.Repo.GetTask(ctx, tx, sessionID, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DelegatedTask{}, ErrTaskNotFound
	}
	if err != nil {
		return domain.DelegatedTask{}, err
	}
	if task.Status != domain.TaskRequested && task.Status != domain.TaskRunning {
		return domain.DelegatedTask{}, TaskStateError{TaskID: taskID, Status: task.Status, Op: op}
	}
	return task, nil
}

// appendMessage persists a message plus the session update and audit event
// in one transaction, then fans the message out.
func (m *Manager) appendMessage(ctx context.Context, st *sessionState, s domain.TACPSession, senderID, recipient, messageType string, payload any, signature string, evtType string, evt events.EventPayload) (domain.SessionMessage, error) {
	s.LastActivityAt = m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SessionMessage{}, err
	}
	defer tx.Rollback()
	msg, err := m.insertMessage(ctx, tx, s, senderID, recipient, messageType, payload, signature, evtType, evt)
	if err != nil {
		return domain.SessionMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SessionMessage{}, err
	}
	m.notify(st, msg)
	return msg, nil
}

func (m *Manager) insertMessage(ctx context.Context, tx *sql.Tx, s domain.TACPSession, senderID, recipient, messageType string, payload any, signature string, evtType string, evt events.EventPayload) (domain.SessionMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SessionMessage{}, err
	}
	seq, err := m.Repo.NextSequenceNumber(ctx, tx, s.ID)
	if err != nil {
		return domain.SessionMessage{}, err
	}
	msg := domain.SessionMessage{
		ID:               uuid.New().String(),
		SessionID:        s.ID,
		SenderAgentID:    senderID,
		RecipientAgentID: recipient,
		MessageType:      messageType,
		PayloadJSON:      string(body),
		Signature:        signature,
		SequenceNumber:   seq,
		CreatedAt:        m.now().UTC().Format(time.RFC3339),
	}
	if err := m.Repo.InsertMessage(ctx, tx, msg); err != nil {
		return domain.SessionMessage{}, err
	}
	if err := m.Repo.UpdateSession(ctx, tx, s); err != nil {
		return domain.SessionMessage{}, err
	}
	if err := m.Events.Append(ctx, tx, evtType, "session", s.ID, senderID, evt); err != nil {
		return domain.SessionMessage{}, err
	}
	return msg, nil
}

func (m *Manager) updateSession(ctx context.Context, s domain.TACPSession, evtType, actorID string, evt events.EventPayload) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateSession(ctx, tx, s); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, tx, evtType, "session", s.ID, actorID, evt); err != nil {
		return err
	}
	return tx.Commit()
}

// Subscribe registers a live feed of accepted messages for a session. The
// returned cancel func must be called to release the channel. Slow consumers
// miss messages rather than blocking the session.
func (m *Manager) Subscribe(sessionID string) (<-chan domain.SessionMessage, func()) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	ch := make(chan domain.SessionMessage, 16)
	id := st.nextSub
	st.nextSub++
	st.subscribers[id] = ch
	return ch, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if _, ok := st.subscribers[id]; ok {
			delete(st.subscribers, id)
			close(ch)
		}
	}
}

func (m *Manager) notify(st *sessionState, msg domain.SessionMessage) {
	for _, ch := range st.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Sweep ends idle sessions and fails handshakes whose challenge went
// unanswered past the TTL. Returns the number of sessions ended.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.Config.IdleTimeout()).Format(time.RFC3339)
	idle, err := m.Repo.ListIdleActiveSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	ended := 0
	for _, s := range idle {
		st := m.state(s.ID)
		st.mu.Lock()
		if _, err := m.endLocked(ctx, st, s.ID, "sweeper", "idle_timeout"); err != nil {
			log.Printf("tacp: sweep session %s: %v", s.ID, err)
		} else {
			ended++
		}
		st.mu.Unlock()
	}

	m.mu.Lock()
	var challenged []string
	for id, st := range m.states {
		st.mu.Lock()
		if st.challenge != nil && m.now().Sub(st.challenge.issuedAt) > m.Config.ChallengeTTL() {
			challenged = append(challenged, id)
		}
		st.mu.Unlock()
	}
	m.mu.Unlock()
	for _, id := range challenged {
		if err := m.expireChallenge(ctx, id); err != nil {
			log.Printf("tacp: expire challenge for session %s: %v", id, err)
		}
	}
	return ended, nil
}

func (m *Manager) expireChallenge(ctx context.Context, sessionID string) error {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.challenge == nil || m.now().Sub(st.challenge.issuedAt) <= m.Config.ChallengeTTL() {
		return nil
	}
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	st.challenge = nil
	if s.Status != domain.SessionActive || s.HandshakeState != domain.HandshakeChallenged {
		return nil
	}
	s.HandshakeState = domain.HandshakeFailed
	return m.updateSession(ctx, s, "trust.failed", "sweeper", events.EventPayload{"reason": "challenge expired"})
}

// RunSweeper periodically calls Sweep until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("tacp: sweep: %v", err)
			}
		}
	}
}
