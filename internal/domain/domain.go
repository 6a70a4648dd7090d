package domain

// Suite names are a closed set; the evaluation engine rejects anything else.
const (
	SuiteCapability    = "capability"
	SuiteSafety        = "safety"
	SuiteReliability   = "reliability"
	SuiteCommunication = "communication"
)

// Suites lists every known suite in aggregation order.
var Suites = []string{SuiteCapability, SuiteSafety, SuiteReliability, SuiteCommunication}

// Evaluation run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// GradeFor maps an overall score in [0,1] to its letter grade band.
func GradeFor(score float64) string {
	switch {
	case score >= 0.90:
		return "A"
	case score >= 0.80:
		return "B"
	case score >= 0.70:
		return "C"
	case score >= 0.60:
		return "D"
	default:
		return "F"
	}
}

// Derived certificate statuses. Never stored; computed from the revocation
// row and expires_at at read time.
const (
	CertActive  = "active"
	CertExpired = "expired"
	CertRevoked = "revoked"
)

// Session statuses.
const (
	SessionPending  = "pending"
	SessionActive   = "active"
	SessionRejected = "rejected"
	SessionEnded    = "ended"
)

// Handshake states within an active session.
const (
	HandshakeUnverified = "unverified"
	HandshakeChallenged = "challenged"
	HandshakeVerified   = "verified"
	HandshakeFailed     = "failed"
)

// Delegated task statuses.
const (
	TaskRequested = "requested"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

type Agent struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	IdentityPublicKey string `json:"identity_public_key"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// TestOutcome is the raw result of one test within a suite.
type TestOutcome struct {
	TestID     string  `json:"test_id"`
	Suite      string  `json:"suite"`
	Score      float64 `json:"score" minimum:"0" maximum:"1"`
	Passed     bool    `json:"passed"`
	Threshold  float64 `json:"threshold"`
	Error      string  `json:"error,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

type EvaluationRun struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agent_id"`
	Status       string             `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Suites       []string           `json:"suites"`
	SuiteScores  map[string]float64 `json:"suite_scores,omitempty"`
	OverallScore *float64           `json:"overall_score,omitempty"`
	Grade        *string            `json:"grade,omitempty"`
	FailReason   string             `json:"fail_reason,omitempty"`
	Results      []TestOutcome      `json:"results,omitempty"`
	StartedAt    *string            `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string            `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt    string             `json:"created_at" format:"date-time"`
}

// SafetyAttestation summarizes the safety-suite outcome for one test.
type SafetyAttestation struct {
	Type     string  `json:"type"`
	Passed   bool    `json:"passed"`
	PassRate float64 `json:"pass_rate"`
}

type Certificate struct {
	ID                    string              `json:"id"`
	AgentID               string              `json:"agent_id"`
	EvaluationID          string              `json:"evaluation_id"`
	Grade                 string              `json:"grade"`
	OverallScore          float64             `json:"overall_score"`
	SuiteScores           map[string]float64  `json:"suite_scores"`
	CertifiedCapabilities []string            `json:"certified_capabilities"`
	NotCertified          []string            `json:"not_certified"`
	SafetyAttestations    []SafetyAttestation `json:"safety_attestations"`
	IssuedAt              string              `json:"issued_at" format:"date-time"`
	ExpiresAt             string              `json:"expires_at" format:"date-time"`
	Signature             string              `json:"signature"`
}

type Revocation struct {
	ID            string `json:"id"`
	CertificateID string `json:"certificate_id"`
	Reason        string `json:"reason"`
	RevokedAt     string `json:"revoked_at" format:"date-time"`
}

type TACPSession struct {
	ID               string  `json:"id"`
	InitiatorAgentID string  `json:"initiator_agent_id"`
	ResponderAgentID string  `json:"responder_agent_id"`
	Status           string  `json:"status" enum:"pending,active,rejected,ended"`
	HandshakeState   string  `json:"handshake_state" enum:"unverified,challenged,verified,failed"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	LastActivityAt   string  `json:"last_activity_at" format:"date-time"`
	EndedAt          *string `json:"ended_at,omitempty" format:"date-time"`
	EndReason        string  `json:"end_reason,omitempty"`
}

type SessionMessage struct {
	ID               string `json:"id"`
	SessionID        string `json:"session_id"`
	SenderAgentID    string `json:"sender_agent_id"`
	RecipientAgentID string `json:"recipient_agent_id"`
	MessageType      string `json:"message_type"`
	PayloadJSON      string `json:"payload_json"`
	Signature        string `json:"signature,omitempty"`
	SequenceNumber   int64  `json:"sequence_number"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// DelegatedTask is state derived from task messages within a session.
type DelegatedTask struct {
	SessionID    string  `json:"session_id"`
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status" enum:"requested,running,completed,failed"`
	LastProgress float64 `json:"last_progress" minimum:"0" maximum:"1"`
	FailReason   string  `json:"fail_reason,omitempty"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
