package server

import "encoding/json"

type RegisterAgentRequest struct {
	Name              string `json:"name" example:"research-agent"`
	IdentityPublicKey string `json:"identity_public_key,omitempty" doc:"Hex-encoded Ed25519 public key used to answer trust challenges"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty" example:"ci"`
}

// APIKeyResponse carries the raw key exactly once, at mint time. Only the
// hash is stored.
type APIKeyResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StartEvaluationRequest struct {
	AgentID string   `json:"agent_id"`
	Suites  []string `json:"suites,omitempty" doc:"Subset of capability, safety, reliability, communication; empty runs all"`
}

type IssueCertificateRequest struct {
	AgentID      string `json:"agent_id"`
	EvaluationID string `json:"evaluation_id"`
	ValidityDays int    `json:"validity_days,omitempty" doc:"Defaults to the configured validity"`
}

type RevokeCertificateRequest struct {
	Reason string `json:"reason"`
}

type CreateSessionRequest struct {
	InitiatorAgentID string `json:"initiator_agent_id"`
	ResponderAgentID string `json:"responder_agent_id"`
}

type SessionReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SendMessageRequest struct {
	SenderAgentID string          `json:"sender_agent_id"`
	MessageType   string          `json:"message_type"`
	Payload       json.RawMessage `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	// Signature is an optional detached sender signature over the payload,
	// stored with the message for relying parties. Not verified server-side.
	Signature string `json:"signature,omitempty"`
}

type CAInfoResponse struct {
	Issuer    string `json:"issuer"`
	PublicKey string `json:"public_key" doc:"Hex-encoded Ed25519 verification key"`
}

type DevLoginRequest struct {
	Subject string `json:"subject" example:"operator"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
