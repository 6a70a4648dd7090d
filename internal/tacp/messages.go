package tacp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"trustmodel/internal/certs"
)

// Message types form a closed union. Each variant has a fixed payload shape;
// unknown types and unknown payload fields are rejected, never passed through.
const (
	MsgTrustChallenge = "trust_challenge"
	MsgTrustProof     = "trust_proof"
	MsgTaskRequest    = "task_request"
	MsgTaskProgress   = "task_progress"
	MsgTaskComplete   = "task_complete"
	MsgTaskFailed     = "task_failed"
)

// TrustChallengePayload carries the nonce the counterpart must sign. The
// nonce is always generated by the manager, never taken from the client.
// CertificateID optionally pins which certificate the proof must present.
type TrustChallengePayload struct {
	Nonce         string `json:"nonce"`
	CertificateID string `json:"certificate_id,omitempty"`
}

// TrustProofPayload answers a challenge: the nonce signed with the sender's
// identity key plus a self-contained certificate chain.
type TrustProofPayload struct {
	SignedNonce      string      `json:"signed_nonce"`
	CertificateChain certs.Chain `json:"certificate_chain"`
}

type TaskRequestPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description,omitempty"`
}

type TaskProgressPayload struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
}

type TaskCompletePayload struct {
	TaskID string `json:"task_id"`
	Result string `json:"result,omitempty"`
}

type TaskFailedPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

type UnknownMessageTypeError struct {
	Type string
}

func (e UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// decodePayload decodes a variant payload strictly: unknown fields fail.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}
