// Package trustmodelsdk is a minimal TrustModel HTTP API client. It is
// self-contained so relying parties can verify certificates without pulling
// in the server.
package trustmodelsdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Client is a minimal TrustModel HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL should not include the
// /v1 prefix.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent represents the API agent model.
type Agent struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	IdentityPublicKey string `json:"identity_public_key"`
	CreatedAt         string `json:"created_at"`
}

// EvaluationRun represents the API evaluation model (partial).
type EvaluationRun struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agent_id"`
	Status       string             `json:"status"`
	Suites       []string           `json:"suites"`
	SuiteScores  map[string]float64 `json:"suite_scores,omitempty"`
	OverallScore *float64           `json:"overall_score,omitempty"`
	Grade        *string            `json:"grade,omitempty"`
	FailReason   string             `json:"fail_reason,omitempty"`
}

// Certificate represents a capability certificate.
type Certificate struct {
	ID                    string             `json:"id"`
	AgentID               string             `json:"agent_id"`
	EvaluationID          string             `json:"evaluation_id"`
	Grade                 string             `json:"grade"`
	OverallScore          float64            `json:"overall_score"`
	SuiteScores           map[string]float64 `json:"suite_scores"`
	CertifiedCapabilities []string           `json:"certified_capabilities"`
	NotCertified          []string           `json:"not_certified"`
	IssuedAt              string             `json:"issued_at"`
	ExpiresAt             string             `json:"expires_at"`
	Signature             string             `json:"signature"`
}

// Verification is the server's judgment on a certificate.
type Verification struct {
	Valid           bool    `json:"valid"`
	CertificateID   string  `json:"certificate_id"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason,omitempty"`
	Grade           string  `json:"grade"`
	Issuer          string  `json:"issuer"`
	SignatureValid  bool    `json:"signature_valid"`
	ExpiresAt       string  `json:"expires_at"`
	DaysUntilExpiry float64 `json:"days_until_expiry"`
}

// Chain is the offline verification bundle for a certificate.
type Chain struct {
	Certificate    Certificate `json:"certificate"`
	Signature      string      `json:"signature"`
	CAPublicKey    string      `json:"ca_public_key"`
	Issuer         string      `json:"issuer"`
	SignatureValid bool        `json:"signature_valid"`
}

// RegistryEntry is one row of the public trust registry.
type RegistryEntry struct {
	AgentID               string   `json:"agent_id"`
	CertificateID         string   `json:"certificate_id"`
	Grade                 string   `json:"grade"`
	OverallScore          float64  `json:"overall_score"`
	CertifiedCapabilities []string `json:"certified_capabilities"`
	IssuedAt              string   `json:"issued_at"`
	ExpiresAt             string   `json:"expires_at"`
}

// Revocation is one CRL entry.
type Revocation struct {
	ID            string `json:"id"`
	CertificateID string `json:"certificate_id"`
	Reason        string `json:"reason"`
	RevokedAt     string `json:"revoked_at"`
}

// CRL is the published revocation list.
type CRL struct {
	UpdatedAt  string       `json:"updated_at"`
	NextUpdate string       `json:"next_update"`
	Entries    []Revocation `json:"entries"`
}

// CAInfo identifies the issuing authority.
type CAInfo struct {
	Issuer    string `json:"issuer"`
	PublicKey string `json:"public_key"`
}

// Session represents a TACP session.
type Session struct {
	ID               string `json:"id"`
	InitiatorAgentID string `json:"initiator_agent_id"`
	ResponderAgentID string `json:"responder_agent_id"`
	Status           string `json:"status"`
	HandshakeState   string `json:"handshake_state"`
}

// SessionMessage is one protocol message within a session.
type SessionMessage struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	SenderAgentID  string `json:"sender_agent_id"`
	MessageType    string `json:"message_type"`
	PayloadJSON    string `json:"payload_json"`
	Signature      string `json:"signature,omitempty"`
	SequenceNumber int64  `json:"sequence_number"`
	CreatedAt      string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterAgent registers an agent, optionally with an identity key for
// trust challenges.
func (c *Client) RegisterAgent(ctx context.Context, name, identityPublicKey string) (Agent, error) {
	body := map[string]any{"name": name}
	if identityPublicKey != "" {
		body["identity_public_key"] = identityPublicKey
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v1/agents", body, &resp)
	return resp, err
}

// StartEvaluation queues an evaluation run for an agent.
func (c *Client) StartEvaluation(ctx context.Context, agentID string, suites []string) (EvaluationRun, error) {
	body := map[string]any{"agent_id": agentID}
	if len(suites) > 0 {
		body["suites"] = suites
	}
	var resp EvaluationRun
	err := c.do(ctx, http.MethodPost, "v1/evaluations", body, &resp)
	return resp, err
}

// GetEvaluation fetches an evaluation run by id.
func (c *Client) GetEvaluation(ctx context.Context, id string) (EvaluationRun, error) {
	var resp EvaluationRun
	err := c.do(ctx, http.MethodGet, "v1/evaluations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// IssueCertificate mints a certificate from a completed, eligible run.
func (c *Client) IssueCertificate(ctx context.Context, agentID, evaluationID string) (Certificate, error) {
	body := map[string]any{"agent_id": agentID, "evaluation_id": evaluationID}
	var resp Certificate
	err := c.do(ctx, http.MethodPost, "v1/certificates", body, &resp)
	return resp, err
}

// VerifyCertificate checks certificate validity server-side. Public.
func (c *Client) VerifyCertificate(ctx context.Context, id string) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodGet, "v1/certificates/"+url.PathEscape(id)+"/verify", nil, &resp)
	return resp, err
}

// CertificateChain fetches the offline verification bundle. Public.
func (c *Client) CertificateChain(ctx context.Context, id string) (Chain, error) {
	var resp Chain
	err := c.do(ctx, http.MethodGet, "v1/certificates/"+url.PathEscape(id)+"/chain", nil, &resp)
	return resp, err
}

// Registry fetches the public trust registry. Public.
func (c *Client) Registry(ctx context.Context) ([]RegistryEntry, error) {
	var resp []RegistryEntry
	err := c.do(ctx, http.MethodGet, "v1/registry", nil, &resp)
	return resp, err
}

// CRL fetches the certificate revocation list. Public.
func (c *Client) CRL(ctx context.Context) (CRL, error) {
	var resp CRL
	err := c.do(ctx, http.MethodGet, "v1/crl", nil, &resp)
	return resp, err
}

// CA fetches the issuer name and verification key. Public.
func (c *Client) CA(ctx context.Context) (CAInfo, error) {
	var resp CAInfo
	err := c.do(ctx, http.MethodGet, "v1/ca", nil, &resp)
	return resp, err
}

// CreateSession opens a TACP session between two agents.
func (c *Client) CreateSession(ctx context.Context, initiatorID, responderID string) (Session, error) {
	body := map[string]any{
		"initiator_agent_id": initiatorID,
		"responder_agent_id": responderID,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v1/sessions", body, &resp)
	return resp, err
}

// AcceptSession accepts a pending session. Only the responder may accept.
func (c *Client) AcceptSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v1/sessions/"+url.PathEscape(sessionID)+"/accept", map[string]any{}, &resp)
	return resp, err
}

// SendMessage sends a protocol message into an active session.
func (c *Client) SendMessage(ctx context.Context, sessionID, senderID, messageType string, payload any) (SessionMessage, error) {
	body := map[string]any{
		"sender_agent_id": senderID,
		"message_type":    messageType,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp SessionMessage
	err := c.do(ctx, http.MethodPost, "v1/sessions/"+url.PathEscape(sessionID)+"/messages", body, &resp)
	return resp, err
}

// SessionMessages lists a session's messages in sequence order.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]SessionMessage, error) {
	var resp []SessionMessage
	err := c.do(ctx, http.MethodGet, "v1/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &resp)
	return resp, err
}

// VerifyChainOffline checks a chain bundle without contacting the server.
// trustedKeyHex is the CA verification key obtained out of band; trusting
// the key embedded in the bundle itself proves nothing. Revocation still
// requires an online CRL check.
func VerifyChainOffline(chain Chain, trustedKeyHex string) error {
	if chain.CAPublicKey != trustedKeyHex {
		return fmt.Errorf("chain CA key does not match trusted key")
	}
	keyBytes, err := hex.DecodeString(trustedKeyHex)
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid CA public key")
	}
	sig, err := hex.DecodeString(chain.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}
	payload, err := canonicalPayload(chain.Certificate)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(keyBytes), payload, sig) {
		return fmt.Errorf("certificate signature invalid")
	}
	return nil
}

// canonicalPayload mirrors the issuer's frozen signing form: compact JSON
// with sorted keys, one "<suite>_score" key per known suite (null when the
// suite did not run), capabilities sorted.
func canonicalPayload(c Certificate) ([]byte, error) {
	fields := map[string]any{
		"id":            c.ID,
		"agent_id":      c.AgentID,
		"evaluation_id": c.EvaluationID,
		"grade":         c.Grade,
		"overall_score": c.OverallScore,
		"issued_at":     c.IssuedAt,
		"expires_at":    c.ExpiresAt,
	}
	for _, suite := range []string{"capability", "safety", "reliability", "communication"} {
		if score, ok := c.SuiteScores[suite]; ok {
			fields[suite+"_score"] = score
		} else {
			fields[suite+"_score"] = nil
		}
	}
	caps := append([]string(nil), c.CertifiedCapabilities...)
	sort.Strings(caps)
	fields["certified_capabilities"] = caps
	return json.Marshal(fields)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
