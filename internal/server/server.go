package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"trustmodel/internal/ca"
	"trustmodel/internal/certs"
	"trustmodel/internal/domain"
	"trustmodel/internal/evaluation"
	"trustmodel/internal/events"
	"trustmodel/internal/repo"
	"trustmodel/internal/tacp"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *evaluation.Engine
	Certs    certs.Service
	Sessions *tacp.Manager
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"trust_verification_failed"`
	Message string         `json:"message" example:"trust verification failed: nonce signature invalid"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the TrustModel API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("TrustModel API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, cfg)
	registerEvaluations(group, cfg)
	registerCertificates(group, cfg)
	registerSessions(group, cfg)
	registerStream(router, basePath, cfg.Sessions)
	registerEvents(group, cfg)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var tve tacp.TrustVerificationError
	if errors.As(err, &tve) {
		return newAPIError(http.StatusForbidden, "trust_verification_failed", err.Error(), map[string]any{"reason": tve.Reason})
	}
	var ie certs.IneligibleEvaluationError
	if errors.As(err, &ie) {
		details := map[string]any{"overall_score": ie.OverallScore}
		if ie.SafetyScore != nil {
			details["safety_score"] = *ie.SafetyScore
		}
		return newAPIError(http.StatusUnprocessableEntity, "ineligible_evaluation", err.Error(), details)
	}
	var ir certs.InvalidReasonError
	if errors.As(err, &ir) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"min_length": ir.Min})
	}
	var us evaluation.UnknownSuiteError
	if errors.As(err, &us) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"suite": us.Name})
	}
	var sse tacp.SessionStateError
	if errors.As(err, &sse) {
		return newAPIError(http.StatusConflict, "invalid_session_state", err.Error(), map[string]any{"status": sse.Status})
	}
	var tse tacp.TaskStateError
	if errors.As(err, &tse) {
		return newAPIError(http.StatusConflict, "invalid_task_state", err.Error(), map[string]any{"status": tse.Status})
	}
	var spe tacp.StaleProgressError
	if errors.As(err, &spe) {
		return newAPIError(http.StatusConflict, "stale_progress", err.Error(), map[string]any{
			"current":  spe.Current,
			"proposed": spe.Proposed,
		})
	}
	var ume tacp.UnknownMessageTypeError
	if errors.As(err, &ume) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"message_type": ume.Type})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound),
		errors.Is(err, certs.ErrCertificateNotFound),
		errors.Is(err, certs.ErrEvaluationNotFound),
		errors.Is(err, evaluation.ErrRunNotFound),
		errors.Is(err, evaluation.ErrAgentNotFound),
		errors.Is(err, tacp.ErrSessionNotFound),
		errors.Is(err, tacp.ErrAgentNotFound),
		errors.Is(err, tacp.ErrTaskNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, certs.ErrAlreadyRevoked):
		return newAPIError(http.StatusConflict, "already_revoked", err.Error(), nil)
	case errors.Is(err, certs.ErrEvaluationNotCompleted),
		errors.Is(err, evaluation.ErrRunFinished),
		errors.Is(err, tacp.ErrNoChallenge):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, certs.ErrAgentMismatch):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, tacp.ErrNotParticipant):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, tacp.ErrTrustNotEstablished):
		return newAPIError(http.StatusForbidden, "trust_not_established", err.Error(), nil)
	case errors.Is(err, tacp.ErrSelfSession):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "malformed") ||
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if publicPath(basePath, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>TrustModel API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	r := cfg.Engine.Repo
	db := cfg.Engine.DB
	ev := cfg.Engine.Events

	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := strings.TrimSpace(input.Body.Name)
		if name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.IdentityPublicKey != "" {
			if _, err := ca.ParsePublicKey(input.Body.IdentityPublicKey); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid identity public key", map[string]any{"error": err.Error()})
			}
		}
		a := domain.Agent{
			ID:                uuid.New().String(),
			Name:              name,
			IdentityPublicKey: input.Body.IdentityPublicKey,
			CreatedAt:         time.Now().UTC().Format(time.RFC3339),
		}
		if err := r.InsertAgent(ctx, a); err != nil {
			return nil, handleError(err)
		}
		if err := appendEvent(ctx, db, ev, "agent.registered", "agent", a.ID, actorID, events.EventPayload{"name": a.Name}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := r.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Agent{}
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := r.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-agent-key",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/keys",
		Summary:       "Mint API key for agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := r.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		raw, err := newAPIKeySecret()
		if err != nil {
			return nil, handleError(err)
		}
		k := domain.APIKey{
			ID:        uuid.New().String(),
			AgentID:   input.AgentID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := r.InsertAPIKey(ctx, k); err != nil {
			return nil, handleError(err)
		}
		if err := appendEvent(ctx, db, ev, "agent.key_created", "agent", input.AgentID, actorID, events.EventPayload{"key_id": k.ID}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        k.ID,
			AgentID:   k.AgentID,
			Name:      k.Name,
			Key:       raw,
			CreatedAt: k.CreatedAt,
		}}, nil
	})
}

func registerEvaluations(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "start-evaluation",
		Method:        http.MethodPost,
		Path:          "/evaluations",
		Summary:       "Start evaluation run",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartEvaluationRequest `json:"body"`
	}) (*struct {
		Body domain.EvaluationRun `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		run, err := e.Start(ctx, input.Body.AgentID, input.Body.Suites, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EvaluationRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-evaluation",
		Method:      http.MethodGet,
		Path:        "/evaluations/{evaluation_id}",
		Summary:     "Get evaluation run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EvaluationID string `path:"evaluation_id"`
	}) (*struct {
		Body domain.EvaluationRun `json:"body"`
	}, error) {
		run, err := e.Get(ctx, input.EvaluationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EvaluationRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-evaluation",
		Method:      http.MethodPost,
		Path:        "/evaluations/{evaluation_id}/cancel",
		Summary:     "Cancel evaluation run",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		EvaluationID string `path:"evaluation_id"`
	}) (*struct {
		Body domain.EvaluationRun `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.Cancel(ctx, input.EvaluationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EvaluationRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-evaluations",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/evaluations",
		Summary:     "List evaluation runs for agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []domain.EvaluationRun `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRunsForAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.EvaluationRun{}
		}
		return &struct {
			Body []domain.EvaluationRun `json:"body"`
		}{Body: runs}, nil
	})
}

func registerCertificates(api huma.API, cfg Config) {
	svc := cfg.Certs

	huma.Register(api, huma.Operation{
		OperationID:   "issue-certificate",
		Method:        http.MethodPost,
		Path:          "/certificates",
		Summary:       "Issue certificate",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IssueCertificateRequest `json:"body"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AgentID == "" || input.Body.EvaluationID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id and evaluation_id are required", nil)
		}
		c, err := svc.Issue(ctx, input.Body.AgentID, input.Body.EvaluationID, input.Body.ValidityDays, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-certificate",
		Method:      http.MethodGet,
		Path:        "/certificates/{certificate_id}",
		Summary:     "Get certificate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CertificateID string `path:"certificate_id"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		c, err := svc.Repo.GetCertificate(ctx, input.CertificateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-certificates",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/certificates",
		Summary:     "List certificates for agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []domain.Certificate `json:"body"`
	}, error) {
		if _, err := svc.Repo.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		items, err := svc.Repo.ListCertificatesForAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Certificate{}
		}
		return &struct {
			Body []domain.Certificate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-certificate",
		Method:      http.MethodPost,
		Path:        "/certificates/{certificate_id}/revoke",
		Summary:     "Revoke certificate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		CertificateID string                   `path:"certificate_id"`
		Body          RevokeCertificateRequest `json:"body"`
	}) (*struct {
		Body domain.Revocation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := svc.Revoke(ctx, input.CertificateID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Revocation `json:"body"`
		}{Body: rv}, nil
	})

	// Verification endpoints below are public; the auth middleware skips them.
	huma.Register(api, huma.Operation{
		OperationID: "verify-certificate",
		Method:      http.MethodGet,
		Path:        "/certificates/{certificate_id}/verify",
		Summary:     "Verify certificate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CertificateID string `path:"certificate_id"`
	}) (*struct {
		Body certs.Verification `json:"body"`
	}, error) {
		v, err := svc.Verify(ctx, input.CertificateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body certs.Verification `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-certificate-chain",
		Method:      http.MethodGet,
		Path:        "/certificates/{certificate_id}/chain",
		Summary:     "Get certificate chain bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CertificateID string `path:"certificate_id"`
	}) (*struct {
		Body certs.Chain `json:"body"`
	}, error) {
		chain, err := svc.Chain(ctx, input.CertificateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body certs.Chain `json:"body"`
		}{Body: chain}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "registry",
		Method:      http.MethodGet,
		Path:        "/registry",
		Summary:     "Public trust registry",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []certs.RegistryEntry `json:"body"`
	}, error) {
		entries, err := svc.Registry(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []certs.RegistryEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "crl",
		Method:      http.MethodGet,
		Path:        "/crl",
		Summary:     "Certificate revocation list",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body certs.CRL `json:"body"`
	}, error) {
		crl, err := svc.CRL(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body certs.CRL `json:"body"`
		}{Body: crl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ca-info",
		Method:      http.MethodGet,
		Path:        "/ca",
		Summary:     "CA verification key",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CAInfoResponse `json:"body"`
	}, error) {
		return &struct {
			Body CAInfoResponse `json:"body"`
		}{Body: CAInfoResponse{
			Issuer:    "TrustModel Root CA",
			PublicKey: svc.Authority.PublicKeyHex(),
		}}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	m := cfg.Sessions

	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open TACP session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body domain.TACPSession `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.InitiatorAgentID == "" || input.Body.ResponderAgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "initiator_agent_id and responder_agent_id are required", nil)
		}
		s, err := m.Create(ctx, input.Body.InitiatorAgentID, input.Body.ResponderAgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TACPSession `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body domain.TACPSession `json:"body"`
	}, error) {
		s, err := m.Get(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TACPSession `json:"body"`
		}{Body: s}, nil
	})

	type sessionTransition struct {
		SessionID string               `path:"session_id"`
		Body      SessionReasonRequest `json:"body"`
	}
	transitions := []struct {
		id      string
		summary string
		op      func(ctx context.Context, sessionID, actorID, reason string) (domain.TACPSession, error)
	}{
		{"accept", "Accept session", func(ctx context.Context, sessionID, actorID, _ string) (domain.TACPSession, error) {
			return m.Accept(ctx, sessionID, actorID)
		}},
		{"reject", "Reject session", m.Reject},
		{"end", "End session", m.End},
	}
	for _, t := range transitions {
		t := t
		huma.Register(api, huma.Operation{
			OperationID: t.id + "-session",
			Method:      http.MethodPost,
			Path:        "/sessions/{session_id}/" + t.id,
			Summary:     t.summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnauthorized,
			},
		}, func(ctx context.Context, input *sessionTransition) (*struct {
			Body domain.TACPSession `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			s, err := t.op(ctx, input.SessionID, actorID, input.Body.Reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.TACPSession `json:"body"`
			}{Body: s}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/messages",
		Summary:       "Send protocol message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		Body      SendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.SessionMessage `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.SenderAgentID == "" || input.Body.MessageType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "sender_agent_id and message_type are required", nil)
		}
		// API-key callers may only speak as the agent the key belongs to.
		if p, ok := principalFromContext(ctx); ok && p.Source == "api_key" && p.ActorID != input.Body.SenderAgentID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "api key is not bound to the sender agent", nil)
		}
		msg, err := m.SendSigned(ctx, input.SessionID, input.Body.SenderAgentID, input.Body.MessageType, input.Body.Payload, input.Body.Signature)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SessionMessage `json:"body"`
		}{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/messages",
		Summary:     "List session messages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []domain.SessionMessage `json:"body"`
	}, error) {
		msgs, err := m.Messages(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if msgs == nil {
			msgs = []domain.SessionMessage{}
		}
		return &struct {
			Body []domain.SessionMessage `json:"body"`
		}{Body: msgs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-tasks",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/tasks",
		Summary:     "List delegated tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []domain.DelegatedTask `json:"body"`
	}, error) {
		tasks, err := m.Tasks(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.DelegatedTask{}
		}
		return &struct {
			Body []domain.DelegatedTask `json:"body"`
		}{Body: tasks}, nil
	})
}

// registerStream serves accepted session messages as server-sent events.
// Registered on the chi router directly; huma does not model streams.
func registerStream(r chi.Router, basePath string, m *tacp.Manager) {
	r.Get(path.Join(basePath, "sessions/{session_id}/stream"), func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "session_id")
		if _, err := m.Get(req.Context(), sessionID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		ch, cancel := m.Subscribe(sessionID)
		defer cancel()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case <-req.Context().Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

func registerEvents(api huma.API, cfg Config) {
	r := cfg.Engine.Repo
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		if limit > 200 {
			limit = 200
		}
		items, err := r.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, subject, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func appendEvent(ctx context.Context, db *sql.DB, ev events.Writer, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ev.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func newAPIKeySecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "tmk_" + hex.EncodeToString(b), nil
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
