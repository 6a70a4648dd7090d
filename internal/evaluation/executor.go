package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TestSpec describes one test an executor runs against an agent.
type TestSpec struct {
	ID        string  `json:"id"`
	Suite     string  `json:"suite"`
	Prompt    string  `json:"prompt"`
	Threshold float64 `json:"threshold"`
}

// ErrAgentUnreachable means the executor could not reach the agent at all.
// Unlike a single failing test, this fails the suite and the run.
var ErrAgentUnreachable = errors.New("agent unreachable")

// AgentExecutor runs one test against an agent and scores the response in
// [0,1]. Implementations may block on network calls; the engine bounds each
// call with a per-test timeout through ctx.
type AgentExecutor interface {
	RunTest(ctx context.Context, agentID string, spec TestSpec) (float64, error)
}

// HTTPExecutor drives an external harness that proxies tests to deployed
// agents and grades the responses.
type HTTPExecutor struct {
	BaseURL string
	Client  *http.Client
}

type executeRequest struct {
	AgentID string   `json:"agent_id"`
	Test    TestSpec `json:"test"`
}

type executeResponse struct {
	Score float64 `json:"score"`
	Error string  `json:"error,omitempty"`
}

func (e HTTPExecutor) RunTest(ctx context.Context, agentID string, spec TestSpec) (float64, error) {
	body, err := json.Marshal(executeRequest{AgentID: agentID, Test: spec})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("%w: harness returned %d", ErrAgentUnreachable, resp.StatusCode)
	}
	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode harness response: %w", err)
	}
	if out.Error != "" {
		return 0, errors.New(out.Error)
	}
	return out.Score, nil
}
