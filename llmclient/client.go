// Package llmclient is the outbound LLM RPC client: it dispatches a document
// and prompt against a connection's wire configuration and polls for the
// asynchronous result.
//
// Grounded on the teacher's executor/http_executor.go for the
// context-aware request/response shape and http/client.go for retrying
// transient failures, generalized from a generic semantic-action executor
// into a client for this orchestrator's specific accept-then-poll wire
// contract (§6): a POST is accepted synchronously with a remote task
// handle, and the caller polls GET /analyze_status/{task_id} until the
// remote side reaches a terminal status.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/prodogs/docbatch/connection"
)

// Prompt is one entry of the request's "prompts" array. The wire contract
// allows more than one, but this orchestrator stages one Response per
// prompt, so every request carries exactly one.
type Prompt struct {
	Prompt string `json:"prompt"`
}

// LLMProvider is the request's "llm_provider" object, the wire form of
// connection.WireConfig.
type LLMProvider struct {
	ProviderType string `json:"provider_type"`
	BaseURL      string `json:"base_url"`
	ModelName    string `json:"model_name"`
	APIKey       string `json:"api_key,omitempty"`
}

// AcceptRequest is the wire payload POSTed to a connection's base URL (§6).
type AcceptRequest struct {
	ContentBase64 string                 `json:"content_b64"`
	Prompts       []Prompt               `json:"prompts"`
	LLMProvider   LLMProvider            `json:"llm_provider"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
}

// AcceptResponse is the synchronous reply to the initial POST: the RPC has
// only accepted the work, not completed it.
type AcceptResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Remote poll statuses (§6).
const (
	RemoteCompleted  = "COMPLETED"
	RemoteProcessing = "PROCESSING"
	RemoteFailed     = "FAILED"
)

// Result is one entry of a poll response's "results" array.
type Result struct {
	ResponseText     string          `json:"response_text"`
	InputTokens      int             `json:"input_tokens"`
	OutputTokens     int             `json:"output_tokens"`
	TimeTakenSeconds float64         `json:"time_taken_seconds"`
	ResponseJSON     json.RawMessage `json:"response_json,omitempty"`
}

// ScoringResult is a poll response's optional "scoring_result" object.
type ScoringResult struct {
	OverallScore *float64               `json:"overall_score"`
	Confidence   *float64               `json:"confidence,omitempty"`
	Subscores    map[string]interface{} `json:"subscores,omitempty"`
}

// PollResponse is the reply to GET /analyze_status/{task_id}.
type PollResponse struct {
	Status        string         `json:"status"`
	Results       []Result       `json:"results"`
	ScoringResult *ScoringResult `json:"scoring_result,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// Client dispatches documents to LLM connections over HTTP.
type Client struct {
	http *http.Client
}

// New builds a Client with the given per-attempt timeout.
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Accept POSTs one document/prompt pair to a connection and returns the
// remote task handle, retrying transient failures with exponential backoff
// (3 attempts, 1s base, factor 2), matching the teacher's http/client.go
// retry shape. The RPC's synchronous reply is only an acceptance, never a
// result — the caller must Poll for the terminal outcome.
func (c *Client) Accept(ctx context.Context, cfg connection.WireConfig, promptText, contentBase64 string, metaData map[string]interface{}) (*AcceptResponse, error) {
	payload := AcceptRequest{
		ContentBase64: contentBase64,
		Prompts:       []Prompt{{Prompt: promptText}},
		LLMProvider: LLMProvider{
			ProviderType: cfg.ProviderType,
			BaseURL:      cfg.BaseURL,
			ModelName:    cfg.ModelName,
			APIKey:       cfg.APIKey,
		},
		MetaData: metaData,
	}

	operation := func() (*AcceptResponse, error) {
		return c.postAccept(ctx, cfg.BaseURL, payload)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	result, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(bo),
	)
	if err != nil {
		return nil, fmt.Errorf("llmclient: accept at %s: %w", cfg.BaseURL, err)
	}
	return result, nil
}

func (c *Client) postAccept(ctx context.Context, baseURL string, payload AcceptRequest) (*AcceptResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, backoff.Permanent(fmt.Errorf("llm rpc rejected request with status %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("llm rpc returned status %d: %s", resp.StatusCode, raw)
	}

	var out AcceptResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

// Poll fetches the current remote status for a task handle Accept returned.
// It does not retry on a well-formed non-terminal reply — the caller is
// expected to call Poll again after its own poll interval — but does retry
// transient transport failures.
func (c *Client) Poll(ctx context.Context, cfg connection.WireConfig, taskID string) (*PollResponse, error) {
	operation := func() (*PollResponse, error) {
		return c.getStatus(ctx, cfg.BaseURL, taskID)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		return nil, fmt.Errorf("llmclient: poll %s: %w", taskID, err)
	}
	return result, nil
}

func statusURL(baseURL, taskID string) string {
	return strings.TrimSuffix(baseURL, "/") + "/analyze_status/" + taskID
}

func (c *Client) getStatus(ctx context.Context, baseURL, taskID string) (*PollResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL(baseURL, taskID), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, backoff.Permanent(fmt.Errorf("llm rpc rejected status poll with %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("llm rpc returned status %d: %s", resp.StatusCode, raw)
	}

	var out PollResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

// OverallScore extracts scoring_result.overall_score, the path §4.7 names;
// nil when the scoring payload is absent.
func (p *PollResponse) OverallScore() *float64 {
	if p.ScoringResult == nil {
		return nil
	}
	return p.ScoringResult.OverallScore
}

// Reachable performs a minimal connectivity probe against a connection's
// base URL for the Monitoring Surface's health check (§4.9). It never
// mutates connection state — unlike catalog.TestConnection, nothing is
// persisted.
func (c *Client) Reachable(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
