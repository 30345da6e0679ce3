// Package engine calls the external bracket-computation service.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andreafio/competition-platform/internal/config"
	"github.com/andreafio/competition-platform/internal/models"
)

// ErrUnavailable wraps the final attempt's error once retries are exhausted.
var ErrUnavailable = errors.New("engine unavailable")

// Generation defaults, overridable field-by-field per job.
var contextDefaults = map[string]any{
	"sport":     "judo",
	"format":    "single_elim",
	"repechage": true,
}

var rulesDefaults = map[string]any{
	"seeding_mode": "auto",
}

// Override keys routed into the request context; everything else lands in rules.
var contextKeys = map[string]bool{
	"sport":       true,
	"format":      true,
	"repechage":   true,
	"draw_seed":   true,
	"engine_mode": true,
}

// Client is a bounded-retry HTTP client for POST /v1/brackets/generate.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.Config) *Client {
	timeout := cfg.EngineTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.EngineBaseURL,
		apiKey:     cfg.EngineAPIKey,
		maxRetries: cfg.EngineMaxRetries,
		httpClient: &http.Client{Timeout: timeout},
		sleep:      sleepCtx,
	}
}

type generateRequest struct {
	Context      map[string]any       `json:"context"`
	Rules        map[string]any       `json:"rules"`
	Participants []models.Participant `json:"participants"`
	History      historySection       `json:"history"`
}

type historySection struct {
	RecentPairs []any `json:"recent_pairs"`
}

// Generate calls the engine with bounded retries and exponential backoff.
// A non-2xx response or transport error counts as a retryable failure; the
// final attempt's error is returned wrapped in ErrUnavailable.
func (c *Client) Generate(ctx context.Context, participants []models.Participant, overrides map[string]any, correlationID string) (map[string]any, error) {
	body, err := json.Marshal(buildRequest(participants, overrides))
	if err != nil {
		return nil, fmt.Errorf("marshal engine request: %w", err)
	}

	attempts := c.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.post(ctx, body, correlationID)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < attempts {
			if err := c.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, attempts, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte, correlationID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/brackets/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	return result, nil
}

func buildRequest(participants []models.Participant, overrides map[string]any) generateRequest {
	reqContext := make(map[string]any, len(contextDefaults))
	for k, v := range contextDefaults {
		reqContext[k] = v
	}
	rules := make(map[string]any, len(rulesDefaults))
	for k, v := range rulesDefaults {
		rules[k] = v
	}
	for k, v := range overrides {
		if contextKeys[k] {
			reqContext[k] = v
		} else {
			rules[k] = v
		}
	}
	if participants == nil {
		participants = []models.Participant{}
	}
	return generateRequest{
		Context:      reqContext,
		Rules:        rules,
		Participants: participants,
		History:      historySection{RecentPairs: []any{}},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
