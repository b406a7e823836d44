// Package rationale calls the external text service that writes a short
// narrative for a ranked expansion suggestion.
package rationale

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	httpclient "site-expansion/internal/common/http"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/models"
)

var (
	ErrRationaleTimeout = errors.New("rationale request timed out")
	ErrRationaleFailed  = errors.New("rationale generation failed")
)

// Service produces rationale text. The pipeline treats it as opaque.
type Service interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

type Request struct {
	Scope      string
	Suggestion models.ExpansionSuggestion
	Rank       int
}

type Result struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokensUsed"`
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxTokens  int
	MaxRetries int
}

type Client struct {
	config Config
	http   *httpclient.Client
	logger logger.Logger
}

func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rationale base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		config: cfg,
		http:   httpclient.NewClient(cfg.Timeout),
		logger: logger.ForComponent(log, "rationale-client"),
	}, nil
}

// Generate posts the prompt and retries 5xx and transport failures with
// exponential backoff.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":     buildPrompt(req),
		"max_tokens": c.config.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRationaleFailed, err)
	}
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/api/ai/generate"

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ErrRationaleTimeout
			}
		}

		result, retry, err := c.send(ctx, endpoint, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ErrRationaleTimeout
		}
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, endpoint string, body []byte) (*Result, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRationaleFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.DoWithContext(ctx, httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrRationaleFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, fmt.Errorf("%w: status %d", ErrRationaleFailed, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("%w: decode error: %v", ErrRationaleFailed, err)
	}
	result.Text = strings.TrimSpace(result.Text)
	if result.Text == "" {
		return nil, false, fmt.Errorf("%w: empty text", ErrRationaleFailed)
	}
	return &result, false, nil
}

func buildPrompt(req Request) string {
	s := req.Suggestion
	parts := []string{
		"You are a retail site analyst. Explain in two sentences why this location ranks where it does.",
		fmt.Sprintf("Scope: %s", req.Scope),
		fmt.Sprintf("Rank: %d", req.Rank),
		fmt.Sprintf("Coordinates: %.5f, %.5f", s.Lat, s.Lng),
		fmt.Sprintf("Final score: %.3f (demand %.3f, cannibalization penalty %.3f, ops fit %.3f)",
			s.FinalScore, s.DemandScore, s.CannibalizationPenalty, s.OpsFitScore),
		fmt.Sprintf("Nearest transit stop: %.0f m", s.NearestSubwayDistance),
		"Do not invent data that is not listed above.",
	}
	return strings.Join(parts, "\n")
}
