// Package generator wraps the external content API that produces game rounds.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/jpoore/twotruths/internal/config"
	"github.com/jpoore/twotruths/internal/domain"
)

const (
	messagesPath     = "/v1/messages"
	apiVersionHeader = "2023-06-01"
	maxErrorBodySize = 4 << 10
)

// Result carries a validated round together with the exchange that
// produced it, for session prompt logging.
type Result struct {
	Round       *domain.Round
	Prompt      string
	RawResponse string
}

// Client issues one generation call per request against an Anthropic-style
// messages endpoint. It does not retry; retry policy belongs to the caller.
type Client struct {
	httpClient *http.Client
	cfg        config.GeneratorConfig
	tmpl       *template.Template
}

// NewClient parses the configured prompt template and builds the client.
func NewClient(cfg config.GeneratorConfig) (*Client, error) {
	tmpl, err := template.New("prompt").Parse(cfg.Prompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
		tmpl:       tmpl,
	}, nil
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Generate renders the prompt, issues one call to the content API bounded by
// the configured timeout, and validates the decoded response against the
// fixed round schema.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	prompt, err := renderPrompt(c.tmpl, c.cfg.EasterEggPrompt, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(messagesRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + messagesPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersionHeader)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.cfg.Timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close content api response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrSchema, err)
	}

	text := responseText(decoded)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrSchema)
	}

	round, err := ParseRound(text)
	if err != nil {
		return nil, err
	}

	slog.Info("generated round",
		"session_id", req.SessionID,
		"round", req.RoundNumber,
		"topic", round.TopicLabel(),
		"duration", time.Since(start),
	)
	return &Result{Round: round, Prompt: prompt, RawResponse: text}, nil
}

func responseText(resp messagesResponse) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
