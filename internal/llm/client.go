// Package llm implements the text-generation collaborator against a local
// Ollama chat endpoint. The HTTP call is wrapped in a circuit breaker so a
// flapping model server stops costing 30-second timeouts once it has proven
// unhealthy.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/oru-fhir-bridge/internal/domain"
)

const serviceName = "ollama"

// Config configures the Ollama client.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client calls the Ollama /api/chat endpoint and implements
// domain.TextGenerator.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *logrus.Logger
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// NewClient creates an Ollama client. The http.Client carries no timeout of
// its own; the per-request deadline comes from the caller's context so the
// orchestrator stays in charge of it.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2:3b"
	}

	settings := gobreaker.Settings{
		Name:        "OllamaChat",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Caller-side cancellation and deadline are not service health
			// signals; only real transport or protocol failures count.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		log:        logger,
	}
}

// Generate sends one chat completion request and returns the model's reply
// with any markdown fences stripped. Transport, protocol and breaker failures
// come back as *domain.ExternalServiceError; context cancellation and deadline
// pass through unwrapped so the orchestrator can tell them apart.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.chat(ctx, prompt)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &domain.ExternalServiceError{Service: serviceName, Err: err}
	}
	return result.(string), nil
}

func (c *Client) chat(ctx context.Context, prompt string) (string, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role: "system",
				Content: "You are a precise clinical assistant. Summarize only the " +
					"laboratory data you are given. Never invent values, diagnoses or " +
					"reference ranges. Respond with plain prose, no markdown.",
			},
			{Role: "user", Content: prompt},
		},
		Stream: false,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama returned HTTP %d: %s", resp.StatusCode, string(snippet))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}

	content := StripMarkdownFences(decoded.Message.Content)
	if content == "" {
		return "", fmt.Errorf("ollama returned an empty completion")
	}

	c.log.WithFields(logrus.Fields{
		"model":       c.model,
		"duration_ms": time.Since(start).Milliseconds(),
		"chars":       len(content),
	}).Debug("LLM completion received")

	return content, nil
}

// StripMarkdownFences removes a ``` or ```lang wrapper some models insist on
// adding despite instructions.
func StripMarkdownFences(content string) string {
	text := strings.TrimSpace(content)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.Trim(text, "`")
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, "\n"); idx > 0 {
		first := strings.ToLower(strings.TrimSpace(text[:idx]))
		if first == "json" || first == "text" || first == "markdown" {
			text = strings.TrimSpace(text[idx+1:])
		}
	}
	return text
}
