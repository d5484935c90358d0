// Package upstream implements the model API client used by the dispatcher.
// It speaks the OpenAI-compatible chat completion wire format, which every
// configured provider exposes, and classifies HTTP failures into transient
// and permanent so the queue knows what to retry.
package upstream

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

	"go.uber.org/zap"

	"github.com/bleubryce/AgentX-AI-sub000/types"
)

// Config configures the client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client. A nil httpClient gets a default with the
// configured timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With(zap.String("component", "upstream_client")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends one prompt and returns the model's response. Requested
// features ride along as a system message so feature-aware models can adjust
// behavior.
func (c *Client) Invoke(ctx context.Context, prompt string, features []string, model types.ModelConfig) (*types.ModelResponse, error) {
	messages := make([]chatMessage, 0, 2)
	if len(features) > 0 {
		messages = append(messages, chatMessage{
			Role:    "system",
			Content: "enabled features: " + strings.Join(features, ", "),
		})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model.Model,
		Messages:    messages,
		MaxTokens:   model.MaxTokens,
		Temperature: model.Temperature,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encode upstream request").WithCause(err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build upstream request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient; the request may
		// never have reached the provider.
		if errors.Is(err, context.Canceled) {
			return nil, types.NewError(types.ErrInternal, "upstream call canceled").WithCause(err)
		}
		return nil, types.NewError(types.ErrUpstreamTransient, "upstream unreachable").
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true).
			WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrUpstreamTransient, "decode upstream response").
			WithRetryable(true).
			WithCause(err)
	}
	if len(out.Choices) == 0 {
		return nil, types.NewError(types.ErrUpstreamPermanent, "upstream returned no choices")
	}

	return &types.ModelResponse{
		Response:   out.Choices[0].Message.Content,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}

// mapHTTPError classifies an upstream HTTP status. 429 and 5xx are transient,
// everything else in the 4xx range is permanent.
func mapHTTPError(status int, msg string) *types.Error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status == http.StatusBadGateway,
		status == http.StatusGatewayTimeout,
		status == 529, // model overloaded, used by some providers
		status >= 500:
		return types.NewError(types.ErrUpstreamTransient, msg).
			WithHTTPStatus(status).
			WithRetryable(true)
	default:
		return types.NewError(types.ErrUpstreamPermanent, msg).
			WithHTTPStatus(status)
	}
}

// readErrorMessage extracts the error message from an upstream error body,
// falling back to the raw text when it is not the common JSON shape.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}
