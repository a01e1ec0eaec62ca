package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/narraforge/core/internal/pkg/httpx"
	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/telemetry"
)

// openAIClient is the one concrete provider implementation this repository
// ships: a retry loop in Complete around every doOnce HTTP call with exponential
// backoff, Retry-After honoured, jittered sleep, and a logged warning on
// each retry.
type openAIClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

// NewOpenAIClient builds the OpenAI-backed ModelClient from environment
// configuration, narrowed to the chat-completion concern this core needs.
func NewOpenAIClient(log *logger.Logger) (ModelClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("modelclient: missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutSec := 120
	if v := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	maxRetries := 4
	if v := strings.TrimSpace(os.Getenv("OPENAI_MAX_RETRIES")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}
	if log == nil {
		return nil, fmt.Errorf("modelclient: logger required")
	}
	return &openAIClient{
		log:        log.With("service", "openAIModelClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (c *openAIClient) Provider() string { return "openai" }

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openAIClient) doOnce(ctx context.Context, req chatCompletionRequest) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &providerHTTPError{status: resp.StatusCode, body: string(raw)}
	}
	return resp, raw, nil
}

func (c *openAIClient) Complete(ctx context.Context, messages []Message, modelID string, maxTokens int, temperature float64) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "modelclient.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("narraforge.provider", c.Provider()),
		attribute.String("narraforge.model_id", modelID),
	)

	req := chatCompletionRequest{Model: modelID, Messages: messages, MaxTokens: maxTokens, Temperature: temperature}
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, ctx.Err().Error())
			return Result{}, ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, req)
		if err == nil {
			var out chatCompletionResponse
			if uErr := json.Unmarshal(raw, &out); uErr != nil {
				span.SetStatus(codes.Error, uErr.Error())
				return Result{}, fmt.Errorf("modelclient: decode response: %w", uErr)
			}
			if len(out.Choices) == 0 {
				span.SetStatus(codes.Error, "no choices in response")
				return Result{}, fmt.Errorf("modelclient: no choices in response")
			}
			span.SetAttributes(
				attribute.Int("narraforge.prompt_tokens", out.Usage.PromptTokens),
				attribute.Int("narraforge.completion_tokens", out.Usage.CompletionTokens),
			)
			span.SetStatus(codes.Ok, "")
			return Result{
				Text:             out.Choices[0].Message.Content,
				PromptTokens:     out.Usage.PromptTokens,
				CompletionTokens: out.Usage.CompletionTokens,
			}, nil
		}

		if !httpx.IsRetryableError(err) {
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}
		if attempt == c.maxRetries {
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 60*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("model call retrying",
			"model_id", modelID,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
	}
	return Result{}, fmt.Errorf("modelclient: unreachable retry loop")
}
