package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"novel-stream/internal/config"
	"novel-stream/internal/metrics"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// ollamaClient работает с нативным API Ollama.
type ollamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

var _ Client = (*ollamaClient)(nil)

func newOllamaClient(cfg config.AIConfig, logger *zap.Logger) (*ollamaClient, error) {
	// api.NewClient ожидает URL без /v1
	baseURL := strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v1")
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse Ollama base URL '%s': %w", baseURL, err)
	}

	logger.Info("Ollama client created",
		zap.String("baseURL", baseURL), zap.String("model", cfg.Model), zap.Duration("timeout", cfg.Timeout))
	return &ollamaClient{
		client:  api.NewClient(parsedURL, &http.Client{}),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.Named("OllamaClient"),
	}, nil
}

func (c *ollamaClient) request(messages []Message, params Params, stream bool) *api.ChatRequest {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, api.Message{Role: string(m.Role), Content: m.Content})
	}
	options := map[string]interface{}{"temperature": params.Temperature}
	if params.MaxTokens > 0 {
		options["num_predict"] = params.MaxTokens
	}
	return &api.ChatRequest{
		Model:    c.model,
		Messages: out,
		Stream:   &stream,
		Options:  options,
	}
}

func (c *ollamaClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message, params Params) (string, Usage, error) {
	if err := checkMessages(messages); err != nil {
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", Usage{}, err
	}
	requestCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var resp api.ChatResponse
	err := c.client.Chat(requestCtx, c.request(messages, params, false), func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(start)
	if err != nil {
		c.logError(err, duration)
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", Usage{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return "", Usage{}, fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}

	usage := Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount}
	c.observe("success", duration, usage)
	return resp.Message.Content, usage, nil
}

func (c *ollamaClient) Stream(ctx context.Context, messages []Message, params Params, onChunk func(string) error) (Usage, error) {
	if err := checkMessages(messages); err != nil {
		return Usage{}, err
	}
	requestCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var usage Usage
	var handlerErr error
	received := false
	err := c.client.Chat(requestCtx, c.request(messages, params, true), func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			received = true
			if err := onChunk(resp.Message.Content); err != nil {
				handlerErr = err
				return err
			}
		}
		if resp.Done {
			usage = Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount}
			if resp.DoneReason != "" && resp.DoneReason != "stop" {
				c.logger.Warn("Ollama stream finished with non-stop reason", zap.String("reason", resp.DoneReason))
			}
		}
		return nil
	})
	duration := time.Since(start)

	if handlerErr != nil {
		metrics.AIRequestsTotal.WithLabelValues(c.model, "aborted").Inc()
		return usage, fmt.Errorf("chunk handler: %w", handlerErr)
	}
	if err != nil {
		c.logError(err, duration)
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error_stream").Inc()
		return usage, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if !received {
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return usage, fmt.Errorf("%w: empty stream", ErrGenerationFailed)
	}
	c.observe("success_stream", duration, usage)
	return usage, nil
}

func (c *ollamaClient) logError(err error, duration time.Duration) {
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Error("Ollama request timed out", zap.Duration("timeout", c.timeout), zap.Duration("duration", duration), zap.Error(err))
		return
	}
	c.logger.Error("Ollama request failed", zap.Duration("duration", duration), zap.Error(err))
}

func (c *ollamaClient) observe(status string, duration time.Duration, usage Usage) {
	metrics.AIRequestsTotal.WithLabelValues(c.model, status).Inc()
	metrics.AIRequestDuration.WithLabelValues(c.model).Observe(duration.Seconds())
	metrics.AITokens.WithLabelValues(c.model, "prompt").Add(float64(usage.PromptTokens))
	metrics.AITokens.WithLabelValues(c.model, "completion").Add(float64(usage.CompletionTokens))
}
