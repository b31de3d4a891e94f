package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"novel-stream/internal/metrics"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// openAIClient работает с любым OpenAI-совместимым API.
type openAIClient struct {
	client  *openaigo.Client
	model   string
	counter TokenCounter
	logger  *zap.Logger
}

var _ Client = (*openAIClient)(nil)

func toOpenAIMessages(messages []Message) []openaigo.ChatCompletionMessage {
	out := make([]openaigo.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openaigo.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message, params Params) (string, Usage, error) {
	if err := checkMessages(messages); err != nil {
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", Usage{}, err
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(messages),
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	duration := time.Since(start)
	if err != nil {
		c.logger.Error("AI request failed", zap.Duration("duration", duration), zap.Error(err))
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", Usage{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		c.logger.Warn("AI returned empty response", zap.Duration("duration", duration))
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return "", Usage{}, fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}

	text := resp.Choices[0].Message.Content
	usage := Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
	if usage.Total() == 0 {
		usage = c.estimate(messages, text)
	}
	c.observe("success", duration, usage)
	c.logger.Debug("AI response received",
		zap.Duration("duration", duration), zap.Int("length", len(text)),
		zap.Int("promptTokens", usage.PromptTokens), zap.Int("completionTokens", usage.CompletionTokens))
	return text, usage, nil
}

func (c *openAIClient) Stream(ctx context.Context, messages []Message, params Params, onChunk func(string) error) (Usage, error) {
	if err := checkMessages(messages); err != nil {
		return Usage{}, err
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openaigo.ChatCompletionRequest{
		Model:         c.model,
		Messages:      toOpenAIMessages(messages),
		Stream:        true,
		Temperature:   params.Temperature,
		MaxTokens:     params.MaxTokens,
		StreamOptions: &openaigo.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		c.logger.Error("Failed to open AI stream", zap.Error(err))
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error_stream_init").Inc()
		return Usage{}, fmt.Errorf("%w: open stream: %v", ErrGenerationFailed, err)
	}
	defer stream.Close()

	start := time.Now()
	var text strings.Builder
	var usage Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.logger.Error("AI stream read failed", zap.Error(err))
			metrics.AIRequestsTotal.WithLabelValues(c.model, "error_stream_read").Inc()
			return usage, fmt.Errorf("%w: read stream: %v", ErrGenerationFailed, err)
		}
		// Usage приходит последним чанком без choices
		if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
			usage = Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)
		if err := onChunk(chunk); err != nil {
			metrics.AIRequestsTotal.WithLabelValues(c.model, "aborted").Inc()
			return usage, fmt.Errorf("chunk handler: %w", err)
		}
	}

	if text.Len() == 0 {
		metrics.AIRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return usage, fmt.Errorf("%w: empty stream", ErrGenerationFailed)
	}
	if usage.Total() == 0 {
		usage = c.estimate(messages, text.String())
	}
	c.observe("success_stream", time.Since(start), usage)
	return usage, nil
}

// estimate считает токены локально, если провайдер не прислал usage.
func (c *openAIClient) estimate(messages []Message, completion string) Usage {
	usage := Usage{Estimated: true, CompletionTokens: c.counter.Count(completion)}
	for _, m := range messages {
		usage.PromptTokens += c.counter.Count(m.Content)
	}
	return usage
}

func (c *openAIClient) observe(status string, duration time.Duration, usage Usage) {
	metrics.AIRequestsTotal.WithLabelValues(c.model, status).Inc()
	metrics.AIRequestDuration.WithLabelValues(c.model).Observe(duration.Seconds())
	metrics.AITokens.WithLabelValues(c.model, "prompt").Add(float64(usage.PromptTokens))
	metrics.AITokens.WithLabelValues(c.model, "completion").Add(float64(usage.CompletionTokens))
}
