package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"novel-stream/internal/config"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrGenerationFailed - ошибка генерации текста LLM.
var ErrGenerationFailed = errors.New("ai generation failed")

// Role - роль сообщения в диалоге с LLM.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message - одно сообщение промпта.
type Message struct {
	Role    Role
	Content string
}

// Usage - использование токенов одним запросом.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Estimated        bool // подсчитано токенайзером, а не провайдером
}

// Total возвращает сумму токенов.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Params - параметры генерации.
type Params struct {
	Temperature float32
	MaxTokens   int
}

// Client - интерфейс LLM провайдера.
type Client interface {
	// Generate возвращает полный ответ.
	Generate(ctx context.Context, messages []Message, params Params) (string, Usage, error)
	// Stream вызывает onChunk для каждого фрагмента ответа. Ошибка onChunk прерывает генерацию.
	Stream(ctx context.Context, messages []Message, params Params, onChunk func(string) error) (Usage, error)
}

func checkMessages(messages []Message) error {
	for _, m := range messages {
		if strings.TrimSpace(m.Content) != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: prompt is empty", ErrGenerationFailed)
}

// NewClient создает клиент выбранного провайдера.
func NewClient(cfg config.AIConfig, counter TokenCounter, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case config.AIProviderOpenAI:
		openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
		openaiConfig.BaseURL = cfg.BaseURL
		openaiConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
		logger.Info("OpenAI client created",
			zap.String("baseURL", cfg.BaseURL), zap.String("model", cfg.Model), zap.Duration("timeout", cfg.Timeout))
		return &openAIClient{
			client:  openaigo.NewClientWithConfig(openaiConfig),
			model:   cfg.Model,
			counter: counter,
			logger:  logger.Named("OpenAIClient"),
		}, nil
	case config.AIProviderOllama:
		client, err := newOllamaClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown AI provider: '%s'", cfg.Provider)
	}
}
