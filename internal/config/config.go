package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Режимы движка
const (
	EngineModeChoice   = "choice"
	EngineModeFreeform = "freeform"
)

// Провайдеры AI
const (
	AIProviderOpenAI = "openai"
	AIProviderOllama = "ollama"
)

// Хранилища графа истории
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// ErrInvalidConfig - значение конфигурации вне допустимого набора.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig содержит всю конфигурацию сервера историй.
type ServerConfig struct {
	Env        string `envconfig:"ENV" default:"development"`
	SecretsDir string `envconfig:"SECRETS_DIR" default:"/run/secrets"`

	HTTP     HTTPConfig
	Log      LogConfig
	WS       WSConfig
	Engine   EngineConfig
	AI       AIConfig
	Store    StoreConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	RabbitMQ RabbitMQConfig
}

// HTTPConfig содержит настройки HTTP сервера.
type HTTPConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig - настройки zap логгера.
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	Encoding   string `envconfig:"LOG_ENCODING" default:"json"`
	OutputPath string `envconfig:"LOG_OUTPUT" default:"stdout"`
}

// WSConfig - таймауты и лимиты WebSocket соединения.
type WSConfig struct {
	WriteWait      time.Duration `envconfig:"WS_WRITE_WAIT" default:"10s"`
	PongWait       time.Duration `envconfig:"WS_PONG_WAIT" default:"60s"`
	MaxMessageSize int64         `envconfig:"WS_MAX_MESSAGE_SIZE" default:"4096"`
	SendBuffer     int           `envconfig:"WS_SEND_BUFFER" default:"256"`
}

// PingPeriod должен быть меньше PongWait.
func (c WSConfig) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// EngineConfig - параметры повествования.
type EngineConfig struct {
	Mode               string        `envconfig:"ENGINE_MODE" default:"choice"`
	DecisionsPerStory  int           `envconfig:"ENGINE_DECISIONS" default:"3"`
	OptionsPerDecision int           `envconfig:"ENGINE_OPTIONS" default:"3"`
	StepTimeout        time.Duration `envconfig:"ENGINE_STEP_TIMEOUT" default:"120s"`
}

// AIConfig - настройки LLM провайдера.
type AIConfig struct {
	Provider          string        `envconfig:"AI_PROVIDER" default:"openai"`
	BaseURL           string        `envconfig:"AI_BASE_URL" default:"https://openrouter.ai/api/v1"`
	Model             string        `envconfig:"AI_MODEL" default:"deepseek/deepseek-chat"`
	Timeout           time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	Temperature       float32       `envconfig:"AI_TEMPERATURE" default:"0.8"`
	MaxTokens         int           `envconfig:"AI_MAX_TOKENS" default:"800"`
	ContextTokenLimit int           `envconfig:"AI_CONTEXT_TOKENS" default:"3000"`
	// Секрет без envconfig тега
	APIKey string `ignored:"true"`
}

// StoreConfig выбирает хранилище графа истории.
type StoreConfig struct {
	Backend string        `envconfig:"STORE_BACKEND" default:"memory"`
	TTL     time.Duration `envconfig:"STORE_TTL" default:"24h"`
}

// RedisConfig - настройки Redis.
type RedisConfig struct {
	Addr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	DB   int    `envconfig:"REDIS_DB" default:"0"`
	// Секрет без envconfig тега
	Password string `ignored:"true"`
}

// PostgresConfig - настройки PostgreSQL.
type PostgresConfig struct {
	Host          string        `envconfig:"DB_HOST" default:"localhost"`
	Port          string        `envconfig:"DB_PORT" default:"5432"`
	User          string        `envconfig:"DB_USER" default:"postgres"`
	Name          string        `envconfig:"DB_NAME" default:"novel_db"`
	SSLMode       string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxConns      int32         `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	IdleTimeout   time.Duration `envconfig:"DB_IDLE_TIMEOUT" default:"5m"`
	MigrationsRun bool          `envconfig:"DB_RUN_MIGRATIONS" default:"true"`
	// Секрет без envconfig тега
	Password string `ignored:"true"`
}

// DSN возвращает строку подключения к PostgreSQL.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// MaskedDSN - DSN с замаскированным паролем для логов.
func (c PostgresConfig) MaskedDSN() string {
	masked := c
	masked.Password = "********"
	return masked.DSN()
}

// RabbitMQConfig - публикация событий жизненного цикла. Пустой URL отключает.
type RabbitMQConfig struct {
	URL      string `envconfig:"RABBITMQ_URL"`
	Exchange string `envconfig:"RABBITMQ_EXCHANGE" default:"story_events"`
}

// LoadServerConfig загружает .env (если есть), переменные окружения и нужные секреты.
func LoadServerConfig(envFiles ...string) (*ServerConfig, error) {
	loadDotEnv(envFiles...)

	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Секреты читаются только для выбранных провайдеров
	var err error
	if cfg.AI.Provider == AIProviderOpenAI {
		if cfg.AI.APIKey, err = ReadSecret(cfg.SecretsDir, "ai_api_key"); err != nil {
			return nil, err
		}
	}
	if cfg.Store.Backend == StorePostgres {
		if cfg.Postgres.Password, err = ReadSecret(cfg.SecretsDir, "db_password"); err != nil {
			return nil, err
		}
	}
	if cfg.Store.Backend == StoreRedis {
		// Пароль Redis необязателен
		cfg.Redis.Password, _ = ReadSecret(cfg.SecretsDir, "redis_password")
	}
	return &cfg, nil
}

// Validate проверяет перечислимые значения и границы.
func (c *ServerConfig) Validate() error {
	switch c.Engine.Mode {
	case EngineModeChoice, EngineModeFreeform:
	default:
		return fmt.Errorf("%w: ENGINE_MODE %q", ErrInvalidConfig, c.Engine.Mode)
	}
	switch c.AI.Provider {
	case AIProviderOpenAI, AIProviderOllama:
	default:
		return fmt.Errorf("%w: AI_PROVIDER %q", ErrInvalidConfig, c.AI.Provider)
	}
	switch c.Store.Backend {
	case StoreMemory, StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("%w: STORE_BACKEND %q", ErrInvalidConfig, c.Store.Backend)
	}
	if c.Engine.DecisionsPerStory < 1 {
		return fmt.Errorf("%w: ENGINE_DECISIONS must be positive", ErrInvalidConfig)
	}
	if c.Engine.OptionsPerDecision < 2 {
		return fmt.Errorf("%w: ENGINE_OPTIONS must be at least 2", ErrInvalidConfig)
	}
	if c.WS.PongWait <= 0 || c.WS.WriteWait <= 0 {
		return fmt.Errorf("%w: websocket timeouts must be positive", ErrInvalidConfig)
	}
	return nil
}

// ClientConfig - настройки терминального клиента.
type ClientConfig struct {
	ServerURL   string        `envconfig:"SERVER_URL" default:"ws://localhost:8080/ws"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"warn"`
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
	WS          WSConfig
}

// LoadClientConfig загружает конфигурацию клиента с префиксом NOVEL_.
func LoadClientConfig(envFiles ...string) (*ClientConfig, error) {
	loadDotEnv(envFiles...)

	var cfg ClientConfig
	if err := envconfig.Process("novel", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации клиента: %w", err)
	}
	if !strings.HasPrefix(cfg.ServerURL, "ws://") && !strings.HasPrefix(cfg.ServerURL, "wss://") {
		return nil, fmt.Errorf("%w: SERVER_URL must use ws:// or wss://", ErrInvalidConfig)
	}
	return &cfg, nil
}

// loadDotEnv не считает отсутствие .env ошибкой.
func loadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}
