package server

import (
	"net/http"
	"slices"
	"time"

	"novel-stream/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// Deps - зависимости HTTP слоя.
type Deps struct {
	Env            string
	Logger         *zap.Logger
	AllowedOrigins []string
	// WebSocket обрабатывает GET /ws.
	WebSocket http.HandlerFunc
	// Connections возвращает число активных WebSocket соединений для /health.
	Connections func() int
	// Metrics включает gin метрики и /metrics. Регистрируются в глобальном реестре один раз на процесс.
	Metrics bool
}

// NewRouter собирает gin роутер сервера историй.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if deps.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(middleware.RequestID())
	router.Use(middleware.ZapLogger(deps.Logger))
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	healthHandler := func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if deps.Connections != nil {
			body["connections"] = deps.Connections()
		}
		c.JSON(http.StatusOK, body)
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	if deps.WebSocket != nil {
		router.GET("/ws", gin.WrapF(deps.WebSocket))
	}

	// Prometheus middleware применяется после регистрации роутов, он же добавляет /metrics
	if deps.Metrics {
		p := ginprometheus.NewPrometheus("gin")
		p.Use(router)
	}
	return router
}

func corsConfig(allowedOrigins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	cfg.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", middleware.RequestIDHeader}
	cfg.ExposeHeaders = []string{middleware.RequestIDHeader}
	cfg.MaxAge = 12 * time.Hour
	return cfg
}
