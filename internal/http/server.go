package http

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmehdipour/erphub/internal/config"
	"github.com/jmehdipour/erphub/internal/http/middleware"
	"github.com/jmehdipour/erphub/internal/logger"
	"github.com/jmehdipour/erphub/internal/metrics"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/security"
	"github.com/jmehdipour/erphub/internal/service/accounts"
	"github.com/jmehdipour/erphub/internal/service/inbound"
	"github.com/jmehdipour/erphub/internal/service/queue"
	"github.com/jmehdipour/erphub/internal/validation"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct{ e *echo.Echo }

// Deps are the services and repositories the routes are bound to.
type Deps struct {
	Tenants    repository.TenantsRepository
	Accounts   repository.AccountsRepository
	Messages   repository.MessagesRepository
	Shipments  repository.ShipmentsRepository
	SyncLogs   repository.SyncLogsRepository
	AccountSvc *accounts.Service
	Inbound    *inbound.Service
	Queue      *queue.Service
	Redis      *redis.Client
	Log        *zap.Logger
}

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client) (*Server, error) {
	cipher, err := security.NewCipherFromConfig(cfg.Security)
	if err != nil {
		return nil, err
	}
	validate := validation.New()

	// repos (MySQL)
	tenantsRepo := repository.NewTenantsRepository(mysqlDB)
	accountsRepo := repository.NewAccountsRepository(mysqlDB)
	messagesRepo := repository.NewMessagesRepository(mysqlDB)
	shipmentsRepo := repository.NewShipmentsRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)
	deliveriesRepo := repository.NewDeliveriesRepository(mysqlDB)

	// repos (ClickHouse)
	syncLogsRepo := repository.NewSyncLogsRepository(clickhouseDB)

	// services
	accountSvc := accounts.New(accountsRepo, cipher, validate)
	applier := inbound.NewApplier(messagesRepo, shipmentsRepo, outboxRepo)
	inboundSvc := inbound.NewService(
		mysqlDB,
		accountsRepo,
		deliveriesRepo,
		syncLogsRepo,
		applier,
		accountSvc,
		inbound.NewRedisDeduper(rds, cfg.Webhooks.DedupeTTL),
		logger.Named("inbound"),
	)
	queueSvc := queue.New(mysqlDB, accountsRepo, messagesRepo, outboxRepo, validate)

	e := newRouter(cfg, Deps{
		Tenants:    tenantsRepo,
		Accounts:   accountsRepo,
		Messages:   messagesRepo,
		Shipments:  shipmentsRepo,
		SyncLogs:   syncLogsRepo,
		AccountSvc: accountSvc,
		Inbound:    inboundSvc,
		Queue:      queueSvc,
		Redis:      rds,
		Log:        logger.Named("http"),
	})
	return &Server{e: e}, nil
}

// echoValidator lets handlers call c.Validate with the shared rules.
type echoValidator struct{ v *validator.Validate }

func (ev echoValidator) Validate(i any) error { return ev.v.Struct(i) }

func newRouter(cfg config.Config, d Deps) *echo.Echo {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.WARN)
	e.Validator = echoValidator{v: validation.New()}
	e.Use(
		echoMid.Recover(),
		echoMid.RequestIDWithConfig(echoMid.RequestIDConfig{Generator: uuid.NewString}),
		requestLogger(d.Log),
	)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// webhooks: vendor-authenticated, no API key
	maxBody := cfg.Webhooks.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	wh := e.Group("/webhooks")
	for _, p := range []model.Platform{model.PlatformFacebook, model.PlatformWhatsApp} {
		wh.GET("/"+string(p), verifyHandler(p, d.Accounts))
		wh.POST("/"+string(p), metaWebhookHandler(p, d.Inbound, maxBody, d.Log))
	}
	wh.POST("/couriers/:platform/:account_id", courierWebhookHandler(d.Inbound, maxBody, d.Log))

	// middlewares
	authMW := middleware.APIKeyMiddleware(d.Tenants)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		Burst:          cfg.RateLimit.Burst,
		KeyPrefix:      "rl:tenant:",
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/accounts", createAccountHandler(d.AccountSvc, d.Log))
	v1.GET("/accounts", listAccountsHandler(d.AccountSvc, d.Log))
	v1.GET("/accounts/:id", getAccountHandler(d.AccountSvc, d.Log))
	v1.PUT("/accounts/:id/credentials", updateCredentialsHandler(d.AccountSvc, d.Log))
	v1.POST("/accounts/:id/status", setAccountStatusHandler(d.AccountSvc, d.Log))
	v1.DELETE("/accounts/:id", deleteAccountHandler(d.AccountSvc, d.Log))
	v1.POST("/accounts/:id/sync", triggerSyncHandler(d.AccountSvc, d.Log))
	v1.POST("/messages/send", sendMessageHandler(d.Queue, d.Log))
	v1.GET("/messages", listMessagesHandler(d.Messages, d.Log))
	v1.GET("/shipments/:tracking", getShipmentHandler(d.Shipments, d.Log))
	v1.GET("/reports/sync-logs", listSyncLogsHandler(d.SyncLogs, d.Log))

	return e
}

// requestLogger writes one zap line per request.
func requestLogger(l *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				l.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			l.Info("request", fields...)
			return nil
		},
	})
}

func (s *Server) Start(addr string) error {
	logger.Named("http").Info("listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
