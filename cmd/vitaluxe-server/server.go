package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/config"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/audit"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/commerce"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/identity"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/inbox"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/practice"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/scheduling"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/telehealth"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/blobstore"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/jobs"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/middleware"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/notification"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/payment"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/realtime"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/video"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/webhook"
)

// Intervals for the background jobs.
const (
	reminderInterval      = time.Minute
	impersonationInterval = time.Minute
	cartCleanupInterval   = time.Hour
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the services shared by the HTTP server and the job commands.
type app struct {
	cfg  *config.Config
	log  zerolog.Logger
	pool *pgxpool.Pool

	tokens   *auth.TokenIssuer
	hub      *realtime.Hub
	inv      *realtime.Invalidator
	notifier *notification.Manager
	webhooks *webhook.Dispatcher
	audit    *audit.Logger

	practices  *practice.Service
	identity   *identity.Service
	scheduling *scheduling.Service
	telehealth *telehealth.Service
	commerce   *commerce.Service
	inbox      *inbox.Service
}

func newApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger, pool: pool}

	a.tokens = auth.NewTokenIssuer(cfg.SigningSecret(), cfg.JWTIssuer, cfg.AccessTokenTTL)
	a.hub = realtime.NewHub(logger)
	a.inv = realtime.NewInvalidator(a.hub, cfg.InvalidationDebounce, logger,
		realtime.WithMaxWait(4*cfg.InvalidationDebounce))

	notifyOpts, err := notificationOptions(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.notifier = notification.NewManager(logger, notifyOpts...)
	a.webhooks = webhook.NewDispatcher(logger, webhook.WithStore(webhook.NewPGStore(pool)))
	a.audit = audit.NewLogger(audit.NewRepoPG(pool), logger)

	a.practices = practice.NewService(
		practice.NewPracticeRepoPG(pool),
		practice.NewProviderRepoPG(pool),
		practice.NewPatientRepoPG(pool),
	)

	a.identity = identity.NewService(
		identity.NewUserRepoPG(pool),
		identity.NewSessionRepoPG(pool),
		identity.NewImpersonationRepoPG(pool),
		a.tokens, a.audit,
		identity.WithRefreshTTL(cfg.RefreshTokenTTL),
		identity.WithImpersonationTTL(cfg.ImpersonationTTL),
	)

	a.scheduling = scheduling.NewService(
		scheduling.NewAppointmentRepoPG(pool),
		scheduling.NewHoursRepoPG(pool),
		scheduling.NewBlockRepoPG(pool),
		a.practices, a.notifier, a.inv, logger,
		scheduling.WithReminderLead(cfg.ReminderLead),
	)

	videoTokens, err := videoTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}
	if videoTokens == nil {
		logger.Warn().Msg("video credentials not set; telehealth tokens are disabled")
	}
	a.telehealth = telehealth.NewService(
		telehealth.NewSessionRepoPG(pool),
		a.scheduling, a.practices, videoTokens,
		a.notifier, a.inv, a.audit, logger,
		telehealth.WithJoinURL(cfg.PublicAppURL),
	)

	gateway, err := paymentGateway(cfg)
	if err != nil {
		return nil, err
	}
	if gateway == nil {
		logger.Warn().Msg("payment gateway not configured; checkout is disabled")
	}
	a.commerce = commerce.NewService(
		commerce.NewProductRepoPG(pool),
		commerce.NewCartRepoPG(pool),
		commerce.NewOrderRepoPG(pool),
		commerce.NewEventRepoPG(pool),
		a.practices, gateway, a.notifier, a.inv, a.audit, logger,
		commerce.WithDispatcher(a.webhooks),
		commerce.WithPublicURL(cfg.PublicAppURL),
		commerce.WithTx(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		}),
	)

	a.inbox = inbox.NewService(inbox.NewRepoPG(pool), a.notifier, a.practices, a.inv, logger)
	return a, nil
}

// notificationOptions picks a sender per channel. Development falls back to
// logging messages for channels with no provider configured.
func notificationOptions(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]notification.Option, error) {
	var opts []notification.Option
	logSender := notification.LogSender{Log: logger.With().Str("component", "notification").Logger()}

	switch {
	case cfg.SMTPHost != "":
		smtp, err := notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		}, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, notification.WithEmail(
			notification.NewRetryingEmailSender(smtp, cfg.EmailMaxRetries, cfg.EmailRetryBase, logger)))
	case cfg.IsDev():
		opts = append(opts, notification.WithEmail(logSender))
	}

	switch {
	case cfg.TwilioAccountSID != "":
		sms, err := notification.NewTwilioClient(notification.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFrom,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, notification.WithSMS(sms))
	case cfg.IsDev():
		opts = append(opts, notification.WithSMS(logSender))
	}

	switch {
	case cfg.FirebaseCredentialsFile != "":
		push, err := notification.NewFCMSender(ctx, cfg.FirebaseCredentialsFile, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, notification.WithPush(push))
	case cfg.IsDev():
		opts = append(opts, notification.WithPush(logSender))
	}
	return opts, nil
}

// videoTokenIssuer returns nil when no credentials are configured. The result
// is typed as the interface so a disabled service stays a true nil.
func videoTokenIssuer(cfg *config.Config) (telehealth.TokenIssuer, error) {
	if cfg.AgoraAppID == "" && cfg.AgoraAppCertificate == "" {
		return nil, nil
	}
	svc, err := video.NewTokenService(cfg.AgoraAppID, cfg.AgoraAppCertificate, cfg.VideoTokenTTL)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// paymentGateway returns nil when no gateway is configured.
func paymentGateway(cfg *config.Config) (commerce.Gateway, error) {
	if cfg.PaymentAPIURL == "" {
		return nil, nil
	}
	client, err := payment.New(payment.Config{BaseURL: cfg.PaymentAPIURL, APIKey: cfg.PaymentAPIKey})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) jobRunner() (*jobs.Runner, error) {
	return jobs.NewRunner(a.log, db.NewPracticeScope(a.pool), []jobs.Job{
		{
			Name:        jobs.AppointmentReminders,
			Interval:    reminderInterval,
			Task:        a.scheduling.SendDueReminders,
			PerPractice: true,
		},
		{
			Name:     jobs.ImpersonationExpiry,
			Interval: impersonationInterval,
			Task:     a.identity.ExpireStale,
		},
		{
			Name:        jobs.CartCleanup,
			Interval:    cartCleanupInterval,
			Task:        a.commerce.CleanupCarts,
			PerPractice: true,
		},
	})
}

// close flushes pending invalidations and waits for webhook deliveries.
func (a *app) close(ctx context.Context) {
	a.inv.Close(ctx)
	a.webhooks.Close()
}

func (a *app) routes(limiter *middleware.RateLimiter) (*echo.Echo, error) {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.log))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(a.log))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Practice-ID", "X-Signature"},
	}))
	e.Use(middleware.BodyLimit(1<<20, cfg.MaxUploadBytes, "/api/v1/files"))
	e.Use(audit.ClientIPMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	realtime.NewHandler(a.hub, a.tokens, cfg.CORSOrigins, a.log,
		realtime.WithValidator(a.identity)).RegisterRoutes(e)

	authMW := auth.JWTMiddleware(a.tokens, auth.AuthSkipper)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(a.tokens, auth.AuthSkipper)
	}
	identityHandler := identity.NewHandler(a.identity)

	api := e.Group("/api/v1",
		authMW,
		limiter.Middleware(),
		identityHandler.ImpersonationGuard(),
		db.PracticeMiddleware(a.pool, cfg.DefaultPractice),
	)

	identityHandler.RegisterRoutes(api)
	practice.NewHandler(a.practices).RegisterRoutes(api)
	audit.NewHandler(a.audit).RegisterRoutes(api)
	scheduling.NewHandler(a.scheduling).RegisterRoutes(api)
	telehealth.NewHandler(a.telehealth).RegisterRoutes(api)
	commerce.NewHandler(a.commerce, cfg.PaymentWebhookSecret).RegisterRoutes(api)
	inbox.NewHandler(a.inbox).RegisterRoutes(api)

	store, err := blobstore.NewDiskStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	policy := blobstore.DefaultPolicy()
	policy.MaxBytes = cfg.MaxUploadBytes
	blobstore.NewHandler(store, policy, a.recordUpload).RegisterRoutes(api)

	return e, nil
}

func (a *app) recordUpload(ctx context.Context, obj blobstore.Object, fileName, contentType string) {
	a.audit.Record(ctx, audit.ActionFileUpload, "file", obj.Key, map[string]any{
		"name":         fileName,
		"content_type": contentType,
		"size":         obj.Size,
		"sha256":       obj.SHA256,
	})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	rlCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerSecond = cfg.RateLimitRPS
		rlCfg.Burst = cfg.RateLimitBurst
	}
	limiter := middleware.NewRateLimiter(rlCfg)
	go limiter.Run()
	defer limiter.Close()

	e, err := a.routes(limiter)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build routes")
	}

	runner, err := a.jobRunner()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register jobs")
	}
	if err := runner.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start jobs")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownSignal()

	logger.Info().Msg("shutting down server")
	runner.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.close(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
