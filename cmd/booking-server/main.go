package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yourfavoritecat/denied-sub000/internal/config"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/booking"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/messaging"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/notification"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/quote"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/tripbrief"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/middleware"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/payment"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/realtime"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
	"github.com/yourfavoritecat/denied-sub000/migrations"
)

const appName = "booking-server"

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Booking and quote lifecycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, _ := cmd.Flags().GetBool("jobs")
			return runServer(jobs)
		},
	}
	cmd.Flags().Bool("jobs", true, "Also run notification delivery and quote request expiry in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Drain the notification outbox and expire stale quote requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS, schema)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS, schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				fmt.Println(statusLine(s))
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func statusLine(s db.MigrationStatus) string {
	status := "pending"
	appliedAt := ""
	if s.Applied {
		status = "applied"
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
	}
	return strings.TrimRight(fmt.Sprintf("%-10d %-40s %-10s %s", s.Version, s.Name, status, appliedAt), " ")
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, appName, cfg.DBMaxConns, cfg.DBMinConns)
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// services is the domain graph shared by the API server and the worker.
type services struct {
	notifications notification.Repository
	dispatcher    *notification.Dispatcher
	inbox         *notification.Service
	bookings      *booking.Service
	briefs        *tripbrief.Service
	quotes        *quote.Service
	messages      *messaging.Service
}

func buildServices(cfg *config.Config, pool *pgxpool.Pool, publisher websocket.EventPublisher, logger zerolog.Logger) *services {
	tx := db.NewTxRunner(pool)
	providers := booking.NewProviderDirectory(pool)

	notifRepo := notification.NewRepo(pool)
	dispatcher := notification.NewDispatcher(notifRepo, notification.NewTemplateEngine(), cfg.OutboxMaxAttempts,
		logger.With().Str("component", "notifications").Logger())

	briefSvc := tripbrief.NewService(tripbrief.NewRepo(pool), tx, logger.With().Str("component", "tripbriefs").Logger())

	bookingSvc := booking.NewService(booking.NewRepo(pool), providers, tx, logger.With().Str("component", "bookings").Logger())
	bookingSvc.SetNotifier(dispatcher)
	bookingSvc.SetPublisher(publisher)
	bookingSvc.SetTripBriefAdvancer(briefSvc)
	bookingSvc.SetCurrency(cfg.Currency)
	if cfg.PaymentsEnabled() {
		bookingSvc.SetCheckout(payment.NewStripeCheckout(payment.StripeConfig{
			SecretKey:  cfg.StripeSecretKey,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		}))
	}

	quoteSvc := quote.NewService(quote.NewRepo(pool), bookingSvc, providers, tx, logger.With().Str("component", "quote_requests").Logger())
	quoteSvc.SetNotifier(dispatcher)
	quoteSvc.SetTripBriefs(briefSvc)
	quoteSvc.SetTTL(cfg.QuoteRequestTTL)
	bookingSvc.SetQuoteObserver(quoteSvc)
	briefSvc.SetQuoteRequestLinks(quoteSvc)

	msgSvc := messaging.NewService(messaging.NewRepo(pool), tx, bookingSvc, logger.With().Str("component", "messaging").Logger())
	msgSvc.SetNotifier(dispatcher)
	msgSvc.SetPublisher(publisher)

	return &services{
		notifications: notifRepo,
		dispatcher:    dispatcher,
		inbox:         notification.NewService(notifRepo, publisher, cfg.OutboxMaxAttempts, logger),
		bookings:      bookingSvc,
		briefs:        briefSvc,
		quotes:        quoteSvc,
		messages:      msgSvc,
	}
}

// newEngine builds the outbox drainer. With a queue client the engine only
// enqueues; the worker's asynq server performs the delivery.
func newEngine(cfg *config.Config, repo notification.Repository, publisher websocket.EventPublisher, queue notification.TaskEnqueuer, logger zerolog.Logger) *notification.Engine {
	var deliverer notification.Deliverer = notification.NewHubDeliverer(publisher)
	if queue != nil {
		deliverer = notification.NewTaskDeliverer(queue, cfg.OutboxMaxAttempts)
	}
	engine := notification.NewEngine(repo, deliverer, logger.With().Str("component", "outbox").Logger())
	engine.DeliveryInterval = cfg.OutboxPollInterval
	if cfg.OutboxBatchSize > 0 {
		engine.DeliveryBatchSize = cfg.OutboxBatchSize
	}
	return engine
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

// originChecker allows websocket upgrades from the configured CORS origins.
// Requests without an Origin header (non-browser clients) are allowed.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

func redisCheck(rdb *redis.Client) db.Check {
	return db.Check{
		Name: "redis",
		Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}

// realtimeStack returns the publisher domain services emit through. With
// Redis configured, events go through the broker so every instance's hub
// sees them.
func realtimeStack(ctx context.Context, cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) (websocket.EventPublisher, *realtime.Broker, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return hub, nil, nil, nil
	}
	rdb, err := realtime.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	broker := realtime.NewBroker(rdb, hub, realtime.DefaultChannel, logger.With().Str("component", "realtime").Logger())
	return broker, broker, rdb, nil
}

func newQueueClient(cfg *config.Config) (*asynq.Client, asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url for queue: %w", err)
	}
	return asynq.NewClient(opt), opt, nil
}

func runServer(runJobs bool) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, appName, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Realtime
	hub := websocket.NewHub(logger.With().Str("component", "hub").Logger())
	publisher, broker, rdb, err := realtimeStack(ctx, cfg, hub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	var checks []db.Check
	if broker != nil {
		defer rdb.Close()
		checks = append(checks, redisCheck(rdb))
		go func() {
			if err := broker.Run(ctx, rdb); err != nil {
				logger.Error().Err(err).Msg("realtime relay stopped")
			}
		}()
	}

	svcs := buildServices(cfg, pool, publisher, logger)
	svcs.messages.SetHub(hub)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevUserHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// API group
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	booking.NewHandler(svcs.bookings).RegisterRoutes(apiV1)
	quote.NewHandler(svcs.quotes).RegisterRoutes(apiV1)
	tripbrief.NewHandler(svcs.briefs).RegisterRoutes(apiV1)
	messaging.NewHandler(svcs.messages).RegisterRoutes(apiV1)
	notification.NewHandler(svcs.inbox).RegisterRoutes(apiV1)

	if cfg.PaymentsEnabled() {
		payment.NewWebhookHandler(cfg.StripeWebhookSecret, svcs.bookings,
			logger.With().Str("component", "stripe").Logger()).RegisterRoutes(apiV1)
	}

	websocket.NewWebSocketHandler(hub, websocket.HandlerConfig{
		Authorize:   svcs.messages.AuthorizeTopic,
		Replayer:    svcs.messages,
		CheckOrigin: originChecker(cfg.CORSOrigins),
		Logger:      logger.With().Str("component", "ws").Logger(),
	}).RegisterRoutes(apiV1)

	// Health endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))

	// Background jobs
	if runJobs {
		var queue notification.TaskEnqueuer
		if cfg.NotifyViaQueue {
			client, _, err := newQueueClient(cfg)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to create queue client")
			}
			defer client.Close()
			queue = client
		}
		go newEngine(cfg, svcs.notifications, publisher, queue, logger).Start(ctx)
		go svcs.quotes.Start(ctx, cfg.QuoteExpiryEvery)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// runWorker drains the outbox onto the asynq queue, processes delivery
// tasks and expires stale quote requests. Deliveries reach API instances
// through the Redis broker.
func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env).With().Str("process", "worker").Logger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required to run the worker")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, appName+"-worker", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	// The worker has no websocket clients of its own; the hub only gives
	// the broker a local target.
	publisher, _, rdb, err := realtimeStack(ctx, cfg, websocket.NewHub(logger), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	svcs := buildServices(cfg, pool, publisher, logger)

	client, redisOpt, err := newQueueClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{notification.TaskQueue: 1},
		Logger:      asynqLogger{logger.With().Str("component", "asynq").Logger()},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(notification.TaskDeliver, notification.NewDeliveryTaskHandler(
		svcs.notifications, notification.NewHubDeliverer(publisher), logger.With().Str("component", "delivery").Logger()))
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}

	go newEngine(cfg, svcs.notifications, publisher, client, logger).Start(ctx)
	go svcs.quotes.Start(ctx, cfg.QuoteExpiryEvery)
	logger.Info().Msg("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	stop()
	srv.Shutdown()
	logger.Info().Msg("worker stopped")
	return nil
}

// asynqLogger routes asynq's logging through zerolog.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
