package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/AgentDeck/internal/adapter/fsbackend"
	adhttp "github.com/Strob0t/AgentDeck/internal/adapter/http"
	"github.com/Strob0t/AgentDeck/internal/adapter/litellm"
	"github.com/Strob0t/AgentDeck/internal/adapter/memstore"
	adnats "github.com/Strob0t/AgentDeck/internal/adapter/nats"
	"github.com/Strob0t/AgentDeck/internal/adapter/natskv"
	"github.com/Strob0t/AgentDeck/internal/adapter/openai"
	"github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/adapter/postgres"
	adredis "github.com/Strob0t/AgentDeck/internal/adapter/redis"
	"github.com/Strob0t/AgentDeck/internal/adapter/ristretto"
	"github.com/Strob0t/AgentDeck/internal/adapter/tiered"
	"github.com/Strob0t/AgentDeck/internal/adapter/ws"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/logger"
	"github.com/Strob0t/AgentDeck/internal/middleware"
	"github.com/Strob0t/AgentDeck/internal/port/cache"
	"github.com/Strob0t/AgentDeck/internal/port/limitstore"
	"github.com/Strob0t/AgentDeck/internal/port/messagequeue"
	"github.com/Strob0t/AgentDeck/internal/resilience"
	"github.com/Strob0t/AgentDeck/internal/sandbox"
	"github.com/Strob0t/AgentDeck/internal/secrets"
	"github.com/Strob0t/AgentDeck/internal/service"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "admin":
		err = runAdmin(os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] != "serve":
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve or admin)\n", os.Args[1])
		os.Exit(2)
	default:
		err = run()
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"redis", cfg.Redis.URL != "",
		"nats", cfg.NATS.URL != "",
	)
	if cfg.Auth.JWTSecret == config.DevJWTSecret {
		slog.Warn("using the development JWT secret; set AGENTDECK_JWT_SECRET in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	tel, err := otel.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	vault, err := secrets.NewVault(secrets.EnvLoader(secrets.KeyName))
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	applied, err := postgres.RunMigrations(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied", "count", applied)

	limits, closeLimits, err := newLimitStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("limit store: %w", err)
	}
	defer closeLimits()

	// NATS is optional: without it status events go straight to the hub
	// and traces are cached in-process only.
	var (
		nq    *adnats.Queue
		queue messagequeue.Queue
	)
	if cfg.NATS.URL != "" {
		nq, err = adnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nq.Drain() }()
		queue = nq
	}

	traceCache, closeCache, err := newTraceCache(ctx, cfg.Cache, nq)
	if err != nil {
		return fmt.Errorf("trace cache: %w", err)
	}
	defer closeCache()

	var fs *fsbackend.Backend
	if cfg.Sandbox.BaseDir != "" {
		sb, err := sandbox.New(cfg.Sandbox.BaseDir, sandbox.WithAllowAbsolute(cfg.Sandbox.AllowAbsolute))
		if err != nil {
			return fmt.Errorf("sandbox: %w", err)
		}
		fs = fsbackend.New(sb)
		slog.Info("filesystem tools enabled", "base_dir", cfg.Sandbox.BaseDir)
	}

	// --- Services ---

	store := postgres.NewStore(pool)
	traces := postgres.NewTraceLog(pool)

	guard := service.NewLockoutGuard(limits, cfg.Lockout, metrics)
	authSvc, err := service.NewAuthService(store, guard, cfg.Auth, metrics)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	limiter := service.NewRateLimiter(limits, metrics)
	agentSvc := service.NewAgentService(store, vault)

	hub := ws.NewHub(authSvc, cfg.Gateway)
	framework := openai.NewFactory(cfg.LLM, cfg.Runtime.MaxSteps, fs)
	orch := service.NewOrchestrator(store, traces, agentSvc, framework, queue, hub, cfg.Runtime, metrics)
	execSvc := service.NewExecutionService(store, traces, traceCache, orch)
	gateway := ws.NewGateway(authSvc, execSvc, orch, cfg.Gateway)

	if nq != nil {
		stopRelay, err := hub.Relay(ctx, nq)
		if err != nil {
			return fmt.Errorf("status relay: %w", err)
		}
		defer stopRelay()
	}

	// --- HTTP ---

	checks := map[string]adhttp.HealthCheck{
		"postgres": store.Ping,
		"limits":   limits.Ping,
	}
	if nq != nil {
		checks["nats"] = func(context.Context) error {
			if !nq.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}

	handlers := &adhttp.Handlers{
		Auth:         authSvc,
		Agents:       agentSvc,
		Executions:   execSvc,
		Orchestrator: orch,
		Lockout:      guard,
		Checks:       checks,
	}
	if cfg.LLM.BaseURL != "" {
		proxy := litellm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.RequestTimeout)
		proxy.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		handlers.Models = proxy
		checks["llm"] = proxy.Ping
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(adhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(adhttp.SecurityHeaders)
	r.Use(adhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(otel.HTTPMiddleware(cfg.Telemetry.ServiceName))

	r.Get("/health", handlers.Health)
	r.Method(http.MethodGet, "/metrics", tel.MetricsHandler)

	// WebSocket endpoints authenticate with their first message.
	r.Get("/ws", hub.HandleWS)
	r.Get("/ws/executions/{id}", gateway.HandleExecution)

	adhttp.MountRoutes(r, handlers,
		middleware.Auth(authSvc),
		middleware.RateLimit(limiter, cfg.RateLimit, metrics),
	)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdown(srv, orch, hub, cfg.Server.ShutdownTimeout)
		return nil
	})
	return g.Wait()
}

// shutdown stops accepting requests, gives running executions the rest of
// the timeout to finish, cancels whatever is left and disconnects the
// dashboard.
func shutdown(srv *http.Server, orch *service.Orchestrator, hub *ws.Hub, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("executions still running at shutdown, cancelling")
		orch.CancelAll(context.Background())
		<-done
	}
	hub.CloseAll()
}

// newLimitStore returns the Redis store when configured, otherwise the
// in-process store.
func newLimitStore(ctx context.Context, cfg *config.Config) (limitstore.Store, func(), error) {
	if cfg.Redis.URL == "" {
		slog.Warn("redis not configured, lockout and rate limits are per process")
		ms := memstore.New()
		return ms, func() { _ = ms.Close() }, nil
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to resilience.State) {
		slog.Warn("limit store circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	rs, err := adredis.New(ctx, adredis.Options{
		URL:          cfg.Redis.URL,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	}, breaker)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("redis connected")
	return rs, func() { _ = rs.Close() }, nil
}

// newTraceCache builds the ristretto L1 and, when NATS is available, a
// JetStream KV L2 behind it.
func newTraceCache(ctx context.Context, cfg config.Cache, nq *adnats.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB)
	if err != nil {
		return nil, nil, err
	}
	closeL1 := func() {
		st := l1.Stats()
		slog.Info("trace cache closed", "hits", st.Hits, "misses", st.Misses, "rejected", st.Rejected, "hit_ratio", st.HitRatio)
		l1.Close()
	}
	if nq == nil || cfg.L2Bucket == "" {
		return l1, closeL1, nil
	}
	kv, err := nq.KeyValue(ctx, cfg.L2Bucket, cfg.L2TTL)
	if err != nil {
		l1.Close()
		return nil, nil, err
	}
	slog.Info("trace cache L2 enabled", "bucket", cfg.L2Bucket)
	return tiered.New(l1, natskv.New(kv, nq.MaxPayload()), cfg.L2TTL), closeL1, nil
}
