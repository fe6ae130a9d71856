// Command uinotify runs the UI notification long-poll client as a daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/uinotify/internal/app/notifications"
	"github.com/coachpo/uinotify/internal/app/poller"
	"github.com/coachpo/uinotify/internal/domain/notification"
	"github.com/coachpo/uinotify/internal/infra/config"
	"github.com/coachpo/uinotify/internal/infra/persistence/migrations"
	"github.com/coachpo/uinotify/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/uinotify/internal/infra/server/http"
	"github.com/coachpo/uinotify/internal/infra/telemetry"
	"github.com/coachpo/uinotify/internal/infra/transport/fake"
	"github.com/coachpo/uinotify/internal/infra/transport/httppoll"
	"github.com/coachpo/uinotify/internal/infra/transport/wspoll"
)

const (
	defaultConfigPath            = "config/app.yaml"
	loggerPrefix                 = "uinotify "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	managerShutdownTimeout       = 10 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	databaseConnectTimeout       = 30 * time.Second
	fakeIdleInterval             = 30 * time.Second
	maxLoggedMessageBytes        = 512
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, systems=%d, subscriptions=%d",
		appCfg.Environment, len(appCfg.Systems), len(appCfg.Subscriptions))

	var persist func(config.AppConfig) error
	if loadedFromFile {
		persist = func(cfg config.AppConfig) error {
			return cfg.Save(configPath)
		}
	}
	appStore, err := config.NewAppConfigStore(appCfg, persist)
	if err != nil {
		logger.Fatalf("initialise app config store: %v", err)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var lifecycle conc.WaitGroup

	store, err := initDatabase(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise database: %v", err)
	}

	transports, err := buildTransports(appCfg, logger)
	if err != nil {
		logger.Fatalf("initialise transports: %v", err)
	}
	transports.serveFakes(ctx, &lifecycle)

	manager, err := buildManager(appCfg, transports, store, logger)
	if err != nil {
		logger.Fatalf("initialise notification manager: %v", err)
	}
	if err := manager.Restore(ctx); err != nil {
		logger.Fatalf("restore notification history: %v", err)
	}

	handlerFor := loggingHandler(logger)
	server := httpserver.NewServer(appCfg.Environment, manager, handlerFor, httpserver.WithConfigStore(appStore))
	subscribed := subscribeConfigured(manager, server, handlerFor, appStore.Subscriptions(), logger)
	logger.Printf("subscriptions registered: %d", subscribed)

	apiServer := buildAPIServer(appCfg.APIServer, server)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("uinotify started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		manager:    manager,
		lifecycle:  &lifecycle,
		transports: transports,
		store:      store,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics
	telemetryCfg.Enabled = telemetryCfg.Enabled && cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// initDatabase connects the history store. It returns nil when persistence is disabled.
func initDatabase(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*postgres.Store, error) {
	if !cfg.Enabled {
		logger.Print("database disabled; notification history is kept in memory only")
		return nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()

	if cfg.RunMigrations {
		var err error
		if cfg.MigrationsPath != "" {
			err = migrations.Apply(connectCtx, cfg.DSN, cfg.MigrationsPath, logger)
		} else {
			err = migrations.ApplyEmbedded(connectCtx, cfg.DSN, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	postgres.ObservePoolMetrics(pool, "history")
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return postgres.New(pool), nil
}

// systemTransports holds the transport built for each configured system.
type systemTransports struct {
	bySystem   map[string]poller.Transport
	fakes      []*fake.Transport
	websockets []*wspoll.Transport
}

func buildTransports(cfg config.AppConfig, logger *log.Logger) (*systemTransports, error) {
	var base *url.URL
	if cfg.Notifications.BaseURL != "" {
		parsed, err := url.Parse(cfg.Notifications.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		base = parsed
	}

	out := &systemTransports{
		bySystem:   make(map[string]poller.Transport, len(cfg.Systems)),
		fakes:      nil,
		websockets: nil,
	}
	for name, system := range cfg.Systems {
		switch system.Transport {
		case config.TransportHTTP:
			opts := []httppoll.Option{
				httppoll.WithBaseURL(base),
				httppoll.WithMinInterval(system.MinPollInterval),
				httppoll.WithRequestTimeout(system.RequestTimeout),
				httppoll.WithLogger(logger),
			}
			for key, value := range system.Headers {
				opts = append(opts, httppoll.WithHeader(key, value))
			}
			out.bySystem[name] = httppoll.New(opts...)
		case config.TransportWebSocket:
			opts := []wspoll.Option{wspoll.WithLogger(logger)}
			for key, value := range system.Headers {
				opts = append(opts, wspoll.WithHeader(key, value))
			}
			ws := wspoll.New(opts...)
			out.websockets = append(out.websockets, ws)
			out.bySystem[name] = ws
		case config.TransportFake:
			f := fake.New()
			f.Idle = fakeIdleInterval
			out.fakes = append(out.fakes, f)
			out.bySystem[name] = f
		default:
			return nil, fmt.Errorf("system %s: unsupported transport %q", name, system.Transport)
		}
	}
	return out, nil
}

func (t *systemTransports) serveFakes(ctx context.Context, lifecycle *conc.WaitGroup) {
	for _, f := range t.fakes {
		lifecycle.Go(func() {
			f.Serve(ctx, fake.AnnounceTopics)
		})
	}
}

func (t *systemTransports) close() {
	for _, ws := range t.websockets {
		ws.Close()
	}
}

func buildBackOff(cfg config.NotificationsConfig) poller.BackOffFactory {
	if cfg.RetryMode == config.RetryExponential {
		return poller.ExponentialBackOff(cfg.RetryInterval, cfg.MaxRetryInterval)
	}
	return poller.ConstantBackOff(cfg.RetryInterval)
}

func buildManager(cfg config.AppConfig, transports *systemTransports, store *postgres.Store, logger *log.Logger) (*notifications.Manager, error) {
	defaultSystem, ok := cfg.Systems[config.DefaultSystem]
	if !ok {
		return nil, fmt.Errorf("default system %s not configured", config.DefaultSystem)
	}
	opts := []notifications.Option{
		notifications.WithLogger(log.New(logger.Writer(), "notifications ", logger.Flags())),
		notifications.WithHistoryCount(cfg.Notifications.HistoryCount),
		notifications.WithBackOff(buildBackOff(cfg.Notifications)),
		notifications.WithDefaultEndpoint(defaultSystem.Endpoint),
		notifications.WithJournalQueue(cfg.Notifications.JournalQueue),
	}
	if store != nil {
		opts = append(opts, notifications.WithPersistence(store.History))
	}
	manager := notifications.NewManager(transports.bySystem[config.DefaultSystem], opts...)

	names := make([]string, 0, len(cfg.Systems))
	for name := range cfg.Systems {
		if name != config.DefaultSystem {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		system := cfg.Systems[name]
		if err := manager.RegisterSystem(name, system.Endpoint, notifications.WithTransport(transports.bySystem[name])); err != nil {
			return nil, fmt.Errorf("register system %s: %w", name, err)
		}
	}
	return manager, nil
}

func subscribeConfigured(manager *notifications.Manager, server *httpserver.Server, handlerFor httpserver.HandlerFactory, subs []config.SubscriptionConfig, logger *log.Logger) int {
	count := 0
	for _, sub := range subs {
		opts := []notifications.SubscribeOption{notifications.WithSystem(sub.System)}
		if sub.Once {
			opts = append(opts, notifications.Once())
		}
		handle, err := manager.Subscribe(sub.Topic, handlerFor(sub.System, sub.Topic), opts...)
		if err != nil {
			logger.Printf("subscribe system=%s topic=%s: %v", sub.System, sub.Topic, err)
			continue
		}
		server.Track(handle)
		count++
	}
	return count
}

// loggingHandler prints every delivered notification.
func loggingHandler(logger *log.Logger) httpserver.HandlerFactory {
	return func(system, topic string) notification.Handler {
		return func(evt notification.Event) {
			message := string(evt.Message)
			if len(message) > maxLoggedMessageBytes {
				message = message[:maxLoggedMessageBytes] + "..."
			}
			logger.Printf("notification system=%s topic=%s node=%s id=%s created=%s message=%s",
				system, topic, evt.NodeID, evt.ID, evt.CreationTime.Format(time.RFC3339Nano), message)
		}
	}
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	manager    *notifications.Manager
	lifecycle  *conc.WaitGroup
	transports *systemTransports
	store      *postgres.Store
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.manager != nil {
		shutdownStep("stopping pollers", managerShutdownTimeout, cfg.manager.Shutdown)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.transports != nil {
		logger.Print("shutdown: closing transports")
		cfg.transports.close()
	}

	if cfg.store != nil {
		logger.Print("shutdown: closing database pool")
		cfg.store.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
