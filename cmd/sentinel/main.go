// Command sentinel streams level-2 books and trades from the venue and runs
// the CVD alert consumer until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/sentinel/internal/adapters/coinbase"
	"github.com/coachpo/sentinel/internal/app/analytics"
	"github.com/coachpo/sentinel/internal/app/cache"
	"github.com/coachpo/sentinel/internal/app/marketdata"
	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/infra/bus/eventbus"
	"github.com/coachpo/sentinel/internal/infra/config"
	httpserver "github.com/coachpo/sentinel/internal/infra/server/http"
	"github.com/coachpo/sentinel/internal/infra/telemetry"
	"github.com/coachpo/sentinel/internal/infra/transport"
	"github.com/coachpo/sentinel/internal/observability"
)

const (
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	coreShutdownTimeout      = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	statsInterval            = 30 * time.Second
	consumerBuffer           = 4096
)

type options struct {
	configPath string
	envFile    string
	products   string
}

func main() {
	opts := parseFlags()
	loadDotEnv(opts.envFile)

	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.Load(ctx, opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if products := parseProducts(opts.products); len(products) > 0 {
		appCfg.Stream.Products = products
	}

	base := observability.NewLogrusLogger(observability.LogConfig{
		Level:      appCfg.Logging.Level,
		File:       appCfg.Logging.File,
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxBackups: appCfg.Logging.MaxBackups,
		MaxAgeDays: appCfg.Logging.MaxAgeDays,
		Compress:   appCfg.Logging.Compress,
	})
	observability.SetLogger(base)
	logger := base.WithComponent("sentinel")
	logger.Info("configuration initialised",
		observability.F("env", string(appCfg.Environment)),
		observability.F("url", appCfg.Venue.URL()),
		observability.F("transport", appCfg.Venue.Transport),
		observability.F("products", appCfg.Stream.Products))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Error("initialise telemetry", observability.F("error", err))
		os.Exit(1)
	}

	auth, err := coinbase.NewAuthenticator(keySource(appCfg.Credentials))
	if err != nil {
		logger.Error("initialise authenticator", observability.F("error", err))
		os.Exit(1)
	}

	core := marketdata.New(coreConfig(appCfg, auth, base))
	core.Subscribe(appCfg.Stream.Products...)

	var lifecycle conc.WaitGroup
	events, err := core.Events(ctx, eventbus.WithBuffer(consumerBuffer))
	if err != nil {
		logger.Error("register consumer", observability.F("error", err))
		os.Exit(1)
	}
	engine := analytics.NewEngine(base, analytics.NewThresholdRule(appCfg.Analytics.CVDThreshold))
	lifecycle.Go(func() { consume(ctx, base.WithComponent("consumer"), events, engine) })
	lifecycle.Go(func() { reportStats(ctx, logger, core, events) })

	if err := core.Start(ctx); err != nil {
		logger.Error("start market data core", observability.F("error", err))
		os.Exit(1)
	}

	apiServer := buildAPIServer(appCfg, core)
	startAPIServer(&lifecycle, logger, apiServer)

	logger.Info("sentinel started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		core:       core,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	if err != nil {
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to the YAML configuration file (defaults only when empty)")
	flag.StringVar(&opts.envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	flag.StringVar(&opts.products, "products", "", "Comma-separated product ids overriding the configured set")
	flag.Parse()
	return opts
}

// loadDotEnv populates unset environment variables from the file when it exists.
func loadDotEnv(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", path, err)
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseProducts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func initTelemetry(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = appCfg.Telemetry.Enabled
	if appCfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	if appCfg.Telemetry.MetricInterval > 0 {
		telemetryCfg.MetricInterval = appCfg.Telemetry.MetricInterval
	}
	telemetryCfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(appCfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func keySource(creds config.CredentialsConfig) coinbase.KeySource {
	if strings.TrimSpace(creds.KeyFile) != "" {
		return coinbase.FileKey{Path: creds.KeyFile}
	}
	return coinbase.StaticKey{Name: creds.APIKey, PEM: creds.PrivateKeyPEM}
}

func transportConfig(appCfg config.AppConfig, logger observability.Logger) transport.Config {
	return transport.Config{
		URL:            appCfg.Venue.URL(),
		ServerName:     appCfg.Venue.Host,
		ConnectTimeout: appCfg.Timeouts.ConnectTimeout,
		PingInterval:   appCfg.Timeouts.PingInterval,
		PingTimeout:    appCfg.Timeouts.PingTimeout,
		WriteTimeout:   appCfg.Timeouts.WriteTimeout,
		ReadLimit:      appCfg.Venue.ReadLimitBytes,
		SendQueueSize:  appCfg.Venue.SendQueueSize,
		SendRate:       appCfg.Venue.SendRatePerSec,
		SendBurst:      appCfg.Venue.SendBurst,
		Logger:         logger,
	}
}

func coreConfig(appCfg config.AppConfig, tokens marketdata.TokenSource, logger *observability.LogrusLogger) marketdata.Config {
	transportCfg := transportConfig(appCfg, logger.WithComponent("transport"))
	kind := appCfg.Venue.Transport
	return marketdata.Config{
		NewTransport: func() (transport.Transport, error) { return transport.New(kind, transportCfg) },
		Tokens:       tokens,
		Cache: cache.Config{
			TradeRingCapacity: appCfg.Stream.TradeRingCapacity,
			PendingLimit:      appCfg.Stream.SnapshotPendingBuffer,
		},
		Bus: eventbus.MemoryConfig{
			BufferSize:    appCfg.Eventbus.BufferSize,
			FanoutWorkers: appCfg.Eventbus.FanoutWorkers.Count(),
		},
		InitialBackoff: appCfg.Reconnect.InitialBackoff,
		MaxBackoff:     appCfg.Reconnect.MaxBackoff,
		JitterMax:      appCfg.Reconnect.JitterMax,
		Logger:         logger,
	}
}

// consume logs every event and feeds trades into the analytics engine.
func consume(ctx context.Context, logger observability.Logger, sub *eventbus.Subscription, engine *analytics.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			switch e := evt.(type) {
			case schema.Trade:
				engine.OnTrade(e)
				logger.Debug("trade",
					observability.F("product", e.Product),
					observability.F("price", e.Price),
					observability.F("size", e.Size),
					observability.F("side", e.Side.String()),
					observability.F("cvd", engine.CVD().Value(e.Product)))
			case schema.BookSnapshot:
				logger.Info("book snapshot",
					observability.F("product", e.Product),
					observability.F("bids", len(e.Bids)),
					observability.F("asks", len(e.Asks)))
			case schema.BookDelta:
				logger.Debug("book delta", observability.F("product", e.Product), observability.F("levels", len(e.Deltas)))
			case schema.ConnectionStatus:
				logger.Info("connection status", observability.F("up", e.Up))
			case schema.SubscriptionAck:
				logger.Info("subscriptions acknowledged", observability.F("products", e.Products))
			case schema.ProviderError:
				logger.Warn("provider error",
					observability.F("code", string(e.Code)),
					observability.F("product", e.Product),
					observability.F("message", e.Message))
			}
		}
	}
}

func reportStats(ctx context.Context, logger observability.Logger, core *marketdata.Core, sub *eventbus.Subscription) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := core.Stats()
			logger.Info("stream stats",
				observability.F("state", stats.State.String()),
				observability.F("messages", stats.Messages),
				observability.F("trades", stats.Trades),
				observability.F("parse_errors", stats.ParseErrors),
				observability.F("protocol_errors", stats.ProtocolErrors),
				observability.F("reconnects", stats.Reconnects),
				observability.F("books", len(core.Cache().Products())),
				observability.F("consumer_dropped", sub.Dropped()))
		}
	}
}

// buildAPIServer returns nil when no address is configured.
func buildAPIServer(appCfg config.AppConfig, core *marketdata.Core) *http.Server {
	if appCfg.APIServer.Addr == "" {
		return nil
	}
	return &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(appCfg.Environment, core),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	if server == nil {
		return
	}
	logger.Info("status API listening", observability.F("addr", server.Addr))
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status API stopped", observability.F("error", err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	core       *marketdata.Core
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed", observability.F("step", name), observability.F("error", err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}

	if cfg.server != nil {
		shutdownStep("stopping status API", apiServerShutdownTimeout, cfg.server.Shutdown)
	}

	if cfg.core != nil {
		shutdownStep("stopping market data core", coreShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.core.Stop)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, func() error {
				cfg.lifecycle.Wait()
				return nil
			})
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}

	return observability.AggregateErrors(logger, "shutdown", failures)
}

// waitFor runs fn in the background and gives up when ctx ends first.
func waitFor(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
