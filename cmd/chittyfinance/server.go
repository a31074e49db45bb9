package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mattn/go-isatty"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/chittyapps/chittyfinance/internal/api"
	"github.com/chittyapps/chittyfinance/internal/config"
	"github.com/chittyapps/chittyfinance/internal/reconcile"
	"github.com/chittyapps/chittyfinance/internal/resilience"
	"github.com/chittyapps/chittyfinance/internal/storage"
	"github.com/chittyapps/chittyfinance/internal/webhook"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chittyfinance server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("mcp") {
			cfg.Server.MCPStdio, _ = cmd.Flags().GetBool("mcp")
		}
		return runServer(cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and circuit breaker states",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

// newLogger builds the process logger for cfg.Format: text (default), json,
// or tint for colored development output.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "tint":
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    noColor || !isTerminal(w),
		})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// app holds the wired service components.
type app struct {
	store      *storage.Store
	handler    http.Handler
	mcp        *server.MCPServer
	breakers   *resilience.BreakerRegistry
	dispatcher *webhook.Dispatcher
	inbound    *resilience.Limiter
	outbound   *resilience.Limiter
	sweep      time.Duration
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      config.Duration("breaker.open_timeout", cfg.Breaker.OpenTimeout, 60*time.Second),
	}, nil)

	a := &app{
		store:    store,
		breakers: breakers,
		inbound:  newLimiter(cfg.RateLimit.InboundMax, "ratelimit.inbound_window", cfg.RateLimit.InboundWindow),
		outbound: newLimiter(cfg.RateLimit.OutboundMax, "ratelimit.outbound_window", cfg.RateLimit.OutboundWindow),
		sweep:    config.Duration("ratelimit.sweep_interval", cfg.RateLimit.SweepInterval, 5*time.Minute),
	}

	execOpts := []resilience.Option{
		resilience.WithLogger(logger),
		resilience.WithRetryConfig(resilience.RetryConfig{
			MaxRetries:     cfg.Retry.MaxRetries,
			BaseDelay:      config.Duration("retry.base_delay", cfg.Retry.BaseDelay, time.Second),
			MaxDelay:       config.Duration("retry.max_delay", cfg.Retry.MaxDelay, 30*time.Second),
			Multiplier:     2,
			Jitter:         cfg.Retry.Jitter,
			AttemptTimeout: config.Duration("retry.attempt_timeout", cfg.Retry.AttemptTimeout, 10*time.Second),
		}),
	}
	if a.outbound != nil {
		execOpts = append(execOpts, resilience.WithLimiter(a.outbound))
	}
	exec := resilience.NewExecutor(breakers, execOpts...)

	registry, err := webhook.LoadRegistry(cfg.Webhook.ConsumersFile)
	if err != nil {
		store.Close()
		return nil, err
	}
	consumerTimeout := config.Duration("webhook.consumer_timeout", cfg.Webhook.ConsumerTimeout, webhook.DefaultConsumerTimeout)
	// Deliveries are bounded by the per-attempt and per-consumer context
	// deadlines, not a client timeout.
	consumers, err := registry.Build(exec, &http.Client{})
	if err != nil {
		store.Close()
		return nil, err
	}
	a.dispatcher = webhook.NewDispatcher(store, consumers,
		webhook.WithConsumerTimeout(consumerTimeout),
		webhook.WithFailureRecorder(store),
		webhook.WithDispatcherLogger(logger),
	)

	engine := reconcile.NewEngine(reconcileConfig(cfg.Reconcile))

	a.handler = api.NewAppHandler(api.AppDeps{
		Dispatcher: a.dispatcher,
		Failures:   store,
		Events:     store,
		Health:     store,
		Breakers:   breakers,
		Engine:     engine,
		Inbound:    a.inbound,
		Logger:     logger,
	})
	a.mcp = api.NewMCPServer(api.MCPDeps{
		Engine:   engine,
		Breakers: breakers,
		Failures: store,
	}, version)

	return a, nil
}

// newLimiter returns nil when maxRequests is not positive, which disables
// limiting.
func newLimiter(maxRequests int, key, window string) *resilience.Limiter {
	if maxRequests <= 0 {
		return nil
	}
	return resilience.NewLimiter(resilience.LimiterConfig{
		MaxRequests: maxRequests,
		Window:      config.Duration(key, window, time.Minute),
	}, nil)
}

func reconcileConfig(c config.ReconcileConfig) reconcile.Config {
	d := reconcile.DefaultConfig()
	out := reconcile.Config{
		AmountTolerance:  d.AmountTolerance,
		ExactWindow:      config.Duration("reconcile.exact_window", c.ExactWindow, d.ExactWindow),
		FuzzyWindow:      config.Duration("reconcile.fuzzy_window", c.FuzzyWindow, d.FuzzyWindow),
		FuzzyThreshold:   c.FuzzyThreshold,
		SuggestThreshold: c.SuggestThreshold,
	}
	if c.AmountTolerance != "" {
		tol, err := decimal.NewFromString(c.AmountTolerance)
		if err != nil {
			slog.Warn("invalid amount tolerance, using default", "value", c.AmountTolerance, "default", d.AmountTolerance, "error", err)
		} else {
			out.AmountTolerance = tol
		}
	}
	return out
}

// runLimiters sweeps idle keys from the configured limiters until ctx ends.
func (a *app) runLimiters(ctx context.Context, logger *slog.Logger) {
	for _, l := range []*resilience.Limiter{a.inbound, a.outbound} {
		if l != nil {
			go l.Run(ctx, a.sweep, logger)
		}
	}
}

func runServer(cfg config.Config) error {
	printVersion()

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	a.runLimiters(ctx, logger)

	for _, c := range a.dispatcher.Consumers() {
		logger.Info("webhook consumer registered", "name", c.Name())
	}

	if cfg.Server.MCPStdio {
		stdioSrv := server.NewStdioServer(a.mcp)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chittyfinance listening", "addr", addr, "max_connections", cfg.Server.MaxConnections)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context, client *apiClient, w io.Writer) error {
	var health struct {
		Status string `json:"status"`
		Events *int   `json:"events"`
	}
	if err := client.getJSON(ctx, "/health", &health); err != nil {
		printStatus(w, "Server", "%s", errorStyle.Sprint("unreachable"))
		return err
	}
	printStatus(w, "Server", "%s at %s", successStyle.Sprint(health.Status), client.baseURL)
	if health.Events != nil {
		printStatus(w, "Events", "%d recorded", *health.Events)
	}

	var breakers []struct {
		Dependency string `json:"dependency"`
		State      string `json:"state"`
		Failures   int    `json:"consecutive_failures"`
	}
	if err := client.getJSON(ctx, "/resilience/breakers", &breakers); err != nil {
		return err
	}
	if len(breakers) == 0 {
		printStatus(w, "Breakers", "none tripped yet")
		return nil
	}
	for _, b := range breakers {
		state := successStyle.Sprint(b.State)
		switch b.State {
		case "open":
			state = errorStyle.Sprint(b.State)
		case "half-open":
			state = warningStyle.Sprint(b.State)
		}
		printStatus(w, "Breaker "+b.Dependency, "%s (%d consecutive failures)", state, b.Failures)
	}
	return nil
}
