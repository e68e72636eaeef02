package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ngaddam369/token-exchange/internal/audit"
	"github.com/ngaddam369/token-exchange/internal/config"
	"github.com/ngaddam369/token-exchange/internal/exchange"
	"github.com/ngaddam369/token-exchange/internal/introspection"
	"github.com/ngaddam369/token-exchange/internal/janitor"
	"github.com/ngaddam369/token-exchange/internal/metrics"
	"github.com/ngaddam369/token-exchange/internal/server"
	"github.com/ngaddam369/token-exchange/internal/token"
	"github.com/ngaddam369/token-exchange/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the token exchange HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, log.Logger)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address of the token endpoints")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))

	serveCmd.Flags().String("health-addr", ":8081", "Listen address of the health and metrics endpoints")
	_ = v.BindPFlag("server.health_addr", serveCmd.Flags().Lookup("health-addr"))

	serveCmd.Flags().String("policy-file", "", "Policy file imported before serving")
	_ = v.BindPFlag("policy.file", serveCmd.Flags().Lookup("policy-file"))
}

// setupTracing is replaced in tests.
var setupTracing = tracing.Setup

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// --- Tracing ---
	shutdownTracing, err := setupTracing(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Storage and policy ---
	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Policy.File != "" {
		if err := importPolicy(ctx, st.policy, cfg.Policy.File, log); err != nil {
			return err
		}
	}

	// --- Token generator ---
	keys, err := cfg.KeySet()
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	gen := token.NewGenerator(keys, cfg.JWT.Issuer)
	if keys != nil {
		log.Info().Str("alg", keys.Algorithm()).Str("current_kid", keys.CurrentKID()).Strs("kids", keys.KIDs()).Msg("signing keys loaded")
	}

	// --- Upstream introspection ---
	upstream, err := introspection.New(introspection.Config{
		EndpointURL:   cfg.Introspection.EndpointURL,
		ClientID:      cfg.Introspection.ClientID,
		ClientSecret:  cfg.Introspection.ClientSecret,
		AudienceClaim: cfg.Introspection.AudienceClaim,
		Timeout:       cfg.Introspection.Timeout,
		Metrics:       m,
	})
	if err != nil {
		return fmt.Errorf("init introspection client: %w", err)
	}

	types, err := cfg.TokenTypes()
	if err != nil {
		return err
	}
	engine := exchange.New(exchange.Config{
		Enabled:          cfg.Exchange.Enabled,
		MultiAudience:    cfg.Exchange.MultiAudiencesAllowed,
		DefaultExpiresIn: cfg.DefaultExpiresIn(),
		MaxExpiresIn:     cfg.MaxExpiresIn(),
		AllowedTypes:     types,
	}, exchange.Deps{
		Policy:       st.policy,
		Introspector: upstream,
		Tokens:       st.tokens,
		Generator:    gen,
		Metrics:      m,
	})

	// --- HTTP server ---
	svc := server.New(server.Config{
		Engine:            engine,
		Tokens:            st.tokens,
		Generator:         gen,
		Credentials:       st.policy,
		Audit:             audit.New(os.Stdout),
		Metrics:           m,
		Logger:            log,
		RequestsPerSecond: cfg.Exchange.RateLimit.RequestsPerSecond,
		Burst:             cfg.Exchange.RateLimit.Burst,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      svc.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	// --- Health HTTP server ---
	var ready atomic.Bool
	ready.Store(true)
	healthServer := &http.Server{
		Addr:    cfg.Server.HealthAddr,
		Handler: healthMux(&ready, reg),
	}

	// --- Janitor ---
	runCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	if cfg.Cleanup.Interval > 0 {
		j := janitor.New(st.tokens, cfg.Cleanup.Retention, m, log)
		go j.Run(runCtx, cfg.Cleanup.Interval)
		log.Info().Dur("interval", cfg.Cleanup.Interval).Dur("retention", cfg.Cleanup.Retention).Msg("janitor scheduled")
	}

	// --- Start ---
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("token endpoints listening")
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("token endpoints serve error")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.Server.HealthAddr).Msg("health HTTP listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health serve error")
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	ready.Store(false)
	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("token endpoints shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server shutdown error")
	}

	log.Info().Msg("stopped")
	return nil
}

func healthMux(ready *atomic.Bool, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
