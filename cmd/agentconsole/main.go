package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dense-identity/agentdesk/internal/baresip"
	"github.com/dense-identity/agentdesk/internal/calllog"
	"github.com/dense-identity/agentdesk/internal/config"
	"github.com/dense-identity/agentdesk/internal/console"
	"github.com/dense-identity/agentdesk/internal/logger"
	"github.com/dense-identity/agentdesk/internal/telephony"
)

func main() {
	envFile := flag.String("env", "", "path to an env file, overrides ENV_FILE")
	flag.Parse()
	if *envFile != "" {
		os.Setenv("ENV_FILE", *envFile)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentconsole: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnv(); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	cfg, err := config.New[config.ConsoleConfig]()
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	transport := baresip.NewTransport(baresip.Options{
		Addr:       cfg.BaresipAddr,
		CmdTimeout: cfg.BaresipCommandTimeout,
		Verbose:    cfg.Verbose,
		Logger:     log,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	agent, err := console.New(console.Config{
		AgentID:         cfg.AgentID,
		Transport:       transport,
		Identity:        config.EnvIdentityProvider{},
		Store:           store,
		CallLogLimit:    cfg.CallLogLimit,
		Notifier:        telephony.NotifierFunc(bell),
		Registerer:      registry,
		RegisterTimeout: cfg.RegisterTimeout,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	log.Info("agent console started",
		zap.String("agent", cfg.AgentID),
		zap.String("baresip", cfg.BaresipAddr),
		zap.String("call_log", cfg.CallLogBackend),
	)
	printHelp(os.Stdout)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		printEvents(gctx, agent, os.Stdout)
		return nil
	})

	if cfg.SipUsername != "" {
		if err := agent.RegisterIdentity(ctx); err != nil {
			log.Warn("initial registration not started", zap.Error(err))
		}
	}

	// stdin is not cancellable, so the loop stays outside the group
	go commandLoop(ctx, &shell{agent: agent, regInfo: transport, out: os.Stdout}, os.Stdin, stop)

	err = g.Wait()
	log.Info("agent console stopped")
	return err
}

func openStore(ctx context.Context, cfg *config.ConsoleConfig, log *zap.Logger) (calllog.Store, func(), error) {
	switch cfg.CallLogBackend {
	case config.BackendRedis:
		rs, err := calllog.NewRedisStore(ctx, calllog.RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			Prefix:     cfg.RedisPrefix,
			SessionTTL: cfg.RedisSessionTTL,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	case config.BackendSQLite:
		db, err := calllog.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, err := calllog.NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}, nil
	default:
		return calllog.NewMemoryStore(), func() {}, nil
	}
}

// bell rings the terminal for incoming calls
func bell(n telephony.Notification) {
	if n.Kind == telephony.RingStart {
		fmt.Fprintf(os.Stdout, "\a*** incoming call from %s ***\n", n.RemoteParty)
	}
}
