package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/warden/internal/admin"
	"github.com/die-net/warden/internal/audit"
	"github.com/die-net/warden/internal/config"
	"github.com/die-net/warden/internal/dialer"
	"github.com/die-net/warden/internal/filter"
	"github.com/die-net/warden/internal/metrics"
	"github.com/die-net/warden/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	pflag.CommandLine.SortFlags = false
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	policy, err := filter.Load(cfg.ForbiddenHostsFile, cfg.BannedWordsFile)
	if err != nil {
		return err
	}
	hosts, words := policy.Counts()

	m := metrics.New()
	m.SetRuleCounts(hosts, words)

	auditLog, err := audit.OpenFile(cfg.AuditLogFile)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	auditLog.Debug = logger.With("component", "audit")
	auditLog.OnRecord = func(e audit.Entry) {
		m.RecordAudit(e.Outcome.Reason())
	}

	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := admin.NewHealth()
	health.SetAlive(true)

	if cfg.AdminListen != "" {
		adminSrv := &http.Server{
			Handler: admin.NewRouter(admin.Options{
				Health:   health,
				Policy:   policy,
				Metrics:  m,
				Listen:   cfg.Listen,
				Upstream: redactURL(cfg.Upstream),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		adminLn, err := lc.Listen(ctx, "tcp", cfg.AdminListen)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = adminSrv.Close()
			_ = adminLn.Close()
		})

		g.Go(func() error {
			if err := adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin serve: %w", err)
			}
			return nil
		})
		logger.Info("admin listening", "addr", adminLn.Addr().String())
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", cfg.Listen, proxy.ListenOptions{
		ReusePort: cfg.ReusePort,
		KeepAlive: cfg.KeepAlive,
	})
	if err != nil {
		return err
	}

	srv := proxy.NewServer(ctx, proxy.Config{
		Policy:             policy,
		Audit:              auditLog,
		Dialer:             d,
		Metrics:            m,
		Logger:             logger,
		MaxConns:           cfg.MaxConns,
		BufferSize:         cfg.BufferSize,
		PollInterval:       cfg.PollInterval,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	health.SetReady(true)

	logger.Info("starting proxy",
		"addr", ln.Addr().String(),
		"upstream", redactURL(cfg.Upstream),
		"forbidden_hosts", hosts,
		"banned_words", words,
		"max_conns", cfg.MaxConns,
	)

	err = g.Wait()

	logger.Info("shutting down")
	health.SetReady(false)
	_ = srv.Close()

	return err
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// redactURL hides the password of an upstream URL for logging.
func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	return u.Redacted()
}
