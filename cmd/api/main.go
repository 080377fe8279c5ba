package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broadcast-platform/internal/audit"
	"broadcast-platform/internal/auth"
	"broadcast-platform/internal/config"
	"broadcast-platform/internal/dispatch"
	"broadcast-platform/internal/employees"
	"broadcast-platform/internal/escalation"
	"broadcast-platform/internal/httpapi"
	"broadcast-platform/internal/jobs"
	"broadcast-platform/internal/metrics"
	"broadcast-platform/internal/notify"
	"broadcast-platform/internal/phone"
	"broadcast-platform/internal/reporting"
	"broadcast-platform/pkg/logger"
	"broadcast-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(cfg.App.Env, logger.FileOptions{Path: cfg.App.LogFile})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	norm := phone.NewNormalizer(cfg.App.PhoneRegion)

	st, err := openStorage(rootCtx, cfg, norm, log)
	if err != nil {
		return err
	}
	defer st.close()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	auditSvc := audit.NewService(st.audit, log)

	pool, err := newPool(cfg, rdb, auditSvc, log)
	if err != nil {
		return err
	}
	m.RegisterChannels(func() (int, int, int) {
		s := pool.Stats()
		return s.TotalChannels, s.ActiveChannels, s.AvailableChannels
	})

	transport, sink, err := newTransport(cfg.Telephony, log)
	if err != nil {
		return err
	}

	gw, err := newSMSGateway(cfg.SMS, log)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Slack.WebhookURL != "" {
		notifier = notify.NewSlack(cfg.Slack.WebhookURL, log)
	}

	mgr := dispatch.NewManager(dispatch.Deps{
		Repo:      st.repo,
		Pool:      pool,
		Transport: transport,
		Resolver:  employees.NewResolver(st.directory, norm, log),
		Escalator: escalation.New(gw, st.repo, log),
		Metrics:   m,
		Audit:     auditSvc,
		Notifier:  notifier,
		Logger:    log,
	}, dispatch.Settings{
		MaxRetries:           cfg.Dispatch.MaxRetries,
		RetryDelay:           cfg.Dispatch.RetryDelay,
		RingTimeout:          cfg.Dispatch.RingTimeout,
		MaxCallDuration:      cfg.Dispatch.MaxCallDuration,
		DTMFTimeout:          cfg.Dispatch.DTMFTimeout,
		ConfirmDigit:         cfg.Dispatch.ConfirmDigit,
		MaxBroadcastDuration: cfg.Dispatch.MaxBroadcastDuration,
		Escalate:             cfg.Dispatch.Escalate,
	})

	resumed, err := mgr.Resume(rootCtx)
	if err != nil {
		log.Error("resume failed", "err", err)
	} else if resumed > 0 {
		log.Info("resumed interrupted broadcasts", "count", resumed)
	}

	sched, err := jobs.New(mgr, cfg.Scheduler.Spec, log)
	if err != nil {
		return err
	}
	sched.Start()

	h := httpapi.Handlers{
		Auth:       authManager,
		DevLogin:   cfg.Auth.DevLogin,
		Broadcasts: mgr,
		Reports:    reporting.NewService(st.repo, mgr),
		Trunks:     pool,
		Audit:      auditSvc,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(m.Middleware())

	// Route groups
	registerPublicRoutes(r, publicDeps{db: st.db, rdb: rdb, gatherer: reg, sink: sink})
	registerAuthRoutes(r, h)
	registerProtectedRoutes(r, auth.RequireAccessToken(authManager), h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Exports of large broadcasts take a while; streams hijack the
		// connection and are not bound by this.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "telephony", transport.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	// Calls in flight get up to one full call to finish.
	grace := cfg.Dispatch.RingTimeout + cfg.Dispatch.MaxCallDuration + cfg.Dispatch.DTMFTimeout + 10*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	sched.Stop(shutdownCtx)
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("dispatch shutdown failed", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
	return nil
}
