package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"broadcast-platform/internal/audit"
	"broadcast-platform/internal/config"
	"broadcast-platform/internal/employees"
	"broadcast-platform/internal/phone"
	"broadcast-platform/internal/sms"
	"broadcast-platform/internal/store"
	"broadcast-platform/internal/telephony"
	"broadcast-platform/internal/trunks"
	"broadcast-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// storage is where broadcasts, the employee directory and audit events live.
type storage struct {
	repo      store.Repository
	directory employees.Directory
	audit     audit.Repository
	db        *sql.DB
}

func (s storage) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openStorage uses Postgres when DB_HOST is set, memory otherwise.
func openStorage(ctx context.Context, cfg config.Config, norm *phone.Normalizer, log *slog.Logger) (storage, error) {
	if !cfg.DB.Enabled() {
		log.Warn("no DB_HOST configured, keeping broadcasts in memory")
		dir := employees.NewMemoryDirectory()
		if cfg.App.DirectoryFile != "" {
			d, err := employees.LoadFile(cfg.App.DirectoryFile, norm, time.Now())
			if err != nil {
				return storage{}, err
			}
			dir = d
		}
		return storage{repo: store.NewMemoryRepo(), directory: dir, audit: audit.NewMemoryRepo()}, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return storage{}, fmt.Errorf("postgres: %w", err)
	}
	migrations := slices.Concat(employees.Migrations, store.Migrations, audit.Migrations)
	if err := utils.Migrate(ctx, db, migrations); err != nil {
		_ = db.Close()
		return storage{}, fmt.Errorf("migrate: %w", err)
	}
	return storage{
		repo:      store.NewPostgresRepo(db),
		directory: employees.NewPostgresDirectory(db),
		audit:     audit.NewPostgresRepo(db),
		db:        db,
	}, nil
}

// slotTTL outlives the longest call so a live slot never expires under it.
func slotTTL(d config.DispatchConfig) time.Duration {
	return d.RingTimeout + d.MaxCallDuration + d.DTMFTimeout + time.Minute
}

func newPool(cfg config.Config, rdb *redis.Client, auditSvc *audit.Service, log *slog.Logger) (*trunks.Pool, error) {
	opts := trunks.Options{
		FailureThreshold: cfg.Dispatch.TrunkFailureThreshold,
		Logger:           log,
		OnChange: func(a trunks.Account) {
			if a.Status == trunks.StatusFailed {
				auditSvc.LogTrunk(context.Background(), audit.EventTrunkFailed, "system", a.ID, a.LastError)
			}
		},
	}
	if cfg.Dispatch.DistributedCapacity && rdb != nil {
		opts.Limiter = trunks.NewRedisLimiter(rdb, "broadcast:trunk:slots:", slotTTL(cfg.Dispatch))
	}
	pool := trunks.NewPool(opts)

	if cfg.Trunks.File == "" {
		log.Warn("no TRUNKS_FILE configured, add trunks through the API")
		return pool, nil
	}
	accounts, err := trunks.LoadFile(cfg.Trunks.File, time.Now())
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if err := pool.Add(a); err != nil {
			return nil, fmt.Errorf("trunks: add %s: %w", a.ID, err)
		}
	}
	s := pool.Stats()
	log.Info("trunks loaded", "trunks", s.Trunks, "dispatchable", s.DispatchableTrunk, "channels", s.TotalChannels)
	return pool, nil
}

// newTransport returns the call transport and, for carriers that report
// back over HTTP, the sink their webhooks feed.
func newTransport(cfg config.TelephonyConfig, log *slog.Logger) (telephony.Transport, telephony.CallbackSink, error) {
	switch cfg.Kind {
	case "laml":
		t, err := telephony.NewLaMLTransport(telephony.LaMLConfig{
			BaseURL:         cfg.BaseURL,
			ProjectID:       cfg.ProjectID,
			Token:           cfg.Token,
			CallbackBaseURL: cfg.CallbackBaseURL,
			CallerID:        cfg.CallerID,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	default:
		sim := telephony.NewSimulator()
		sim.Delay = cfg.SimDelay
		sim.Default = telephony.RandomBehaviour(cfg.SimConfirmRate)
		log.Warn("using simulated telephony", "confirm_rate", cfg.SimConfirmRate)
		return sim, nil, nil
	}
}

func newSMSGateway(cfg config.SMSConfig, log *slog.Logger) (sms.Gateway, error) {
	var gw sms.Gateway
	switch cfg.Gateway {
	case "http":
		g, err := sms.NewHTTPGateway(sms.HTTPConfig{
			BaseURL:  cfg.BaseURL,
			Email:    cfg.Email,
			Password: cfg.Password,
			Sender:   cfg.Sender,
			TestText: cfg.TestText,
		})
		if err != nil {
			return nil, err
		}
		gw = g
	default:
		gw = sms.LogGateway{Log: log}
	}
	return sms.NewRateLimited(gw, cfg.RatePerSecond, cfg.Burst), nil
}
