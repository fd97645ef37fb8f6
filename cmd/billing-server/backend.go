package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinic/billing/internal/config"
	"github.com/clinic/billing/internal/domain/billing"
	"github.com/clinic/billing/internal/platform/cache"
	"github.com/clinic/billing/internal/platform/db"
	"github.com/clinic/billing/internal/platform/events"
	"github.com/clinic/billing/internal/platform/sandbox"
)

// backend is the set of collaborators selected by configuration.
type backend struct {
	svc     *billing.Service
	pool    *pgxpool.Pool
	bolt    *billing.BoltStore
	cached  *billing.CachedDirectory
	cache   pinger
	closers []func() error
	logger  zerolog.Logger
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (b *backend) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.logger.Warn().Err(err).Msg("close backend resource")
		}
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: 10 * time.Second,
	})
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	policy, err := cfg.CopaymentPolicy()
	if err != nil {
		return nil, err
	}
	be := &backend{logger: logger}

	var (
		history   billing.HistoryStore
		directory billing.PatientDirectory
		demo      *billing.MemoryDirectory
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		be.pool = pool
		be.onClose(func() error { pool.Close(); return nil })
		history = billing.NewHistoryStorePG(pool, cfg.InvoiceNumberPrefix)
		directory = billing.NewPatientDirectoryPG(pool)
		logger.Info().Msg("connected to database")
	case config.StoreBolt:
		store, err := billing.NewBoltStore(cfg.BoltPath, cfg.InvoiceNumberPrefix)
		if err != nil {
			return nil, err
		}
		be.bolt = store
		be.onClose(store.Close)
		history, directory = store, store
		logger.Info().Str("path", cfg.BoltPath).Msg("opened bolt store")
	case config.StoreMemory:
		history = billing.NewHistoryStoreMemory(cfg.InvoiceNumberPrefix)
		demo = billing.NewPatientDirectoryMemory(nil)
		directory = demo
		logger.Warn().Msg("using in-memory billing store: invoices are lost on restart")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.PatientDirectory == config.DirectoryMySQL {
		registry, err := billing.OpenMySQLDirectory(ctx, cfg.MySQL())
		if err != nil {
			be.Close()
			return nil, err
		}
		be.onClose(registry.Close)
		directory = billing.NewPatientDirectoryMySQL(registry)
		logger.Info().Str("host", cfg.MySQLHost).Msg("using mysql patient registry")
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewClient(ctx, cfg.RedisURL, "billing")
		if err != nil {
			be.Close()
			return nil, err
		}
		be.onClose(client.Close)
		be.cache = client
		be.cached = billing.NewCachedDirectory(directory, client, cfg.InsuranceCacheTTL, logger)
		directory = be.cached
		logger.Info().Dur("ttl", cfg.InsuranceCacheTTL).Msg("insurance status cache enabled")
	}

	svc := billing.NewService(directory, history, billing.NewCalculator(policy))
	svc.SetLogger(logger.With().Str("component", "billing").Logger())
	svc.SetInvoiceDueDays(cfg.InvoiceDueDays)

	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			be.Close()
			return nil, err
		}
		be.onClose(pub.Close)
		svc.SetPublisher(billing.NewBrokerPublisher(pub))
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing invoice events")
	}

	be.svc = svc

	if demo != nil && cfg.PatientDirectory == config.DirectoryStore && cfg.SandboxPatients > 0 {
		seeder := sandbox.NewSeeder(sandbox.SeedConfig{
			PatientCount:       cfg.SandboxPatients,
			InvoicesPerPatient: 1,
			Seed:               cfg.SandboxSeed,
		}, demo, svc)
		result, err := seeder.Generate(ctx)
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("seed sandbox data: %w", err)
		}
		for _, p := range result.Patients {
			logger.Info().Str("patient_id", p.ID.String()).Str("insurance_status", string(p.Status)).Msg("sandbox patient")
		}
		logger.Info().Int("patients", len(result.Patients)).Int("invoices", result.Invoices).Dur("took", result.Duration).Msg("sandbox data seeded")
	}
	return be, nil
}

// putPatient records a patient's insurance status in the configured store
// and drops any cached copy so the change applies to the next charge.
func (b *backend) putPatient(ctx context.Context, cfg *config.Config, patientID string, status billing.InsuranceStatus) error {
	id, err := parseUUID(patientID)
	if err != nil {
		return err
	}
	if cfg.PatientDirectory == config.DirectoryMySQL {
		return fmt.Errorf("patients are managed by the mysql registry")
	}
	switch {
	case b.pool != nil:
		err = billing.UpsertPatientPG(ctx, b.pool, id, status)
	case b.bolt != nil:
		err = b.bolt.PutPatient(ctx, id, status)
	default:
		return fmt.Errorf("store %q does not persist patients", cfg.StoreDriver)
	}
	if err != nil {
		return err
	}
	if b.cached != nil {
		if err := b.cached.Invalidate(ctx, id); err != nil {
			return fmt.Errorf("status saved but cache not cleared, old status may be served for up to %s: %w", cfg.InsuranceCacheTTL, err)
		}
	}
	return nil
}
