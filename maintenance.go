package arstotzka

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/internal/core"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/registryseed"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/storage/postgres"
	"github.com/MapColonies/arstotzka/internal/svcfields"
)

// SeedResult summarises a registry seed run.
type SeedResult = registryseed.Result

// ErrEphemeralStore is returned by maintenance commands pointed at mem://.
var ErrEphemeralStore = errors.New("store is process-local; use a postgres:// store")

// Migrate applies the Postgres schema to cfg.Store. The schema statements are
// idempotent so Migrate can run on every deploy.
func Migrate(ctx context.Context, cfg Config, logger pslog.Logger) error {
	logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "storage.migrate")
	scheme, err := StoreScheme(cfg.Store)
	if err != nil {
		return err
	}
	if scheme != "postgres" {
		return ErrEphemeralStore
	}
	pgCfg, err := PostgresConfig(cfg, logger)
	if err != nil {
		return err
	}
	pgCfg.SkipInit = false
	store, err := postgres.Open(ctx, pgCfg)
	if err != nil {
		return err
	}
	logger.Info("migrate.complete", "store", redactStore(cfg.Store))
	return store.Close()
}

// SeedRegistry loads a registry seed document into the store named by cfg.
// A nil data slice applies the embedded default topology.
func SeedRegistry(ctx context.Context, cfg Config, data []byte, logger pslog.Logger) (SeedResult, error) {
	logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "registry.seed")
	file := registryseed.Default()
	if data != nil {
		var err error
		if file, err = registryseed.Parse(data); err != nil {
			return SeedResult{}, err
		}
	}
	scheme, err := StoreScheme(cfg.Store)
	if err != nil {
		return SeedResult{}, err
	}
	if scheme != "postgres" {
		return SeedResult{}, ErrEphemeralStore
	}
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return SeedResult{}, err
	}
	defer backend.Close()
	return seedBackend(ctx, backend, file, logger)
}

func seedBackend(ctx context.Context, backend storage.Backend, file registryseed.File, logger pslog.Logger) (SeedResult, error) {
	svc := core.New(core.Config{Store: backend, Logger: logger})
	res, err := registryseed.Apply(ctx, svc, file, logger)
	if err != nil {
		return res, fmt.Errorf("seed registry: %w", err)
	}
	logger.Info("registry.seed.complete",
		"namespaces", res.Namespaces,
		"services", res.Services,
		"blocks", res.Blocks,
		"skipped", res.Skipped,
	)
	return res, nil
}

// PostgresSchema returns the DDL applied by Migrate.
func PostgresSchema() string { return postgres.Schema() }
