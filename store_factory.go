package arstotzka

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/storage/memory"
	"github.com/MapColonies/arstotzka/internal/storage/postgres"
)

// StoreScheme returns the normalised backend scheme of a store URL.
func StoreScheme(store string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(store))
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		return "mem", nil
	case "postgres", "postgresql":
		return "postgres", nil
	default:
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// PostgresConfig builds the Postgres backend configuration from cfg. The
// store URL is passed to lib/pq as the connection string.
func PostgresConfig(cfg Config, logger pslog.Logger) (postgres.Config, error) {
	scheme, err := StoreScheme(cfg.Store)
	if err != nil {
		return postgres.Config{}, err
	}
	if scheme != "postgres" {
		return postgres.Config{}, fmt.Errorf("store %q is not a postgres URL", redactStore(cfg.Store))
	}
	return postgres.Config{
		DSN:             cfg.Store,
		MaxOpenConns:    cfg.PostgresMaxOpenConns,
		MaxIdleConns:    cfg.PostgresMaxIdleConns,
		ConnMaxLifetime: cfg.PostgresConnMaxLifetime,
		SkipInit:        cfg.PostgresSkipSchema,
		Logger:          logger,
	}, nil
}

func openBackend(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, error) {
	scheme, err := StoreScheme(cfg.Store)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "mem":
		return memory.New(), nil
	default:
		pgCfg, err := PostgresConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
		store, err := postgres.Open(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// storeSchemeOrMem names the backend for log subsystems.
func storeSchemeOrMem(store string) string {
	if scheme, err := StoreScheme(store); err == nil {
		return scheme
	}
	return "mem"
}

// redactStore hides the password of a store URL for logging.
func redactStore(store string) string {
	u, err := url.Parse(store)
	if err != nil || u.User == nil {
		return store
	}
	return u.Redacted()
}
