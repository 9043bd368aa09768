package arstotzka

import (
	"context"
	"errors"
	"testing"

	"github.com/MapColonies/arstotzka/internal/registryseed"
)

func TestSeedBackendDefaultTopology(t *testing.T) {
	backend := openMemory(t)
	defer backend.Close()
	ctx := context.Background()
	res, err := seedBackend(ctx, backend, registryseed.Default(), nil)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if res.Services != 6 || res.Skipped != 0 {
		t.Fatalf("unexpected first run %+v", res)
	}
	again, err := seedBackend(ctx, backend, registryseed.Default(), nil)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if again.Services != 0 || again.Skipped != 6 {
		t.Fatalf("expected reseed to skip existing services, got %+v", again)
	}
}

func TestMaintenanceRejectsMemoryStore(t *testing.T) {
	ctx := context.Background()
	if err := Migrate(ctx, Config{Store: "mem://"}, nil); !errors.Is(err, ErrEphemeralStore) {
		t.Fatalf("expected ErrEphemeralStore from migrate, got %v", err)
	}
	if _, err := SeedRegistry(ctx, Config{Store: "mem://"}, nil, nil); !errors.Is(err, ErrEphemeralStore) {
		t.Fatalf("expected ErrEphemeralStore from seed, got %v", err)
	}
	if _, err := SeedRegistry(ctx, Config{Store: "postgres://db"}, []byte("namespaces: [{}]\n"), nil); err == nil {
		t.Fatal("expected invalid seed document to fail before connecting")
	}
}
