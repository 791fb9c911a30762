package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"market-sampler/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MARKETSAMPLER_TEST_DSN")
	if dsn == "" {
		t.Skip("MARKETSAMPLER_TEST_DSN not set")
	}
	if _, err := MigrateUp(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	store := NewStore(pool, "test-"+t.Name())
	t.Cleanup(func() {
		_ = store.ClearAll(context.Background())
		store.Close()
	})
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	saved, err := store.Save(ctx, Sample{Timestamp: t0, Price: 65000.5, Volume24h: Float(1.5e10)})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID == 0 {
		t.Fatal("id should be assigned")
	}
	if _, err := store.Save(ctx, Sample{Timestamp: t0.Add(time.Hour), Price: 65100}); err != nil {
		t.Fatalf("save: %v", err)
	}

	exists, err := store.Exists(ctx, t0)
	if err != nil || !exists {
		t.Fatalf("expected sample at t0 (%v)", err)
	}

	ranged, err := store.Range(ctx, t0, t0.Add(time.Hour))
	if err != nil || len(ranged) != 2 {
		t.Fatalf("range: %d samples (%v)", len(ranged), err)
	}
	if ranged[0].Volume24h == nil || *ranged[0].Volume24h != 1.5e10 {
		t.Fatalf("volume lost in round trip: %+v", ranged[0])
	}
	if ranged[1].Volume24h != nil {
		t.Fatal("missing volume should stay null")
	}

	if err := store.UpdateDerived(ctx, saved.ID, Derived{Volatility: Float(1.25)}); err != nil {
		t.Fatalf("update derived: %v", err)
	}

	stats, err := store.Statistics(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 2 || stats.Latest == nil || *stats.Latest != 65100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
