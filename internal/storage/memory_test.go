package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestMemorySaveRejectsMissingPrice(t *testing.T) {
	store := NewMemory("bitcoin")
	_, err := store.Save(context.Background(), Sample{Timestamp: t0})
	if !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample, got %v", err)
	}
	stats, _ := store.Statistics(context.Background())
	if stats.Count != 0 {
		t.Fatal("rejected sample must not be stored")
	}
}

func TestMemoryOrderingAndIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("bitcoin")

	inserts := []time.Time{t0.Add(2 * time.Hour), t0, t0.Add(time.Hour)}
	var lastID int64
	for i, ts := range inserts {
		saved, err := store.Save(ctx, Sample{Timestamp: ts, Price: float64(100 + i)})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		if saved.ID <= lastID {
			t.Fatalf("ids must be monotonic, got %d after %d", saved.ID, lastID)
		}
		lastID = saved.ID
		if saved.Symbol != "bitcoin" || saved.Source != SourceLive {
			t.Fatalf("unexpected defaults: %+v", saved)
		}
	}

	recent, _ := store.Recent(ctx, 2)
	if len(recent) != 2 || !recent[0].Timestamp.Equal(t0.Add(time.Hour)) || !recent[1].Timestamp.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("recent should be the two newest in chronological order: %+v", recent)
	}

	ranged, _ := store.Range(ctx, t0, t0.Add(time.Hour))
	if len(ranged) != 2 {
		t.Fatalf("range is inclusive on both ends, got %d", len(ranged))
	}

	exists, _ := store.Exists(ctx, t0.Add(time.Hour))
	if !exists {
		t.Fatal("expected sample at t0+1h")
	}
	exists, _ = store.Exists(ctx, t0.Add(90*time.Minute))
	if exists {
		t.Fatal("no sample at t0+90m")
	}
}

func TestMemoryStatisticsAndClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("bitcoin")
	for i, p := range []float64{10, 30, 20} {
		if _, err := store.Save(ctx, Sample{Timestamp: t0.Add(time.Duration(i) * time.Minute), Price: p}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := store.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Count != 3 || stats.Mean != 20 || stats.Min != 10 || stats.Max != 30 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Latest == nil || *stats.Latest != 20 {
		t.Fatalf("latest should be the newest price, got %v", stats.Latest)
	}

	if err := store.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ = store.Statistics(ctx)
	if stats.Count != 0 || stats.Latest != nil {
		t.Fatalf("store should be empty after clear: %+v", stats)
	}
}

func TestMemoryUpdateDerived(t *testing.T) {
	ctx := context.Background()
	store := NewMemory("bitcoin")
	saved, _ := store.Save(ctx, Sample{Timestamp: t0, Price: 1})

	if err := store.UpdateDerived(ctx, saved.ID, Derived{Volatility: Float(2.5)}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Recent(ctx, 1)
	if got[0].Volatility == nil || *got[0].Volatility != 2.5 {
		t.Fatalf("volatility not updated: %+v", got[0])
	}
	if err := store.UpdateDerived(ctx, 999, Derived{}); !errors.Is(err, ErrSampleNotFound) {
		t.Fatalf("expected ErrSampleNotFound, got %v", err)
	}
}

func TestMigrationURL(t *testing.T) {
	got, err := migrationURL("postgres://u:p@localhost:5432/db?sslmode=disable")
	if err != nil || got != "pgx5://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected url %q (%v)", got, err)
	}
	if _, err := migrationURL("host=localhost dbname=x"); err == nil {
		t.Fatal("key/value dsn should be rejected")
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	if _, err := store.Recent(context.Background(), 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
