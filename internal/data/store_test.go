// Package data_test provides tests for the data store.
package data_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/data"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
)

func TestSaveAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), tempDir, false)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	series := timeseries.Generate(start, time.Hour, 48, 7)
	if err := store.Save("BTCUSDT", "1h", series); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	// A fresh store must read from disk rather than the cache
	reopened, err := data.NewStore(zap.NewNop(), tempDir, false)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	loaded, err := reopened.Load(context.Background(), "BTCUSDT", "1h", time.UTC)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if loaded.Len() != 48 {
		t.Fatalf("Expected 48 bars, got %d", loaded.Len())
	}
	if !loaded.Bar(10).Close.Equal(series.Bar(10).Close) {
		t.Errorf("Close mismatch at bar 10: %s vs %s", loaded.Bar(10).Close, series.Bar(10).Close)
	}

	meta, err := reopened.Metadata("BTCUSDT", "1h")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.BarCount != 48 || !meta.EndDate.Equal(start.Add(47*time.Hour)) {
		t.Errorf("Unexpected metadata: %+v", meta)
	}
	if got := reopened.Symbols(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("Symbols = %v", got)
	}
}

func TestLoadCSV(t *testing.T) {
	tempDir := t.TempDir()
	csv := "timestamp,open,high,low,close,volume\n" +
		"2025-01-01T00:00:00Z,1,2,0.5,1.5,10\n" +
		"2025-01-01T01:00:00Z,1.5,2,1,1.8,12\n"
	if err := os.WriteFile(filepath.Join(tempDir, "ETHUSDT_1h.csv"), []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := data.NewStore(zap.NewNop(), tempDir, false)
	if err != nil {
		t.Fatal(err)
	}
	series, err := store.Load(context.Background(), "ETHUSDT", "1h", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if series.Len() != 2 {
		t.Errorf("Expected 2 bars, got %d", series.Len())
	}
	if store.CacheSize() != 1 {
		t.Errorf("Expected 1 cached series, got %d", store.CacheSize())
	}
}

func TestLoadMissing(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Load(context.Background(), "NOPE", "1h", time.UTC)
	if !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData, got %v", err)
	}
}

func TestLoadGeneratesSample(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir(), true)
	if err != nil {
		t.Fatal(err)
	}

	a, err := store.Load(context.Background(), "SOLUSDT", "4h", time.UTC)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.Len() == 0 {
		t.Fatal("Expected generated bars")
	}
	if got := a.Timestamp(1).Sub(a.Timestamp(0)); got != 4*time.Hour {
		t.Errorf("Expected 4h spacing, got %v", got)
	}

	store.ClearCache()
	b, err := store.Load(context.Background(), "SOLUSDT", "4h", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Bar(100).Close.Equal(b.Bar(100).Close) {
		t.Error("Sample data should be deterministic per symbol")
	}

	if _, err := store.Load(context.Background(), "SOLUSDT", "7m", time.UTC); err == nil {
		t.Error("Expected error for unknown interval")
	}
}

func TestIntervalDuration(t *testing.T) {
	if d, err := data.IntervalDuration("15m"); err != nil || d != 15*time.Minute {
		t.Errorf("15m -> %v, %v", d, err)
	}
	if _, err := data.IntervalDuration("2w"); err == nil {
		t.Error("Expected error for unknown interval")
	}
}
