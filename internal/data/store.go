// Package data provides bar series storage and loading.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// ErrNoData is returned when no file exists for a symbol and sample
// generation is disabled
var ErrNoData = errors.New("no data for symbol")

// sampleBars is the length of a generated sample series
const sampleBars = 2000

// Store provides access to historical bar series kept under a directory as
// <symbol>_<interval>.json or <symbol>_<interval>.csv
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	generate bool
	cache    map[string]*timeseries.Series
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// NewStore creates a new data store. When generate is set, a missing symbol
// yields a deterministic sample series instead of ErrNoData.
func NewStore(logger *zap.Logger, dataDir string, generate bool) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		generate: generate,
		cache:    make(map[string]*timeseries.Series),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// IntervalDuration maps an interval name to its bar spacing
func IntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown interval %q", interval)
}

// Load returns the series for a symbol and interval, read from JSON first,
// then CSV. Calendar-day queries on the result use loc.
func (s *Store) Load(ctx context.Context, symbol, interval string, loc *time.Location) (*timeseries.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey(symbol, interval)
	if cached, ok := s.cache[key]; ok && sameLocation(cached.Location(), loc) {
		return cached, nil
	}

	series, err := s.read(symbol, interval, loc)
	if err != nil {
		return nil, err
	}
	s.cache[key] = series
	return series, nil
}

func (s *Store) read(symbol, interval string, loc *time.Location) (*timeseries.Series, error) {
	base := filepath.Join(s.dataDir, cacheKey(symbol, interval))

	data, err := os.ReadFile(base + ".json")
	if err == nil {
		var bars []types.Bar
		if err := json.Unmarshal(data, &bars); err != nil {
			return nil, fmt.Errorf("failed to parse data: %w", err)
		}
		sort.Slice(bars, func(i, j int) bool {
			return bars[i].Timestamp.Before(bars[j].Timestamp)
		})
		return timeseries.New(bars, loc)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	if _, err := os.Stat(base + ".csv"); err == nil {
		return timeseries.LoadCSVFile(base+".csv", loc)
	}

	if !s.generate {
		return nil, fmt.Errorf("%w: %s %s", ErrNoData, symbol, interval)
	}

	step, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Generating sample data",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Int("bars", sampleBars))

	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
	return timeseries.Generate(start, step, sampleBars, symbolSeed(symbol)), nil
}

// Save writes a series to disk as JSON and refreshes metadata
func (s *Store) Save(symbol, interval string, series *timeseries.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey(symbol, interval)
	data, err := json.MarshalIndent(series.Bars(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := os.WriteFile(filepath.Join(s.dataDir, key+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[key] = series

	if n := series.Len(); n > 0 {
		s.metadata[key] = &SymbolMetadata{
			Symbol:    symbol,
			Interval:  interval,
			StartDate: series.Timestamp(0),
			EndDate:   series.Timestamp(n - 1),
			BarCount:  n,
		}
	}

	return s.saveMetadata()
}

// Symbols returns every symbol with saved data
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	symbols := make([]string, 0, len(s.metadata))
	for _, meta := range s.metadata {
		if !seen[meta.Symbol] {
			seen[meta.Symbol] = true
			symbols = append(symbols, meta.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Metadata returns the saved range for a symbol and interval
func (s *Store) Metadata(symbol, interval string) (*SymbolMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[cacheKey(symbol, interval)]; ok {
		m := *meta
		return &m, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoData, symbol, interval)
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *Store) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0644)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string]*timeseries.Series)
}

// CacheSize returns the number of cached series
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}

func cacheKey(symbol, interval string) string {
	return fmt.Sprintf("%s_%s", symbol, interval)
}

func sameLocation(a, b *time.Location) bool {
	if b == nil {
		b = time.UTC
	}
	return a.String() == b.String()
}

func symbolSeed(symbol string) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return int64(h.Sum64() >> 1)
}
