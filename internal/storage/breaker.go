package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// Breaker thresholds for the persistence backend
const (
	BreakerMinRequests     = 5
	BreakerFailureRatio    = 0.6
	BreakerOpenTimeout     = 15 * time.Second
	BreakerHalfOpenMaxReqs = 2
	BreakerCountInterval   = 10 * time.Second
)

// BreakerSettings configures the circuit breaker of a BreakerStore
type BreakerSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultBreakerSettings returns the default thresholds
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:     BreakerMinRequests,
		FailureRatio:    BreakerFailureRatio,
		OpenTimeout:     BreakerOpenTimeout,
		HalfOpenMaxReqs: BreakerHalfOpenMaxReqs,
		CountInterval:   BreakerCountInterval,
	}
}

// BreakerStore fails fast while the wrapped store keeps failing
type BreakerStore struct {
	inner  Store
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreakerStore wraps a store with a circuit breaker
func NewBreakerStore(logger *zap.Logger, inner Store, settings BreakerSettings) *BreakerStore {
	s := &BreakerStore{inner: inner, logger: logger}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage",
		MaxRequests: settings.HalfOpenMaxReqs,
		Interval:    settings.CountInterval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= settings.MinRequests && failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Storage circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

// State returns the breaker state
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) execute(op string, fn func() error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

// SaveWindowResult forwards to the wrapped store through the breaker
func (s *BreakerStore) SaveWindowResult(ctx context.Context, result *types.WindowResult) error {
	return s.execute("save window", func() error {
		return s.inner.SaveWindowResult(ctx, result)
	})
}

// SaveTrialMetrics forwards to the wrapped store through the breaker
func (s *BreakerStore) SaveTrialMetrics(ctx context.Context, record *types.TrialRecord) error {
	return s.execute("save trial", func() error {
		return s.inner.SaveTrialMetrics(ctx, record)
	})
}

// SaveReport forwards when the wrapped store keeps reports
func (s *BreakerStore) SaveReport(ctx context.Context, report *types.RunReport) error {
	rs, ok := s.inner.(ReportStore)
	if !ok {
		return nil
	}
	return s.execute("save report", func() error {
		return rs.SaveReport(ctx, report)
	})
}

// LoadReport forwards when the wrapped store keeps reports
func (s *BreakerStore) LoadReport(ctx context.Context, studyID string) (*types.RunReport, error) {
	rs, ok := s.inner.(ReportStore)
	if !ok {
		return nil, fmt.Errorf("report %s: %w", studyID, ErrNotFound)
	}
	var report *types.RunReport
	err := s.execute("load report", func() error {
		var err error
		report, err = rs.LoadReport(ctx, studyID)
		return err
	})
	return report, err
}
