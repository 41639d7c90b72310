// Package storage persists window results and per-trial records. Every
// write is an idempotent upsert keyed by (study, window, trial).
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// ErrNotFound is returned when a key has no stored value
var ErrNotFound = errors.New("not found")

// Store is the persistence sink of the orchestrator
type Store interface {
	SaveWindowResult(ctx context.Context, result *types.WindowResult) error
	SaveTrialMetrics(ctx context.Context, record *types.TrialRecord) error
}

// ReportStore keeps whole run reports
type ReportStore interface {
	SaveReport(ctx context.Context, report *types.RunReport) error
	LoadReport(ctx context.Context, studyID string) (*types.RunReport, error)
}

type windowKey struct {
	study  string
	window int
}

type trialKey struct {
	study  string
	window int
	trial  string
}

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[windowKey]*types.WindowResult
	trials  map[trialKey]*types.TrialRecord
	reports map[string]*types.RunReport
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[windowKey]*types.WindowResult),
		trials:  make(map[trialKey]*types.TrialRecord),
		reports: make(map[string]*types.RunReport),
	}
}

// SaveWindowResult upserts a window result
func (s *MemoryStore) SaveWindowResult(ctx context.Context, result *types.WindowResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[windowKey{result.StudyID, result.Window.ID}] = result
	return nil
}

// SaveTrialMetrics upserts a trial record
func (s *MemoryStore) SaveTrialMetrics(ctx context.Context, record *types.TrialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trials[trialKey{record.StudyID, record.WindowID, record.TrialID}] = record
	return nil
}

// SaveReport upserts a run report
func (s *MemoryStore) SaveReport(ctx context.Context, report *types.RunReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.StudyID] = report
	return nil
}

// LoadReport returns a stored report
func (s *MemoryStore) LoadReport(ctx context.Context, studyID string) (*types.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[studyID]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", studyID, ErrNotFound)
	}
	return r, nil
}

// WindowResult returns a stored window result
func (s *MemoryStore) WindowResult(studyID string, windowID int) (*types.WindowResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.windows[windowKey{studyID, windowID}]
	return r, ok
}

// TrialRecords returns the stored records of one window ordered by trial id
func (s *MemoryStore) TrialRecords(studyID string, windowID int) []*types.TrialRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.TrialRecord
	for k, r := range s.trials {
		if k.study == studyID && k.window == windowID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrialID < out[j].TrialID })
	return out
}

// Counts returns the number of stored windows and trial records
func (s *MemoryStore) Counts() (windows, trials int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows), len(s.trials)
}
