package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched with errors.Is
var (
	ErrConfig              = errors.New("invalid configuration")
	ErrAlignment           = errors.New("boundary alignment failed")
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrSimulationFault     = errors.New("simulation fault")
	ErrObjectiveDegenerate = errors.New("objective degenerate")
	ErrPersistence         = errors.New("persistence failure")
)

// ConfigError is an invalid window, step, top-K or runner setting. Fatal.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// ConfigErrors collects every invalid field found in one pass
type ConfigErrors []*ConfigError

func (e ConfigErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ConfigErrors) Unwrap() error { return ErrConfig }

// AlignmentError means the lower-bound invariant cannot be satisfied,
// which only happens on a malformed series or an invalid call. Fatal.
type AlignmentError struct {
	Index      int
	LowerBound int
	Reason     string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("align index %d (lower bound %d): %s", e.Index, e.LowerBound, e.Reason)
}

func (e *AlignmentError) Unwrap() error { return ErrAlignment }

// InsufficientHistoryError is a window whose span exceeds the remaining bars.
type InsufficientHistoryError struct {
	Start     int
	Required  int
	Available int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("window at bar %d needs %d bars, %d available", e.Start, e.Required, e.Available)
}

func (e *InsufficientHistoryError) Unwrap() error { return ErrInsufficientHistory }

// SimulationFault is a single candidate's simulator error or panic.
type SimulationFault struct {
	TrialID string
	Err     error
	Panic   any
}

func (e *SimulationFault) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("trial %s: simulator panic: %v", e.TrialID, e.Panic)
	}
	return fmt.Sprintf("trial %s: %v", e.TrialID, e.Err)
}

func (e *SimulationFault) Is(target error) bool { return target == ErrSimulationFault }

func (e *SimulationFault) Unwrap() error { return e.Err }

// ObjectiveDegenerate marks a trial whose objective vector has non-finite
// components after sanitization.
type ObjectiveDegenerate struct {
	TrialID    string
	Components []int
}

func (e *ObjectiveDegenerate) Error() string {
	return fmt.Sprintf("trial %s: non-finite objective components %v", e.TrialID, e.Components)
}

func (e *ObjectiveDegenerate) Unwrap() error { return ErrObjectiveDegenerate }

// PersistenceFailure is a failed collaborator write. Retryable by the caller.
type PersistenceFailure struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceFailure) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceFailure) Unwrap() error { return e.Err }
