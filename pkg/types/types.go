// Package types provides shared type definitions for the validation engine.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents a single candlestick
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// ParameterSet represents a set of typed parameter values
type ParameterSet map[string]any

// Clone creates a copy of the parameter set
func (ps ParameterSet) Clone() ParameterSet {
	clone := make(ParameterSet, len(ps))
	for k, v := range ps {
		clone[k] = v
	}
	return clone
}

// Key returns a canonical representation used to detect duplicate sets
func (ps ParameterSet) Key() string {
	names := make([]string, 0, len(ps))
	for k := range ps {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s=%v", k, ps[k])
	}
	return b.String()
}

// SourceMethod identifies the ranking method that proposed a candidate
type SourceMethod string

const (
	SourceDSR           SourceMethod = "dsr"
	SourceForwardTest   SourceMethod = "forward_test"
	SourceStressTest    SourceMethod = "stress_test"
	SourceOptimizerRank SourceMethod = "optimizer_rank"
)

// SourcePrecedence lists source methods from highest to lowest precedence
var SourcePrecedence = []SourceMethod{
	SourceDSR,
	SourceForwardTest,
	SourceStressTest,
	SourceOptimizerRank,
}

// Precedence returns the position of the source in SourcePrecedence, or -1
func (s SourceMethod) Precedence() int {
	for i, m := range SourcePrecedence {
		if m == s {
			return i
		}
	}
	return -1
}

// IsValid returns true if the source is a known method
func (s SourceMethod) IsValid() bool {
	return s.Precedence() >= 0
}

// Candidate is a trial selected for out-of-sample validation
type Candidate struct {
	TrialID    string       `json:"trialId"`
	Params     ParameterSet `json:"params"`
	Source     SourceMethod `json:"source"`
	SourceRank int          `json:"sourceRank"`
}

// Metric names understood by TrialMetrics.Value
const (
	MetricNetProfit    = "net_profit"
	MetricMaxDrawdown  = "max_drawdown"
	MetricTotalReturn  = "total_return"
	MetricSharpe       = "sharpe"
	MetricTradeCount   = "trade_count"
	MetricWinRate      = "win_rate"
	MetricProfitFactor = "profit_factor"
)

// IsMetric reports whether name is a known metric
func IsMetric(name string) bool {
	switch name {
	case MetricNetProfit, MetricMaxDrawdown, MetricTotalReturn, MetricSharpe,
		MetricTradeCount, MetricWinRate, MetricProfitFactor:
		return true
	}
	return false
}

// TrialMetrics is the performance record of one simulation run
type TrialMetrics struct {
	NetProfit    decimal.Decimal `json:"netProfit"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`
	TotalReturn  float64         `json:"totalReturn"`
	Sharpe       float64         `json:"sharpe"`
	SharpePerBar float64         `json:"sharpePerBar"`
	Skewness     float64         `json:"skewness"`
	Kurtosis     float64         `json:"kurtosis"`
	Observations int             `json:"observations"`
	TradeCount   int             `json:"tradeCount"`
	WinRate      float64         `json:"winRate"`
	ProfitFactor float64         `json:"profitFactor"`
	Bars         int             `json:"bars"`
	WarmupBars   int             `json:"warmupBars"`
}

// Value returns a metric by name
func (m *TrialMetrics) Value(name string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch name {
	case MetricNetProfit:
		return m.NetProfit.InexactFloat64(), true
	case MetricMaxDrawdown:
		return m.MaxDrawdown.InexactFloat64(), true
	case MetricTotalReturn:
		return m.TotalReturn, true
	case MetricSharpe:
		return m.Sharpe, true
	case MetricTradeCount:
		return float64(m.TradeCount), true
	case MetricWinRate:
		return m.WinRate, true
	case MetricProfitFactor:
		return m.ProfitFactor, true
	}
	return 0, false
}

// Direction is the optimization direction of an objective
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Objective names a metric and its direction
type Objective struct {
	Metric    string    `json:"metric" mapstructure:"metric" validate:"required"`
	Direction Direction `json:"direction" mapstructure:"direction" validate:"oneof=maximize minimize"`
}

// Better reports whether a is strictly better than b in this direction
func (o Objective) Better(a, b float64) bool {
	if o.Direction == Minimize {
		return a < b
	}
	return a > b
}

// ConstraintOp is the comparison a constraint enforces
type ConstraintOp string

const (
	OpLTE ConstraintOp = "lte"
	OpGTE ConstraintOp = "gte"
)

// Constraint bounds a metric; a breach contributes to violation magnitude
type Constraint struct {
	Metric    string       `json:"metric" mapstructure:"metric" validate:"required"`
	Op        ConstraintOp `json:"op" mapstructure:"op" validate:"oneof=lte gte"`
	Threshold float64      `json:"threshold" mapstructure:"threshold"`
}

// TrialStatus is the lifecycle status of a trial
type TrialStatus string

const (
	TrialOK     TrialStatus = "ok"
	TrialFailed TrialStatus = "failed"
)

// Trial is one evaluated parameter set of a study
type Trial struct {
	ID                 string        `json:"id"`
	Params             ParameterSet  `json:"params"`
	Metrics            *TrialMetrics `json:"metrics,omitempty"`
	Objectives         []float64     `json:"objectives"`
	Violations         []float64     `json:"violations,omitempty"`
	ViolationMagnitude float64       `json:"violationMagnitude"`
	Feasible           bool          `json:"feasible"`
	Status             TrialStatus   `json:"status"`
	Rank               int           `json:"rank"`
	Failure            *Failure      `json:"failure,omitempty"`
}

// Study is an ordered collection of trials produced by one optimization run
type Study struct {
	ID        string    `json:"id"`
	WindowID  int       `json:"windowId"`
	Trials    []*Trial  `json:"trials"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ranked returns the non-failed trials in rank order
func (s *Study) Ranked() []*Trial {
	ranked := make([]*Trial, 0, len(s.Trials))
	for _, t := range s.Trials {
		if t.Status == TrialOK && t.Rank > 0 {
			ranked = append(ranked, t)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })
	return ranked
}

// Find returns the trial with the given id
func (s *Study) Find(id string) *Trial {
	for _, t := range s.Trials {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Role is the part of a window a simulation covers
type Role string

const (
	RoleIS          Role = "is"
	RoleOOS         Role = "oos"
	RoleForward     Role = "forward"
	RoleForwardTest Role = "forward_test"
	RoleStressTest  Role = "stress_test"
)

// FailureKind classifies a failed candidate
type FailureKind string

const (
	FailureSimulation FailureKind = "simulation_fault"
	FailureTimeout    FailureKind = "timed_out"
	FailureObjective  FailureKind = "objective_degenerate"
)

// Failure is an explicit failure marker for one candidate
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Outcome is the result of one candidate simulation: metrics or a failure
type Outcome struct {
	TrialID  string        `json:"trialId"`
	Role     Role          `json:"role"`
	Metrics  *TrialMetrics `json:"metrics,omitempty"`
	Failure  *Failure      `json:"failure,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the outcome carries metrics
func (o Outcome) OK() bool {
	return o.Failure == nil && o.Metrics != nil
}

// TrialRecord is the per-window, per-candidate validation record
type TrialRecord struct {
	StudyID    string       `json:"studyId"`
	WindowID   int          `json:"windowId"`
	TrialID    string       `json:"trialId"`
	Source     SourceMethod `json:"source"`
	SourceRank int          `json:"sourceRank"`
	Params     ParameterSet `json:"params"`
	IS         *Trial       `json:"is,omitempty"`
	OOS        *Trial       `json:"oos,omitempty"`
	Forward    *Trial       `json:"forward,omitempty"`
	OOSRank    int          `json:"oosRank"`
	Failure    *Failure     `json:"failure,omitempty"`
}

// Failed reports whether the candidate produced no usable OOS result
func (r *TrialRecord) Failed() bool {
	return r.Failure != nil || r.OOS == nil || r.OOS.Status == TrialFailed
}

// Mode selects fixed-parameter or optimization runs
type Mode string

const (
	ModeFixed    Mode = "fixed"
	ModeOptimize Mode = "optimize"
)

// Phase is a state of the walk-forward state machine
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseIS         Phase = "is"
	PhaseGap        Phase = "gap"
	PhaseOOS        Phase = "oos"
	PhaseForward    Phase = "forward"
	PhaseNextWindow Phase = "next_window"
	PhaseDone       Phase = "done"
)

// WindowTimes holds the timestamps of a window's boundaries
type WindowTimes struct {
	ISStart      time.Time `json:"isStart"`
	ISEnd        time.Time `json:"isEnd"`
	OOSStart     time.Time `json:"oosStart"`
	OOSEnd       time.Time `json:"oosEnd"`
	ForwardStart time.Time `json:"forwardStart,omitempty"`
	ForwardEnd   time.Time `json:"forwardEnd,omitempty"`
}

// WindowResult is the aggregated result of one walk-forward window
type WindowResult struct {
	StudyID           string         `json:"studyId"`
	Window            Window         `json:"window"`
	Times             WindowTimes    `json:"times"`
	WarmupBars        int            `json:"warmupBars"`
	ISMetrics         *TrialMetrics  `json:"isMetrics,omitempty"`
	StudySize         int            `json:"studySize"`
	Records           []*TrialRecord `json:"records"`
	BestTrialID       string         `json:"bestTrialId,omitempty"`
	Efficiency        float64        `json:"efficiency"`
	EfficiencyDefined bool           `json:"efficiencyDefined"` // false when the best trial lacks a usable IS or OOS value
	SearchFailures    []TrialFailure `json:"searchFailures,omitempty"`
	Failures          int            `json:"failures"` // failed records plus search failures
}

// TrialFailure is a failed simulation outside the validated candidate
// records: the in-sample search and the forward/stress ranking batches
type TrialFailure struct {
	TrialID string  `json:"trialId"`
	Role    Role    `json:"role"`
	Failure Failure `json:"failure"`
}

// SkippedWindow records a window that could not be processed
type SkippedWindow struct {
	Cycle  int    `json:"cycle"`
	Start  int    `json:"start"`
	Reason string `json:"reason"`
}

// RunReport is the final report of a walk-forward run
type RunReport struct {
	StudyID           string          `json:"studyId"`
	Mode              Mode            `json:"mode"`
	Strategy          string          `json:"strategy"`
	Windows           []*WindowResult `json:"windows"`
	Skipped           []SkippedWindow `json:"skipped"`
	PersistenceErrors []string        `json:"persistenceErrors,omitempty"`
	Efficiency        float64         `json:"efficiency"`
	StartedAt         time.Time       `json:"startedAt"`
	CompletedAt       time.Time       `json:"completedAt"`
	Duration          time.Duration   `json:"duration"`
}

// RunProgress is emitted on every state transition of a run
type RunProgress struct {
	StudyID     string    `json:"studyId"`
	Phase       Phase     `json:"phase"`
	Cycle       int       `json:"cycle"`
	WindowsDone int       `json:"windowsDone"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Int returns an integer parameter
func (ps ParameterSet) Int(name string) (int, error) {
	switch v := ps[name].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case nil:
		return 0, fmt.Errorf("parameter %q missing", name)
	default:
		return 0, fmt.Errorf("parameter %q is %T, want int", name, v)
	}
}

// Float returns a float parameter; integers are widened
func (ps ParameterSet) Float(name string) (float64, error) {
	switch v := ps[name].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("parameter %q missing", name)
	default:
		return 0, fmt.Errorf("parameter %q is %T, want float", name, v)
	}
}

// Bool returns a boolean parameter
func (ps ParameterSet) Bool(name string) (bool, error) {
	switch v := ps[name].(type) {
	case bool:
		return v, nil
	case nil:
		return false, fmt.Errorf("parameter %q missing", name)
	default:
		return false, fmt.Errorf("parameter %q is %T, want bool", name, v)
	}
}
