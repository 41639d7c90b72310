// Package selection chooses which optimizer trials are re-validated
// out of sample.
package selection

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// RankedList is one ranking method's ordered trials; Trials[0] is rank 1.
type RankedList struct {
	Source types.SourceMethod
	Trials []*types.Trial
	TopK   int
}

// Selector deduplicates candidate proposals across ranking sources
type Selector struct {
	logger *zap.Logger
}

// NewSelector creates a selector
func NewSelector(logger *zap.Logger) *Selector {
	return &Selector{logger: logger}
}

// Select takes the top-K of every list and returns each trial once,
// attributed to the highest-precedence source that proposed it. Output is
// grouped by source precedence, then ascending source rank. Lists are
// processed in precedence order regardless of argument order; failed trials
// are never proposed.
func (s *Selector) Select(lists ...RankedList) ([]types.Candidate, error) {
	ordered := make([]RankedList, 0, len(lists))
	seenSource := make(map[types.SourceMethod]bool, len(lists))
	for _, l := range lists {
		if !l.Source.IsValid() {
			return nil, &types.ConfigError{Field: "source", Message: fmt.Sprintf("unknown ranking source %q", l.Source)}
		}
		if l.TopK < 0 {
			return nil, &types.ConfigError{Field: string(l.Source) + "_top_k", Message: fmt.Sprintf("must be >= 0, got %d", l.TopK)}
		}
		if seenSource[l.Source] {
			return nil, &types.ConfigError{Field: "source", Message: fmt.Sprintf("duplicate ranking source %q", l.Source)}
		}
		seenSource[l.Source] = true
		ordered = append(ordered, l)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Source.Precedence() < ordered[j].Source.Precedence()
	})

	var candidates []types.Candidate
	claimed := make(map[string]types.SourceMethod)

	for _, l := range ordered {
		rank := 0
		for _, t := range l.Trials {
			if rank >= l.TopK {
				break
			}
			if t == nil || t.Status == types.TrialFailed {
				continue
			}
			rank++

			if by, ok := claimed[t.ID]; ok {
				s.logger.Debug("Candidate already claimed",
					zap.String("trial", t.ID),
					zap.String("source", string(l.Source)),
					zap.String("claimedBy", string(by)),
				)
				continue
			}
			claimed[t.ID] = l.Source
			candidates = append(candidates, types.Candidate{
				TrialID:    t.ID,
				Params:     t.Params,
				Source:     l.Source,
				SourceRank: rank,
			})
		}
	}

	s.logger.Debug("Candidates selected",
		zap.Int("lists", len(ordered)),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}
