// Package voting implements the first-to-ahead-by-K decision rule over the
// admissible attempts of a task.
package voting

import (
	"math"
	"math/big"
	"sort"

	"github.com/kingrea/tally/internal/task"
)

// Outcome is the verdict of one evaluation.
type Outcome string

const (
	OutcomeWinner             Outcome = "winner"
	OutcomeConsensusOnFailure Outcome = "consensus_on_failure"
	OutcomeNoConsensus        Outcome = "no_consensus"
)

// Group is one entry of the vote tally: all attempts that normalized to the
// same result.
type Group struct {
	Hash           string
	Normalized     string
	Weight         *big.Rat
	Count          int
	FailureSignal  bool
	Representative task.Attempt
}

// Decision is the result of evaluating a set of attempts.
type Decision struct {
	TaskID  string
	Outcome Outcome
	// Winner is the lowest-sequence attempt of the winning group. Only set for
	// OutcomeWinner.
	Winner *task.Attempt
	// Tally is sorted by weight descending, ties by earliest attempt.
	Tally  []Group
	Top    *big.Rat
	Second *big.Rat
	Lead   *big.Rat
	K      int
	// Needed is the minimum number of further unanimous samples that could
	// decide the task. Zero once decided.
	Needed int
	Voters int
}

// Result returns the winning raw output, if any.
func (d Decision) Result() (string, bool) {
	if d.Outcome != OutcomeWinner || d.Winner == nil {
		return "", false
	}
	return d.Winner.Output, true
}

// LeadFloat reports the lead as a float for logs and telemetry.
func (d Decision) LeadFloat() float64 {
	if d.Lead == nil {
		return 0
	}
	f, _ := d.Lead.Float64()
	return f
}

// Evaluate applies first-to-ahead-by-K to attempts. Non-voting attempts are
// ignored, so the tally is a pure function of the admissible set. K below one
// is treated as one.
func Evaluate(taskID string, attempts []task.Attempt, k int, weighted bool) Decision {
	if k < 1 {
		k = 1
	}
	tally := Tally(attempts, weighted)
	decision := Decision{
		TaskID:  taskID,
		Outcome: OutcomeNoConsensus,
		Tally:   tally,
		Top:     new(big.Rat),
		Second:  new(big.Rat),
		K:       k,
	}
	for _, group := range tally {
		decision.Voters += group.Count
	}
	if len(tally) > 0 {
		decision.Top.Set(tally[0].Weight)
	}
	if len(tally) > 1 {
		decision.Second.Set(tally[1].Weight)
	}
	decision.Lead = new(big.Rat).Sub(decision.Top, decision.Second)

	kRat := new(big.Rat).SetInt64(int64(k))
	if len(tally) > 0 && decision.Lead.Cmp(kRat) >= 0 {
		leader := tally[0]
		if leader.FailureSignal {
			decision.Outcome = OutcomeConsensusOnFailure
			return decision
		}
		winner := leader.Representative
		decision.Outcome = OutcomeWinner
		decision.Winner = &winner
		return decision
	}
	decision.Needed = samplesNeeded(kRat, decision.Lead)
	return decision
}

// Tally groups voting attempts by result hash. Weight is the count, or the sum
// of clamped confidences when weighted.
func Tally(attempts []task.Attempt, weighted bool) []Group {
	index := map[string]int{}
	var groups []Group
	for _, attempt := range attempts {
		if !attempt.Voting() {
			continue
		}
		key := groupKey(attempt)
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, Group{
				Hash:           attempt.Hash,
				Normalized:     attempt.Normalized,
				Weight:         new(big.Rat),
				Representative: attempt,
			})
		}
		group := &groups[pos]
		group.Count++
		if weighted {
			group.Weight.Add(group.Weight, confidenceRat(attempt.Confidence))
		} else {
			group.Weight.Add(group.Weight, big.NewRat(1, 1))
		}
		if attempt.IsFailureSignal {
			group.FailureSignal = true
		}
		if attempt.Seq < group.Representative.Seq {
			group.Representative = attempt
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if c := groups[i].Weight.Cmp(groups[j].Weight); c != 0 {
			return c > 0
		}
		return groups[i].Representative.Seq < groups[j].Representative.Seq
	})
	return groups
}

// ClampConfidence maps confidence into [0,1]; NaN becomes 0.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func confidenceRat(c float64) *big.Rat {
	r := new(big.Rat)
	r.SetFloat64(ClampConfidence(c))
	return r
}

// groupKey includes the canonical text so a hash collision cannot merge votes.
func groupKey(attempt task.Attempt) string {
	return attempt.Hash + "\x00" + attempt.Normalized
}

// samplesNeeded is max(1, ceil(k - lead)).
func samplesNeeded(k, lead *big.Rat) int {
	gap := new(big.Rat).Sub(k, lead)
	if gap.Sign() <= 0 {
		return 1
	}
	q, r := new(big.Int).QuoRem(gap.Num(), gap.Denom(), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() || q.Int64() < 1 {
		return 1
	}
	return int(q.Int64())
}
