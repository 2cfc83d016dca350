package escalation

import (
	"time"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/task"
)

// ReliabilitySource reports the rolling success rate of a task category and
// how many finished tasks it is based on.
type ReliabilitySource interface {
	SuccessRate(category string, window time.Duration) (rate float64, tasks int)
}

// KPolicy picks the voting margin for a task at a tier.
type KPolicy struct {
	// Defaults maps risk tier to K; missing entries use RiskTier.DefaultK.
	Defaults        map[task.RiskTier]int
	Dynamic         bool
	Window          time.Duration
	MinSamples      int
	HighReliability float64
	LowReliability  float64
	Source          ReliabilitySource
}

// PolicyFromConfig builds the policy from the consensus and dynamic_k sections.
func PolicyFromConfig(cfg *config.Config, source ReliabilitySource) KPolicy {
	if cfg == nil {
		cfg = config.Default()
	}
	dk := cfg.Project.DynamicK
	policy := KPolicy{
		Defaults:        map[task.RiskTier]int{},
		Dynamic:         dk.IsEnabled(),
		Window:          dk.Window,
		MinSamples:      dk.MinSamples,
		HighReliability: dk.HighReliability,
		LowReliability:  dk.LowReliability,
		Source:          source,
	}
	for _, risk := range []task.RiskTier{task.RiskSimple, task.RiskMedium, task.RiskComplex} {
		policy.Defaults[risk] = cfg.KFor(string(risk))
	}
	return policy
}

// Base returns K before telemetry adjustment.
func (p KPolicy) Base(t task.Task, tier executor.Tier) int {
	k := t.Consensus.K
	if k <= 0 {
		k = p.Defaults[t.Risk]
	}
	if k <= 0 {
		k = t.Risk.DefaultK()
	}
	k += tier.KDelta
	if k < 1 {
		k = 1
	}
	return k
}

// K returns the margin to use, shrinking it for reliable categories and
// growing it for unreliable ones. K never drops below one.
func (p KPolicy) K(t task.Task, tier executor.Tier) int {
	k := p.Base(t, tier)
	if p.Dynamic && p.Source != nil {
		rate, tasks := p.Source.SuccessRate(t.Category, p.Window)
		switch {
		case tasks >= p.MinSamples && tasks > 0 && rate >= p.HighReliability:
			k--
		case tasks > 0 && rate < p.LowReliability:
			k++
		}
	}
	if k < 1 {
		k = 1
	}
	return k
}
