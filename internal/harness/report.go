package harness

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/task"
)

// Outcome is one scored scenario task.
type Outcome struct {
	Label   string
	Truth   string
	Result  task.Result
	Correct bool
}

// Report aggregates a harness run.
type Report struct {
	Scenario  string
	Tasks     int
	Correct   int
	Wrong     int
	Failed    int
	Escalated int
	Attempts  int
	// Accuracy is Correct over Tasks, counting failures as misses.
	Accuracy float64
	// DecidedAccuracy is Correct over tasks that reached a result.
	DecidedAccuracy float64
	TotalCostUSD    float64
	// BaselineUSD prices every produced attempt at the top tier.
	BaselineUSD float64
	Savings     float64
	// FinalTiers counts decided tasks by the tier that decided them.
	FinalTiers map[string]int
	// Reasons counts escalations by reason.
	Reasons  map[task.EscalationReason]int
	Outcomes []Outcome
	Duration time.Duration
}

// Summarize scores outcomes against ground truth.
func Summarize(name string, top executor.Tier, outcomes []Outcome) Report {
	report := Report{
		Scenario:   name,
		Tasks:      len(outcomes),
		FinalTiers: make(map[string]int),
		Reasons:    make(map[task.EscalationReason]int),
		Outcomes:   outcomes,
	}
	for _, o := range outcomes {
		res := o.Result
		report.Attempts += res.AttemptsUsed
		report.TotalCostUSD += res.TotalCostUSD
		for _, attempt := range res.Attempts {
			if attempt.Produced() {
				report.BaselineUSD += top.Cost(attempt.UnitsUsed)
			}
		}
		if len(res.Escalations) > 0 {
			report.Escalated++
		}
		for _, esc := range res.Escalations {
			report.Reasons[esc.Reason]++
		}
		switch {
		case !res.Status.Succeeded():
			report.Failed++
		case o.Correct:
			report.Correct++
			report.FinalTiers[res.FinalTier]++
		default:
			report.Wrong++
			report.FinalTiers[res.FinalTier]++
		}
	}
	if report.Tasks > 0 {
		report.Accuracy = float64(report.Correct) / float64(report.Tasks)
	}
	if decided := report.Correct + report.Wrong; decided > 0 {
		report.DecidedAccuracy = float64(report.Correct) / float64(decided)
	}
	if report.BaselineUSD > 0 {
		report.Savings = (report.BaselineUSD - report.TotalCostUSD) / report.BaselineUSD
	}
	return report
}

// WriteText renders the report as aligned plain text.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "scenario\t%s\n", r.Scenario)
	fmt.Fprintf(tw, "tasks\t%d\n", r.Tasks)
	fmt.Fprintf(tw, "correct\t%d\n", r.Correct)
	fmt.Fprintf(tw, "wrong\t%d\n", r.Wrong)
	fmt.Fprintf(tw, "failed\t%d\n", r.Failed)
	fmt.Fprintf(tw, "accuracy\t%.3f (decided %.3f)\n", r.Accuracy, r.DecidedAccuracy)
	fmt.Fprintf(tw, "attempts\t%d\n", r.Attempts)
	fmt.Fprintf(tw, "cost\t$%.4f\n", r.TotalCostUSD)
	fmt.Fprintf(tw, "baseline\t$%.4f\n", r.BaselineUSD)
	fmt.Fprintf(tw, "savings\t%.1f%%\n", r.Savings*100)
	fmt.Fprintf(tw, "escalated\t%d\n", r.Escalated)
	for _, reason := range sortedKeys(r.Reasons) {
		fmt.Fprintf(tw, "  %s\t%d\n", reason, r.Reasons[reason])
	}
	for _, tier := range sortedKeys(r.FinalTiers) {
		fmt.Fprintf(tw, "decided at %s\t%d\n", tier, r.FinalTiers[tier])
	}
	if r.Duration > 0 {
		fmt.Fprintf(tw, "duration\t%s\n", r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
