package task

import "testing"

func TestParseRiskTier(t *testing.T) {
	cases := map[string]RiskTier{
		"":         RiskMedium,
		"medium":   RiskMedium,
		" Simple ": RiskSimple,
		"COMPLEX":  RiskComplex,
	}
	for input, want := range cases {
		got, err := ParseRiskTier(input)
		if err != nil || got != want {
			t.Fatalf("ParseRiskTier(%q) = %s, %v; want %s", input, got, err, want)
		}
	}
	if _, err := ParseRiskTier("critical"); err == nil {
		t.Fatalf("expected unknown tier to be rejected")
	}
}

func TestDefaultK(t *testing.T) {
	if RiskSimple.DefaultK() != 1 || RiskMedium.DefaultK() != 2 || RiskComplex.DefaultK() != 3 {
		t.Fatalf("unexpected default margins")
	}
}

func TestAttemptEligibility(t *testing.T) {
	attempts := []Attempt{
		{Seq: 1, Output: "a", Admissible: true},
		{Seq: 2, Output: "maybe a", Admissible: false},
		{Seq: 3, InfraError: "timeout"},
		{Seq: 4, Discarded: true, Admissible: true},
	}
	if !attempts[1].Produced() || attempts[1].Voting() {
		t.Fatalf("red-flagged attempt produced output but must not vote")
	}
	if attempts[2].Produced() || attempts[3].Produced() {
		t.Fatalf("infra failures and discarded attempts produce nothing")
	}
	voting := Admissible(attempts)
	if len(voting) != 1 || voting[0].Seq != 1 {
		t.Fatalf("expected only the first attempt to vote, got %+v", voting)
	}
}

func TestStatusPredicates(t *testing.T) {
	if StatusRunning.Terminal() || StatusRunning.Succeeded() {
		t.Fatalf("running is neither terminal nor successful")
	}
	if !StatusEscalated.Terminal() || !StatusEscalated.Succeeded() {
		t.Fatalf("escalated is a successful terminal status")
	}
	if !StatusFailed.Terminal() || StatusFailed.Succeeded() {
		t.Fatalf("failed is terminal but not successful")
	}
}

func TestResultCloneIsDeep(t *testing.T) {
	original := Result{
		TaskID:      "t1",
		Escalations: []EscalationRecord{{Reason: ReasonNoConsensus}},
		Attempts:    []Attempt{{Seq: 1, Reasons: []string{"hedging"}}},
	}
	clone := original.Clone()
	clone.Escalations[0].Reason = ReasonCorrelatedRedFlag
	clone.Attempts[0].Seq = 9
	clone.Attempts[0].Reasons[0] = "changed"
	if original.Escalations[0].Reason != ReasonNoConsensus {
		t.Fatalf("escalations share storage")
	}
	if original.Attempts[0].Seq != 1 || original.Attempts[0].Reasons[0] != "hedging" {
		t.Fatalf("attempts share storage: %+v", original.Attempts[0])
	}
}
