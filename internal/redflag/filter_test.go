package redflag

import (
	"errors"
	"strings"
	"testing"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/task"
)

func defaultFilter() *Filter {
	return NewFilter(DefaultProfileFromConfig(config.Default()))
}

func hasReason(c Classification, reason Reason) bool {
	for _, r := range c.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func TestClassifyAdmitsPlainAnswer(t *testing.T) {
	c := defaultFilter().Classify(task.Attempt{Output: "  42  "})
	if !c.Admissible || len(c.Reasons) != 0 {
		t.Fatalf("expected admissible, got %#v", c)
	}
}

func TestClassifyHeuristics(t *testing.T) {
	cases := []struct {
		name   string
		output string
		reason Reason
	}{
		{"too long", strings.Repeat("x", 2001), ReasonLengthEnvelope},
		{"too many lines", strings.Repeat("a\n", 41) + "a", ReasonLengthEnvelope},
		{"hedging", "The answer is probably 42", ReasonHedging},
		{"hedging phrase", "I think it's 42", ReasonHedging},
		{"commentary", "Here is the answer: 42", ReasonOutOfScope},
		{"repetition", "retry the call\nretry the call\nretry the call\nretry the call", ReasonRepetition},
	}
	filter := defaultFilter()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := filter.ClassifyText(tc.output)
			if c.Admissible {
				t.Fatalf("expected %q to be flagged", tc.output)
			}
			if !hasReason(c, tc.reason) {
				t.Fatalf("expected reason %s, got %v", tc.reason, c.Reasons)
			}
		})
	}
}

func TestHedgingMatchesWholeWordsOnly(t *testing.T) {
	c := defaultFilter().ClassifyText("maybelline")
	if !c.Admissible {
		t.Fatalf("substring of a marker should not flag: %v", c.Strings())
	}
}

func TestHedgingIgnoredWhenNotDecisive(t *testing.T) {
	profile := DefaultProfileFromConfig(config.Default())
	profile.Decisive = false
	c := NewFilter(profile).ClassifyText("maybe 42")
	if !c.Admissible {
		t.Fatalf("non-decisive profile should admit hedging, got %v", c.Strings())
	}
}

func TestRepetitionAtThresholdIsAdmitted(t *testing.T) {
	c := defaultFilter().ClassifyText("ok then\nok then\nok then\n}\n}\n}\n}\n}")
	if !c.Admissible {
		t.Fatalf("three repeats and punctuation lines should pass, got %v", c.Strings())
	}
}

func structuredFilter() *Filter {
	profile := Profile{
		ID:         "edit",
		Structured: true,
		Decisive:   true,
		Schema: &Schema{
			Strict: true,
			Fields: []FieldRule{
				{Name: "action", Type: TypeString, Required: true, OneOf: []string{"rename", "delete"}},
				{Name: "target", Type: TypeString, Required: true, OneOf: []string{"main.go", "util.go"}},
				{Name: "line", Type: TypeNumber},
			},
		},
	}
	return NewFilter(profile.withDefaultMarkers())
}

func TestSchemaValidation(t *testing.T) {
	filter := structuredFilter()
	ok := filter.ClassifyText(`{"action":"rename","target":"main.go","line":3}`)
	if !ok.Admissible {
		t.Fatalf("valid payload flagged: %v", ok.Strings())
	}

	cases := map[string]string{
		"missing field": `{"action":"rename"}`,
		"bad reference": `{"action":"rename","target":"nonexistent-ref"}`,
		"wrong type":    `{"action":"rename","target":"main.go","line":"three"}`,
		"extra field":   `{"action":"rename","target":"main.go","why":"because"}`,
		"not json":      `rename main.go`,
		"broken json":   `{"action":`,
		"array not obj": `["rename"]`,
	}
	for name, output := range cases {
		t.Run(name, func(t *testing.T) {
			c := filter.ClassifyText(output)
			if c.Admissible || !hasReason(c, ReasonSchemaViolation) {
				t.Fatalf("expected schema violation for %s, got %v", output, c.Strings())
			}
		})
	}
}

func TestProseAroundPayloadIsOutOfScope(t *testing.T) {
	c := structuredFilter().ClassifyText(`Sure {"action":"delete","target":"util.go"} done`)
	if c.Admissible {
		t.Fatalf("expected prose to be flagged")
	}
	if !hasReason(c, ReasonOutOfScope) {
		t.Fatalf("expected out-of-scope, got %v", c.Reasons)
	}
	if hasReason(c, ReasonSchemaViolation) {
		t.Fatalf("embedded payload is valid, got %v", c.Strings())
	}
}

func TestFailureSignalSkipsSchema(t *testing.T) {
	filter := structuredFilter()
	if !filter.IsFailure("FAIL: target missing") {
		t.Fatalf("expected failure marker match")
	}
	c := filter.ClassifyText("fail:A")
	if !c.Admissible {
		t.Fatalf("failure signals must still vote, got %v", c.Strings())
	}
}

func TestStringsPairsReasonsWithDetails(t *testing.T) {
	c := defaultFilter().ClassifyText("maybe")
	got := c.Strings()
	if len(got) != 1 || got[0] != `hedging: found "maybe"` {
		t.Fatalf("unexpected rendering: %v", got)
	}
}

func TestProfileValidate(t *testing.T) {
	profile := Profile{
		Schema: &Schema{Fields: []FieldRule{{Name: ""}, {Name: "a", Type: "uuid"}, {Name: "a"}}},
	}
	errs := profile.Validate()
	if len(errs) < 4 {
		t.Fatalf("expected id, structured, name, type and duplicate errors, got %v", errs)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(DefaultProfileFromConfig(nil))
	profile := Profile{ID: "edit", Structured: true}
	if err := reg.Register(profile, "Code-Edit", "refactor"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if got := reg.For(" code-edit ").Profile().ID; got != "edit" {
		t.Fatalf("expected edit profile, got %s", got)
	}
	if got := reg.For("unknown").Profile().ID; got != "default" {
		t.Fatalf("expected default profile, got %s", got)
	}
	err := reg.Register(Profile{ID: "other"}, "refactor")
	if !errors.Is(err, ErrDuplicateProfile) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if types := reg.TaskTypes(); len(types) != 2 || types[0] != "code-edit" {
		t.Fatalf("unexpected task types: %v", types)
	}
	if err := reg.Register(Profile{}); err == nil {
		t.Fatalf("expected invalid profile to be rejected")
	}
}
