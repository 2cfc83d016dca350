// Package redflag classifies a single worker output as admissible or anomalous
// before it is allowed to vote. Classification is pure: a Filter holds no
// mutable state and is safe for concurrent use.
package redflag

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/kingrea/tally/internal/task"
)

// Reason names the heuristic that rejected an output.
type Reason string

const (
	ReasonLengthEnvelope  Reason = "length-envelope"
	ReasonSchemaViolation Reason = "schema-violation"
	ReasonHedging         Reason = "hedging"
	ReasonRepetition      Reason = "repetition"
	ReasonOutOfScope      Reason = "out-of-scope"
)

// minClauseLen keeps punctuation-only lines such as "}" out of the repetition count.
const minClauseLen = 4

// Classification is the verdict for one output.
type Classification struct {
	Admissible bool
	Reasons    []Reason
	Details    []string
}

// Strings renders each reason with its detail, for storage on the attempt.
func (c Classification) Strings() []string {
	if len(c.Reasons) == 0 {
		return nil
	}
	out := make([]string, len(c.Reasons))
	for i, reason := range c.Reasons {
		out[i] = string(reason)
		if i < len(c.Details) && c.Details[i] != "" {
			out[i] += ": " + c.Details[i]
		}
	}
	return out
}

func (c *Classification) flag(reason Reason, format string, args ...any) {
	c.Admissible = false
	c.Reasons = append(c.Reasons, reason)
	c.Details = append(c.Details, fmt.Sprintf(format, args...))
}

// Filter applies one profile.
type Filter struct {
	profile    Profile
	hedging    *regexp.Regexp
	commentary *regexp.Regexp
	failure    []string
}

// NewFilter compiles the profile's markers.
func NewFilter(profile Profile) *Filter {
	return &Filter{
		profile:    profile,
		hedging:    markerPattern(profile.HedgingMarkers),
		commentary: markerPattern(profile.CommentaryMarkers),
		failure:    lowerAll(profile.FailureMarkers),
	}
}

// Profile returns the profile the filter was built from.
func (f *Filter) Profile() Profile {
	return f.profile
}

// Classify inspects the attempt's raw output.
func (f *Filter) Classify(attempt task.Attempt) Classification {
	return f.ClassifyText(attempt.Output)
}

// ClassifyText runs every heuristic against text. All failing heuristics are
// reported, not just the first.
func (f *Filter) ClassifyText(text string) Classification {
	result := Classification{Admissible: true}
	trimmed := strings.TrimSpace(text)
	p := f.profile

	if p.MaxChars > 0 {
		if n := len([]rune(trimmed)); n > p.MaxChars {
			result.flag(ReasonLengthEnvelope, "%d chars exceeds %d", n, p.MaxChars)
		}
	}
	if p.MaxLines > 0 {
		if n := strings.Count(trimmed, "\n") + 1; trimmed != "" && n > p.MaxLines {
			result.flag(ReasonLengthEnvelope, "%d lines exceeds %d", n, p.MaxLines)
		}
	}

	lower := strings.ToLower(trimmed)
	if p.Decisive && f.hedging != nil {
		if match := f.hedging.FindStringSubmatch(lower); match != nil {
			result.flag(ReasonHedging, "found %q", match[1])
		}
	}
	if f.commentary != nil {
		if match := f.commentary.FindStringSubmatch(lower); match != nil {
			result.flag(ReasonOutOfScope, "commentary %q", match[1])
		}
	}
	if p.MaxRepeats > 0 {
		if clause, count := mostRepeatedClause(lower); count > p.MaxRepeats {
			result.flag(ReasonRepetition, "%q repeated %d times", clause, count)
		}
	}
	if p.Structured && !f.IsFailure(trimmed) {
		f.checkStructured(trimmed, &result)
	}
	return result
}

// IsFailure reports whether text starts with one of the profile's failure markers.
func (f *Filter) IsFailure(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, marker := range f.failure {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	return false
}

func (f *Filter) checkStructured(text string, result *Classification) {
	payload := text
	if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
		start := strings.IndexAny(text, "{[")
		if start < 0 {
			result.flag(ReasonSchemaViolation, "no JSON payload")
			return
		}
		payload = text[start:]
		result.flag(ReasonOutOfScope, "prose before structured payload")
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		result.flag(ReasonSchemaViolation, "invalid JSON: %v", err)
		return
	}
	if rest := payload[dec.InputOffset():]; strings.TrimSpace(rest) != "" {
		result.flag(ReasonOutOfScope, "trailing content after structured payload")
	}
	if f.profile.Schema == nil {
		return
	}
	object, ok := value.(map[string]any)
	if !ok {
		result.flag(ReasonSchemaViolation, "expected a JSON object")
		return
	}
	for _, problem := range validateObject(object, *f.profile.Schema) {
		result.flag(ReasonSchemaViolation, "%s", problem)
	}
}

func validateObject(object map[string]any, schema Schema) []string {
	var problems []string
	known := make(map[string]struct{}, len(schema.Fields))
	for _, rule := range schema.Fields {
		name := strings.TrimSpace(rule.Name)
		known[name] = struct{}{}
		value, present := object[name]
		if !present {
			if rule.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", name))
			}
			continue
		}
		if !matchesType(value, rule.Type) {
			problems = append(problems, fmt.Sprintf("field %q is not %s", name, rule.Type))
			continue
		}
		if len(rule.OneOf) > 0 {
			str, _ := value.(string)
			if !containsString(rule.OneOf, str) {
				problems = append(problems, fmt.Sprintf("field %q value %q is not an allowed target", name, str))
			}
		}
	}
	if schema.Strict {
		var extra []string
		for key := range object {
			if _, ok := known[key]; !ok {
				extra = append(extra, key)
			}
		}
		sort.Strings(extra)
		for _, key := range extra {
			problems = append(problems, fmt.Sprintf("unexpected field %q", key))
		}
	}
	return problems
}

func matchesType(value any, want string) bool {
	switch want {
	case "", TypeAny:
		return true
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		_, ok := value.(json.Number)
		return ok
	case TypeBool:
		_, ok := value.(bool)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	}
	return false
}

// mostRepeatedClause splits text on line breaks and sentence punctuation and
// returns the clause seen most often.
func mostRepeatedClause(lower string) (string, int) {
	clauses := strings.FieldsFunc(lower, func(r rune) bool {
		return r == '\n' || r == '.' || r == ';' || r == '!' || r == '?'
	})
	counts := make(map[string]int, len(clauses))
	best, bestCount := "", 0
	for _, clause := range clauses {
		clause = strings.Join(strings.Fields(clause), " ")
		if significantLen(clause) < minClauseLen {
			continue
		}
		counts[clause]++
		if c := counts[clause]; c > bestCount || (c == bestCount && clause < best) {
			best, bestCount = clause, c
		}
	}
	return best, bestCount
}

func significantLen(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func markerPattern(markers []string) *regexp.Regexp {
	var parts []string
	for _, marker := range lowerAll(markers) {
		parts = append(parts, regexp.QuoteMeta(marker))
	}
	if len(parts) == 0 {
		return nil
	}
	// Longest first so "i think" wins over a shorter overlapping marker.
	sort.Slice(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
	return regexp.MustCompile(`(?:^|[^\p{L}\p{N}])(` + strings.Join(parts, "|") + `)(?:$|[^\p{L}\p{N}])`)
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.ToLower(strings.TrimSpace(v)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
