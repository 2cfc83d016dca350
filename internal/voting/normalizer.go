package voting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const timestampPlaceholder = "<timestamp>"

// Normalizer reduces a raw output to the canonical form that votes are grouped
// on, so trivially different renderings of the same answer agree.
//
// Normalization steps, in order:
//   - trim and collapse runs of whitespace
//   - canonicalize JSON payloads (sorted keys, compact)
//   - replace ISO 8601 and log-style timestamps with a placeholder, when enabled
//   - fold case, when enabled
//
// Both optional steps are off by default: with them on, answers that differ
// only in a timestamp or in case vote together.
type Normalizer struct {
	foldCase   bool
	timestamps []*regexp.Regexp
}

// NormalizerOption customizes a Normalizer.
type NormalizerOption func(*Normalizer)

// WithCaseFolding lowercases non-JSON outputs before hashing.
func WithCaseFolding() NormalizerOption {
	return func(n *Normalizer) {
		n.foldCase = true
	}
}

var timestampPatterns = []*regexp.Regexp{
	// 2024-12-13T10:30:45Z, 2024-12-13T10:30:45.123+02:00
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`),
	// 2024-12-13 10:30:45, 2024/12/13 10:30:45
	regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2}:\d{2}(\.\d+)?`),
}

// WithTimestampScrub replaces embedded timestamps with a placeholder. Use it
// only for tasks whose answer is never a timestamp itself.
func WithTimestampScrub() NormalizerOption {
	return func(n *Normalizer) {
		n.timestamps = timestampPatterns
	}
}

// NewNormalizer creates a Normalizer that only collapses whitespace and
// canonicalizes JSON unless options enable more.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize returns the canonical form of raw and its hash.
func (n *Normalizer) Normalize(raw string) (string, string) {
	canonical := n.canonical(raw)
	return canonical, Hash(canonical)
}

func (n *Normalizer) canonical(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if canonical, ok := canonicalJSON(trimmed); ok {
			return n.scrub(canonical)
		}
	}
	out := strings.Join(strings.Fields(trimmed), " ")
	out = n.scrub(out)
	if n.foldCase {
		out = strings.ToLower(out)
	}
	return out
}

func (n *Normalizer) scrub(value string) string {
	for _, re := range n.timestamps {
		value = re.ReplaceAllString(value, timestampPlaceholder)
	}
	return value
}

// Hash returns the 64-bit xxhash of a canonical result as 16 hex digits.
func Hash(canonical string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(canonical))
}

func canonicalJSON(payload string) (string, bool) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return "", false
	}
	if strings.TrimSpace(payload[dec.InputOffset():]) != "" {
		return "", false
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Maps marshal with sorted keys.
	if err := enc.Encode(value); err != nil {
		return "", false
	}
	return strings.TrimRight(buf.String(), "\n"), true
}
