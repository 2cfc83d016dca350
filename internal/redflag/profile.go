package redflag

import (
	"fmt"
	"strings"

	"github.com/kingrea/tally/internal/config"
)

// Field types accepted by a schema rule.
const (
	TypeAny    = "any"
	TypeString = "string"
	TypeNumber = "number"
	TypeBool   = "bool"
	TypeObject = "object"
	TypeArray  = "array"
)

// DefaultHedgingMarkers flag uncertainty in answers that should be decisive.
var DefaultHedgingMarkers = []string{
	"maybe",
	"perhaps",
	"probably",
	"possibly",
	"i think",
	"i believe",
	"not sure",
	"might be",
}

// DefaultCommentaryMarkers flag chatter around the requested action.
var DefaultCommentaryMarkers = []string{
	"as an ai",
	"here is",
	"here's",
	"i hope this helps",
	"let me know",
	"note:",
}

// DefaultFailureMarkers mark an output as a worker-reported failure.
var DefaultFailureMarkers = []string{"fail:", "failed:"}

// FieldRule validates one top-level field of a structured output.
type FieldRule struct {
	Name     string   `json:"name" yaml:"name"`
	Type     string   `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	OneOf    []string `json:"one_of,omitempty" yaml:"one_of,omitempty"`
}

// Schema describes the JSON object a structured task must return.
type Schema struct {
	Fields []FieldRule `json:"fields" yaml:"fields"`
	// Strict rejects fields not listed in Fields.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// Profile holds the heuristics applied to one task type. Zero thresholds
// disable the corresponding check.
type Profile struct {
	ID                string
	MaxChars          int
	MaxLines          int
	MaxRepeats        int
	Decisive          bool
	Structured        bool
	Schema            *Schema
	HedgingMarkers    []string
	CommentaryMarkers []string
	FailureMarkers    []string
}

// DefaultProfileFromConfig builds the fallback profile from red_flags settings.
func DefaultProfileFromConfig(cfg *config.Config) Profile {
	if cfg == nil {
		cfg = config.Default()
	}
	rf := cfg.Project.RedFlags
	profile := Profile{
		ID:                "default",
		MaxChars:          rf.MaxChars,
		MaxLines:          rf.MaxLines,
		MaxRepeats:        rf.MaxRepeats,
		Decisive:          rf.Decisive == nil || *rf.Decisive,
		HedgingMarkers:    rf.HedgingMarkers,
		CommentaryMarkers: rf.CommentaryMarkers,
		FailureMarkers:    rf.FailureMarkers,
	}
	return profile.withDefaultMarkers()
}

func (p Profile) withDefaultMarkers() Profile {
	if len(p.HedgingMarkers) == 0 {
		p.HedgingMarkers = DefaultHedgingMarkers
	}
	if len(p.CommentaryMarkers) == 0 {
		p.CommentaryMarkers = DefaultCommentaryMarkers
	}
	if len(p.FailureMarkers) == 0 {
		p.FailureMarkers = DefaultFailureMarkers
	}
	return p
}

// Validate reports every problem with the profile.
func (p Profile) Validate() []error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, fmt.Errorf("id is required"))
	}
	if p.MaxChars < 0 || p.MaxLines < 0 || p.MaxRepeats < 0 {
		errs = append(errs, fmt.Errorf("thresholds must be >= 0"))
	}
	if p.Schema != nil {
		if !p.Structured {
			errs = append(errs, fmt.Errorf("schema requires structured output"))
		}
		seen := map[string]struct{}{}
		for index, field := range p.Schema.Fields {
			name := strings.TrimSpace(field.Name)
			if name == "" {
				errs = append(errs, fmt.Errorf("schema.fields[%d].name is required", index))
				continue
			}
			if _, exists := seen[name]; exists {
				errs = append(errs, fmt.Errorf("schema.fields[%d].name duplicates %q", index, name))
			}
			seen[name] = struct{}{}
			switch field.Type {
			case "", TypeAny, TypeString, TypeNumber, TypeBool, TypeObject, TypeArray:
			default:
				errs = append(errs, fmt.Errorf("schema.fields[%d].type %q is unknown", index, field.Type))
			}
			if len(field.OneOf) > 0 && field.Type != "" && field.Type != TypeString && field.Type != TypeAny {
				errs = append(errs, fmt.Errorf("schema.fields[%d].one_of requires a string field", index))
			}
		}
	}
	return errs
}
