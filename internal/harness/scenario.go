// Package harness battle-tests the orchestrator against simulated worker
// tiers whose error behaviour is declared in a scenario file.
package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/task"
)

// ErrEmptyScenario is returned for a scenario with no tasks.
var ErrEmptyScenario = errors.New("harness: scenario has no tasks")

// Scenario is the YAML description of one harness run.
type Scenario struct {
	Name string `yaml:"name"`
	Seed int64  `yaml:"seed"`
	// Parallel caps how many tasks are in flight at once. Zero means 8.
	Parallel int `yaml:"parallel,omitempty"`
	// Tiers maps tier names to simulated worker behaviour.
	Tiers map[string]executor.Behavior `yaml:"tiers"`
	Tasks []TaskSpec                   `yaml:"tasks"`
}

// TaskSpec is one scenario task. Repeat submits it several times.
type TaskSpec struct {
	Label     string                `yaml:"label,omitempty"`
	Payload   string                `yaml:"payload"`
	Truth     string                `yaml:"truth,omitempty"`
	Risk      string                `yaml:"risk,omitempty"`
	Category  string                `yaml:"category,omitempty"`
	TaskType  string                `yaml:"task_type,omitempty"`
	Repeat    int                   `yaml:"repeat,omitempty"`
	Consensus *task.ConsensusParams `yaml:"consensus,omitempty"`
}

// Answer returns the ground truth, which defaults to the payload.
func (s TaskSpec) Answer() string {
	if truth := strings.TrimSpace(s.Truth); truth != "" {
		return truth
	}
	return strings.TrimSpace(s.Payload)
}

func (s TaskSpec) label(i int) string {
	if label := strings.TrimSpace(s.Label); label != "" {
		return label
	}
	return fmt.Sprintf("task-%d", i+1)
}

// ParseScenario decodes YAML, rejecting unknown fields.
func ParseScenario(data []byte) (Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return Scenario{}, fmt.Errorf("harness: parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("harness: open scenario %s: %w", path, err)
	}
	if info.IsDir() {
		return Scenario{}, fmt.Errorf("harness: %s is a directory, expected a file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("harness: read scenario %s: %w", path, err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(info.Name(), ".yaml")
	}
	return sc, nil
}

// Validate checks rates and task fields.
func (sc Scenario) Validate() error {
	if len(sc.Tasks) == 0 {
		return ErrEmptyScenario
	}
	var errs []error
	for name, b := range sc.Tiers {
		for field, rate := range map[string]float64{
			"error_rate":         b.ErrorRate,
			"correlated_share":   b.CorrelatedShare,
			"red_flag_rate":      b.RedFlagRate,
			"infra_failure_rate": b.InfraFailureRate,
			"failure_rate":       b.FailureRate,
		} {
			if rate < 0 || rate > 1 {
				errs = append(errs, fmt.Errorf("harness: tier %s: %s must be within [0,1]", name, field))
			}
		}
		if b.Units < 0 || b.Latency < 0 {
			errs = append(errs, fmt.Errorf("harness: tier %s: units and latency must not be negative", name))
		}
	}
	for i, spec := range sc.Tasks {
		if strings.TrimSpace(spec.Payload) == "" {
			errs = append(errs, fmt.Errorf("harness: task %d: payload is required", i+1))
		}
		if spec.Repeat < 0 {
			errs = append(errs, fmt.Errorf("harness: task %d: repeat must not be negative", i+1))
		}
		if _, err := task.ParseRiskTier(spec.Risk); err != nil {
			errs = append(errs, fmt.Errorf("harness: task %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

// Size is the number of submissions the scenario expands to.
func (sc Scenario) Size() int {
	n := 0
	for _, spec := range sc.Tasks {
		n += max(spec.Repeat, 1)
	}
	return n
}

// Executor builds the seeded simulated executor answering from the
// scenario's ground truth.
func (sc Scenario) Executor() *executor.Simulated {
	truths := make(map[string]string, len(sc.Tasks))
	for _, spec := range sc.Tasks {
		truths[spec.Payload] = spec.Answer()
	}
	return executor.NewSimulated(sc.Seed, sc.Tiers, func(payload string) string {
		if truth, ok := truths[payload]; ok {
			return truth
		}
		return payload
	})
}
