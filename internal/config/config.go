// internal/config/config.go
//
// This package handles configuration and the .tally directory structure.
// Every project that runs the orchestrator gets a .tally/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// TallyDir is the name of the directory we create in each project
	TallyDir = ".tally"

	defaultMaxAttemptsPerTier = 5
	defaultMaxRetries         = 3
	defaultBaseDelay          = 200 * time.Millisecond
	defaultMaxDelay           = 5 * time.Second
	defaultTierTimeout        = 30 * time.Second
	defaultTierConcurrency    = 8
	defaultTelemetryShards    = 16
	defaultRetention          = 24 * time.Hour
	defaultStatsWindow        = time.Hour
	defaultMinSamples         = 20
	defaultMaxChars           = 2000
	defaultMaxLines           = 40
	defaultMaxRepeats         = 3
	defaultHighReliability    = 0.97
	defaultLowReliability     = 0.75
)

const defaultProjectConfigYAML = `# tally project configuration
version: 1

consensus:
  # First-to-ahead-by-K margin per risk tier.
  k:
    simple: 1
    medium: 2
    complex: 3
  max_attempts_per_tier: 5
  # 0 dispatches K+1 attempts in the first batch.
  initial_batch: 0
  confidence_weighted: false
  # Replace timestamps before answers are compared. Leave off when an
  # answer can itself be a timestamp.
  scrub_timestamps: false

# Rolling success rate may shrink or grow K by one.
dynamic_k:
  enabled: true
  window: 1h
  min_samples: 20
  high_reliability: 0.97
  low_reliability: 0.75

# Escalation ladder, cheapest first.
tiers:
  - name: fast
    max_attempts: 5
    concurrency: 8
    timeout: 30s
    cost_per_attempt: 0.0005
  - name: strong
    max_attempts: 3
    concurrency: 4
    timeout: 60s
    k_delta: -1
    cost_per_attempt: 0.005
  - name: expert
    max_attempts: 2
    concurrency: 2
    timeout: 2m
    k_delta: -1
    cost_per_attempt: 0.03

retry:
  max_retries: 3
  base_delay: 200ms
  max_delay: 5s

# Default red-flag thresholds. Task-type profiles live in .tally/profiles.
red_flags:
  max_chars: 2000
  max_lines: 40
  max_repeats: 3
  decisive: true

telemetry:
  shards: 16
  retention: 24h
  journal: true

server:
  enabled: true
  host: 127.0.0.1
  port: 8787
`

// ConsensusConfig carries the voting defaults applied to every submitted task.
type ConsensusConfig struct {
	K                  map[string]int `yaml:"k"`
	MaxAttemptsPerTier int            `yaml:"max_attempts_per_tier"`
	InitialBatch       int            `yaml:"initial_batch"`
	ConfidenceWeighted bool           `yaml:"confidence_weighted"`
	DefaultConfidence  *float64       `yaml:"default_confidence,omitempty"`
	ScrubTimestamps    bool           `yaml:"scrub_timestamps,omitempty"`
	TaskDeadline       time.Duration  `yaml:"task_deadline,omitempty"`
}

// Confidence is the weight given to attempts whose worker reports none.
func (c ConsensusConfig) Confidence() float64 {
	if c.DefaultConfidence == nil {
		return 1
	}
	return *c.DefaultConfidence
}

// DynamicKConfig tunes K from rolling telemetry.
type DynamicKConfig struct {
	Enabled         *bool         `yaml:"enabled,omitempty"`
	Window          time.Duration `yaml:"window"`
	MinSamples      int           `yaml:"min_samples"`
	HighReliability float64       `yaml:"high_reliability"`
	LowReliability  float64       `yaml:"low_reliability"`
}

// IsEnabled reports whether dynamic K adjustment is on (default true).
func (d DynamicKConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// TierConfig declares one rung of the escalation ladder.
type TierConfig struct {
	Name           string        `yaml:"name"`
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`
	Concurrency    int           `yaml:"concurrency,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	KDelta         int           `yaml:"k_delta,omitempty"`
	CostPerAttempt float64       `yaml:"cost_per_attempt,omitempty"`
	CostPerUnit    float64       `yaml:"cost_per_unit,omitempty"`
}

// RetryConfig controls infrastructure retries inside the scheduler.
type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries,omitempty"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Retries returns the configured retry count (default 3).
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *r.MaxRetries
}

// RedFlagConfig holds the thresholds of the default red-flag profile.
type RedFlagConfig struct {
	MaxChars          int      `yaml:"max_chars"`
	MaxLines          int      `yaml:"max_lines"`
	MaxRepeats        int      `yaml:"max_repeats"`
	Decisive          *bool    `yaml:"decisive,omitempty"`
	HedgingMarkers    []string `yaml:"hedging_markers,omitempty"`
	CommentaryMarkers []string `yaml:"commentary_markers,omitempty"`
	FailureMarkers    []string `yaml:"failure_markers,omitempty"`
}

// TelemetryConfig sizes the rolling statistics store.
type TelemetryConfig struct {
	Shards    int           `yaml:"shards"`
	Retention time.Duration `yaml:"retention"`
	Journal   *bool         `yaml:"journal,omitempty"`
}

// JournalEnabled reports whether events are appended to the JSONL journal.
func (t TelemetryConfig) JournalEnabled() bool {
	return t.Journal == nil || *t.Journal
}

// ServerConfig captures the HTTP gateway overrides.
type ServerConfig struct {
	Enabled      *bool         `yaml:"enabled,omitempty"`
	Host         string        `yaml:"host,omitempty"`
	Port         int           `yaml:"port,omitempty"`
	MaxBodyBytes int64         `yaml:"max_body_bytes,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// ProjectConfig models .tally/config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version"`
	Consensus ConsensusConfig `yaml:"consensus"`
	DynamicK  DynamicKConfig  `yaml:"dynamic_k"`
	Tiers     []TierConfig    `yaml:"tiers"`
	Retry     RetryConfig     `yaml:"retry"`
	RedFlags  RedFlagConfig   `yaml:"red_flags"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Server    ServerConfig    `yaml:"server"`
}

// Config holds the runtime configuration for the orchestrator.
type Config struct {
	// ProjectDir is the directory tally was started from
	ProjectDir string

	// TallyProjectDir is ProjectDir/.tally
	TallyProjectDir string

	Project ProjectConfig
}

// InitTallyDir creates the .tally directory structure in the given project directory.
//
// Structure created:
// .tally/
// ├── logs/        <- orchestrator log
// ├── profiles/    <- task-type red-flag profiles (*.yaml, *.go)
// ├── results/     <- terminal task results
// └── telemetry/   <- append-only event journal
func InitTallyDir(projectDir string) error {
	tallyDir := filepath.Join(projectDir, TallyDir)
	dirs := []string{
		filepath.Join(tallyDir, "logs"),
		filepath.Join(tallyDir, "profiles"),
		filepath.Join(tallyDir, "results"),
		filepath.Join(tallyDir, "telemetry"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(tallyDir, "config.yaml"))
}

// NewConfig creates a Config populated with the project's settings. A missing
// config file yields the defaults.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:      projectDir,
		TallyProjectDir: filepath.Join(projectDir, TallyDir),
		Project:         DefaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(cfg.ProjectConfigPath()); err != nil {
		return nil, err
	}
	cfg.Project.applyEnvOverrides()
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadFile builds a Config from an explicit YAML file rather than .tally/config.yaml.
func LoadFile(projectDir, path string) (*Config, error) {
	cfg := &Config{
		ProjectDir:      projectDir,
		TallyProjectDir: filepath.Join(projectDir, TallyDir),
		Project:         DefaultProjectConfig(),
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.loadProjectConfig(path); err != nil {
		return nil, err
	}
	cfg.Project.applyEnvOverrides()
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns an in-memory Config with defaults and no project directory.
func Default() *Config {
	return &Config{Project: DefaultProjectConfig()}
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.TallyProjectDir, "logs")
}

// ProfilesDir returns the directory holding red-flag profile definitions
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.TallyProjectDir, "profiles")
}

// ResultsDir returns the directory holding archived task results
func (c *Config) ResultsDir() string {
	return filepath.Join(c.TallyProjectDir, "results")
}

// JournalPath returns the telemetry journal location
func (c *Config) JournalPath() string {
	return filepath.Join(c.TallyProjectDir, "telemetry", "events.jsonl")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.TallyProjectDir, "config.yaml")
}

// KFor returns the configured K for the risk tier name, falling back to 2.
func (c *Config) KFor(risk string) int {
	if k, ok := c.Project.Consensus.K[strings.ToLower(strings.TrimSpace(risk))]; ok && k > 0 {
		return k
	}
	return 2
}

// Tiers returns the escalation ladder in order.
func (c *Config) Tiers() []TierConfig {
	return c.Project.Tiers
}

// Tier looks up a tier by name.
func (c *Config) Tier(name string) (TierConfig, bool) {
	for _, tier := range c.Project.Tiers {
		if strings.EqualFold(tier.Name, strings.TrimSpace(name)) {
			return tier, true
		}
	}
	return TierConfig{}, false
}

// Save persists the project config back to .tally/config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.TallyProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure tally dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

func (c *Config) loadProjectConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

// DefaultProjectConfig mirrors defaultProjectConfigYAML.
func DefaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{Version: 1}
	pc.applyDefaults()
	return pc
}

func defaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "fast", MaxAttempts: 5, Concurrency: 8, Timeout: 30 * time.Second, CostPerAttempt: 0.0005},
		{Name: "strong", MaxAttempts: 3, Concurrency: 4, Timeout: time.Minute, KDelta: -1, CostPerAttempt: 0.005},
		{Name: "expert", MaxAttempts: 2, Concurrency: 2, Timeout: 2 * time.Minute, KDelta: -1, CostPerAttempt: 0.03},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Consensus.K == nil {
		pc.Consensus.K = map[string]int{}
	}
	for risk, k := range map[string]int{"simple": 1, "medium": 2, "complex": 3} {
		if _, ok := pc.Consensus.K[risk]; !ok {
			pc.Consensus.K[risk] = k
		}
	}
	if pc.Consensus.MaxAttemptsPerTier == 0 {
		pc.Consensus.MaxAttemptsPerTier = defaultMaxAttemptsPerTier
	}
	if pc.Consensus.DefaultConfidence == nil {
		confidence := 1.0
		pc.Consensus.DefaultConfidence = &confidence
	}
	if pc.DynamicK.Window == 0 {
		pc.DynamicK.Window = defaultStatsWindow
	}
	if pc.DynamicK.MinSamples == 0 {
		pc.DynamicK.MinSamples = defaultMinSamples
	}
	if pc.DynamicK.HighReliability == 0 {
		pc.DynamicK.HighReliability = defaultHighReliability
	}
	if pc.DynamicK.LowReliability == 0 {
		pc.DynamicK.LowReliability = defaultLowReliability
	}
	if len(pc.Tiers) == 0 {
		pc.Tiers = defaultTiers()
	}
	for i := range pc.Tiers {
		tier := &pc.Tiers[i]
		if tier.MaxAttempts == 0 {
			tier.MaxAttempts = pc.Consensus.MaxAttemptsPerTier
		}
		if tier.Concurrency == 0 {
			tier.Concurrency = defaultTierConcurrency
		}
		if tier.Timeout == 0 {
			tier.Timeout = defaultTierTimeout
		}
	}
	if pc.Retry.BaseDelay == 0 {
		pc.Retry.BaseDelay = defaultBaseDelay
	}
	if pc.Retry.MaxDelay == 0 {
		pc.Retry.MaxDelay = defaultMaxDelay
	}
	if pc.RedFlags.MaxChars == 0 {
		pc.RedFlags.MaxChars = defaultMaxChars
	}
	if pc.RedFlags.MaxLines == 0 {
		pc.RedFlags.MaxLines = defaultMaxLines
	}
	if pc.RedFlags.MaxRepeats == 0 {
		pc.RedFlags.MaxRepeats = defaultMaxRepeats
	}
	if pc.Telemetry.Shards == 0 {
		pc.Telemetry.Shards = defaultTelemetryShards
	}
	if pc.Telemetry.Retention == 0 {
		pc.Telemetry.Retention = defaultRetention
	}
}

func (pc *ProjectConfig) normalize() {
	normalizedK := make(map[string]int, len(pc.Consensus.K))
	for risk, k := range pc.Consensus.K {
		normalizedK[strings.ToLower(strings.TrimSpace(risk))] = k
	}
	pc.Consensus.K = normalizedK
	for i := range pc.Tiers {
		pc.Tiers[i].Name = strings.TrimSpace(pc.Tiers[i].Name)
	}
	pc.RedFlags.HedgingMarkers = normalizeMarkers(pc.RedFlags.HedgingMarkers)
	pc.RedFlags.CommentaryMarkers = normalizeMarkers(pc.RedFlags.CommentaryMarkers)
	pc.RedFlags.FailureMarkers = normalizeMarkers(pc.RedFlags.FailureMarkers)
	pc.Server.Host = strings.TrimSpace(pc.Server.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	for risk, k := range pc.Consensus.K {
		switch risk {
		case "simple", "medium", "complex":
		default:
			return fmt.Errorf("consensus.k: unknown risk tier %q", risk)
		}
		if k < 1 {
			return fmt.Errorf("consensus.k.%s must be >= 1", risk)
		}
	}
	if pc.Consensus.MaxAttemptsPerTier < 1 {
		return fmt.Errorf("consensus.max_attempts_per_tier must be >= 1")
	}
	if pc.Consensus.InitialBatch < 0 {
		return fmt.Errorf("consensus.initial_batch must be >= 0")
	}
	if c := pc.Consensus.Confidence(); c < 0 || c > 1 {
		return fmt.Errorf("consensus.default_confidence must be within [0,1]")
	}
	if pc.DynamicK.LowReliability > pc.DynamicK.HighReliability {
		return fmt.Errorf("dynamic_k.low_reliability must not exceed high_reliability")
	}
	seen := map[string]struct{}{}
	for i, tier := range pc.Tiers {
		if err := tier.validate(); err != nil {
			return fmt.Errorf("tiers[%d]: %w", i, err)
		}
		key := strings.ToLower(tier.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("tiers[%d]: duplicate tier %q", i, tier.Name)
		}
		seen[key] = struct{}{}
	}
	if pc.Retry.Retries() < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if pc.Retry.MaxDelay < pc.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if pc.RedFlags.MaxChars < 0 || pc.RedFlags.MaxLines < 0 || pc.RedFlags.MaxRepeats < 0 {
		return fmt.Errorf("red_flags thresholds must be >= 0")
	}
	if pc.Telemetry.Shards < 1 {
		return fmt.Errorf("telemetry.shards must be >= 1")
	}
	return nil
}

func (t TierConfig) validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if t.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1")
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if t.CostPerAttempt < 0 || t.CostPerUnit < 0 {
		return fmt.Errorf("costs must be >= 0")
	}
	return nil
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("TALLY_MAX_ATTEMPTS_PER_TIER")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			pc.Consensus.MaxAttemptsPerTier = parsed
			for i := range pc.Tiers {
				if pc.Tiers[i].MaxAttempts > parsed {
					pc.Tiers[i].MaxAttempts = parsed
				}
			}
		}
	}
	if value := strings.TrimSpace(os.Getenv("TALLY_CONFIDENCE_WEIGHTED")); value != "" {
		if weighted, err := strconv.ParseBool(value); err == nil {
			pc.Consensus.ConfidenceWeighted = weighted
		}
	}
	if value := strings.TrimSpace(os.Getenv("TALLY_DYNAMIC_K")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			pc.DynamicK.Enabled = &enabled
		}
	}
}

func normalizeMarkers(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.ToLower(strings.TrimSpace(v))
		if trimmed == "" || contains(out, trimmed) {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
