package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/tally/internal/config"
)

// Logger is the logging dependency; *logging.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Recorder accepts telemetry events. Record never blocks on slow sinks.
type Recorder interface {
	Record(Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Event)

// Record calls f.
func (f RecorderFunc) Record(event Event) { f(event) }

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithJournal appends every event to journal.
func WithJournal(journal *Journal) Option {
	return func(a *Aggregator) {
		a.journal = journal
	}
}

// WithMetrics feeds every event to the Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = metrics
	}
}

// WithStream publishes every event to live subscribers.
func WithStream(stream *Stream) Option {
	return func(a *Aggregator) {
		a.stream = stream
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithStore replaces the rolling statistics store.
func WithStore(store *Store) Option {
	return func(a *Aggregator) {
		if store != nil {
			a.store = store
		}
	}
}

// Aggregator stamps events and fans them out to the statistics store and the
// optional journal, metrics and stream sinks.
type Aggregator struct {
	store   *Store
	journal *Journal
	metrics *Metrics
	stream  *Stream
	logger  Logger
	clock   func() time.Time
}

// NewAggregator builds an aggregator with a default in-memory store.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		logger: nopLogger{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.store == nil {
		a.store = NewStore(16, 24*time.Hour, a.clock)
	}
	return a
}

// FromConfig wires an aggregator from project settings. The journal is opened
// when enabled; the caller owns Close.
func FromConfig(cfg *config.Config, logger Logger, opts ...Option) (*Aggregator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telemetry: config is required")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	base := []Option{
		WithLogger(logger),
		WithStore(NewStore(cfg.Project.Telemetry.Shards, cfg.Project.Telemetry.Retention, nil)),
	}
	if cfg.Project.Telemetry.JournalEnabled() {
		journal, err := OpenJournal(cfg.JournalPath(), logger)
		if err != nil {
			return nil, err
		}
		base = append(base, WithJournal(journal))
	}
	return NewAggregator(append(base, opts...)...), nil
}

// Record stamps the event and delivers it to every sink.
func (a *Aggregator) Record(event Event) {
	if a == nil {
		return
	}
	event.stamp(a.clock())
	a.store.Add(event)
	a.metrics.Observe(event)
	a.journal.Append(event)
	if a.stream != nil {
		a.stream.Publish(event)
	}
	if event.Terminal() {
		a.logger.Printf("telemetry: task %s %s (%s) attempts=%d cost=%.4f", event.TaskID, event.Status, event.Category, event.AttemptsUsed, event.CostUSD)
	}
}

// Stats returns the rolling aggregate for a category. An empty category
// covers every category.
func (a *Aggregator) Stats(category string, window time.Duration) Stats {
	return a.store.Stats(category, window)
}

// Categories lists categories with retained samples.
func (a *Aggregator) Categories() []string {
	return a.store.Categories()
}

// SuccessRate reports the success rate and sample count of a category, for
// dynamic K tuning.
func (a *Aggregator) SuccessRate(category string, window time.Duration) (float64, int) {
	stats := a.store.Stats(category, window)
	return stats.SuccessRate, stats.Tasks
}

// Metrics returns the attached collectors, if any.
func (a *Aggregator) Metrics() *Metrics {
	return a.metrics
}

// Stream returns the attached live stream, if any.
func (a *Aggregator) Stream() *Stream {
	return a.stream
}

// Journal returns the attached journal, if any.
func (a *Aggregator) Journal() *Journal {
	return a.journal
}

// Close flushes the journal and closes stream subscriptions.
func (a *Aggregator) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stream != nil {
		a.stream.Close()
	}
	return errors.Join(errs...)
}
