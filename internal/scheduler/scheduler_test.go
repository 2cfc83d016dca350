package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/executor"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestDispatchRespectsTierConcurrency(t *testing.T) {
	var current, peak atomic.Int64
	exec := executor.Func(func(ctx context.Context, payload, tier string) (executor.Output, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return executor.Output{Text: payload}, nil
	})
	s := New(Settings{MaxRetries: 0})
	tier := executor.Tier{Name: "fast", Executor: exec, Concurrency: 2, Timeout: time.Second}
	results, err := s.Dispatch(context.Background(), Request{TaskID: "t1", Payload: "p", Tier: tier, Count: 6, FirstSeq: 1})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Seq != i+1 || res.Output.Text != "p" || res.Err != nil {
			t.Fatalf("unexpected result %d: %+v", i, res)
		}
	}
	if peak.Load() > 2 {
		t.Fatalf("tier limit exceeded: peak %d", peak.Load())
	}
	stats := s.Stats()
	if len(stats) != 1 || stats[0].Capacity != 2 || stats[0].InFlight != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLimiterIsSharedAcrossTasks(t *testing.T) {
	var current, peak atomic.Int64
	exec := executor.Func(func(ctx context.Context, payload, tier string) (executor.Output, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return executor.Output{Text: "ok"}, nil
	})
	s := New(Settings{})
	tier := executor.Tier{Name: "fast", Executor: exec, Concurrency: 1}
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.Dispatch(context.Background(), Request{TaskID: id, Tier: tier, Count: 2}); err != nil {
				t.Errorf("dispatch %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("expected one in-flight call at a time, peak %d", peak.Load())
	}
}

func TestInfraFailuresAreRetried(t *testing.T) {
	var calls atomic.Int32
	exec := executor.Func(func(ctx context.Context, payload, tier string) (executor.Output, error) {
		if calls.Add(1) < 3 {
			return executor.Output{}, executor.ErrTransport
		}
		return executor.Output{Text: "ok"}, nil
	})
	var waits []time.Duration
	var mu sync.Mutex
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return nil
	}
	s := New(Settings{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}, WithSleep(sleep))
	results, err := s.Dispatch(context.Background(), Request{TaskID: "t1", Tier: executor.Tier{Name: "fast", Executor: exec, Concurrency: 1}, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err != nil || results[0].Output.Text != "ok" || results[0].Retries != 2 {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if len(waits) != 2 || waits[0] != 10*time.Millisecond || waits[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff sequence %v", waits)
	}
}

func TestRetriesExhaustedYieldInfraError(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, payload, tier string) (executor.Output, error) {
		return executor.Output{}, executor.ErrMalformedResponse
	})
	s := New(Settings{MaxRetries: 2}, WithSleep(noSleep))
	results, err := s.Dispatch(context.Background(), Request{TaskID: "t1", Tier: executor.Tier{Name: "fast", Executor: exec, Concurrency: 1}, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	var infra *InfraError
	if !errors.As(results[0].Err, &infra) {
		t.Fatalf("expected InfraError, got %v", results[0].Err)
	}
	if !errors.Is(results[0].Err, ErrExecutorTransport) || !errors.Is(results[0].Err, executor.ErrMalformedResponse) {
		t.Fatalf("expected transport kind wrapping the executor error, got %v", results[0].Err)
	}
	if infra.Retries != 2 || results[0].Discarded {
		t.Fatalf("unexpected infra error %+v", infra)
	}
}

func TestTimeoutIsInfraFailure(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	exec := executor.Func(func(ctx context.Context, payload, tier string) (executor.Output, error) {
		<-block // ignores ctx on purpose
		return executor.Output{Text: "late"}, nil
	})
	s := New(Settings{MaxRetries: 0})
	tier := executor.Tier{Name: "fast", Executor: exec, Concurrency: 1, Timeout: 20 * time.Millisecond}
	results, err := s.Dispatch(context.Background(), Request{TaskID: "t1", Tier: tier, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(results[0].Err, ErrExecutorTimeout) {
		t.Fatalf("expected timeout, got %v", results[0].Err)
	}
}

func TestTimedOutWorkerKeepsItsSlot(t *testing.T) {
	block := make(chan struct{})
	var calls atomic.Int64
	exec := executor.Func(func(ctx context.Context, payload, tier string) (executor.Output, error) {
		if calls.Add(1) == 1 {
			<-block // ignores ctx on purpose
		}
		return executor.Output{Text: payload}, nil
	})
	s := New(Settings{MaxRetries: 0})
	tier := executor.Tier{Name: "fast", Executor: exec, Concurrency: 1, Timeout: 20 * time.Millisecond}
	results, err := s.Dispatch(context.Background(), Request{TaskID: "t1", Payload: "p", Tier: tier, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(results[0].Err, ErrExecutorTimeout) {
		t.Fatalf("expected timeout, got %v", results[0].Err)
	}
	if stats := s.Stats(); stats[0].InFlight != 1 {
		t.Fatalf("the stuck worker is still running, got in-flight %d", stats[0].InFlight)
	}

	done := make(chan []Result, 1)
	go func() {
		results, _ := s.Dispatch(context.Background(), Request{TaskID: "t2", Payload: "q", Tier: tier, Count: 1})
		done <- results
	}()
	select {
	case <-done:
		t.Fatalf("second dispatch ran while the only slot was held")
	case <-time.After(30 * time.Millisecond):
	}
	close(block)
	select {
	case results := <-done:
		if results[0].Err != nil || results[0].Output.Text != "q" {
			t.Fatalf("unexpected result %+v", results[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("slot was never released")
	}
	if stats := s.Stats(); stats[0].InFlight != 0 {
		t.Fatalf("expected no work in flight, got %d", stats[0].InFlight)
	}
}

func TestCancelDiscardsOutstandingWork(t *testing.T) {
	started := make(chan struct{}, 3)
	exec := executor.Func(func(ctx context.Context, payload, tier string) (executor.Output, error) {
		started <- struct{}{}
		<-ctx.Done()
		return executor.Output{}, ctx.Err()
	})
	s := New(Settings{})
	s.Track(context.Background(), "t1")
	defer s.Forget("t1")
	go func() {
		for i := 0; i < 3; i++ {
			<-started
		}
		s.Cancel("t1")
	}()
	tier := executor.Tier{Name: "fast", Executor: exec, Concurrency: 3}
	results, err := s.Dispatch(context.Background(), Request{TaskID: "t1", Tier: tier, Count: 3})
	if !errors.Is(err, ErrTaskCancelled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	for _, res := range results {
		if !res.Discarded {
			t.Fatalf("expected discarded result, got %+v", res)
		}
	}
	if s.Cancel("unknown") {
		t.Fatalf("unknown task should not be cancellable")
	}
}

func TestDispatchRejectsMissingExecutor(t *testing.T) {
	s := New(Settings{})
	if _, err := s.Dispatch(context.Background(), Request{TaskID: "t1", Tier: executor.Tier{Name: "x"}, Count: 1}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBackoff(t *testing.T) {
	s := Settings{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for retry, expected := range want {
		if got := s.Backoff(retry); got != expected {
			t.Fatalf("retry %d: expected %s, got %s", retry, expected, got)
		}
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.Default()
	zero := 0
	cfg.Project.Retry.MaxRetries = &zero
	cfg.Project.Retry.BaseDelay = time.Second
	cfg.Project.Retry.MaxDelay = 0
	settings := SettingsFromConfig(cfg)
	if settings.MaxRetries != 0 || settings.BaseDelay != time.Second || settings.MaxDelay != DefaultMaxDelay {
		t.Fatalf("unexpected settings %+v", settings)
	}

	t.Setenv("TALLY_RETRY_MAX", "7")
	if got := SettingsFromConfig(nil).MaxRetries; got != 7 {
		t.Fatalf("expected env override 7, got %d", got)
	}
}
