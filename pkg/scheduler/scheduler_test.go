package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	name string
	d    time.Duration
}

type fakeRecorder struct {
	mu       sync.Mutex
	runs     []recordedRun
	failures []string
	ticks    []time.Duration
}

func (r *fakeRecorder) RecordTaskDuration(name string, d, _ time.Duration) {
	r.mu.Lock()
	r.runs = append(r.runs, recordedRun{name: name, d: d})
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordTaskFailure(name string) {
	r.mu.Lock()
	r.failures = append(r.failures, name)
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordTickDuration(d time.Duration) {
	r.mu.Lock()
	r.ticks = append(r.ticks, d)
	r.mu.Unlock()
}

func (r *fakeRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.runs))
	for i, run := range r.runs {
		out[i] = run.name
	}
	return out
}

type gateFunc func(tier int) bool

func (f gateFunc) ShouldDefer(tier int) bool { return f(tier) }

func sleepJob(d time.Duration) Job {
	return JobFunc(func(context.Context) error {
		time.Sleep(d)
		return nil
	})
}

func newRunning(opts Options) *Scheduler {
	s := New(opts)
	s.Start()
	return s
}

func TestTickWhileStoppedIsNoop(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(Options{Recorder: rec})
	ran := false
	s.RegisterTask(Task{Name: "t", Enabled: true, Interval: 1, Job: JobFunc(func(context.Context) error {
		ran = true
		return nil
	})})

	r := s.Tick(context.Background())
	assert.Equal(t, TickReport{}, r)
	assert.False(t, ran)
	assert.Equal(t, uint64(0), s.CurrentTick())
	assert.Empty(t, rec.ticks)

	s.Start()
	s.Tick(context.Background())
	assert.True(t, ran)

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Equal(t, TickReport{}, s.Tick(context.Background()))
}

func TestTaskRunsEveryIntervalTicks(t *testing.T) {
	s := newRunning(Options{})
	var runs []uint64
	s.RegisterTask(Task{Name: "every3", Enabled: true, Interval: 3, Job: JobFunc(func(context.Context) error {
		runs = append(runs, s.CurrentTick())
		return nil
	})})

	for i := 0; i < 10; i++ {
		s.Tick(context.Background())
	}
	assert.Equal(t, []uint64{1, 4, 7, 10}, runs)
}

func TestZeroIntervalRunsEveryTick(t *testing.T) {
	s := newRunning(Options{})
	n := 0
	s.RegisterTask(Task{Name: "always", Enabled: true, Job: JobFunc(func(context.Context) error {
		n++
		return nil
	})})
	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
	}
	assert.Equal(t, 5, n)
}

func TestPriorityOrderWithinTick(t *testing.T) {
	rec := &fakeRecorder{}
	s := newRunning(Options{Recorder: rec})
	s.RegisterTask(Task{Name: "low", Priority: PriorityLow, Enabled: true, Interval: 1})
	s.RegisterTask(Task{Name: "critical", Priority: PriorityCritical, Enabled: true, Interval: 1})
	s.RegisterTask(Task{Name: "normal", Priority: PriorityNormal, Enabled: true, Interval: 1})

	r := s.Tick(context.Background())
	assert.Equal(t, 3, r.Executed)
	assert.Equal(t, []string{"critical", "normal", "low"}, rec.names())
	require.Len(t, rec.ticks, 1)
}

func TestEqualPriorityUsesRegistrationOrder(t *testing.T) {
	rec := &fakeRecorder{}
	s := newRunning(Options{Recorder: rec})
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		s.RegisterTask(Task{Name: name, Priority: PriorityNormal, Enabled: true, Interval: 1})
	}
	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
	}
	assert.Equal(t, []string{
		"a", "b", "c", "d", "e",
		"a", "b", "c", "d", "e",
		"a", "b", "c", "d", "e",
	}, rec.names())
}

func TestAdaptiveThrottlingDefersOverBudget(t *testing.T) {
	rec := &fakeRecorder{}
	s := newRunning(Options{TickBudget: 10 * time.Millisecond, AdaptiveThrottling: true, Recorder: rec})
	for _, name := range []string{"one", "two", "three"} {
		s.RegisterTask(Task{Name: name, Priority: PriorityNormal, Enabled: true, Interval: 1, Job: sleepJob(6 * time.Millisecond)})
	}

	r := s.Tick(context.Background())
	assert.LessOrEqual(t, r.Executed, 2)
	assert.Equal(t, 3, r.Executed+r.Deferred)
	assert.GreaterOrEqual(t, r.Deferred, 1)
	assert.Equal(t, uint64(r.Deferred), s.DeferredTotal())
	assert.NotContains(t, rec.names(), "three")
}

func TestThrottlingDisabledRunsEverything(t *testing.T) {
	s := newRunning(Options{TickBudget: 10 * time.Millisecond, AdaptiveThrottling: false})
	for _, name := range []string{"one", "two", "three"} {
		s.RegisterTask(Task{Name: name, Enabled: true, Interval: 1, Job: sleepJob(6 * time.Millisecond)})
	}

	r := s.Tick(context.Background())
	assert.Equal(t, 3, r.Executed)
	assert.Equal(t, 0, r.Deferred)
}

func TestDeferredTaskStaysDue(t *testing.T) {
	rec := &fakeRecorder{}
	s := newRunning(Options{TickBudget: time.Millisecond, AdaptiveThrottling: true, Recorder: rec})
	first := s.RegisterTask(Task{Name: "first", Priority: PriorityHigh, Enabled: true, Interval: 100, Job: sleepJob(2 * time.Millisecond)})
	second := s.RegisterTask(Task{Name: "second", Priority: PriorityLow, Enabled: true, Interval: 100})

	r := s.Tick(context.Background())
	require.Equal(t, 1, r.Deferred)
	info, _ := s.Task(second)
	assert.False(t, info.HasRun)

	r = s.Tick(context.Background())
	assert.Equal(t, 1, r.Executed)
	assert.Equal(t, []string{"first", "second"}, rec.names())

	info, _ = s.Task(second)
	assert.Equal(t, uint64(2), info.LastRun)
	info, _ = s.Task(first)
	assert.Equal(t, uint64(1), info.LastRun)
}

func TestSetTickBudgetAppliesNextTick(t *testing.T) {
	s := newRunning(Options{TickBudget: time.Second, AdaptiveThrottling: true})
	for i := 0; i < 3; i++ {
		s.RegisterTask(Task{Name: "work", Enabled: true, Interval: 1, Job: sleepJob(2 * time.Millisecond)})
	}
	assert.Equal(t, 0, s.Tick(context.Background()).Deferred)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.SetTickBudget(0)
	}()
	wg.Wait()

	r := s.Tick(context.Background())
	assert.Equal(t, 3, r.Deferred)
	assert.Equal(t, time.Duration(0), s.TickBudget())

	s.SetAdaptiveThrottling(false)
	assert.Equal(t, 3, s.Tick(context.Background()).Executed)
}

func TestStructuralMutations(t *testing.T) {
	s := newRunning(Options{})
	id := s.RegisterTask(Task{Name: "t", Enabled: true, Interval: 1})
	assert.Equal(t, 1, s.TaskCount())

	assert.True(t, s.SetTaskEnabled(id, false))
	assert.True(t, s.SetTaskEnabled(id, false))
	assert.Equal(t, 0, s.Tick(context.Background()).Executed)

	assert.True(t, s.SetTaskEnabled(id, true))
	assert.Equal(t, 1, s.Tick(context.Background()).Executed)

	assert.True(t, s.UnregisterTask(id))
	assert.False(t, s.UnregisterTask(id))
	assert.False(t, s.SetTaskEnabled(id, true))
	_, ok := s.Task(id)
	assert.False(t, ok)
	assert.Equal(t, 0, s.TaskCount())
}

func TestRegisterReturnsIncreasingIDs(t *testing.T) {
	s := New(Options{})
	a := s.RegisterTask(Task{Name: "a"})
	b := s.RegisterTask(Task{Name: "b"})
	assert.Less(t, a, b)

	infos := s.Tasks()
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(1), infos[0].Interval)
}

func TestFailingTaskIsIsolated(t *testing.T) {
	rec := &fakeRecorder{}
	s := newRunning(Options{Recorder: rec})
	s.RegisterTask(Task{Name: "panics", Priority: PriorityCritical, Enabled: true, Interval: 1, Job: JobFunc(func(context.Context) error {
		panic("boom")
	})})
	s.RegisterTask(Task{Name: "errors", Priority: PriorityHigh, Enabled: true, Interval: 1, Job: JobFunc(func(context.Context) error {
		return errors.New("disk full")
	})})
	okRuns := 0
	s.RegisterTask(Task{Name: "ok", Priority: PriorityLow, Enabled: true, Interval: 1, Job: JobFunc(func(context.Context) error {
		okRuns++
		return nil
	})})

	r := s.Tick(context.Background())
	assert.Equal(t, 3, r.Executed)
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, 1, okRuns)
	assert.Equal(t, []string{"panics", "errors"}, rec.failures)

	s.Tick(context.Background())
	assert.Equal(t, 2, okRuns)
	assert.Equal(t, uint64(4), s.FailedTotal())
}

func TestTaskMayMutateSchedulerFromBody(t *testing.T) {
	s := newRunning(Options{})
	var spawned TaskID
	s.RegisterTask(Task{Name: "spawner", Enabled: true, Interval: 1000, Job: JobFunc(func(context.Context) error {
		spawned = s.RegisterTask(Task{Name: "child", Enabled: true, Interval: 1})
		return nil
	})})

	s.Tick(context.Background())
	require.NotZero(t, spawned)
	assert.Equal(t, 2, s.TaskCount())
}

func TestTierGateDefersNonCritical(t *testing.T) {
	rec := &fakeRecorder{}
	gate := gateFunc(func(tier int) bool { return tier >= int(PriorityLow) })
	s := newRunning(Options{Recorder: rec, Gate: gate})
	s.RegisterTask(Task{Name: "critical", Priority: PriorityCritical, Enabled: true, Interval: 1})
	s.RegisterTask(Task{Name: "normal", Priority: PriorityNormal, Enabled: true, Interval: 1})
	s.RegisterTask(Task{Name: "background", Priority: PriorityBackground, Enabled: true, Interval: 1})

	r := s.Tick(context.Background())
	assert.Equal(t, 2, r.Executed)
	assert.Equal(t, 1, r.Deferred)
	assert.Equal(t, 1, r.Shed)
	assert.Equal(t, []string{"critical", "normal"}, rec.names())
}

func TestGateDeferralIsNotReportedAsBudgetExhaustion(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	gate := gateFunc(func(tier int) bool { return tier >= int(PriorityLow) })
	s := newRunning(Options{TickBudget: time.Second, AdaptiveThrottling: true, Gate: gate, Logger: logger})
	s.RegisterTask(Task{Name: "normal", Priority: PriorityNormal, Enabled: true, Interval: 1})
	s.RegisterTask(Task{Name: "low", Priority: PriorityLow, Enabled: true, Interval: 1})

	r := s.Tick(context.Background())
	assert.Equal(t, 1, r.Deferred)
	assert.Equal(t, 1, r.Shed)
	assert.Equal(t, uint64(1), s.DeferredTotal())

	out := buf.String()
	assert.Contains(t, out, "load governor shedding low priority tasks")
	assert.NotContains(t, out, "tick budget exhausted")
}

func TestBudgetDeferralIsNotCountedAsShed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := newRunning(Options{TickBudget: time.Millisecond, AdaptiveThrottling: true, Logger: logger})
	s.RegisterTask(Task{Name: "slow", Priority: PriorityHigh, Enabled: true, Interval: 1, Job: sleepJob(3 * time.Millisecond)})
	s.RegisterTask(Task{Name: "next", Priority: PriorityNormal, Enabled: true, Interval: 1})

	r := s.Tick(context.Background())
	assert.Equal(t, 1, r.Deferred)
	assert.Zero(t, r.Shed)
	assert.Contains(t, buf.String(), "tick budget exhausted")
	assert.NotContains(t, buf.String(), "shedding")
}

func TestConcurrentMutationDuringTicks(t *testing.T) {
	s := newRunning(Options{TickBudget: 5 * time.Millisecond, AdaptiveThrottling: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			id := s.RegisterTask(Task{Name: "churn", Priority: Priority(i % 5), Enabled: true, Interval: 1})
			s.SetTaskEnabled(id, i%2 == 0)
			s.SetTickBudget(time.Duration(i%10) * time.Millisecond)
			if i%3 == 0 {
				s.UnregisterTask(id)
			}
		}
	}()
	for i := 0; i < 100; i++ {
		s.Tick(ctx)
	}
	wg.Wait()
	assert.Equal(t, uint64(100), s.CurrentTick())
}

func TestStats(t *testing.T) {
	s := New(Options{TickBudget: 20 * time.Millisecond, AdaptiveThrottling: true})
	s.RegisterTask(Task{Name: "a", Enabled: true})
	s.Start()
	s.Tick(context.Background())

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Tick)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Tasks)
	assert.Equal(t, 20*time.Millisecond, st.TickBudget)
	assert.True(t, st.AdaptiveThrottling)
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "background", PriorityBackground.String())
	assert.Equal(t, "unknown", Priority(42).String())
}
