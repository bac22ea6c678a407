// Package orchestrator drives the full test-run lifecycle: discovery
// hand-off, scheduling, concurrent batch execution, retry waves, flaky
// reconciliation, and summary computation.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pitabwire/util"

	"github.com/antinvestor/offload/internal/framework"
	"github.com/antinvestor/offload/internal/history"
	"github.com/antinvestor/offload/internal/metrics"
	"github.com/antinvestor/offload/internal/pool"
	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/report"
	"github.com/antinvestor/offload/internal/retry"
	"github.com/antinvestor/offload/internal/runner"
	"github.com/antinvestor/offload/internal/scheduler"
	"github.com/antinvestor/offload/internal/testrecord"
)

// SchedulingAlgorithm selects how the primary wave is batched.
type SchedulingAlgorithm string

const (
	Random     SchedulingAlgorithm = "random"
	RoundRobin SchedulingAlgorithm = "round_robin"
	LPT        SchedulingAlgorithm = "lpt"
)

// Config carries the run-shaping options consumed by the orchestrator
// (the service's configuration surface).
type Config struct {
	MaxParallel     int
	TestTimeout     time.Duration
	RetryCount      int
	WorkingDir      string
	StreamOutput    bool
	ReportOutputDir string

	// Scheduling selects the batching algorithm for the primary wave.
	// The empty value behaves as Random, matching the original
	// orchestrator's unconditional schedule_random call.
	Scheduling SchedulingAlgorithm
	// DurationHistory supplies prior observed durations to the LPT
	// scheduler. Ignored unless Scheduling is LPT.
	DurationHistory history.Store
	// DefaultDuration is the LPT scheduler's fallback duration estimate
	// for a test with no recorded or suffix-matched history.
	DefaultDuration float64
}

// RunResult aggregates totals and the flat list of final results for one
// run.
type RunResult struct {
	TotalTests int
	Passed     int
	Failed     int
	Skipped    int
	Flaky      int
	NotRun     int
	Duration   time.Duration
	Results    []testrecord.Result
}

// Success reports whether the run had no failures and nothing left
// unrun.
func (r RunResult) Success() bool {
	return r.Failed == 0 && r.NotRun == 0
}

// ExitCode maps the run result onto a process exit code: 0 all green,
// 1 failures or not-run tests, 2 green with flakes (this is the
// legacy value 34 used by an older orchestrator variant is never
// produced here).
func (r RunResult) ExitCode() int {
	switch {
	case r.Failed > 0 || r.NotRun > 0:
		return 1
	case r.Flaky > 0:
		return 2
	default:
		return 0
	}
}

// Orchestrator ties together a Provider, a TestFramework, and a Reporter
// to run a discovered test list to completion.
type Orchestrator struct {
	cfg       Config
	provider  provider.Provider
	framework framework.TestFramework
	reporter  report.Reporter
	metrics   *metrics.Orchestrator
}

// New creates an Orchestrator with the given components.
func New(cfg Config, p provider.Provider, fw framework.TestFramework, r report.Reporter) *Orchestrator {
	return &Orchestrator{cfg: cfg, provider: p, framework: fw, reporter: r, metrics: metrics.NewOrchestrator()}
}

// WithMetrics replaces the Orchestrator's metrics set, e.g. with one
// registered against a shared registry.
func (o *Orchestrator) WithMetrics(m *metrics.Orchestrator) *Orchestrator {
	o.metrics = m
	return o
}

// Metrics returns the Orchestrator's metrics set, for mounting a scrape
// endpoint.
func (o *Orchestrator) Metrics() *metrics.Orchestrator {
	return o.metrics
}

// RunWithTests runs the given already-discovered tests to completion,
// using sandboxPool as the shared pool of reusable sandboxes across the
// primary wave and retries.
func (o *Orchestrator) RunWithTests(ctx context.Context, tests []*testrecord.Record, sandboxPool *pool.SandboxPool) (RunResult, error) {
	start := time.Now()

	if o.cfg.ReportOutputDir != "" {
		if err := os.RemoveAll(o.cfg.ReportOutputDir); err != nil {
			util.Log(ctx).WithError(err).Debug("could not clear report output dir")
		}
		if err := os.MkdirAll(o.cfg.ReportOutputDir, 0o755); err != nil {
			util.Log(ctx).WithError(err).Debug("could not recreate report output dir")
		}
	}

	if len(tests) == 0 {
		util.Log(ctx).Warn("no tests to run")
		return RunResult{Duration: time.Since(start)}, nil
	}

	o.reporter.OnDiscoveryComplete(ctx, tests)

	testsToRun := make([]testrecord.Instance, 0, len(tests))
	skippedCount := 0
	for _, t := range tests {
		if t.Skipped() {
			skippedCount++
			continue
		}
		testsToRun = append(testsToRun, testrecord.NewInstance(t))
	}

	sched := scheduler.New(o.cfg.MaxParallel)
	batches, err := o.schedulePrimaryWave(ctx, sched, testsToRun)
	if err != nil {
		return RunResult{}, err
	}

	util.Log(ctx).With("test_count", len(testsToRun)).With("batch_count", len(batches)).
		Info("scheduled tests into batches")

	var resultsMu sync.Mutex
	var allResults []testrecord.Result

	if err := o.runWave(ctx, batches, sandboxPool, func(test testrecord.Instance, res testrecord.Result) {
		o.reporter.OnTestComplete(ctx, res)
		if o.cfg.DurationHistory != nil && res.Duration > 0 {
			if err := o.cfg.DurationHistory.RecordDuration(ctx, res.TestID, res.Duration); err != nil {
				util.Log(ctx).WithError(err).Debug("could not record test duration")
			}
		}
		resultsMu.Lock()
		allResults = append(allResults, res)
		resultsMu.Unlock()
	}); err != nil {
		return RunResult{}, err
	}

	failedIDs := make(map[string]struct{})
	for _, r := range allResults {
		if r.Outcome == testrecord.Failed || r.Outcome == testrecord.Error {
			failedIDs[r.TestID] = struct{}{}
		}
	}

	flakyCount := 0
	if len(failedIDs) > 0 && o.cfg.RetryCount > 0 {
		util.Log(ctx).With("failing_count", len(failedIDs)).Info("retrying failed tests")

		retryManager := retry.New(o.cfg.RetryCount)
		var failedTests []testrecord.Instance
		for _, t := range tests {
			if _, ok := failedIDs[t.ID()]; ok {
				failedTests = append(failedTests, testrecord.NewInstance(t))
			}
		}

		retryResults, err := o.retryTests(ctx, failedTests, retryManager, sandboxPool)
		if err != nil {
			return RunResult{}, err
		}

		for _, rr := range retryResults {
			if rr.Outcome != testrecord.Passed {
				continue
			}
			flakyCount++
			for i := range allResults {
				if allResults[i].TestID == rr.TestID {
					allResults[i].Outcome = testrecord.Passed
					allResults[i].ErrorMessage = "Flaky - passed on retry"
				}
			}
		}
	}

	passed, failed, runtimeSkipped := 0, 0, 0
	for _, r := range allResults {
		switch r.Outcome {
		case testrecord.Passed:
			passed++
		case testrecord.Failed, testrecord.Error:
			failed++
		case testrecord.Skipped:
			runtimeSkipped++
		}
	}
	notRun := len(testsToRun) - len(allResults)
	if notRun < 0 {
		notRun = 0
	}

	o.metrics.RecordFlaky(flakyCount)

	result := RunResult{
		TotalTests: len(tests),
		Passed:     passed,
		Failed:     failed,
		Skipped:    skippedCount + runtimeSkipped,
		Flaky:      flakyCount,
		NotRun:     notRun,
		Duration:   time.Since(start),
		Results:    allResults,
	}

	o.reporter.OnRunComplete(ctx, result)
	return result, nil
}

// schedulePrimaryWave batches testsToRun per o.cfg.Scheduling. LPT pulls
// duration history when configured; an empty or unrecognized value falls
// back to random, matching the original orchestrator's unconditional
// schedule_random call.
func (o *Orchestrator) schedulePrimaryWave(
	ctx context.Context,
	sched scheduler.Scheduler,
	testsToRun []testrecord.Instance,
) ([]scheduler.Batch, error) {
	switch o.cfg.Scheduling {
	case LPT:
		durations := map[string]float64{}
		if o.cfg.DurationHistory != nil {
			ids := make([]string, len(testsToRun))
			for i, t := range testsToRun {
				ids[i] = t.ID()
			}
			loaded, err := o.cfg.DurationHistory.DurationMap(ctx, ids)
			if err != nil {
				util.Log(ctx).WithError(err).Warn("could not load duration history, falling back to default durations")
			} else {
				durations = loaded
			}
		}
		return sched.ScheduleLPT(ctx, testsToRun, durations, o.cfg.DefaultDuration)
	case RoundRobin:
		return sched.ScheduleRoundRobin(testsToRun), nil
	default:
		return sched.ScheduleRandom(testsToRun), nil
	}
}

// runWave executes batches concurrently, bounding in-flight goroutines to
// len(batches) via an ants.Pool (a scoped concurrency region,
// task count per wave ≤ W). onResult is called once per recorded result.
func (o *Orchestrator) runWave(
	ctx context.Context,
	batches []scheduler.Batch,
	sandboxPool *pool.SandboxPool,
	onResult func(testrecord.Instance, testrecord.Result),
) error {
	if len(batches) == 0 {
		return nil
	}

	antsPool, err := ants.NewPool(len(batches))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer antsPool.Release()

	var wg sync.WaitGroup
	for idx, batch := range batches {
		wg.Add(1)
		batch := batch
		batchIdx := idx
		submitErr := antsPool.Submit(func() {
			defer wg.Done()
			o.runBatch(ctx, batchIdx, batch, sandboxPool, onResult)
		})
		if submitErr != nil {
			wg.Done()
			util.Log(ctx).WithError(submitErr).Error("could not submit batch to worker pool")
		}
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) runBatch(
	ctx context.Context,
	batchIdx int,
	batch scheduler.Batch,
	sandboxPool *pool.SandboxPool,
	onResult func(testrecord.Instance, testrecord.Result),
) {
	sandbox, ok := sandboxPool.TakeOne()
	if !ok {
		sandboxConfig := provider.SandboxConfig{
			ID:         fmt.Sprintf("offload-%d-%d", time.Now().UnixNano(), batchIdx),
			WorkingDir: o.cfg.WorkingDir,
			Resources:  provider.SandboxResources{TimeoutSecs: uint64(o.cfg.TestTimeout.Seconds())},
		}
		created, err := o.provider.CreateSandbox(ctx, sandboxConfig)
		if err != nil {
			util.Log(ctx).WithError(err).Error("failed to create sandbox")
			return
		}
		sandbox = created
	}

	run := runner.New(sandbox, o.framework, o.cfg.TestTimeout)
	if o.cfg.StreamOutput {
		run = run.WithStreaming(func(testID string, line provider.OutputLine) {
			switch line.Kind {
			case provider.Stdout:
				fmt.Printf("[%s] %s\n", testID, line.Text)
			case provider.Stderr:
				fmt.Fprintf(os.Stderr, "[%s] %s\n", testID, line.Text)
			}
		})
	}

	for _, test := range batch {
		o.reporter.OnTestStart(ctx, test)
	}

	batchStart := time.Now()
	if err := run.RunTests(ctx, batch); err != nil {
		util.Log(ctx).WithError(err).Error("batch execution error")
		o.metrics.RecordBatch("error", time.Since(batchStart).Seconds())
		for _, test := range batch {
			failed := testrecord.Result{
				TestID:       test.ID(),
				Outcome:      testrecord.Error,
				ErrorMessage: err.Error(),
				Stderr:       err.Error(),
			}
			test.RecordResult(failed)
			onResult(test, failed)
		}
	} else {
		o.metrics.RecordBatch("success", time.Since(batchStart).Seconds())
		for _, test := range batch {
			if res, ok := test.Record().FinalResult(); ok {
				onResult(test, res)
			}
		}
	}

	sandboxPool.Add(run.IntoSandbox())
	o.metrics.SetSandboxPoolSize(sandboxPool.Len())
}

// retryTests retries failed tests using sandboxes from the pool, batching
// across available sandboxes like the primary wave.
func (o *Orchestrator) retryTests(
	ctx context.Context,
	tests []testrecord.Instance,
	retryManager *retry.Manager,
	sandboxPool *pool.SandboxPool,
) ([]testrecord.Result, error) {
	var toRetry []testrecord.Instance
	for _, t := range tests {
		if retryManager.ShouldRetry(t.ID()) {
			toRetry = append(toRetry, t)
		}
	}
	if len(toRetry) == 0 {
		return nil, nil
	}

	if sandboxPool.IsEmpty() {
		util.Log(ctx).Warn("no sandboxes available for retries")
		return nil, nil
	}

	var retryResultsMu sync.Mutex
	var retryResults []testrecord.Result

	for attempt := 0; attempt < o.cfg.RetryCount; attempt++ {
		var stillFailing []testrecord.Instance
		for _, t := range toRetry {
			if retryManager.ShouldRetry(t.ID()) {
				stillFailing = append(stillFailing, t)
			}
		}
		if len(stillFailing) == 0 {
			break
		}

		util.Log(ctx).With("attempt", attempt+1).With("count", len(stillFailing)).Info("retry attempt")

		numSandboxes := sandboxPool.Len()
		sched := scheduler.New(numSandboxes)
		batches := sched.ScheduleRandom(stillFailing)

		err := o.runWave(ctx, batches, sandboxPool, func(test testrecord.Instance, res testrecord.Result) {
			passed := res.Outcome == testrecord.Passed
			retryManager.RecordAttempt(test.ID(), passed)
			if passed {
				o.metrics.RecordRetry("passed")
				retryResultsMu.Lock()
				retryResults = append(retryResults, res)
				retryResultsMu.Unlock()
			} else {
				o.metrics.RecordRetry("failed")
			}
		})
		if err != nil {
			return nil, err
		}
		// Tests whose batch was abandoned (e.g. sandbox creation failed)
		// get no onResult call and so no attempt recorded; they retain
		// their last recorded outcome rather than being marked as a
		// failed attempt.
	}

	return retryResults, nil
}
