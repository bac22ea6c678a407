package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/offload/internal/pool"
	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/scheduler"
	"github.com/antinvestor/offload/internal/testrecord"
)

// fakeSandbox exits 0 with no output for every command and has no
// artifact to download, so the runner synthesizes a Passed result for
// every test it's asked to run.
type fakeSandbox struct {
	id         string
	terminated atomic.Bool
}

func (f *fakeSandbox) ID() string { return f.id }

func (f *fakeSandbox) ExecStream(ctx context.Context, cmd provider.Command) (<-chan provider.OutputLine, error) {
	out := make(chan provider.OutputLine, 1)
	out <- provider.OutputLine{Kind: provider.ExitCode, Code: 0}
	close(out)
	return out, nil
}

func (f *fakeSandbox) Upload(ctx context.Context, local, remote string) error { return nil }
func (f *fakeSandbox) Download(ctx context.Context, pairs [][2]string) error {
	return provider.NewError(provider.NotFound, "no artifact", nil)
}
func (f *fakeSandbox) Terminate(ctx context.Context) error { f.terminated.Store(true); return nil }

// fakeProvider hands out fresh fakeSandboxes and counts how many it created.
type fakeProvider struct {
	created atomic.Int32
}

func (p *fakeProvider) CreateSandbox(ctx context.Context, cfg provider.SandboxConfig) (provider.Sandbox, error) {
	n := p.created.Add(1)
	return &fakeSandbox{id: cfg.ID + string(rune(n))}, nil
}

// fakeFramework parses no per-test results, leaving each outcome to the
// runner's exit-code synthesis; its outcomes field is not consulted.
type fakeFramework struct {
	outcomes map[string]testrecord.Outcome
}

func (f *fakeFramework) Discover(ctx context.Context, paths []string) ([]*testrecord.Record, error) {
	return nil, nil
}

func (f *fakeFramework) ProduceTestExecutionCommand(tests []testrecord.Instance) (provider.Command, error) {
	return provider.NewCommand("go"), nil
}

func (f *fakeFramework) ParseResults(exec provider.ExecResult, artifactText string) ([]testrecord.Result, error) {
	return nil, nil
}

// fakeReporter records every lifecycle call it receives.
type fakeReporter struct {
	mu            sync.Mutex
	discoverCalls int
	completed     []testrecord.Result
	runComplete   any
}

func (r *fakeReporter) OnDiscoveryComplete(ctx context.Context, tests []*testrecord.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discoverCalls++
}

func (r *fakeReporter) OnTestStart(ctx context.Context, test testrecord.Instance) {}

func (r *fakeReporter) OnTestComplete(ctx context.Context, result testrecord.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, result)
}

func (r *fakeReporter) OnRunComplete(ctx context.Context, summary any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runComplete = summary
}

func recordsFor(ids ...string) []*testrecord.Record {
	out := make([]*testrecord.Record, len(ids))
	for i, id := range ids {
		out[i] = testrecord.NewRecord(id)
	}
	return out
}

func TestRunWithTestsNoTests(t *testing.T) {
	o := New(Config{MaxParallel: 2}, &fakeProvider{}, &fakeFramework{}, &fakeReporter{})
	result, err := o.RunWithTests(context.Background(), nil, pool.New())
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalTests)
}

func TestRunWithTestsAllPassingViaSynthesis(t *testing.T) {
	reporter := &fakeReporter{}
	o := New(Config{MaxParallel: 2, TestTimeout: time.Second}, &fakeProvider{}, &fakeFramework{}, reporter)

	tests := recordsFor("pkg::A", "pkg::B")
	result, err := o.RunWithTests(context.Background(), tests, pool.New())
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalTests)
	assert.Equal(t, 2, result.Passed)
	assert.Equal(t, 0, result.Failed)
	assert.True(t, result.Success())
	assert.Equal(t, 0, result.ExitCode())
	assert.Equal(t, 1, reporter.discoverCalls)
	assert.NotNil(t, reporter.runComplete)
}

func TestRunWithTestsSkipsMarkedRecords(t *testing.T) {
	tests := recordsFor("pkg::A", "pkg::B")
	tests[1].WithSkipped(true)

	o := New(Config{MaxParallel: 2, TestTimeout: time.Second}, &fakeProvider{}, &fakeFramework{}, &fakeReporter{})
	result, err := o.RunWithTests(context.Background(), tests, pool.New())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Skipped)
}

func TestRunWithTestsReusesPooledSandboxes(t *testing.T) {
	p := pool.New()
	p.Add(&fakeSandbox{id: "reused"})

	prov := &fakeProvider{}
	o := New(Config{MaxParallel: 1, TestTimeout: time.Second}, prov, &fakeFramework{}, &fakeReporter{})

	tests := recordsFor("pkg::A")
	_, err := o.RunWithTests(context.Background(), tests, p)
	require.NoError(t, err)

	assert.Equal(t, int32(0), prov.created.Load())
}

func TestSchedulePrimaryWaveDefaultsToRandom(t *testing.T) {
	o := New(Config{}, &fakeProvider{}, &fakeFramework{}, &fakeReporter{})
	tests := []testrecord.Instance{
		testrecord.NewInstance(testrecord.NewRecord("pkg::A")),
		testrecord.NewInstance(testrecord.NewRecord("pkg::B")),
	}
	batches, err := o.schedulePrimaryWave(context.Background(), scheduler.New(2), tests)
	require.NoError(t, err)
	var total int
	for _, b := range batches {
		total += len(b)
	}
	assert.Equal(t, 2, total)
}

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		r    RunResult
		want int
	}{
		{name: "all green", r: RunResult{}, want: 0},
		{name: "failures", r: RunResult{Failed: 1}, want: 1},
		{name: "not run", r: RunResult{NotRun: 1}, want: 1},
		{name: "flaky only", r: RunResult{Flaky: 1}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.ExitCode())
		})
	}
}
