package runner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/testrecord"
)

// fakeSandbox streams a scripted sequence of output lines and records
// uploads/downloads it was asked to perform.
type fakeSandbox struct {
	lines        []provider.OutputLine
	downloadErr  error
	downloadData map[string]string
}

func (f *fakeSandbox) ID() string { return "fake" }

func (f *fakeSandbox) ExecStream(ctx context.Context, cmd provider.Command) (<-chan provider.OutputLine, error) {
	out := make(chan provider.OutputLine, len(f.lines))
	for _, l := range f.lines {
		out <- l
	}
	close(out)
	return out, nil
}

func (f *fakeSandbox) Upload(ctx context.Context, local, remote string) error { return nil }

func (f *fakeSandbox) Download(ctx context.Context, pairs [][2]string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	for _, pair := range pairs {
		remote, local := pair[0], pair[1]
		content, ok := f.downloadData[remote]
		if !ok {
			return provider.NewError(provider.NotFound, remote, nil)
		}
		if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSandbox) Terminate(ctx context.Context) error { return nil }

// fakeFramework returns a fixed command and lets the test control parsed
// results.
type fakeFramework struct {
	cmd         provider.Command
	cmdErr      error
	results     []testrecord.Result
	parseErr    error
	lastExec    provider.ExecResult
	lastArtifact string
}

func (f *fakeFramework) Discover(ctx context.Context, paths []string) ([]*testrecord.Record, error) {
	return nil, nil
}

func (f *fakeFramework) ProduceTestExecutionCommand(tests []testrecord.Instance) (provider.Command, error) {
	return f.cmd, f.cmdErr
}

func (f *fakeFramework) ParseResults(exec provider.ExecResult, artifactText string) ([]testrecord.Result, error) {
	f.lastExec = exec
	f.lastArtifact = artifactText
	return f.results, f.parseErr
}

func TestRunTestRecordsParsedResult(t *testing.T) {
	sandbox := &fakeSandbox{
		lines: []provider.OutputLine{
			{Kind: provider.Stdout, Text: "ok"},
			{Kind: provider.ExitCode, Code: 0},
		},
	}
	test := testrecord.NewInstance(testrecord.NewRecord("pkg::TestA"))
	fw := &fakeFramework{
		cmd:     provider.NewCommand("go").WithArgs("test"),
		results: []testrecord.Result{{TestID: "pkg::TestA", Outcome: testrecord.Passed, Duration: time.Second}},
	}

	r := New(sandbox, fw, 5*time.Second)
	require.NoError(t, r.RunTest(context.Background(), test))

	results := test.Record().Results()
	require.Len(t, results, 1)
	assert.Equal(t, testrecord.Passed, results[0].Outcome)
}

func TestRunTestMatchesBareNameParsedResult(t *testing.T) {
	sandbox := &fakeSandbox{
		lines: []provider.OutputLine{
			{Kind: provider.ExitCode, Code: 0},
		},
	}
	test := testrecord.NewInstance(testrecord.NewRecord("pkg::TestA"))
	fw := &fakeFramework{
		cmd:     provider.NewCommand("go").WithArgs("test"),
		results: []testrecord.Result{{TestID: "TestA", Outcome: testrecord.Passed, Duration: time.Second}},
	}

	r := New(sandbox, fw, 5*time.Second)
	require.NoError(t, r.RunTest(context.Background(), test))

	results := test.Record().Results()
	require.Len(t, results, 1)
	assert.Equal(t, testrecord.Passed, results[0].Outcome)
	assert.Equal(t, "pkg::TestA", results[0].TestID)
}

func TestRunTestSynthesizesWhenNoParsedResult(t *testing.T) {
	sandbox := &fakeSandbox{
		lines: []provider.OutputLine{
			{Kind: provider.ExitCode, Code: 1},
		},
	}
	test := testrecord.NewInstance(testrecord.NewRecord("pkg::TestA"))
	fw := &fakeFramework{cmd: provider.NewCommand("go")}

	r := New(sandbox, fw, 5*time.Second)
	require.NoError(t, r.RunTest(context.Background(), test))

	results := test.Record().Results()
	require.Len(t, results, 1)
	assert.Equal(t, testrecord.Failed, results[0].Outcome)
	assert.Contains(t, results[0].ErrorMessage, "Exit code: 1")
}

func TestRunTestsBatchRecordsParsedAndSynthesizedResults(t *testing.T) {
	sandbox := &fakeSandbox{
		lines: []provider.OutputLine{
			{Kind: provider.ExitCode, Code: 0},
		},
	}
	testA := testrecord.NewInstance(testrecord.NewRecord("pkg::A"))
	testB := testrecord.NewInstance(testrecord.NewRecord("pkg::B"))
	fw := &fakeFramework{
		cmd:     provider.NewCommand("go"),
		results: []testrecord.Result{{TestID: "pkg::A", Outcome: testrecord.Passed}},
	}

	r := New(sandbox, fw, 5*time.Second)
	require.NoError(t, r.RunTests(context.Background(), []testrecord.Instance{testA, testB}))

	resA := testA.Record().Results()
	resB := testB.Record().Results()
	require.Len(t, resA, 1)
	require.Len(t, resB, 1)
	assert.Equal(t, testrecord.Passed, resA[0].Outcome)
	assert.Equal(t, testrecord.Passed, resB[0].Outcome)
}

func TestRunTestProduceCommandError(t *testing.T) {
	sandbox := &fakeSandbox{}
	test := testrecord.NewInstance(testrecord.NewRecord("pkg::A"))
	fw := &fakeFramework{cmdErr: assertAnError{}}

	r := New(sandbox, fw, time.Second)
	err := r.RunTest(context.Background(), test)
	assert.Error(t, err)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "boom" }

func TestExecStreamingFallsBackOnMissingExitCode(t *testing.T) {
	sandbox := &fakeSandbox{
		lines: []provider.OutputLine{
			{Kind: provider.Stdout, Text: "1 PASSED"},
		},
	}
	test := testrecord.NewInstance(testrecord.NewRecord("pkg::A"))
	fw := &fakeFramework{cmd: provider.NewCommand("go")}

	r := New(sandbox, fw, time.Second).WithStreaming(func(testID string, line provider.OutputLine) {})
	require.NoError(t, r.RunTest(context.Background(), test))

	results := test.Record().Results()
	require.Len(t, results, 1)
	assert.Equal(t, testrecord.Passed, results[0].Outcome)
}

func TestSandboxAccessor(t *testing.T) {
	sandbox := &fakeSandbox{}
	fw := &fakeFramework{}
	r := New(sandbox, fw, time.Second)
	assert.Same(t, sandbox, r.Sandbox())
	assert.Same(t, sandbox, r.IntoSandbox())
}
