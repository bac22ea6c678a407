package gotest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/testrecord"
)

func TestNewDefaultsToAllPackages(t *testing.T) {
	f := New()
	assert.Equal(t, []string{"./..."}, f.Packages)
}

func TestNewWithExplicitPackages(t *testing.T) {
	f := New("./pkg/a", "./pkg/b")
	assert.Equal(t, []string{"./pkg/a", "./pkg/b"}, f.Packages)
}

func TestProduceTestExecutionCommand(t *testing.T) {
	tests := []testrecord.Instance{
		testrecord.NewInstance(testrecord.NewRecord("pkg/foo::TestA")),
		testrecord.NewInstance(testrecord.NewRecord("pkg/foo::TestB")),
	}
	f := New()
	cmd, err := f.ProduceTestExecutionCommand(tests)
	require.NoError(t, err)

	assert.Equal(t, "go", cmd.Program)
	assert.Contains(t, cmd.Args, "pkg/foo")
	assert.Contains(t, cmd.Args, "-run")

	var pattern string
	for i, a := range cmd.Args {
		if a == "-run" {
			pattern = cmd.Args[i+1]
		}
	}
	assert.Equal(t, "^(TestA|TestB)$", pattern)
}

func TestProduceTestExecutionCommandNoTests(t *testing.T) {
	f := New()
	_, err := f.ProduceTestExecutionCommand(nil)
	assert.Error(t, err)
}

func TestProduceTestExecutionCommandRejectsMultiplePackages(t *testing.T) {
	tests := []testrecord.Instance{
		testrecord.NewInstance(testrecord.NewRecord("pkg/a::TestA")),
		testrecord.NewInstance(testrecord.NewRecord("pkg/b::TestB")),
	}
	f := New()
	_, err := f.ProduceTestExecutionCommand(tests)
	assert.Error(t, err)
}

func TestProduceTestExecutionCommandRejectsMalformedID(t *testing.T) {
	tests := []testrecord.Instance{
		testrecord.NewInstance(testrecord.NewRecord("NoSeparator")),
	}
	f := New()
	_, err := f.ProduceTestExecutionCommand(tests)
	assert.Error(t, err)
}

func TestParseResultsPassFailSkip(t *testing.T) {
	output := `=== RUN   TestA
--- PASS: TestA (0.01s)
=== RUN   TestB
--- FAIL: TestB (0.02s)
    foo_test.go:10: assertion failed
    expected true, got false
=== RUN   TestC
--- SKIP: TestC (0.00s)
FAIL
`
	f := New()
	results, err := f.ParseResults(provider.ExecResult{Stdout: output, ExitCode: 1}, "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]testrecord.Result{}
	for _, r := range results {
		byID[r.TestID] = r
	}

	assert.Equal(t, testrecord.Passed, byID["TestA"].Outcome)
	assert.Equal(t, testrecord.Failed, byID["TestB"].Outcome)
	assert.Contains(t, byID["TestB"].ErrorMessage, "assertion failed")
	assert.Equal(t, testrecord.Skipped, byID["TestC"].Outcome)
}

func TestParseResultsNoMatchesIsError(t *testing.T) {
	f := New()
	_, err := f.ParseResults(provider.ExecResult{Stdout: "no test markers here"}, "")
	assert.Error(t, err)
}

func TestDurationFromSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.01", 0.01},
		{"1.5", 1.5},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d := durationFromSeconds(tt.in)
			assert.InDelta(t, tt.want, d.Seconds(), 0.001)
		})
	}
}
