// Package runner executes one batch of tests inside one sandbox, fuses
// the output streams, and records results into each test's TestRecord.
package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/offload/internal/framework"
	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/testrecord"
)

// OutputCallback is invoked for every streamed line as it arrives; this is
// the mechanism for real-time "tail" UX. It receives the test identifier
// the line belongs to (the first test of the batch when running a batch
// command) and the line itself.
type OutputCallback func(testID string, line provider.OutputLine)

// Runner is bound to one sandbox and one framework reference.
type Runner struct {
	sandbox         provider.Sandbox
	fw              framework.TestFramework
	timeout         time.Duration
	streamOutput    bool
	outputCallback  OutputCallback
}

// New creates a Runner for the given sandbox and framework with a
// per-command timeout.
func New(sandbox provider.Sandbox, fw framework.TestFramework, timeout time.Duration) *Runner {
	return &Runner{sandbox: sandbox, fw: fw, timeout: timeout}
}

// WithStreaming enables streaming output through callback.
func (r *Runner) WithStreaming(callback OutputCallback) *Runner {
	r.streamOutput = true
	r.outputCallback = callback
	return r
}

// Sandbox returns the underlying sandbox.
func (r *Runner) Sandbox() provider.Sandbox { return r.sandbox }

// IntoSandbox returns the owned sandbox, for returning to a pool. Unlike
// the Rust original this doesn't consume the Runner value (Go has no
// move semantics) but callers should treat the Runner as done after this.
func (r *Runner) IntoSandbox() provider.Sandbox { return r.sandbox }

// RunTest executes a single test and records its result into the test's
// TestRecord.
func (r *Runner) RunTest(ctx context.Context, test testrecord.Instance) error {
	start := time.Now()
	util.Log(ctx).With("test_id", test.ID()).Info("running test")

	cmd, err := r.fw.ProduceTestExecutionCommand([]testrecord.Instance{test})
	if err != nil {
		return fmt.Errorf("produce test execution command: %w", err)
	}
	cmd = cmd.Timeout(uint64(r.timeout.Seconds()))

	var execResult provider.ExecResult
	if r.streamOutput {
		execResult, err = r.execStreaming(ctx, cmd, test.ID())
	} else {
		execResult, err = r.exec(ctx, cmd)
	}
	if err != nil {
		return err
	}

	duration := time.Since(start)
	util.Log(ctx).With("test_id", test.ID()).With("exit_code", execResult.ExitCode).
		With("duration", duration).Debug("test completed")

	artifact := r.tryDownloadResults(ctx)

	results, err := r.fw.ParseResults(execResult, artifact)
	if err != nil {
		util.Log(ctx).With("test_id", test.ID()).WithError(err).Warn("parse results failed, synthesizing")
		results = nil
	}

	result := findResult(results, test.ID())
	if result == nil {
		result = synthesizeSingle(test.ID(), execResult, duration)
	}

	test.RecordResult(*result)
	return nil
}

// RunTests executes a whole batch with a single command; identical in
// structure to RunTest but each test either receives its parsed result or
// a synthesized one whose duration is the batch duration divided by batch
// size.
func (r *Runner) RunTests(ctx context.Context, tests []testrecord.Instance) error {
	start := time.Now()
	util.Log(ctx).With("batch_size", len(tests)).Info("running batch")

	cmd, err := r.fw.ProduceTestExecutionCommand(tests)
	if err != nil {
		return fmt.Errorf("produce test execution command: %w", err)
	}
	cmd = cmd.Timeout(uint64(r.timeout.Seconds()))

	var execResult provider.ExecResult
	if r.streamOutput && len(tests) > 0 {
		execResult, err = r.execStreaming(ctx, cmd, tests[0].ID())
	} else {
		execResult, err = r.exec(ctx, cmd)
	}
	if err != nil {
		return err
	}

	duration := time.Since(start)
	util.Log(ctx).With("exit_code", execResult.ExitCode).With("duration", duration).Debug("batch completed")

	artifact := r.tryDownloadResults(ctx)

	parsed, err := r.fw.ParseResults(execResult, artifact)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("parse results failed, synthesizing for whole batch")
		parsed = nil
	}

	perTest := duration
	if len(tests) > 0 {
		perTest = duration / time.Duration(len(tests))
	}

	for _, test := range tests {
		result := findResult(parsed, test.ID())
		if result == nil {
			result = synthesizeBatch(test.ID(), execResult, perTest)
		}
		test.RecordResult(*result)
	}
	return nil
}

func (r *Runner) exec(ctx context.Context, cmd provider.Command) (provider.ExecResult, error) {
	lines, err := r.sandbox.ExecStream(ctx, cmd)
	if err != nil {
		return provider.ExecResult{}, err
	}
	start := time.Now()
	var stdout, stderr strings.Builder
	exitCode := 0
	for line := range lines {
		switch line.Kind {
		case provider.Stdout:
			stdout.WriteString(line.Text)
			stdout.WriteByte('\n')
		case provider.Stderr:
			stderr.WriteString(line.Text)
			stderr.WriteByte('\n')
		case provider.ExitCode:
			exitCode = line.Code
		}
	}
	return provider.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

// execStreaming invokes the output callback for every line as it arrives
// while also accumulating stdout/stderr, and falls back to heuristic
// exit-code inference when the stream never yields a terminal ExitCode
// item (the streaming exit-code inference heuristic).
func (r *Runner) execStreaming(ctx context.Context, cmd provider.Command, testID string) (provider.ExecResult, error) {
	lines, err := r.sandbox.ExecStream(ctx, cmd)
	if err != nil {
		return provider.ExecResult{}, err
	}
	start := time.Now()
	var stdout, stderr strings.Builder
	exitCode := -1
	for line := range lines {
		if r.outputCallback != nil {
			r.outputCallback(testID, line)
		}
		switch line.Kind {
		case provider.Stdout:
			stdout.WriteString(line.Text)
			stdout.WriteByte('\n')
		case provider.Stderr:
			stderr.WriteString(line.Text)
			stderr.WriteByte('\n')
		case provider.ExitCode:
			exitCode = line.Code
		}
	}

	if exitCode == -1 {
		out := stdout.String()
		if strings.Contains(out, "PASSED") && !strings.Contains(out, "FAILED") && !strings.Contains(out, "ERROR") {
			exitCode = 0
		} else {
			exitCode = 1
		}
	}

	return provider.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

// tryDownloadResults tries the canonical artifact path list in order and
// returns the first non-empty artifact it can retrieve, or "" if none is
// available.
func (r *Runner) tryDownloadResults(ctx context.Context) string {
	for _, path := range framework.CanonicalArtifactPaths {
		tmp, err := os.CreateTemp("", "offload-artifact-*")
		if err != nil {
			continue
		}
		tmpPath := tmp.Name()
		tmp.Close()
		defer os.Remove(tmpPath)

		err = r.sandbox.Download(ctx, [][2]string{{path, tmpPath}})
		if err != nil {
			continue
		}
		content, err := os.ReadFile(tmpPath)
		if err != nil || len(content) == 0 {
			continue
		}
		return string(content)
	}
	return ""
}

// findResult looks up testID's parsed result. Frameworks that can't see
// the originating package at parse time (gotest's "--- PASS: Name" lines
// carry no package prefix) report bare names, so an exact match is tried
// first and a trailing "::name" match second.
func findResult(results []testrecord.Result, testID string) *testrecord.Result {
	for i := range results {
		if results[i].TestID == testID {
			r := results[i]
			return &r
		}
	}
	if idx := strings.LastIndex(testID, "::"); idx >= 0 {
		name := testID[idx+2:]
		for i := range results {
			if results[i].TestID == name {
				r := results[i]
				r.TestID = testID
				return &r
			}
		}
	}
	return nil
}

func synthesizeSingle(testID string, exec provider.ExecResult, duration time.Duration) *testrecord.Result {
	outcome := testrecord.Failed
	var errMsg string
	if exec.Success() {
		outcome = testrecord.Passed
	} else {
		errMsg = fmt.Sprintf("Exit code: %d", exec.ExitCode)
	}
	return &testrecord.Result{
		TestID:       testID,
		Outcome:      outcome,
		Duration:     duration,
		Stdout:       exec.Stdout,
		Stderr:       exec.Stderr,
		ErrorMessage: errMsg,
	}
}

func synthesizeBatch(testID string, exec provider.ExecResult, duration time.Duration) *testrecord.Result {
	outcome := testrecord.Failed
	var errMsg string
	if exec.Success() {
		outcome = testrecord.Passed
	} else {
		errMsg = fmt.Sprintf("Batch failed with exit code: %d", exec.ExitCode)
	}
	return &testrecord.Result{
		TestID:   testID,
		Outcome:  outcome,
		Duration: duration,
		ErrorMessage: errMsg,
	}
}
