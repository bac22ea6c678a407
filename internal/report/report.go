// Package report defines the Reporter interface the orchestrator notifies
// of discovery, per-test start/completion, and run completion, plus a
// ConsoleReporter implementation. JUnit XML emission is out of scope.
package report

import (
	"context"
	"fmt"

	"github.com/pitabwire/util"

	"github.com/antinvestor/offload/internal/testrecord"
)

// Reporter receives lifecycle notifications from the orchestrator. The
// run summary is passed as `any` (rather than a concrete orchestrator
// type) to avoid an import cycle between orchestrator and report.
type Reporter interface {
	OnDiscoveryComplete(ctx context.Context, tests []*testrecord.Record)
	OnTestStart(ctx context.Context, test testrecord.Instance)
	OnTestComplete(ctx context.Context, result testrecord.Result)
	OnRunComplete(ctx context.Context, summary any)
}

// ConsoleReporter prints a line per lifecycle event to stdout/the logger.
// Verbose controls whether OnTestStart is printed (it is the chattiest
// event in a large suite).
type ConsoleReporter struct {
	Verbose bool
}

// NewConsoleReporter creates a ConsoleReporter.
func NewConsoleReporter(verbose bool) *ConsoleReporter {
	return &ConsoleReporter{Verbose: verbose}
}

func (c *ConsoleReporter) OnDiscoveryComplete(ctx context.Context, tests []*testrecord.Record) {
	util.Log(ctx).With("test_count", len(tests)).Info("discovery complete")
}

func (c *ConsoleReporter) OnTestStart(ctx context.Context, test testrecord.Instance) {
	if c.Verbose {
		fmt.Printf("RUNNING %s\n", test.ID())
	}
}

func (c *ConsoleReporter) OnTestComplete(ctx context.Context, result testrecord.Result) {
	switch result.Outcome {
	case testrecord.Passed:
		fmt.Printf("PASS %s (%s)\n", result.TestID, result.Duration)
	case testrecord.Skipped:
		fmt.Printf("SKIP %s\n", result.TestID)
	default:
		fmt.Printf("FAIL %s: %s\n", result.TestID, result.ErrorMessage)
		if result.Stdout != "" {
			fmt.Println(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Println(result.Stderr)
		}
	}
}

func (c *ConsoleReporter) OnRunComplete(ctx context.Context, summary any) {
	fmt.Printf("run complete: %+v\n", summary)
}
