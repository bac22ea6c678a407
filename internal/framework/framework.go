// Package framework defines the test-framework contract consumed by the
// orchestrator: discover tests, produce one batch-execution command, and
// parse per-test results out of an execution result plus an optional
// result artifact.
package framework

import (
	"context"
	"fmt"

	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/testrecord"
)

// ErrorKind classifies a framework-surfaced failure.
type ErrorKind int

const (
	// DiscoveryFailed means the discovery command/process failed.
	DiscoveryFailed ErrorKind = iota
	// CommandBuildFailed means a test-execution command could not be
	// constructed for the given batch.
	CommandBuildFailed
	// ParseFailed means the framework could not interpret the execution
	// result or artifact.
	ParseFailed
)

// Error is the error type Framework methods return on failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framework: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("framework: %s", e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// CanonicalArtifactPaths is the ordered list of result-artifact locations
// the runner tries when downloading a machine-readable report from a
// sandbox.
var CanonicalArtifactPaths = []string{
	"/tmp/junit.xml",
	"junit.xml",
	"test-results/junit.xml",
	"target/surefire-reports/TEST-*.xml",
}

// TestFramework is the interface a framework implementation must honor.
// The orchestrator never branches on which concrete framework it holds.
type TestFramework interface {
	// Discover returns the flat list of tests found under paths.
	Discover(ctx context.Context, paths []string) ([]*testrecord.Record, error)

	// ProduceTestExecutionCommand builds the single command that, when run
	// in a sandbox, executes exactly the given tests and writes a
	// machine-readable artifact to one of CanonicalArtifactPaths.
	ProduceTestExecutionCommand(tests []testrecord.Instance) (provider.Command, error)

	// ParseResults turns an execution result and, if available, the
	// downloaded artifact text into per-test results. A missing per-test
	// entry is permitted; the runner synthesizes a substitute.
	ParseResults(exec provider.ExecResult, artifactText string) ([]testrecord.Result, error)
}
