// Package gotest implements the TestFramework interface for Go's own
// "go test" tooling: discovery via "go test -list", execution via
// "go test -v", and output parsing adapted from a
// result_parser.go Go-specific regexes.
package gotest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antinvestor/offload/internal/framework"
	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/testrecord"
)

// Framework discovers and runs Go tests via the "go" toolchain.
type Framework struct {
	// Packages are the import path patterns passed to "go test", e.g.
	// "./..." for the whole module.
	Packages []string
}

// New creates a gotest Framework scoped to the given package patterns.
// An empty list defaults to "./...".
func New(packages ...string) *Framework {
	if len(packages) == 0 {
		packages = []string{"./..."}
	}
	return &Framework{Packages: packages}
}

var listLinePattern = regexp.MustCompile(`^(Test|Example)\w*$`)

// Discover runs "go test -list" against each configured package pattern
// and builds a Record per matched test function name.
func (f *Framework) Discover(ctx context.Context, paths []string) ([]*testrecord.Record, error) {
	packages := f.Packages
	if len(paths) > 0 {
		packages = paths
	}

	var records []*testrecord.Record
	for _, pkg := range packages {
		names, err := f.listTests(ctx, pkg)
		if err != nil {
			return nil, &framework.Error{Kind: framework.DiscoveryFailed, Msg: fmt.Sprintf("list tests in %s", pkg), Err: err}
		}
		for _, name := range names {
			id := pkg + "::" + name
			records = append(records, testrecord.NewRecord(id))
		}
	}
	return records, nil
}

// listTests shells out to "go test -list" and parses the matched test
// names from its output, one per line until the trailing "ok"/"FAIL"
// summary line.
//
// Discovery runs on the host, not inside a sandbox; the orchestrator
// only sandboxes test execution.
func (f *Framework) listTests(ctx context.Context, pkg string) ([]string, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, "go", "test", "-list", ".*", pkg)
	cmd.Stdout = &buf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go test -list %s: %w", pkg, err)
	}

	var names []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if listLinePattern.MatchString(line) {
			names = append(names, line)
		}
	}
	return names, nil
}

// ProduceTestExecutionCommand builds the "go test -v -run <pattern>"
// invocation covering exactly the given tests within one package.
func (f *Framework) ProduceTestExecutionCommand(tests []testrecord.Instance) (provider.Command, error) {
	if len(tests) == 0 {
		return provider.Command{}, &framework.Error{Kind: framework.CommandBuildFailed, Msg: "no tests to run"}
	}

	pkg, names, err := splitPackageAndNames(tests)
	if err != nil {
		return provider.Command{}, err
	}

	runPattern := "^(" + strings.Join(names, "|") + ")$"
	cmd := provider.NewCommand("go").
		WithArgs("test", "-v", "-run", runPattern, pkg)
	return cmd, nil
}

func splitPackageAndNames(tests []testrecord.Instance) (string, []string, error) {
	var pkg string
	names := make([]string, 0, len(tests))
	for _, t := range tests {
		p, name, ok := strings.Cut(t.ID(), "::")
		if !ok {
			return "", nil, &framework.Error{Kind: framework.CommandBuildFailed, Msg: "malformed go test id: " + t.ID()}
		}
		if pkg == "" {
			pkg = p
		} else if pkg != p {
			return "", nil, &framework.Error{Kind: framework.CommandBuildFailed, Msg: "batch spans multiple packages"}
		}
		names = append(names, regexp.QuoteMeta(name))
	}
	return pkg, names, nil
}

var (
	testPassPattern = regexp.MustCompile(`(?m)^--- PASS: (\S+)\s+\(([\d.]+)s\)`)
	testFailPattern = regexp.MustCompile(`(?m)^--- FAIL: (\S+)\s+\(([\d.]+)s\)`)
	testSkipPattern = regexp.MustCompile(`(?m)^--- SKIP: (\S+)\s+\(([\d.]+)s\)`)
)

// ParseResults extracts per-test PASS/FAIL/SKIP lines from "go test -v"
// output. The artifact text is unused: go test's own -v output already
// carries every per-test outcome, so no JUnit file is needed.
func (f *Framework) ParseResults(exec provider.ExecResult, artifactText string) ([]testrecord.Result, error) {
	output := exec.Stdout
	var results []testrecord.Result

	for _, match := range testPassPattern.FindAllStringSubmatch(output, -1) {
		results = append(results, testrecord.Result{
			TestID:   match[1],
			Outcome:  testrecord.Passed,
			Duration: durationFromSeconds(match[2]),
		})
	}
	for _, match := range testFailPattern.FindAllStringSubmatch(output, -1) {
		results = append(results, testrecord.Result{
			TestID:       match[1],
			Outcome:      testrecord.Failed,
			Duration:     durationFromSeconds(match[2]),
			ErrorMessage: extractFailureOutput(output, match[1]),
		})
	}
	for _, match := range testSkipPattern.FindAllStringSubmatch(output, -1) {
		results = append(results, testrecord.Result{
			TestID:   match[1],
			Outcome:  testrecord.Skipped,
			Duration: durationFromSeconds(match[2]),
		})
	}

	if len(results) == 0 {
		return nil, &framework.Error{Kind: framework.ParseFailed, Msg: "no go test PASS/FAIL/SKIP lines found"}
	}
	return results, nil
}

func durationFromSeconds(s string) time.Duration {
	f, _ := strconv.ParseFloat(s, 64)
	return time.Duration(f * float64(time.Second))
}

func extractFailureOutput(output, testName string) string {
	lines := strings.Split(output, "\n")
	inTest := false
	var captured []string
	for _, line := range lines {
		if strings.Contains(line, "--- FAIL: "+testName) {
			inTest = true
			continue
		}
		if inTest {
			if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "===") {
				break
			}
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				captured = append(captured, trimmed)
			}
			if len(captured) >= 10 {
				break
			}
		}
	}
	return strings.Join(captured, "\n")
}
