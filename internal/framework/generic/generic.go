// Package generic implements a TestFramework for any runner that emits
// JUnit XML, plus a regex-based fallback for plain stdout/stderr when no
// artifact is available. Adapted from a multi-language
// result_parser.go/parsers.go, generalized from "one parser per
// language" into "one parser per output shape": JUnit XML first,
// framework-specific summary lines second, keyword counting last.
package generic

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antinvestor/offload/internal/framework"
	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/testrecord"
)

// Framework runs an arbitrary shell command and parses its result from
// either a JUnit XML artifact or the command's own stdout.
type Framework struct {
	// Command and Args build the execution command, e.g. Command:
	// "pytest", Args: ["-v"].
	Command string
	Args    []string
	// Discovered is the fixed set of test records Discover returns;
	// generic frameworks have no portable "list tests" operation, so
	// discovery is supplied by the caller (e.g. from a config file or
	// a prior run's artifact) rather than introspected.
	Discovered []*testrecord.Record
}

// New creates a generic Framework that runs command/args as its test
// execution command.
func New(command string, args ...string) *Framework {
	return &Framework{Command: command, Args: args}
}

// Discover returns the caller-supplied fixed test set.
func (f *Framework) Discover(ctx context.Context, paths []string) ([]*testrecord.Record, error) {
	return f.Discovered, nil
}

// ProduceTestExecutionCommand returns the configured command unchanged;
// generic frameworks invoke their own test selection (if any) through
// Args rather than per-test flags.
func (f *Framework) ProduceTestExecutionCommand(tests []testrecord.Instance) (provider.Command, error) {
	if f.Command == "" {
		return provider.Command{}, &framework.Error{Kind: framework.CommandBuildFailed, Msg: "no command configured"}
	}
	return provider.NewCommand(f.Command).WithArgs(f.Args...), nil
}

// junitTestSuites mirrors the subset of the JUnit XML schema offload
// needs: per-case name, time, and pass/fail/skip/error classification.
type junitTestSuites struct {
	XMLName    xml.Name
	TestSuites []junitTestSuite `xml:"testsuite"`
	// Some runners (e.g. a single-package run) emit a bare <testsuite>
	// root rather than wrapping it in <testsuites>; TestCases here
	// covers that shape directly.
	TestCases []junitTestCase `xml:"testcase"`
}

type junitTestSuite struct {
	TestCases []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure"`
	Error     *junitMessage `xml:"error"`
	Skipped   *junitMessage `xml:"skipped"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

// ParseResults prefers a JUnit XML artifact when present; otherwise it
// falls back to parsing the raw stdout and stderr with framework-agnostic
// summary and keyword heuristics.
func (f *Framework) ParseResults(exec provider.ExecResult, artifactText string) ([]testrecord.Result, error) {
	if strings.TrimSpace(artifactText) != "" {
		results, err := parseJUnitXML(artifactText)
		if err == nil && len(results) > 0 {
			return results, nil
		}
	}
	return parseGenericOutput(exec)
}

func parseJUnitXML(artifactText string) ([]testrecord.Result, error) {
	var suites junitTestSuites
	if err := xml.Unmarshal([]byte(artifactText), &suites); err != nil {
		return nil, &framework.Error{Kind: framework.ParseFailed, Msg: "unmarshal junit xml", Err: err}
	}

	cases := suites.TestCases
	for _, s := range suites.TestSuites {
		cases = append(cases, s.TestCases...)
	}

	results := make([]testrecord.Result, 0, len(cases))
	for _, c := range cases {
		id := c.Name
		if c.ClassName != "" {
			id = c.ClassName + "::" + c.Name
		}
		duration := durationFromSeconds(c.Time)

		switch {
		case c.Skipped != nil:
			results = append(results, testrecord.Result{TestID: id, Outcome: testrecord.Skipped, Duration: duration})
		case c.Failure != nil:
			results = append(results, testrecord.Result{
				TestID: id, Outcome: testrecord.Failed, Duration: duration,
				ErrorMessage: firstNonEmpty(c.Failure.Message, c.Failure.Text),
			})
		case c.Error != nil:
			results = append(results, testrecord.Result{
				TestID: id, Outcome: testrecord.Error, Duration: duration,
				ErrorMessage: firstNonEmpty(c.Error.Message, c.Error.Text),
			})
		default:
			results = append(results, testrecord.Result{TestID: id, Outcome: testrecord.Passed, Duration: duration})
		}
	}
	return results, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func durationFromSeconds(s string) time.Duration {
	f, _ := strconv.ParseFloat(s, 64)
	return time.Duration(f * float64(time.Second))
}

var (
	pytestSummaryPattern = regexp.MustCompile(`(\d+)\s+passed(?:.*?(\d+)\s+failed)?(?:.*?(\d+)\s+skipped)?.*?in\s+([\d.]+)s`)
	pytestCasePattern    = regexp.MustCompile(`(?m)^(\S+::\S+)\s+(PASSED|FAILED|SKIPPED|ERROR)`)
	jestSummaryPattern   = regexp.MustCompile(`Tests:\s+(\d+)\s+passed(?:,\s+(\d+)\s+failed)?(?:,\s+(\d+)\s+skipped)?`)
	mavenSummaryPattern  = regexp.MustCompile(`Tests run:\s*(\d+),\s*Failures:\s*(\d+),\s*Errors:\s*(\d+),\s*Skipped:\s*(\d+)`)
	cargoSummaryPattern  = regexp.MustCompile(`test result:.*?(\d+)\s+passed;\s+(\d+)\s+failed;\s+(\d+)\s+ignored`)
	cargoCasePattern     = regexp.MustCompile(`(?m)^test\s+(\S+)\s+\.\.\.\s+(ok|FAILED|ignored)`)
)

// parseGenericOutput tries, in order, pytest and cargo per-case lines,
// then the maven/jest/pytest/cargo summary-line shapes, and finally a
// keyword-count fallback, settling on the first shape that matched the
// output.
func parseGenericOutput(exec provider.ExecResult) ([]testrecord.Result, error) {
	output := exec.Stdout + "\n" + exec.Stderr

	if cases := pytestCasePattern.FindAllStringSubmatch(output, -1); len(cases) > 0 {
		return resultsFromPytestCases(cases), nil
	}
	if cases := cargoCasePattern.FindAllStringSubmatch(output, -1); len(cases) > 0 {
		return resultsFromCargoCases(cases), nil
	}
	if m := mavenSummaryPattern.FindStringSubmatch(output); m != nil {
		return resultsFromCounts(parseInt(m[1])-parseInt(m[2])-parseInt(m[3])-parseInt(m[4]), parseInt(m[2])+parseInt(m[3]), parseInt(m[4])), nil
	}
	if m := jestSummaryPattern.FindStringSubmatch(output); m != nil {
		return resultsFromCounts(parseInt(m[1]), parseInt(m[2]), parseInt(m[3])), nil
	}
	if m := pytestSummaryPattern.FindStringSubmatch(output); m != nil {
		return resultsFromCounts(parseInt(m[1]), parseInt(m[2]), parseInt(m[3])), nil
	}
	if m := cargoSummaryPattern.FindStringSubmatch(output); m != nil {
		return resultsFromCounts(parseInt(m[1]), parseInt(m[2]), parseInt(m[3])), nil
	}

	return genericKeywordFallback(output, exec.ExitCode)
}

func resultsFromPytestCases(matches [][]string) []testrecord.Result {
	results := make([]testrecord.Result, 0, len(matches))
	for _, m := range matches {
		outcome := testrecord.Passed
		switch m[2] {
		case "FAILED", "ERROR":
			outcome = testrecord.Failed
		case "SKIPPED":
			outcome = testrecord.Skipped
		}
		results = append(results, testrecord.Result{TestID: m[1], Outcome: outcome})
	}
	return results
}

func resultsFromCargoCases(matches [][]string) []testrecord.Result {
	results := make([]testrecord.Result, 0, len(matches))
	for _, m := range matches {
		outcome := testrecord.Passed
		switch m[2] {
		case "FAILED":
			outcome = testrecord.Failed
		case "ignored":
			outcome = testrecord.Skipped
		}
		results = append(results, testrecord.Result{TestID: m[1], Outcome: outcome})
	}
	return results
}

// resultsFromCounts synthesizes anonymous per-outcome results when the
// output only carries aggregate counts, not per-case names.
func resultsFromCounts(passed, failed, skipped int) []testrecord.Result {
	results := make([]testrecord.Result, 0, passed+failed+skipped)
	for i := 0; i < passed; i++ {
		results = append(results, testrecord.Result{TestID: fmt.Sprintf("case-%d", len(results)), Outcome: testrecord.Passed})
	}
	for i := 0; i < failed; i++ {
		results = append(results, testrecord.Result{TestID: fmt.Sprintf("case-%d", len(results)), Outcome: testrecord.Failed})
	}
	for i := 0; i < skipped; i++ {
		results = append(results, testrecord.Result{TestID: fmt.Sprintf("case-%d", len(results)), Outcome: testrecord.Skipped})
	}
	return results
}

func genericKeywordFallback(output string, exitCode int) ([]testrecord.Result, error) {
	lower := strings.ToLower(output)

	passCount := strings.Count(lower, "passed")
	failCount := strings.Count(lower, "failed")
	if failCount == 0 {
		failCount = strings.Count(lower, "failure")
	}
	skipCount := strings.Count(lower, "skipped")

	if passCount > 0 || failCount > 0 {
		return resultsFromCounts(passCount, failCount, skipCount), nil
	}

	if exitCode == 0 {
		return []testrecord.Result{{TestID: "run", Outcome: testrecord.Passed}}, nil
	}
	return []testrecord.Result{{TestID: "run", Outcome: testrecord.Failed, ErrorMessage: fmt.Sprintf("exit code %d", exitCode)}}, nil
}

func parseInt(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
