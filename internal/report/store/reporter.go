package store

import (
	"context"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/offload/internal/orchestrator"
	"github.com/antinvestor/offload/internal/testrecord"
)

// StoreReporter archives a completed run into a RunArchive. The
// per-test-start/per-test-complete events are ignored; only
// OnRunComplete does work, matching the archive's "one row per run" shape.
type StoreReporter struct {
	archive RunArchive
}

// NewStoreReporter creates a StoreReporter backed by archive.
func NewStoreReporter(archive RunArchive) *StoreReporter {
	return &StoreReporter{archive: archive}
}

func (s *StoreReporter) OnDiscoveryComplete(ctx context.Context, tests []*testrecord.Record) {}

func (s *StoreReporter) OnTestStart(ctx context.Context, test testrecord.Instance) {}

func (s *StoreReporter) OnTestComplete(ctx context.Context, result testrecord.Result) {}

func (s *StoreReporter) OnRunComplete(ctx context.Context, summary any) {
	result, ok := summary.(orchestrator.RunResult)
	if !ok {
		return
	}

	runID := NewRunID()
	run := RunRecord{
		ID:         runID,
		TotalTests: result.TotalTests,
		Passed:     result.Passed,
		Failed:     result.Failed,
		Skipped:    result.Skipped,
		Flaky:      result.Flaky,
		NotRun:     result.NotRun,
		DurationMS: result.Duration.Milliseconds(),
		ExitCode:   result.ExitCode(),
		CreatedAt:  time.Now(),
	}

	if err := s.archive.SaveRun(ctx, run, ToTestResultRecords(runID, result.Results)); err != nil {
		util.Log(ctx).WithError(err).Warn("could not archive run")
	}
}
