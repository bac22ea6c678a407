// Package scheduler partitions tests into per-sandbox batches using one
// of three policies: round-robin, random, or Longest-Processing-Time
// first (LPT) with duplicate-prevention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/pitabwire/util"

	"github.com/antinvestor/offload/internal/testrecord"
)

// ErrInsufficientWorkers is returned by ScheduleLPT when the worker count
// is smaller than the largest multiplicity of any test identifier in the
// wave — LPT cannot then guarantee the duplicate-prevention invariant.
var ErrInsufficientWorkers = errors.New("scheduler: worker count smaller than max test multiplicity")

// Batch is an ordered list of tests assigned to one sandbox.
type Batch []testrecord.Instance

// Scheduler partitions test instances into at most Workers batches.
type Scheduler struct {
	Workers int
}

// New creates a Scheduler with the given worker count (must be ≥ 1).
func New(workers int) Scheduler {
	if workers < 1 {
		workers = 1
	}
	return Scheduler{Workers: workers}
}

// ScheduleRoundRobin assigns test i to batch i mod Workers, dropping empty
// batches.
func (s Scheduler) ScheduleRoundRobin(tests []testrecord.Instance) []Batch {
	return roundRobin(tests, s.Workers)
}

func roundRobin(tests []testrecord.Instance, workers int) []Batch {
	if len(tests) == 0 {
		return nil
	}
	n := workers
	if n > len(tests) {
		n = len(tests)
	}
	batches := make([]Batch, n)
	for i, t := range tests {
		idx := i % n
		batches[idx] = append(batches[idx], t)
	}
	out := make([]Batch, 0, n)
	for _, b := range batches {
		if len(b) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// ScheduleRandom shuffles the tests uniformly then applies round-robin.
func (s Scheduler) ScheduleRandom(tests []testrecord.Instance) []Batch {
	shuffled := make([]testrecord.Instance, len(tests))
	copy(shuffled, tests)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return roundRobin(shuffled, s.Workers)
}

// ScheduleWithBatchSize chunks tests into groups of size batchSize,
// ignoring Workers.
func (s Scheduler) ScheduleWithBatchSize(tests []testrecord.Instance, batchSize int) []Batch {
	if batchSize < 1 {
		batchSize = 1
	}
	var out []Batch
	for i := 0; i < len(tests); i += batchSize {
		end := i + batchSize
		if end > len(tests) {
			end = len(tests)
		}
		out = append(out, append(Batch(nil), tests[i:end]...))
	}
	return out
}

// ScheduleIndividual returns one-test batches, ignoring Workers.
func (s Scheduler) ScheduleIndividual(tests []testrecord.Instance) []Batch {
	out := make([]Batch, 0, len(tests))
	for _, t := range tests {
		out = append(out, Batch{t})
	}
	return out
}

// lookupDuration implements the suffix-matching duration lookup described
// exact identifier match first, then any key K such that
// the identifier ends with "/K", then the default. Returns the duration
// and which mode matched, for logging.
func lookupDuration(id string, durations map[string]float64, def float64) (float64, string) {
	if d, ok := durations[id]; ok {
		return d, "exact"
	}
	for k, d := range durations {
		if strings.HasSuffix(id, "/"+k) {
			return d, "suffix"
		}
	}
	return def, "default"
}

// lptBatch tracks one bin's accumulated load and the set of identifiers
// already assigned to it, for duplicate-prevention.
type lptBatch struct {
	load  float64
	ids   map[string]struct{}
	tests Batch
}

// ScheduleLPT implements Longest-Processing-Time-first scheduling with
// duplicate-prevention: within one wave, no batch contains two handles to
// the same test identifier. durations maps test identifier to estimated
// duration in seconds; def is used when no entry matches. ctx is used
// only for logging which lookup mode matched per test; pass
// context.Background() if that detail doesn't matter to the caller.
func (s Scheduler) ScheduleLPT(ctx context.Context, tests []testrecord.Instance, durations map[string]float64, def float64) ([]Batch, error) {
	if len(tests) == 0 {
		return nil, nil
	}

	multiplicity := make(map[string]int, len(tests))
	maxInstances := 0
	for _, t := range tests {
		multiplicity[t.ID()]++
		if multiplicity[t.ID()] > maxInstances {
			maxInstances = multiplicity[t.ID()]
		}
	}
	if s.Workers < maxInstances {
		return nil, fmt.Errorf("%w: workers=%d max_instances=%d", ErrInsufficientWorkers, s.Workers, maxInstances)
	}

	type weighted struct {
		test     testrecord.Instance
		duration float64
	}
	weightedTests := make([]weighted, len(tests))
	for i, t := range tests {
		d, mode := lookupDuration(t.ID(), durations, def)
		util.Log(ctx).With("test_id", t.ID()).With("match_mode", mode).Debug("lpt duration lookup")
		weightedTests[i] = weighted{test: t, duration: d}
	}
	sort.SliceStable(weightedTests, func(i, j int) bool {
		return weightedTests[i].duration > weightedTests[j].duration
	})

	n := s.Workers
	if n > len(tests) {
		n = len(tests)
	}
	bins := make([]*lptBatch, n)
	for i := range bins {
		bins[i] = &lptBatch{ids: make(map[string]struct{})}
	}

	for _, wt := range weightedTests {
		var best *lptBatch
		for _, b := range bins {
			if _, dup := b.ids[wt.test.ID()]; dup {
				continue
			}
			if best == nil || b.load < best.load {
				best = b
			}
		}
		// best is guaranteed non-nil: maxInstances ≤ n ensures at least
		// one bin lacks this identifier.
		best.load += wt.duration
		best.ids[wt.test.ID()] = struct{}{}
		best.tests = append(best.tests, wt.test)
	}

	sort.SliceStable(bins, func(i, j int) bool { return bins[i].load > bins[j].load })

	out := make([]Batch, 0, len(bins))
	for _, b := range bins {
		if len(b.tests) > 0 {
			out = append(out, b.tests)
		}
	}
	return out, nil
}
