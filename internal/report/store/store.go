// Package store archives completed runs and their per-test results in
// Postgres via GORM, supplementing the on-disk artifact surface
// with a queryable history.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/antinvestor/offload/internal/testrecord"
)

// RunRecord is one archived run.
type RunRecord struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	TotalTests int       `json:"total_tests"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Flaky      int       `json:"flaky"`
	NotRun     int       `json:"not_run"`
	DurationMS int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName sets the GORM table name.
func (RunRecord) TableName() string { return "offload_runs" }

// TestResultRecord is one archived per-test result belonging to a run.
type TestResultRecord struct {
	ID           string `gorm:"primaryKey" json:"id"`
	RunID        string `gorm:"index"      json:"run_id"`
	TestID       string `json:"test_id"`
	Outcome      string `json:"outcome"`
	DurationMS   int64  `json:"duration_ms"`
	ErrorMessage string `json:"error_message,omitempty"`
	Group        string `json:"group,omitempty"`
}

// TableName sets the GORM table name.
func (TestResultRecord) TableName() string { return "offload_test_results" }

// RunArchive persists RunRecord/TestResultRecord pairs.
type RunArchive interface {
	SaveRun(ctx context.Context, run RunRecord, results []TestResultRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, []TestResultRecord, error)
}

// PGRunArchive is the Postgres-backed RunArchive implementation.
type PGRunArchive struct {
	pool pool.Pool
}

// NewRunArchive creates a RunArchive over the given datastore pool.
func NewRunArchive(pool pool.Pool) RunArchive {
	return &PGRunArchive{pool: pool}
}

func (a *PGRunArchive) db(ctx context.Context, readOnly bool) *gorm.DB {
	if a.pool == nil {
		return nil
	}
	return a.pool.DB(ctx, readOnly)
}

// SaveRun writes a run and its per-test results in one transaction. With
// no database configured it is a no-op — the orchestrator's core run
// lifecycle never depends on the archive being present.
func (a *PGRunArchive) SaveRun(ctx context.Context, run RunRecord, results []TestResultRecord) error {
	db := a.db(ctx, false)
	if db == nil {
		return nil
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		if len(results) == 0 {
			return nil
		}
		return tx.Create(&results).Error
	})
}

// GetRun retrieves a previously archived run by id.
func (a *PGRunArchive) GetRun(ctx context.Context, id string) (*RunRecord, []TestResultRecord, error) {
	db := a.db(ctx, true)
	if db == nil {
		return nil, nil, nil
	}
	var run RunRecord
	if err := db.Where("id = ?", id).First(&run).Error; err != nil {
		return nil, nil, err
	}
	var results []TestResultRecord
	if err := db.Where("run_id = ?", id).Find(&results).Error; err != nil {
		return nil, nil, err
	}
	return &run, results, nil
}

// NewRunID mints a new sortable run identifier.
func NewRunID() string { return xid.New().String() }

// ToTestResultRecords converts final per-test results into archival rows
// for a given run id.
func ToTestResultRecords(runID string, results []testrecord.Result) []TestResultRecord {
	out := make([]TestResultRecord, 0, len(results))
	for _, r := range results {
		out = append(out, TestResultRecord{
			ID:           xid.New().String(),
			RunID:        runID,
			TestID:       r.TestID,
			Outcome:      r.Outcome.String(),
			DurationMS:   r.Duration.Milliseconds(),
			ErrorMessage: r.ErrorMessage,
			Group:        r.Group,
		})
	}
	return out
}

// Migrate creates the archive tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&RunRecord{}, &TestResultRecord{})
}
