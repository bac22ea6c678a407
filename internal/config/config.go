// Package config defines offload's configuration surface: an
// env-tag-driven struct embedding the ambient service configuration,
// using a section-commented config struct convention.
package config

import (
	"github.com/pitabwire/frame/config"
)

// Config defines configuration for the offload service: the scheduler,
// retry policy, sandbox provider, test framework, and optional
// service-mode queue/store/rpc wiring.
type Config struct {
	config.ConfigurationDefault

	// ==========================================================================
	// Scheduler Configuration
	// ==========================================================================

	// MaxParallel is the number of sandboxes run concurrently in the
	// primary wave.
	MaxParallel int `envDefault:"4" env:"MAX_PARALLEL"`

	// SchedulingAlgorithm selects round_robin, random, or lpt.
	SchedulingAlgorithm string `envDefault:"random" env:"SCHEDULING_ALGORITHM"`

	// BatchSize is loaded from the environment but is not passed to the
	// orchestrator; primary-wave batching always follows
	// SchedulingAlgorithm, and no fixed tests-per-batch size is applied.
	BatchSize int `envDefault:"0" env:"BATCH_SIZE"`

	// ==========================================================================
	// Retry Configuration
	// ==========================================================================

	// RetryCount is the maximum number of retry waves for still-failing
	// tests.
	RetryCount int `envDefault:"2" env:"RETRY_COUNT"`

	// RetryBudgetTimeout/Failed/KnownErrors/UnknownErrors are per-category
	// retry budgets. They are loaded but not applied: retries are capped
	// by RetryCount only, whatever the failure category.
	RetryBudgetTimeout       int `envDefault:"6" env:"RETRY_BUDGET_TIMEOUT"`
	RetryBudgetFailed        int `envDefault:"6" env:"RETRY_BUDGET_FAILED"`
	RetryBudgetKnownErrors   int `envDefault:"4" env:"RETRY_BUDGET_KNOWN_ERRORS"`
	RetryBudgetUnknownErrors int `envDefault:"4" env:"RETRY_BUDGET_UNKNOWN_ERRORS"`

	// ==========================================================================
	// Sandbox Provider Configuration
	// ==========================================================================

	// SandboxProvider selects "docker" or "local".
	SandboxProvider string `envDefault:"local" env:"SANDBOX_PROVIDER"`

	// SandboxImage is the container image used by the docker provider.
	SandboxImage string `envDefault:"golang:1.22-alpine" env:"SANDBOX_IMAGE"`

	// SandboxWorkDir is the in-sandbox working directory.
	SandboxWorkDir string `envDefault:"/workspace" env:"SANDBOX_WORK_DIR"`

	// SandboxNetworkEnabled allows sandboxes outbound network access.
	SandboxNetworkEnabled bool `envDefault:"false" env:"SANDBOX_NETWORK_ENABLED"`

	// SandboxMemoryLimitMB and SandboxCPULimit cap per-sandbox resources.
	SandboxMemoryLimitMB int     `envDefault:"512" env:"SANDBOX_MEMORY_LIMIT_MB"`
	SandboxCPULimit      float64 `envDefault:"1.0" env:"SANDBOX_CPU_LIMIT"`

	// SandboxCreateRateLimit and SandboxCreateBurst bound how fast new
	// sandboxes may be created.
	SandboxCreateRateLimit float64 `envDefault:"5" env:"SANDBOX_CREATE_RATE_LIMIT"`
	SandboxCreateBurst     int     `envDefault:"5" env:"SANDBOX_CREATE_BURST"`

	// LocalBaseDir roots the local provider's per-sandbox working
	// directories.
	LocalBaseDir string `envDefault:"/var/lib/offload/sandboxes" env:"LOCAL_BASE_DIR"`

	// ==========================================================================
	// Test Framework Configuration
	// ==========================================================================

	// Framework selects gotest or generic.
	Framework string `envDefault:"gotest" env:"FRAMEWORK"`

	// GoTestPackages is the package pattern list the gotest framework
	// discovers and runs.
	GoTestPackages string `envDefault:"./..." env:"GOTEST_PACKAGES"`

	// GenericCommand/GenericArgs configure the generic framework's test
	// execution command.
	GenericCommand string `env:"GENERIC_COMMAND"`
	GenericArgs    string `env:"GENERIC_ARGS"`

	// TestTimeoutSeconds bounds a single test or batch's execution time.
	TestTimeoutSeconds int `envDefault:"300" env:"TEST_TIMEOUT_SECONDS"`

	// StreamOutput mirrors sandbox output to the console as it arrives.
	StreamOutput bool `envDefault:"true" env:"STREAM_OUTPUT"`

	// ReportOutputDir is where the run's artifacts are written.
	ReportOutputDir string `envDefault:"./offload-reports" env:"REPORT_OUTPUT_DIR"`

	// ==========================================================================
	// History Store (Redis)
	// ==========================================================================

	// RedisURL, when set, enables duration history for LPT scheduling.
	RedisURL string `env:"REDIS_URL"`

	// DurationHistoryTTLHours bounds how long a recorded duration is
	// trusted before it expires.
	DurationHistoryTTLHours int `envDefault:"720" env:"DURATION_HISTORY_TTL_HOURS"`

	// ==========================================================================
	// Run Archive (Postgres)
	// ==========================================================================

	// ArchiveRuns enables persisting completed runs via the datastore pool.
	ArchiveRuns bool `envDefault:"false" env:"ARCHIVE_RUNS"`

	// ==========================================================================
	// Queue Configuration (service mode)
	// ==========================================================================

	// QueueExecutionRequestName/URI carries incoming run requests when
	// offload runs as a long-lived service rather than a one-shot CLI.
	QueueExecutionRequestName string `envDefault:"offload.execution.requests" env:"QUEUE_EXECUTION_REQUEST_NAME"`
	QueueExecutionRequestURI  string `envDefault:"mem://offload.execution.requests" env:"QUEUE_EXECUTION_REQUEST_URI"`

	// QueueExecutionResultName/URI carries completed run summaries back
	// out.
	QueueExecutionResultName string `envDefault:"offload.execution.results" env:"QUEUE_EXECUTION_RESULT_NAME"`
	QueueExecutionResultURI  string `envDefault:"mem://offload.execution.results" env:"QUEUE_EXECUTION_RESULT_URI"`

	// ==========================================================================
	// RPC Configuration
	// ==========================================================================

	// RPCEnabled exposes the Connect RPC surface alongside the queue
	// subscriber.
	RPCEnabled bool `envDefault:"false" env:"RPC_ENABLED"`
}
