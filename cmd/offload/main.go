package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	appconfig "github.com/antinvestor/offload/internal/config"
	"github.com/antinvestor/offload/internal/framework"
	"github.com/antinvestor/offload/internal/framework/generic"
	"github.com/antinvestor/offload/internal/framework/gotest"
	"github.com/antinvestor/offload/internal/history"
	"github.com/antinvestor/offload/internal/orchestrator"
	"github.com/antinvestor/offload/internal/pool"
	"github.com/antinvestor/offload/internal/provider"
	"github.com/antinvestor/offload/internal/provider/docker"
	"github.com/antinvestor/offload/internal/provider/local"
	"github.com/antinvestor/offload/internal/queue"
	"github.com/antinvestor/offload/internal/report"
	"github.com/antinvestor/offload/internal/report/store"
	"github.com/antinvestor/offload/internal/rpc"
	"github.com/antinvestor/offload/internal/testrecord"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[appconfig.Config](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "offload"
	}

	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	testFramework := buildFramework(cfg)
	sandboxProvider := buildProvider(cfg)
	durationStore := buildHistoryStore(ctx, cfg)

	reporters := []report.Reporter{report.NewConsoleReporter(cfg.StreamOutput)}
	if cfg.ArchiveRuns {
		dbPool := svc.DatastoreManager().GetPool(ctx, datastore.DefaultPoolName)
		archive := store.NewRunArchive(dbPool)
		reporters = append(reporters, store.NewStoreReporter(archive))
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxParallel:     cfg.MaxParallel,
		TestTimeout:     time.Duration(cfg.TestTimeoutSeconds) * time.Second,
		RetryCount:      cfg.RetryCount,
		StreamOutput:    cfg.StreamOutput,
		ReportOutputDir: cfg.ReportOutputDir,
		Scheduling:      orchestrator.SchedulingAlgorithm(cfg.SchedulingAlgorithm),
		DurationHistory: durationStore,
		DefaultDuration: 1.0,
	}, sandboxProvider, testFramework, multiReporter(reporters))

	runFn := func(runCtx context.Context, req queue.RunRequestedPayload) (orchestrator.RunResult, error) {
		return runOnce(runCtx, testFramework, orch, req.TestPaths)
	}

	// One-shot CLI mode: command-line arguments name the paths to
	// discover and run synchronously, matching how the original tool
	// is invoked from a shell.
	if len(os.Args) > 1 {
		result, runErr := runFn(ctx, queue.RunRequestedPayload{TestPaths: os.Args[1:]})
		if runErr != nil {
			log.WithError(runErr).Error("run failed")
			os.Exit(1)
		}
		os.Exit(result.ExitCode())
	}

	// Service mode: expose health endpoints, an RPC submission surface,
	// and an execution-request subscriber, then block in svc.Run.
	resultPublisher := frame.WithRegisterPublisher(
		cfg.QueueExecutionResultName,
		cfg.QueueExecutionResultURI,
	)

	runHandler := queue.NewRunRequestHandler(runFn, queueEmitter{svc: svc}, cfg.QueueExecutionResultName)
	requestSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueExecutionRequestName,
		cfg.QueueExecutionRequestURI,
		runHandler,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"offload"}`))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"offload"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(orch.Metrics().Registry(), promhttp.HandlerOpts{}))

	if cfg.RPCEnabled {
		results := newRunResultCache()
		rpcHandler := rpc.NewHandler(serviceRunSubmitter{run: runFn, results: results}, results)
		rpcHandler.Register(mux)
	}

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		resultPublisher,
		requestSubscriber,
	}

	svc.Init(ctx, serviceOptions...)

	log.Info("starting offload service")
	if err := svc.Run(ctx, ""); err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

func runOnce(
	ctx context.Context,
	fw framework.TestFramework,
	orch *orchestrator.Orchestrator,
	paths []string,
) (orchestrator.RunResult, error) {
	tests, err := fw.Discover(ctx, paths)
	if err != nil {
		return orchestrator.RunResult{}, err
	}

	sandboxPool := pool.New()
	defer sandboxPool.TerminateAll(ctx)

	return orch.RunWithTests(ctx, tests, sandboxPool)
}

func buildFramework(cfg appconfig.Config) framework.TestFramework {
	if cfg.Framework == "generic" {
		return generic.New(cfg.GenericCommand, splitArgs(cfg.GenericArgs)...)
	}
	return gotest.New(cfg.GoTestPackages)
}

func buildProvider(cfg appconfig.Config) provider.Provider {
	if cfg.SandboxProvider == "docker" {
		p, err := docker.New(docker.Config{
			Image:           cfg.SandboxImage,
			WorkDir:         cfg.SandboxWorkDir,
			NetworkEnabled:  cfg.SandboxNetworkEnabled,
			MemoryLimitMB:   cfg.SandboxMemoryLimitMB,
			CPULimit:        cfg.SandboxCPULimit,
			CreateRateLimit: rateLimitFrom(cfg.SandboxCreateRateLimit),
			CreateBurst:     cfg.SandboxCreateBurst,
		})
		if err == nil {
			return p
		}
		util.Log(context.Background()).WithError(err).Warn("could not create docker provider, falling back to local")
	}
	return local.New(cfg.LocalBaseDir)
}

func buildHistoryStore(ctx context.Context, cfg appconfig.Config) history.Store {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not parse redis url, duration history disabled")
		return nil
	}
	client := redis.NewClient(opts)
	ttl := time.Duration(cfg.DurationHistoryTTLHours) * time.Hour
	return history.NewRedisStore(client, ttl)
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	var args []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if i > start {
				args = append(args, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		args = append(args, s[start:])
	}
	return args
}

func rateLimitFrom(perSecond float64) rate.Limit {
	return rate.Limit(perSecond)
}

// queueEmitter adapts a frame.Service's event manager to the
// queue.EventsEmitter interface.
type queueEmitter struct {
	svc *frame.Service
}

func (q queueEmitter) Emit(ctx context.Context, eventName string, payload any) error {
	return q.svc.EventsManager().Emit(ctx, eventName, payload)
}

// serviceRunSubmitter adapts runOnce into the rpc.RunSubmitter
// interface for synchronous, in-process run submission over HTTP: the
// call blocks until the run completes, then caches the result under a
// freshly minted run id for later retrieval via GetRunResult.
type serviceRunSubmitter struct {
	run     func(ctx context.Context, req queue.RunRequestedPayload) (orchestrator.RunResult, error)
	results *runResultCache
}

func (s serviceRunSubmitter) SubmitRun(ctx context.Context, testPaths []string) (string, error) {
	result, err := s.run(ctx, queue.RunRequestedPayload{TestPaths: testPaths})
	if err != nil {
		return "", err
	}
	runID := store.NewRunID()
	s.results.put(runID, result)
	return runID, nil
}

// runResultCache is an in-process run-result lookup table backing the
// RPC surface's GetRunResult. It holds only the current process's runs;
// ArchiveRuns/store.RunArchive is the durable equivalent.
type runResultCache struct {
	mu      sync.Mutex
	results map[string]orchestrator.RunResult
}

func newRunResultCache() *runResultCache {
	return &runResultCache{results: make(map[string]orchestrator.RunResult)}
}

func (c *runResultCache) put(runID string, result orchestrator.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[runID] = result
}

func (c *runResultCache) GetRunResult(ctx context.Context, runID string) (*orchestrator.RunResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.results[runID]
	if !ok {
		return nil, false, nil
	}
	return &result, true, nil
}

func multiReporter(reporters []report.Reporter) report.Reporter {
	if len(reporters) == 1 {
		return reporters[0]
	}
	return multiReport{reporters: reporters}
}

type multiReport struct {
	reporters []report.Reporter
}

func (m multiReport) OnDiscoveryComplete(ctx context.Context, tests []*testrecord.Record) {
	for _, r := range m.reporters {
		r.OnDiscoveryComplete(ctx, tests)
	}
}

func (m multiReport) OnTestStart(ctx context.Context, test testrecord.Instance) {
	for _, r := range m.reporters {
		r.OnTestStart(ctx, test)
	}
}

func (m multiReport) OnTestComplete(ctx context.Context, result testrecord.Result) {
	for _, r := range m.reporters {
		r.OnTestComplete(ctx, result)
	}
}

func (m multiReport) OnRunComplete(ctx context.Context, summary any) {
	for _, r := range m.reporters {
		r.OnRunComplete(ctx, summary)
	}
}
