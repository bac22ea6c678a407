// Package queue carries offload run requests and results over a
// publish/subscribe transport, for the service-mode deployment where
// offload runs as a long-lived worker instead of a one-shot CLI
// invocation. Adapted from an execution request handler, generalized
// from a single-language execution payload into a run spanning an
// arbitrary test set.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/util"

	"github.com/antinvestor/offload/internal/orchestrator"
)

// RunRequestedPayload is published to request a run.
type RunRequestedPayload struct {
	RunID       string   `json:"run_id"`
	TestPaths   []string `json:"test_paths"`
	MaxParallel int      `json:"max_parallel,omitempty"`
	RetryCount  int      `json:"retry_count,omitempty"`
}

// RunCompletedPayload is published once a run finishes.
type RunCompletedPayload struct {
	RunID   string                  `json:"run_id"`
	Success bool                    `json:"success"`
	Summary *orchestrator.RunResult `json:"summary,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// EventsEmitter publishes a named event payload to its configured queue.
type EventsEmitter interface {
	Emit(ctx context.Context, eventName string, payload any) error
}

// RunFunc executes a requested run and returns its result.
type RunFunc func(ctx context.Context, req RunRequestedPayload) (orchestrator.RunResult, error)

// RunRequestHandler subscribes to the execution-request queue, runs the
// requested test set, and emits a completion event.
type RunRequestHandler struct {
	run         RunFunc
	eventsMan   EventsEmitter
	resultEvent string
}

// NewRunRequestHandler creates a RunRequestHandler. resultEvent names the
// event emitted on completion (success or failure).
func NewRunRequestHandler(run RunFunc, eventsMan EventsEmitter, resultEvent string) *RunRequestHandler {
	return &RunRequestHandler{run: run, eventsMan: eventsMan, resultEvent: resultEvent}
}

// Handle processes one incoming run request message.
func (h *RunRequestHandler) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	var req RunRequestedPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("unmarshal run request: %w", err)
	}

	result, err := h.run(ctx, req)
	if err != nil {
		return h.emit(ctx, RunCompletedPayload{RunID: req.RunID, Success: false, Error: err.Error()})
	}

	return h.emit(ctx, RunCompletedPayload{RunID: req.RunID, Success: result.Success(), Summary: &result})
}

func (h *RunRequestHandler) emit(ctx context.Context, payload RunCompletedPayload) error {
	if err := h.eventsMan.Emit(ctx, h.resultEvent, &payload); err != nil {
		util.Log(ctx).WithError(err).With("run_id", payload.RunID).Warn("could not emit run completion event")
		return err
	}
	return nil
}
