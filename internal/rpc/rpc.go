// Package rpc exposes offload's run-submission surface over HTTP,
// using Connect's error/code vocabulary for status mapping, without a
// generated protobuf service: the surface here is a small, stable
// JSON contract rather than a .proto schema, so there is nothing to
// codegen.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"connectrpc.com/connect"
	"github.com/pitabwire/util"

	"github.com/antinvestor/offload/internal/orchestrator"
)

// RunSubmitter accepts a run request and returns a run identifier under
// which RunResultGetter can later retrieve the run's result.
type RunSubmitter interface {
	SubmitRun(ctx context.Context, testPaths []string) (runID string, err error)
}

// RunResultGetter retrieves a previously submitted run's result, if
// complete.
type RunResultGetter interface {
	GetRunResult(ctx context.Context, runID string) (*orchestrator.RunResult, bool, error)
}

// Handler serves the SubmitRun/GetRunResult surface.
type Handler struct {
	submitter RunSubmitter
	getter    RunResultGetter
}

// NewHandler creates an rpc Handler.
func NewHandler(submitter RunSubmitter, getter RunResultGetter) *Handler {
	return &Handler{submitter: submitter, getter: getter}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/runs", h.handleSubmitRun)
	mux.HandleFunc("/v1/runs/", h.handleGetRunResult)
}

type submitRunRequest struct {
	TestPaths []string `json:"test_paths"`
}

type submitRunResponse struct {
	RunID string `json:"run_id"`
}

func (h *Handler) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeConnectError(w, connect.NewError(connect.CodeInvalidArgument, errMethodNotAllowed))
		return
	}

	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeConnectError(w, connect.NewError(connect.CodeInvalidArgument, err))
		return
	}

	runID, err := h.submitter.SubmitRun(r.Context(), req.TestPaths)
	if err != nil {
		util.Log(r.Context()).WithError(err).Warn("submit run failed")
		writeConnectError(w, connect.NewError(connect.CodeInternal, err))
		return
	}

	writeJSON(w, http.StatusAccepted, submitRunResponse{RunID: runID})
}

func (h *Handler) handleGetRunResult(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Path[len("/v1/runs/"):]
	if runID == "" {
		writeConnectError(w, connect.NewError(connect.CodeInvalidArgument, errMissingRunID))
		return
	}

	result, ok, err := h.getter.GetRunResult(r.Context(), runID)
	if err != nil {
		writeConnectError(w, connect.NewError(connect.CodeInternal, err))
		return
	}
	if !ok {
		writeConnectError(w, connect.NewError(connect.CodeNotFound, errRunNotFound))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeConnectError(w http.ResponseWriter, err *connect.Error) {
	status := connectCodeToHTTPStatus(err.Code())
	writeJSON(w, status, map[string]string{"error": err.Message()})
}

func connectCodeToHTTPStatus(code connect.Code) int {
	switch code {
	case connect.CodeInvalidArgument:
		return http.StatusBadRequest
	case connect.CodeNotFound:
		return http.StatusNotFound
	case connect.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

var (
	errMethodNotAllowed = newSentinel("method not allowed")
	errMissingRunID     = newSentinel("missing run id")
	errRunNotFound      = newSentinel("run not found")
)

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

func newSentinel(msg string) error { return sentinelError(msg) }
