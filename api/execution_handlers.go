package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"argus/core"
)

// SubmitExecutionRequest is the body of POST /api/v1/executions
type SubmitExecutionRequest struct {
	ToolID         string                 `json:"tool_id" validate:"required,max=100"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Target         TargetRequest          `json:"target"`
	CaseID         string                 `json:"case_id,omitempty" validate:"max=200"`
	TimeoutSeconds int                    `json:"timeout_seconds" validate:"omitempty,gte=0,lte=604800"`
}

// TargetRequest is the target of a submitted execution
type TargetRequest struct {
	Surface     core.Surface `json:"surface,omitempty" validate:"omitempty,oneof=local remote_agent"`
	AgentID     string       `json:"agent_id,omitempty" validate:"max=200"`
	Destination string       `json:"destination" validate:"required,max=4096"`
}

func (s *SubmitExecutionRequest) toCore() core.ExecutionRequest {
	surface := s.Target.Surface
	if surface == "" {
		surface = core.SurfaceLocal
	}
	return core.ExecutionRequest{
		ToolID:     s.ToolID,
		Parameters: s.Parameters,
		Target: core.Target{
			Surface:     surface,
			AgentID:     s.Target.AgentID,
			Destination: s.Target.Destination,
		},
		CaseID:         s.CaseID,
		TimeoutSeconds: s.TimeoutSeconds,
	}
}

func (a *API) submitExecution(w http.ResponseWriter, r *http.Request) {
	var req SubmitExecutionRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	id, err := a.executions.Submit(r.Context(), req.toCore())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	exec, err := a.executions.GetStatus(id, false)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/executions/"+id)
	a.respondJSON(w, exec, http.StatusAccepted)
}

func (a *API) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	filter := core.ExecutionFilter{
		CaseID: q.Get("case_id"),
		ToolID: q.Get("tool_id"),
		Status: core.ExecutionStatus(q.Get("status")),
		Limit:  limit,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		a.writeServiceError(w, r, core.NewValidationError("status", "unknown execution status"))
		return
	}

	execs, err := a.executions.List(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*core.ToolExecution{}
	}
	a.respondJSON(w, execs, http.StatusOK)
}

func (a *API) getExecution(w http.ResponseWriter, r *http.Request) {
	includeOutput, err := queryBool(r, "include_output")
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	exec, err := a.executions.GetStatus(mux.Vars(r)["id"], includeOutput)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, exec, http.StatusOK)
}

func (a *API) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.executions.Cancel(id); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	exec, err := a.executions.GetStatus(id, false)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, exec, http.StatusAccepted)
}

// streamExecutionOutput follows output from the first line. A websocket
// upgrade gets one JSON message per line; anything else gets NDJSON.
func (a *API) streamExecutionOutput(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	lines, err := a.executions.StreamOutput(ctx, mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		a.serveOutputWebSocket(ctx, cancel, w, r, lines)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for line := range lines {
		if err := enc.Encode(line); err != nil {
			a.logger.Debugw("Output stream client went away", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (a *API) listQueues(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.executions.Queues(), http.StatusOK)
}
