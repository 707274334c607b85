package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"computecannon/internal/devserver/service"
	"computecannon/pkg/api"
)

type rpcMethod struct {
	info api.MethodInfo
	call func(h *Handlers, ctx context.Context, params json.RawMessage) (any, error)
}

// rpcError is returned by methods to choose the JSON-RPC error code.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &rpcError{code: api.CodeInvalidParams, msg: fmt.Sprintf(format, args...)}
}

var methods = []rpcMethod{
	{
		info: api.MethodInfo{
			Alias: api.MethodSubmitJob,
			Doc:   "Submit a job. Returns its ID.",
			Args: []api.MethodArg{
				{Name: "image", Type: "string", Doc: "container image (ignored by the dev server)"},
				{Name: "command", Type: "[]string", Doc: "command vector"},
				{Name: "inputs", Type: "[]object", Doc: "inline input files"},
				{Name: "cpus", Type: "int"},
				{Name: "maxDuration", Type: "int", Doc: "milliseconds"},
				{Name: "workingDir", Type: "string"},
			},
		},
		call: (*Handlers).submitJob,
	},
	{
		info: api.MethodInfo{
			Alias: api.MethodJob,
			Doc:   "Run a command (status, kill, result) on jobs. Results are keyed by job ID.",
			Args: []api.MethodArg{
				{Name: "command", Type: "string"},
				{Name: "jobId", Type: "[]string"},
			},
		},
		call: (*Handlers).jobCommand,
	},
	{
		info: api.MethodInfo{
			Alias: api.MethodTestRPC,
			Doc:   "Return echo repeated twice.",
			Args:  []api.MethodArg{{Name: "echo", Type: "string"}},
		},
		call: (*Handlers).testRPC,
	},
}

// Methods lists the RPC methods.
func (h *Handlers) Methods(w http.ResponseWriter, r *http.Request) {
	infos := make([]api.MethodInfo, len(methods))
	for i, m := range methods {
		infos[i] = m.info
	}
	h.respondJson(w, http.StatusOK, infos)
}

// RPC dispatches a JSON-RPC request. Failures are reported in the response
// body with status 200, except for bodies that are not JSON at all.
func (h *Handlers) RPC(w http.ResponseWriter, r *http.Request) {
	var req api.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondRPCError(w, "", &rpcError{code: api.CodeParseError, msg: "Invalid request body"})
		return
	}
	if req.JSONRPC != api.Version || req.Method == "" {
		h.respondRPCError(w, req.ID, &rpcError{code: api.CodeInvalidRequest, msg: "Invalid JSON-RPC request"})
		return
	}

	for _, m := range methods {
		if m.info.Alias != req.Method {
			continue
		}
		result, err := m.call(h, r.Context(), req.Params)
		if err != nil {
			h.log(r.Context()).Warn("rpc failed", "method", req.Method, "error", err)
			h.respondRPCError(w, req.ID, err)
			return
		}
		raw, err := json.Marshal(result)
		if err != nil {
			h.respondRPCError(w, req.ID, err)
			return
		}
		h.respondJson(w, http.StatusOK, api.Response{JSONRPC: api.Version, ID: req.ID, Result: raw})
		return
	}
	h.respondRPCError(w, req.ID, &rpcError{code: api.CodeMethodNotFound, msg: "Method not found: " + req.Method})
}

func (h *Handlers) respondRPCError(w http.ResponseWriter, id string, err error) {
	obj := api.ErrorObject{Code: api.CodeInternalError, Message: err.Error()}
	var re *rpcError
	switch {
	case errors.As(err, &re):
		obj.Code = re.code
	case errors.Is(err, service.ErrInvalidParams), errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrNotDone):
		obj.Code = api.CodeInvalidParams
	}
	raw, _ := json.Marshal(obj)
	h.respondJson(w, http.StatusOK, api.Response{JSONRPC: api.Version, ID: id, Error: raw})
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

func (h *Handlers) submitJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var p api.SubmitJobParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Command) == 0 {
		return nil, invalidParams("command is required")
	}
	id, err := h.svc.Submit(ctx, p)
	if err != nil {
		return nil, err
	}
	h.log(ctx).Info("job submitted", "job_id", id)
	return api.SubmitJobResult{JobID: id}, nil
}

func (h *Handlers) jobCommand(_ context.Context, raw json.RawMessage) (any, error) {
	var p api.JobParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.JobID) == 0 {
		return nil, invalidParams("jobId is required")
	}

	switch p.Command {
	case api.JobCommandStatus:
		out := make(map[string]string, len(p.JobID))
		for _, id := range p.JobID {
			s, err := h.svc.Status(id)
			if err != nil {
				return nil, err
			}
			out[id] = s
		}
		return out, nil
	case api.JobCommandKill:
		out := make(map[string]bool, len(p.JobID))
		for _, id := range p.JobID {
			if err := h.svc.Kill(id); err != nil {
				return nil, err
			}
			out[id] = true
		}
		return out, nil
	case api.JobCommandResult:
		out := make(map[string]api.JobResult, len(p.JobID))
		for _, id := range p.JobID {
			res, err := h.svc.Result(id)
			if err != nil {
				return nil, err
			}
			out[id] = res
		}
		return out, nil
	default:
		return nil, invalidParams("unknown job command %q", p.Command)
	}
}

func (h *Handlers) testRPC(_ context.Context, raw json.RawMessage) (any, error) {
	var p api.TestRPCParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return p.Echo + p.Echo, nil
}
