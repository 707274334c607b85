// Package handlers contains HTTP handlers for the dev server.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"computecannon/internal/logger"
	"computecannon/pkg/api"
)

// JobService is what the handlers need from the job table.
type JobService interface {
	Submit(ctx context.Context, p api.SubmitJobParams) (string, error)
	Status(id string) (string, error)
	Kill(id string) error
	Result(id string) (api.JobResult, error)
	Len() int
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	svc    JobService
	logger *slog.Logger
}

// New creates a new Handlers instance with the given service dependency.
func New(svc JobService, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{svc: svc, logger: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func (h *Handlers) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, h.logger)
}
