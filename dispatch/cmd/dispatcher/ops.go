package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"emergency-dispatch/dispatch/internal/audit"
	"emergency-dispatch/dispatch/internal/engine"
	"emergency-dispatch/dispatch/internal/models"
	"emergency-dispatch/dispatch/internal/notify"
	"emergency-dispatch/shared/httpx"
	"emergency-dispatch/shared/logx"
	"emergency-dispatch/shared/metricsx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env"`
	Version string `json:"version,omitempty"`
}

type queueSnapshotter interface {
	Snapshot(facilityID uuid.UUID) []models.QueueEntry
}

type acknowledger interface {
	Acknowledge(id uuid.UUID) bool
	Pending() []notify.NotificationIntent
}

type chainVerifier interface {
	Verify(ctx context.Context) (int64, error)
}

type opsDeps struct {
	Service string
	Env     string
	Version string
	Timeout time.Duration
	Ready   func(ctx context.Context) error

	Engine        *engine.Engine
	Queue         queueSnapshotter
	Notifications acknowledger
	Audit         chainVerifier
	Logger        logx.Logger
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type caseResponse struct {
	Case        models.Case         `json:"case"`
	Assessments []models.Assessment `json:"assessments"`
}

func newOpsHandler(d opsDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: d.Service, Env: d.Env, Version: d.Version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
					"service not ready", map[string]any{"problem": err.Error()})
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: d.Service, Env: d.Env, Version: d.Version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /v1/cases/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		c, found := d.Engine.Registry().Case(id)
		if !found {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "case not found", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, caseResponse{Case: c, Assessments: d.Engine.Registry().History(id)})
	})
	mux.HandleFunc("POST /v1/cases/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req cancelRequest
		if r.ContentLength != 0 {
			if err := httpx.DecodeJSON(r, &req); err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid body", nil)
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "cancelled by operator"
		}
		respond(w, r, d.Engine.Cancel(r.Context(), id, req.Reason))
	})
	mux.HandleFunc("POST /v1/cases/{id}/treatment", func(w http.ResponseWriter, r *http.Request) {
		if id, ok := pathID(w, r); ok {
			respond(w, r, d.Engine.StartTreatment(r.Context(), id))
		}
	})
	mux.HandleFunc("POST /v1/cases/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		if id, ok := pathID(w, r); ok {
			respond(w, r, d.Engine.Complete(r.Context(), id))
		}
	})

	mux.HandleFunc("GET /v1/facilities/{id}/queue", func(w http.ResponseWriter, r *http.Request) {
		if id, ok := pathID(w, r); ok {
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"facility_id": id, "entries": d.Queue.Snapshot(id)})
		}
	})

	mux.HandleFunc("GET /v1/notifications/pending", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"notifications": d.Notifications.Pending()})
	})
	mux.HandleFunc("POST /v1/notifications/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if !d.Notifications.Acknowledge(id) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "notification not awaiting acknowledgement", nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/audit/verify", func(w http.ResponseWriter, r *http.Request) {
		n, err := d.Audit.Verify(r.Context())
		switch {
		case errors.Is(err, audit.ErrTampered):
			httpx.WriteError(w, r, http.StatusConflict, "DATA_LOSS", err.Error(), map[string]any{"verified": n})
		case err != nil:
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "audit chain not readable", nil)
		default:
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"verified": n})
		}
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(d.Timeout, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(d.Logger, handler)
	handler = httpx.WithRequestLog(d.Logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	return otelhttp.NewHandler(handler, "dispatcher.ops")
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func respond(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, engine.ErrCaseNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrCaseClosed):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "operation failed", nil)
	}
}
