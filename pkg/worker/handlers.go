package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/internal/telemetry"
	"github.com/ryandielhenn/cdcgroup/pkg/membership"
	"github.com/ryandielhenn/cdcgroup/pkg/rpc"
)

// Meta identifies the process in /info.
type Meta struct {
	Group    string
	WorkerID string
	Address  string
}

// Handler returns the worker's HTTP surface: the RPC service under /v1,
// plus /healthz, /info and /metrics.
func (s *Service) Handler(meta Meta) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Get("/info", s.info(meta))
	r.Handle("/metrics", telemetry.MetricsHandler())

	r.Method(http.MethodGet, rpc.PathStatus, telemetry.Instrument("status", http.HandlerFunc(s.handleStatus)))
	r.Method(http.MethodPost, rpc.PathAssign, telemetry.Instrument("assign", http.HandlerFunc(s.handleAssign)))
	return r
}

// Healthz returns 200 while the service accepts assignments.
func (s *Service) Healthz(w http.ResponseWriter, _ *http.Request) {
	if s.Status().State == StateStopped {
		http.Error(w, "stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) info(meta Meta) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := s.Status()
		writeJSON(w, http.StatusOK, struct {
			PID        int       `json:"pid"`
			Now        time.Time `json:"now"`
			Group      string    `json:"group"`
			WorkerID   string    `json:"worker_id"`
			Address    string    `json:"address"`
			State      string    `json:"state"`
			Membership string    `json:"membership"`
		}{
			PID:        os.Getpid(),
			Now:        time.Now(),
			Group:      meta.Group,
			WorkerID:   meta.WorkerID,
			Address:    meta.Address,
			State:      st.State.String(),
			Membership: membership.Format(st.Membership),
		})
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.Status()
	writeJSON(w, http.StatusOK, rpc.StatusResponse{Membership: st.Membership, State: st.State.String()})
}

func (s *Service) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req rpc.AssignRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.Assign(r.Context(), req.Membership)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, membership.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrAssignmentRejected):
		writeError(w, http.StatusConflict, err)
	default:
		s.log.Warn("assign failed", zap.String("membership", membership.Format(req.Membership)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, rpc.ErrorResponse{Error: err.Error()})
}
