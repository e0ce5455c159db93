// Package httpapi exposes the local control surface: sync status, manual
// triggers, and the dropped-operations log. It binds to loopback and serves
// the device's own UI, not remote clients.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowtrack/flowsync/internal/flowsync"
	"github.com/flowtrack/flowsync/internal/syncer"
)

// SyncControl is the engine surface the API needs.
type SyncControl interface {
	Status() flowsync.SyncStatus
	State() syncer.State
}

// TriggerFunc asks the scheduler for a manual cycle.
type TriggerFunc func(trigger syncer.Trigger)

type Server struct {
	store   *flowsync.Store
	control SyncControl
	trigger TriggerFunc
	logger  flowsync.Logger
	router  *mux.Router
}

func NewServer(store *flowsync.Store, control SyncControl, trigger TriggerFunc, logger flowsync.Logger) *Server {
	s := &Server{
		store:   store,
		control: control,
		trigger: trigger,
		logger:  logger,
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/sync", s.handleTriggerSync).Methods(http.MethodPost)
	r.HandleFunc("/v1/flows", s.handleListFlows).Methods(http.MethodGet)
	r.HandleFunc("/v1/flows/{id}", s.handleGetFlow).Methods(http.MethodGet)
	r.HandleFunc("/v1/flows/{id}/activity", s.handleActivity).Methods(http.MethodGet)
	r.HandleFunc("/v1/queue", s.handleQueue).Methods(http.MethodGet)
	r.HandleFunc("/v1/queue/dropped", s.handleDropped).Methods(http.MethodGet)
	r.HandleFunc("/v1/settings", s.handleSettings).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.control.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  s.control.State(),
		"status": status,
		"cycle":  s.store.Metadata(),
	})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, _ *http.Request) {
	s.trigger(syncer.TriggerManual)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"flows": s.store.ListFlows()})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flow, err := s.store.GetFlow(id)
	if err != nil {
		if errors.Is(err, flowsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "flow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	summary, err := s.store.Activity(id)
	if err != nil {
		if errors.Is(err, flowsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "flow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	ops := s.store.PendingOperations()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":    len(ops),
		"operations": ops,
	})
}

func (s *Server) handleDropped(w http.ResponseWriter, _ *http.Request) {
	dropped := s.store.DroppedOperations()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(dropped),
		"dropped": dropped,
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Settings())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
