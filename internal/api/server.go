// Package api serves the read-only HTTP admin API of the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"GoISG/internal/engine/events"
	"GoISG/internal/engine/namespace"
	"GoISG/internal/engine/session"
	"GoISG/internal/model"
	"GoISG/internal/query"
	"GoISG/internal/tunables"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine exposes the namespaces of a running engine.
type Engine interface {
	Namespace(name string) *namespace.Namespace
	Namespaces() []*namespace.Namespace
}

// NamespaceView is the summary of one namespace.
type NamespaceView struct {
	Name           string               `json:"name"`
	Listener       string               `json:"listener"`
	Registration   *events.Registration `json:"registration,omitempty"`
	Sessions       session.Counts       `json:"sessions"`
	PortsInUse     int                  `json:"ports_in_use"`
	PendingEvents  int                  `json:"pending_events"`
	NetworkEntries int                  `json:"network_entries"`
	Services       int                  `json:"services"`
}

// ClassEntry is one committed network entry.
type ClassEntry struct {
	Network string `json:"network"`
	Class   string `json:"class"`
}

// Server handles API requests. The querier and gatherer are optional.
type Server struct {
	engine   Engine
	querier  query.Querier
	gatherer prometheus.Gatherer
	router   *mux.Router
	server   *http.Server
	logger   *zap.Logger
}

// NewServer builds the router.
func NewServer(engine Engine, querier query.Querier, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:   engine,
		querier:  querier,
		gatherer: gatherer,
		router:   mux.NewRouter(),
		logger:   logger.Named("api"),
	}

	r := s.router.PathPrefix("/api/v1").Subrouter()
	r.HandleFunc("/namespaces", s.listNamespaces).Methods(http.MethodGet)
	r.HandleFunc("/namespaces/{ns}", s.getNamespace).Methods(http.MethodGet)
	r.HandleFunc("/namespaces/{ns}/sessions", s.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/namespaces/{ns}/sessions/{id:[0-9]+}", s.getSession).Methods(http.MethodGet)
	r.HandleFunc("/namespaces/{ns}/count", s.getCount).Methods(http.MethodGet)
	r.HandleFunc("/namespaces/{ns}/services", s.listServices).Methods(http.MethodGet)
	r.HandleFunc("/namespaces/{ns}/classes", s.listClasses).Methods(http.MethodGet)
	r.HandleFunc("/namespaces/{ns}/params", s.getParams).Methods(http.MethodGet)
	r.HandleFunc("/accounting/{ns}", s.getTotals).Methods(http.MethodGet)
	r.HandleFunc("/accounting/{ns}/{id:[0-9]+}", s.getHistory).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) {
	s.server = &http.Server{Addr: addr, Handler: s.router}
	go func() {
		s.logger.Info("API server starting", zap.String("addr", addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// namespace resolves the {ns} route variable, answering 404 itself when unknown.
func (s *Server) namespace(w http.ResponseWriter, r *http.Request) *namespace.Namespace {
	name := mux.Vars(r)["ns"]
	ns := s.engine.Namespace(name)
	if ns == nil {
		writeError(w, http.StatusNotFound, "unknown namespace %q", name)
	}
	return ns
}

func view(ns *namespace.Namespace) NamespaceView {
	v := NamespaceView{
		Name:           ns.Name(),
		Listener:       ns.Listener().State().String(),
		Sessions:       ns.Sessions().Count(),
		PortsInUse:     ns.Sessions().PortsInUse(),
		PendingEvents:  ns.PendingEvents(),
		NetworkEntries: ns.Nehash().Len(),
		Services:       ns.Services().Len(),
	}
	if reg, ok := ns.Listener().Current(); ok {
		v.Registration = &reg
	}
	return v
}

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	all := s.engine.Namespaces()
	out := make([]NamespaceView, 0, len(all))
	for _, ns := range all {
		out = append(out, view(ns))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getNamespace(w http.ResponseWriter, r *http.Request) {
	if ns := s.namespace(w, r); ns != nil {
		writeJSON(w, http.StatusOK, view(ns))
	}
}

// listSessions returns every session record, optionally filtered by ?ip=.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ns := s.namespace(w, r)
	if ns == nil {
		return
	}
	ip := r.URL.Query().Get("ip")
	records := ns.Snapshot()
	out := make([]model.SessionRecord, 0, len(records))
	for _, rec := range records {
		if ip == "" || rec.IPAddr == ip {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	ns := s.namespace(w, r)
	if ns == nil {
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id: %v", err)
		return
	}
	rec, ok := ns.Record(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getCount(w http.ResponseWriter, r *http.Request) {
	if ns := s.namespace(w, r); ns != nil {
		writeJSON(w, http.StatusOK, ns.Sessions().Count())
	}
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	if ns := s.namespace(w, r); ns != nil {
		writeJSON(w, http.StatusOK, ns.Services().List())
	}
}

func (s *Server) listClasses(w http.ResponseWriter, r *http.Request) {
	ns := s.namespace(w, r)
	if ns == nil {
		return
	}
	entries := ns.Nehash().Entries()
	out := make([]ClassEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ClassEntry{
			Network: fmt.Sprintf("%s/%d", model.Uint32ToIPv4(e.Prefix), e.PrefixLen()),
			Class:   e.Class.Name(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getParams(w http.ResponseWriter, r *http.Request) {
	if ns := s.namespace(w, r); ns != nil {
		writeJSON(w, http.StatusOK, tunables.Encode(ns.Params()))
	}
}

// parseTime reads an optional RFC 3339 query parameter.
func parseTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		writeError(w, http.StatusServiceUnavailable, "accounting history is not configured")
		return
	}
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id: %v", err)
		return
	}
	since, err := parseTime(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since: %v", err)
		return
	}
	points, err := s.querier.SessionHistory(r.Context(), vars["ns"], id, since)
	if err != nil {
		s.logger.Error("History query failed", zap.String("namespace", vars["ns"]), zap.Uint64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query history: %v", err)
		return
	}
	if points == nil {
		points = []query.HistoryPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) getTotals(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		writeError(w, http.StatusServiceUnavailable, "accounting history is not configured")
		return
	}
	ns := mux.Vars(r)["ns"]
	until, err := parseTime(r, "until")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid until: %v", err)
		return
	}
	totals, err := s.querier.NamespaceTotals(r.Context(), ns, until)
	if err != nil {
		s.logger.Error("Totals query failed", zap.String("namespace", ns), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query totals: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}
