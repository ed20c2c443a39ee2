package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-pairing/internal/apperr"
	"github.com/example/ride-pairing/internal/dispatch"
	"github.com/example/ride-pairing/internal/models"
	"github.com/example/ride-pairing/internal/pairing"
)

type Server struct {
	svc    *pairing.Service
	ws     *dispatch.WSRegistry
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc *pairing.Service, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{svc: svc, ws: ws, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/searches", s.handleStartSearch).Methods(http.MethodPost)
	api.HandleFunc("/searches/{user_id}", s.handleGetSearch).Methods(http.MethodGet)
	api.HandleFunc("/searches/{user_id}", s.handleStopSearch).Methods(http.MethodDelete)
	api.HandleFunc("/searches/{user_id}/location", s.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/matches/{match_id}", s.handleGetMatch).Methods(http.MethodGet)
	api.HandleFunc("/matches/{match_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/matches/{match_id}/reject", s.handleReject).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/cycle/run", s.handleRunCycle).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStartSearch(w http.ResponseWriter, r *http.Request) {
	var req pairing.StartSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	rec, err := s.svc.StartSearch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetSearchStatus(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStopSearch(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.StopSearch(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return
	}
	if err := s.svc.UpdateLocation(r.Context(), mux.Vars(r)["user_id"], loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetMatch(r.Context(), mux.Vars(r)["match_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type decisionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) decision(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", err.Error()))
		return "", false
	}
	if req.UserID == "" {
		s.writeError(w, r, apperr.Validation("user_id", "required"))
		return "", false
	}
	return req.UserID, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.decision(w, r)
	if !ok {
		return
	}
	ride, err := s.svc.AcceptMatch(r.Context(), mux.Vars(r)["match_id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.decision(w, r)
	if !ok {
		return
	}
	p, err := s.svc.RejectMatch(r.Context(), mux.Vars(r)["match_id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RunMatchCycleOnce(r.Context()))
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the connection registered until the client goes away.
// Inbound frames are discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.ws.Add(id, conn)
	defer s.ws.Remove(id, sess)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.requestLogger(r.Context()).Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "request_id": requestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
