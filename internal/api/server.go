// Package api serves the broker's request/response endpoints: partner
// lookups, chat history, reachability checks and booking status injection.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tripstream/internal/broker"
	"tripstream/internal/history"
	"tripstream/internal/identity"
	"tripstream/pkg/interfaces"
	"tripstream/pkg/types"
)

// Server exposes the collaborator API next to the websocket endpoint.
type Server struct {
	store  interfaces.HistoryStore
	broker *broker.Server
	signer *identity.Signer
	logger *slog.Logger
}

// NewServer wires the API against the broker's store and fanout.
func NewServer(store interfaces.HistoryStore, brk *broker.Server, signer *identity.Signer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, broker: brk, signer: signer, logger: logger}
}

// Routes registers every endpoint on mux. The websocket endpoint, health
// and metrics sit outside the authenticated /api tree.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.broker.HandleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/tokens", s.handleMintToken)

	mux.Handle("GET /api/partners/{id}", s.authenticated(s.handlePartner))
	mux.Handle("GET /api/history", s.authenticated(s.handleHistory))
	mux.Handle("GET /api/reachability", s.authenticated(s.handleReachability))
	mux.Handle("POST /api/bookings/{code}/type/{type}/status", s.authenticated(s.handleStatus))
}

// authenticated rejects requests without a valid bearer token.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.signer.Verify(auth[len(prefix):]); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMintToken issues development credentials. The production platform
// has its own identity provider; this endpoint exists so local clients can
// log in against the dev broker.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	token, err := s.signer.Mint(req.UserID, req.DisplayName, req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handlePartner(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !types.IsValidUserID(id) {
		writeError(w, http.StatusBadRequest, "invalid partner id")
		return
	}

	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "partner not found")
			return
		}
		s.logger.Error("partner lookup failed", "partner", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, types.PartnerSummary{
		PartnerID:   user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		Online:      s.broker.Hub().IsOnline(user.ID),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	partnerID := r.URL.Query().Get("partner")
	if !types.IsValidUserID(userID) || !types.IsValidUserID(partnerID) {
		writeError(w, http.StatusBadRequest, "invalid user or partner id")
		return
	}

	messages, err := s.store.History(r.Context(), userID, partnerID)
	if err != nil {
		s.logger.Error("history lookup failed", "user", userID, "partner", partnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if messages == nil {
		messages = []types.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleReachability(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	user, err := s.store.FindUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no user with that email")
			return
		}
		s.logger.Error("reachability lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, types.PartnerSummary{
		PartnerID:   user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		Online:      s.broker.Hub().IsOnline(user.ID),
	})
}

// handleStatus lets the booking workflow push a status change onto that
// booking's topic.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	bookingType := r.PathValue("type")
	if code == "" || bookingType == "" {
		writeError(w, http.StatusBadRequest, "booking code and type are required")
		return
	}

	var update types.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !types.ValidStatus(update.Status) {
		writeError(w, http.StatusBadRequest, "unknown booking status")
		return
	}

	if err := s.broker.PublishStatus(code, bookingType, update); err != nil {
		s.logger.Error("status publish failed", "booking", code, "error", err)
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
