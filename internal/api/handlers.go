// Package api provides HTTP handlers for mindframe endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mindframe-health/mindframe/internal/models"
	"github.com/mindframe-health/mindframe/internal/util"
)

// sessionDetail is the response body for GET /sessions/{id}: the durable
// session record joined with its transcript.
type sessionDetail struct {
	models.TherapySession
	Transcript []models.ConversationMessage `json:"transcript"`
}

// profilesHandler handles POST /profiles.
func (s *Server) profilesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.profilesHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.profilesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.profilesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.profilesHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	now := time.Now()
	profile := models.ClientProfile{
		ID:             util.GenerateProfileID(),
		Name:           req.Name,
		TherapyMethod:  req.TherapyMethod,
		ActiveGoals:    req.ActiveGoals,
		OpenChallenges: req.OpenChallenges,
		ProgressStatus: req.ProgressStatus,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveProfile(profile); err != nil {
		slog.Error("Server.profilesHandler: failed to save profile", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save profile"))
		return
	}

	slog.Info("Server.profilesHandler: profile created", "profileID", profile.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(profile))
}

// profileHandler handles GET /profiles/{id}.
func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/profiles/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Profile not found"))
		return
	}

	profile, err := s.store.GetProfile(id)
	if err != nil {
		slog.Error("Server.profileHandler: failed to load profile", "error", err, "profileID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load profile"))
		return
	}
	if profile == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Profile not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

// sessionsHandler handles POST /sessions.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sessionsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.sessionsHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	handle, err := s.orchestrator.StartSession(r.Context(), req.ProfileID, req.TherapyMethod)
	if err != nil {
		slog.Error("Server.sessionsHandler: failed to start session", "error", err, "profileID", req.ProfileID)
		writeDomainError(w, err)
		return
	}

	slog.Info("Server.sessionsHandler: session started", "sessionID", handle.SessionID, "profileID", req.ProfileID)
	writeJSONResponse(w, http.StatusCreated, models.Success(handle))
}

// sessionHandler routes /sessions/{id}, /sessions/{id}/messages, and
// /sessions/{id}/end by path segment.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	segments := strings.Split(rest, "/")

	switch {
	case len(segments) == 1 && segments[0] != "":
		s.getSessionHandler(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "messages":
		s.turnHandler(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "end":
		s.endSessionHandler(w, r, segments[0])
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	}
}

// getSessionHandler handles GET /sessions/{id}.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load session", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}

	transcript, err := s.store.GetMessages(sessionID)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load transcript", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load transcript"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(sessionDetail{TherapySession: *sess, Transcript: transcript}))
}

// turnHandler handles POST /sessions/{id}/messages.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	slog.Debug("Server.turnHandler: processing turn", "method", r.Method, "sessionID", sessionID)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.turnHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.turnHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.orchestrator.ProcessTurn(r.Context(), sessionID, req.Message)
	if err != nil {
		slog.Error("Server.turnHandler: failed to process turn", "error", err, "sessionID", sessionID)
		writeDomainError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// endSessionHandler handles PUT /sessions/{id}/end.
func (s *Server) endSessionHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	slog.Debug("Server.endSessionHandler: processing end request", "method", r.Method, "sessionID", sessionID)
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		slog.Warn("Server.endSessionHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	result, err := s.orchestrator.EndSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.endSessionHandler: failed to end session", "error", err, "sessionID", sessionID)
		writeDomainError(w, err)
		return
	}

	slog.Info("Server.endSessionHandler: session ended", "sessionID", sessionID)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
