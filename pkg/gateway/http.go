package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/harun/paperlens/internal/tracing"
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/types"
)

// AnalyzeResponse is the body of a completed POST /api/analyze.
type AnalyzeResponse struct {
	SessionID string        `json:"sessionId"`
	Report    *types.Report `json:"report"`
}

// QuestionRequest is the body of POST /api/question.
type QuestionRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Citations bool   `json:"citations,omitempty"`
}

// QuestionResponse is the body of a successful POST /api/question.
// Citations and Confidence are only set for cited questions.
type QuestionResponse struct {
	SessionID  string           `json:"sessionId"`
	Question   string           `json:"question"`
	Answer     string           `json:"answer"`
	Citations  []types.Citation `json:"citations,omitempty"`
	Confidence string           `json:"confidence,omitempty"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// track refuses requests during shutdown and counts the rest as in flight.
func (s *Server) track(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown() {
			writeError(w, "", orchestrator.ErrShuttingDown)
			return
		}
		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		ctx := tracing.EnsureTraceID(r.Context())
		h(w, r.WithContext(ctx))
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "", err)
		return
	}

	id, report, err := s.backend.Analyze(r.Context(), req)
	if err != nil {
		logger := tracing.LoggerFromContext(tracing.WithSessionID(r.Context(), id), s.logger)
		logger.Warn().
			Err(err).
			Msg("Analysis failed")
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, AnalyzeResponse{SessionID: id, Report: report})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req QuestionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "", err)
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, req.SessionID, &ProtocolError{Code: CodeInvalidMessage, Message: "sessionId and text are required"})
		return
	}

	ctx := tracing.WithSessionID(r.Context(), req.SessionID)
	resp := QuestionResponse{SessionID: req.SessionID, Question: req.Text}
	if req.Citations {
		answer, err := s.backend.AskCited(ctx, req.SessionID, req.Text)
		if err != nil {
			writeError(w, req.SessionID, err)
			return
		}
		resp.Answer, resp.Citations, resp.Confidence = answer.Answer, answer.Citations, answer.Confidence
	} else {
		answer, err := s.backend.Ask(ctx, req.SessionID, req.Text)
		if err != nil {
			writeError(w, req.SessionID, err)
			return
		}
		resp.Answer = answer
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CompareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "", err)
		return
	}
	cmp, err := s.backend.Compare(r.Context(), req)
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Warn().Err(err).Strs("item_ids", req.ItemIDs).Msg("Comparison failed")
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]session.Info{"sessions": s.backend.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.backend.Status(id)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cp, err := s.backend.Pause(r.Context(), id)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cp, err := s.backend.Checkpoint(id)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.Resume(r.Context(), id); err != nil {
		writeError(w, id, err)
		return
	}
	view, err := s.backend.Status(id)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.Close(r.Context(), id); err != nil {
		writeError(w, id, err)
		return
	}
	s.clients.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.shuttingDown() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	body := map[string]any{
		"status":      status,
		"sessions":    len(s.backend.List()),
		"connections": s.clients.Count(),
		"clients":     s.clients.Infos(),
	}
	stats, err := s.backend.MemoryStats(r.Context())
	if err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		body["status"] = status
		body["memory_error"] = err.Error()
	} else {
		body["memory"] = stats
	}
	writeJSON(w, code, body)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultReadLimit))
	if err != nil {
		return &ProtocolError{Code: CodeMalformedMessage, Message: "failed to read request body"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &ProtocolError{Code: CodeInvalidMessage, Message: err.Error()}
		}
		return &ProtocolError{Code: CodeMalformedMessage, Message: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, sessionID string, err error) {
	code, status := classify(err)
	msg := err.Error()
	var perr *ProtocolError
	if errors.As(err, &perr) {
		msg = perr.Message
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg, SessionID: sessionID})
}
