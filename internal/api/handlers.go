// Package api provides HTTP handlers for the admin endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Insuapliques/Chatbot/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// phoneFromPath canonicalizes the {phone} path segment. A leading "+" is
// optional in the URL.
func (s *Server) phoneFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(r.PathValue("phone"))
	if err != nil {
		slog.Warn("Server: invalid phone in path", "phone", r.PathValue("phone"), "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return "", false
	}
	return "+" + canonical, true
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	phone, ok := s.phoneFromPath(w, r)
	if !ok {
		return
	}
	state, err := s.st.GetChatState(r.Context(), phone)
	if err != nil {
		slog.Error("Server.stateHandler: failed to load state", "phone", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	phone, ok := s.phoneFromPath(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = n
	}
	messages, err := s.st.ListChatMessages(r.Context(), phone, limit)
	if err != nil {
		slog.Error("Server.messagesHandler: failed to list messages", "phone", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	phone, ok := s.phoneFromPath(w, r)
	if !ok {
		return
	}
	if err := s.st.ResetChatState(r.Context(), phone); err != nil {
		slog.Error("Server.resetHandler: failed to reset state", "phone", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset conversation state"))
		return
	}
	slog.Info("Server.resetHandler: conversation state reset", "phone", phone)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation state reset", nil))
}

type handoffRequest struct {
	Phone    string          `json:"phone"`
	Operator models.Operator `json:"operator"`
	Reason   string          `json:"reason,omitempty"`
}

func (s *Server) handoffEnableHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, ok := s.canonicalPhone(w, req.Phone)
	if !ok {
		return
	}
	if req.Operator.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: operator.id"))
		return
	}
	if err := s.gate.Enable(r.Context(), phone, req.Operator, req.Reason); err != nil {
		slog.Error("Server.handoffEnableHandler: failed to enable handoff", "phone", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enable handoff"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Handoff enabled", nil))
}

func (s *Server) handoffDisableHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, ok := s.canonicalPhone(w, req.Phone)
	if !ok {
		return
	}
	if err := s.gate.Disable(r.Context(), phone); err != nil {
		slog.Error("Server.handoffDisableHandler: failed to disable handoff", "phone", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to disable handoff"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Handoff disabled", nil))
}

type operatorReplyRequest struct {
	Phone    string          `json:"phone"`
	Text     string          `json:"text"`
	Operator models.Operator `json:"operator"`
}

func (s *Server) operatorReplyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req operatorReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, ok := s.canonicalPhone(w, req.Phone)
	if !ok {
		return
	}
	if req.Text == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: text"))
		return
	}
	if err := s.gate.OperatorReply(r.Context(), phone, req.Text, req.Operator); err != nil {
		slog.Error("Server.operatorReplyHandler: failed to send operator reply", "phone", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send operator reply"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Operator reply sent", nil))
}

func (s *Server) catalogUpsertHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var doc models.CatalogDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if doc.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: id"))
		return
	}
	if err := s.st.SaveCatalogDoc(r.Context(), doc); err != nil {
		slog.Error("Server.catalogUpsertHandler: failed to save catalog entry", "id", doc.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save catalog entry"))
		return
	}
	s.matcher.Invalidate()
	slog.Info("Server.catalogUpsertHandler: catalog entry saved", "id", doc.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Catalog entry saved", doc.ID))
}

func (s *Server) catalogListHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := s.st.ListCatalogDocs(r.Context())
	if err != nil {
		slog.Error("Server.catalogListHandler: failed to list catalog entries", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list catalog entries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(docs))
}

// canonicalPhone canonicalizes a phone from a request body.
func (s *Server) canonicalPhone(w http.ResponseWriter, raw string) (string, bool) {
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(raw)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return "", false
	}
	return "+" + canonical, true
}
