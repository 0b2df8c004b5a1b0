// Package api provides HTTP handlers for the relimq rescue server REST API.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/relimq"
	"github.com/coregx/relimq/model"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	rescue *relimq.Rescue
	logger relimq.Logger
}

// NewHandler creates a new API handler.
func NewHandler(rescue *relimq.Rescue, logger relimq.Logger) *Handler {
	return &Handler{
		rescue: rescue,
		logger: logger,
	}
}

// QueueRequest names the queue a drain or purge operates on.
type QueueRequest struct {
	Queue string `json:"queue"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandleQueueDepth handles GET /api/v1/queues/depth?queue=name
func (h *Handler) HandleQueueDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	queue := r.URL.Query().Get("queue")
	if queue == "" {
		h.respondError(w, http.StatusBadRequest, "queue is required", "VALIDATION_ERROR")
		return
	}

	depth, err := h.rescue.QueueDepth(r.Context(), queue)
	if err != nil {
		h.logger.Errorf("Failed to read queue depth: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to read queue depth", "BROKER_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, map[string]interface{}{"queue": queue, "depth": depth}, "")
}

// HandleDrain handles POST /api/v1/queues/drain
func (h *Handler) HandleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	if req.Queue == "" {
		h.respondError(w, http.StatusBadRequest, "queue is required", "VALIDATION_ERROR")
		return
	}

	result, err := h.rescue.DrainDeadLetterQueue(r.Context(), req.Queue)
	if err != nil {
		h.logger.Errorf("Failed to drain queue: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to drain queue", "DRAIN_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, result, "Dead-letter queue drained")
}

// HandlePurge handles POST /api/v1/queues/purge
func (h *Handler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	if req.Queue == "" {
		h.respondError(w, http.StatusBadRequest, "queue is required", "VALIDATION_ERROR")
		return
	}

	purged, err := h.rescue.PurgeQueue(r.Context(), req.Queue)
	if err != nil {
		h.logger.Errorf("Failed to purge queue: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to purge queue", "PURGE_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, map[string]interface{}{"queue": req.Queue, "purged": purged}, "Queue purged")
}

// HandleMessage handles message-scoped routes:
//
//	POST   /api/v1/messages/:id/resend
//	DELETE /api/v1/messages/:id
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	// Extract message ID from path (simple parsing)
	// In production, use a router like gorilla/mux or chi
	pathParts := splitPath(r.URL.Path)

	switch {
	case r.Method == http.MethodPost && len(pathParts) == 5 && pathParts[4] == "resend":
		h.resend(w, r, pathParts[3])
	case r.Method == http.MethodDelete && len(pathParts) == 4:
		h.delete(w, r, pathParts[3])
	default:
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	}
}

func (h *Handler) resend(w http.ResponseWriter, r *http.Request, messageID string) {
	if err := h.rescue.ResendMessage(r.Context(), messageID); err != nil {
		if relimq.IsNoData(err) {
			h.respondError(w, http.StatusNotFound, "Message not found", "NOT_FOUND")
			return
		}
		h.logger.Errorf("Failed to resend message: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to resend message", "RESEND_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, map[string]string{"messageId": messageID}, "Message staged for resend")
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, messageID string) {
	if err := h.rescue.DeleteMessage(r.Context(), messageID); err != nil {
		if relimq.IsNoData(err) {
			h.respondError(w, http.StatusNotFound, "Message not found", "NOT_FOUND")
			return
		}
		h.logger.Errorf("Failed to delete message: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to delete message", "DELETE_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, map[string]string{"messageId": messageID}, "Message deleted")
}

// HandleSendFailed handles GET /api/v1/messages/send-failed
func (h *Handler) HandleSendFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	window, page := parseListParams(r)
	result, err := h.rescue.GetSendFailedPage(r.Context(), window, page)
	if err != nil {
		h.logger.Errorf("Failed to list send-failed messages: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to list send-failed messages", "LIST_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, result, "")
}

// HandleConsumeFailed handles GET /api/v1/messages/consume-failed
func (h *Handler) HandleConsumeFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	window, page := parseListParams(r)
	result, err := h.rescue.GetConsumeFailedPage(r.Context(), window, page)
	if err != nil {
		h.logger.Errorf("Failed to list consume-failed messages: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to list consume-failed messages", "LIST_ERROR")
		return
	}

	h.respondSuccess(w, http.StatusOK, result, "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "0.1.0",
	}

	h.respondSuccess(w, http.StatusOK, health, "")
}

// parseListParams reads the failure window and pagination query parameters,
// defaulting to the last 24 hours, page 1, 20 records per page.
func parseListParams(r *http.Request) (model.FailureWindow, model.PageRequest) {
	q := r.URL.Query()

	window := model.FailureWindow{
		StartSecondsAgo: int64(queryInt(q.Get("startSecondsAgo"), 0)),
		EndSecondsAgo:   int64(queryInt(q.Get("endSecondsAgo"), 86400)),
	}
	page := model.PageRequest{
		Page:     queryInt(q.Get("page"), 1),
		PageSize: queryInt(q.Get("pageSize"), 20),
	}
	return window, page
}

func queryInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return defaultValue
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// splitPath splits URL path by "/" dropping empty segments.
func splitPath(path string) []string {
	parts := []string{}
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
