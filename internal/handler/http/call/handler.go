package call

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	callService "wavelink-backend/internal/service/call"
	"wavelink-backend/pkg/response"
)

// Handler exposes read-only call diagnostics and history. Call control
// itself is driven through the service API, not HTTP.
type Handler struct {
	callService *callService.Service
}

// NewHandler creates a new call diagnostics handler
func NewHandler(svc *callService.Service) *Handler {
	return &Handler{callService: svc}
}

// GetCall returns a call with its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	call, err := h.callService.GetCall(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetUserCallHistory returns a user's call history, newest first
// GET /v1/users/:id/calls?limit=&offset=
func (h *Handler) GetUserCallHistory(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	calls, err := h.callService.GetUserCallHistory(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// GetActiveCall returns the call a user is currently in, if any
// GET /v1/users/:id/active-call
func (h *Handler) GetActiveCall(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	call, err := h.callService.FindActiveCallForUser(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if call == nil {
		response.Success(c, http.StatusOK, gin.H{"active": false})
		return
	}

	response.Success(c, http.StatusOK, gin.H{"active": true, "call": call})
}

// GetStats returns aggregated call statistics, optionally per user
// GET /v1/calls/stats?user_id=
func (h *Handler) GetStats(c *gin.Context) {
	var userID *uuid.UUID
	if raw := c.Query("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.ValidationError(c, "Invalid user ID")
			return
		}
		userID = &id
	}

	stats, err := h.callService.GetCallStats(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}
