package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/collab"
	"github.com/gin-gonic/gin"
)

type documentStatePayload struct {
	StateVector *string  `json:"state_vector"`
	Updates     []string `json:"updates"`
	Version     int64    `json:"version"`
}

type applyUpdatesRequestPayload struct {
	Updates       []string `json:"updates"`
	ClientVersion *int64   `json:"client_version"`
}

type applyUpdatesResponsePayload struct {
	Version             int64    `json:"version"`
	Conflict            bool     `json:"conflict"`
	Updates             []string `json:"updates,omitempty"`
	CompactionSuggested bool     `json:"compaction_suggested,omitempty"`
}

type stateVectorRequestPayload struct {
	StateVector string `json:"state_vector"`
	Version     *int64 `json:"version"`
}

type stateVectorResponsePayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type compactRequestPayload struct {
	MergedUpdate    string `json:"merged_update"`
	NewStateVector  string `json:"new_state_vector"`
	ExpectedVersion *int64 `json:"expected_version"`
}

type compactResponsePayload struct {
	Success bool   `json:"success"`
	Version int64  `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

type awarenessRequestPayload struct {
	ClientID      *int64 `json:"client_id"`
	AwarenessData string `json:"awareness_data"`
}

type awarenessEntryPayload struct {
	UserID        string `json:"user_id"`
	ClientID      int64  `json:"client_id"`
	Payload       string `json:"awareness_data"`
	UserName      string `json:"user_name"`
	UserImage     string `json:"user_image,omitempty"`
	IsCurrentUser bool   `json:"is_current_user"`
	LastSeenAtMs  int64  `json:"last_seen_at_ms"`
}

type successPayload struct {
	Success bool `json:"success"`
}

type cleanupResponsePayload struct {
	Deleted int64 `json:"deleted"`
}

func (h *httpHandler) handleGetDocumentState(c *gin.Context) {
	caller, documentID, ok := h.callerAndDocument(c)
	if !ok {
		return
	}
	state, err := h.collab.GetDocumentState(c.Request.Context(), caller, documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, documentStatePayload{
		StateVector: state.StateVector,
		Updates:     state.Updates,
		Version:     state.Version,
	})
}

func (h *httpHandler) handleApplyUpdates(c *gin.Context) {
	caller, documentID, ok := h.callerAndDocument(c)
	if !ok {
		return
	}
	var request applyUpdatesRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Updates == nil || request.ClientVersion == nil {
		h.respondInvalidRequest(c)
		return
	}

	result, err := h.collab.ApplyUpdates(c.Request.Context(), caller, documentID, request.Updates, *request.ClientVersion)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applyUpdatesResponsePayload{
		Version:             result.Version,
		Conflict:            result.Conflict,
		Updates:             result.Updates,
		CompactionSuggested: result.CompactionSuggested,
	})
}

func (h *httpHandler) handleUpdateStateVector(c *gin.Context) {
	caller, documentID, ok := h.callerAndDocument(c)
	if !ok {
		return
	}
	var request stateVectorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Version == nil {
		h.respondInvalidRequest(c)
		return
	}

	result, err := h.collab.UpdateStateVector(c.Request.Context(), caller, documentID, request.StateVector, *request.Version)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stateVectorResponsePayload{Success: result.Success, Reason: result.Reason})
}

func (h *httpHandler) handleCompactUpdates(c *gin.Context) {
	caller, documentID, ok := h.callerAndDocument(c)
	if !ok {
		return
	}
	var request compactRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c)
		return
	}

	result, err := h.collab.CompactUpdates(c.Request.Context(), caller, documentID,
		request.MergedUpdate, request.NewStateVector, request.ExpectedVersion)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, compactResponsePayload{
		Success: result.Success,
		Version: result.Version,
		Reason:  result.Reason,
	})
}

func (h *httpHandler) handleUpdateAwareness(c *gin.Context) {
	caller, documentID, ok := h.callerAndDocument(c)
	if !ok {
		return
	}
	var request awarenessRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ClientID == nil {
		h.respondInvalidRequest(c)
		return
	}
	clientID, err := collab.NewClientID(*request.ClientID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.collab.UpdateAwareness(c.Request.Context(), caller, documentID, clientID, request.AwarenessData); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, successPayload{Success: true})
}

func (h *httpHandler) handleGetAwareness(c *gin.Context) {
	caller, documentID, ok := h.callerAndDocument(c)
	if !ok {
		return
	}
	views, err := h.collab.GetAwareness(c.Request.Context(), caller, documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	entries := make([]awarenessEntryPayload, 0, len(views))
	for _, view := range views {
		entries = append(entries, awarenessEntryPayload{
			UserID:        view.UserID,
			ClientID:      view.ClientID,
			Payload:       view.Payload,
			UserName:      view.UserName,
			UserImage:     view.UserImage,
			IsCurrentUser: view.IsCurrentUser,
			LastSeenAtMs:  view.LastSeenAtMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleRemoveAwareness(c *gin.Context) {
	caller, documentID, ok := h.callerAndDocument(c)
	if !ok {
		return
	}
	if err := h.collab.RemoveAwareness(c.Request.Context(), caller, documentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, successPayload{Success: true})
}

func (h *httpHandler) handleCleanupStaleAwareness(c *gin.Context) {
	result, err := h.collab.CleanupStaleAwareness(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cleanupResponsePayload{Deleted: result.Deleted})
}
