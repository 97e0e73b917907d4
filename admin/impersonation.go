package admin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/juanfont/impersonate/auth"
	"github.com/juanfont/impersonate/impersonate"
	"github.com/juanfont/impersonate/types"
)

// ImpersonateStartPath is where impostor rows point their impersonate action.
const ImpersonateStartPath = "/api/admin/impersonate/start"

// ImpersonationStartHandler handles POST /api/admin/impersonate/start.
func (h *Handlers) ImpersonationStartHandler(w http.ResponseWriter, r *http.Request) {
	actor := auth.GetUserFromContext(r.Context())

	var req types.ImpersonationStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	targetUserID, err := uuid.Parse(req.TargetUserID)
	if err != nil || targetUserID == uuid.Nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Target user ID is required", err))
		return
	}

	state, err := h.manager.Start(w, r, actor, targetUserID, req.Reason)
	if err != nil {
		types.WriteHTTPError(w, impersonate.HTTPError(err))
		return
	}

	types.WriteJSON(w, http.StatusOK, types.ImpersonationStartResponse{
		Message:       fmt.Sprintf("Now impersonating %s", state.TargetUserName),
		Impersonation: state,
	})
}

// ImpersonationStopHandler handles POST /api/admin/impersonate/stop.
func (h *Handlers) ImpersonationStopHandler(w http.ResponseWriter, r *http.Request) {
	_, duration, err := h.manager.Stop(w, r)
	if err != nil {
		types.WriteHTTPError(w, impersonate.HTTPError(err))
		return
	}

	types.WriteJSON(w, http.StatusOK, types.ImpersonationStopResponse{
		Message:  "Impersonation stopped successfully",
		Duration: types.DurationString(duration),
	})
}

// ImpersonationStatusHandler handles GET /api/admin/impersonate/status.
func (h *Handlers) ImpersonationStatusHandler(w http.ResponseWriter, r *http.Request) {
	state, err := h.manager.Current(w, r)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError, "Failed to read impersonation state", err))
		return
	}

	types.WriteJSON(w, http.StatusOK, types.ImpersonationStatusResponse{
		Active:        state != nil,
		Impersonation: state,
	})
}
