package admin

import (
	"net/http"
	"strings"

	"github.com/juanfont/impersonate/auth"
	"github.com/juanfont/impersonate/types"
)

// ImpostorListHandler handles GET /api/admin/impostors. It lists the users
// the caller may impersonate; there is no way to create one here.
func (h *Handlers) ImpostorListHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.GetUserFromContext(ctx)
	policy := h.manager.Policy()

	if !policy.CanImpersonate(actor) {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "You may not impersonate other users", nil))
		return
	}

	query := r.URL.Query()
	search := strings.TrimSpace(query.Get("q"))
	page := pageParam(query.Get("page"))

	q := policy.ImpersonableQuery(actor, search)
	q.Limit = h.opts.PageSize
	q.Offset = (page - 1) * h.opts.PageSize

	users, total, err := h.store.ListImpersonableUsers(ctx, q)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	views := make([]types.ImpostorView, len(users))
	for i, u := range users {
		views[i] = types.ImpostorView{
			ID:          u.ID,
			Username:    u.Username,
			Name:        u.FriendlyName(),
			Email:       u.Email,
			Impersonate: ImpersonateStartPath,
		}
	}

	types.WriteJSON(w, http.StatusOK, types.ImpostorListResponse{
		Users:    views,
		Total:    total,
		Page:     page,
		PageSize: h.opts.PageSize,
		Search:   search,
	})
}
