package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/juanfont/impersonate/types"
)

// ImpersonationLogListHandler handles GET /api/admin/impersonation-logs.
func (h *Handlers) ImpersonationLogListHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	filter, used, err := ApplyFilters(h.logFilters(), query)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	page := pageParam(query.Get("page"))
	logs, total, err := h.store.ListImpersonationLogs(ctx, filter, h.opts.PageSize, (page-1)*h.opts.PageSize)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	views, err := h.logViews(ctx, logs)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	types.WriteJSON(w, http.StatusOK, types.ImpersonationLogListResponse{
		Logs:     views,
		Total:    total,
		Page:     page,
		PageSize: h.opts.PageSize,
		Filters:  used,
	})
}

// ImpersonationLogFiltersHandler handles GET /api/admin/impersonation-logs/filters.
func (h *Handlers) ImpersonationLogFiltersHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	var resp types.FilterListResponse
	for _, lf := range h.logFilters() {
		d, err := Describe(ctx, lf, query.Get(lf.Parameter()))
		if err != nil {
			types.WriteHTTPError(w, err)
			return
		}
		resp.Filters = append(resp.Filters, d)
	}

	types.WriteJSON(w, http.StatusOK, resp)
}

// ImpersonationLogDetailHandler handles GET /api/admin/impersonation-logs/{id}.
func (h *Handlers) ImpersonationLogDetailHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid log id", err))
		return
	}

	entry, err := h.store.GetImpersonationLog(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusNotFound, "Impersonation log not found", err))
		return
	}
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	views, err := h.logViews(ctx, []types.ImpersonationLog{*entry})
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	types.WriteJSON(w, http.StatusOK, views[0])
}

func (h *Handlers) logViews(ctx context.Context, logs []types.ImpersonationLog) ([]types.ImpersonationLogView, error) {
	return LogViews(ctx, h.store, logs)
}

// LogViews resolves the users of logs with one query and builds the rows.
func LogViews(ctx context.Context, store Store, logs []types.ImpersonationLog) ([]types.ImpersonationLogView, error) {
	seen := map[uuid.UUID]bool{}
	var ids []uuid.UUID
	for _, l := range logs {
		for _, id := range []uuid.UUID{l.ImpersonatorID, l.ImpersonatingID} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	users, err := store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading log users: %w", err)
	}
	byID := make(map[uuid.UUID]*types.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	views := make([]types.ImpersonationLogView, len(logs))
	for i := range logs {
		views[i] = types.NewImpersonationLogView(&logs[i], byID[logs[i].ImpersonatorID], byID[logs[i].ImpersonatingID])
	}
	return views, nil
}

// MaxPage bounds the page parameter so the row offset cannot overflow.
const MaxPage = 1 << 20

func pageParam(s string) int {
	page, err := strconv.Atoi(s)
	if err != nil || page < 1 {
		return 1
	}
	return min(page, MaxPage)
}
