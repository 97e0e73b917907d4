package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonate/auth"
	"github.com/juanfont/impersonate/database"
	"github.com/juanfont/impersonate/impersonate"
	"github.com/juanfont/impersonate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCookie = "impersonate_test"

type env struct {
	db       *database.Database
	store    *sessions.CookieStore
	handlers *Handlers
	admin    *types.User
	staff    *types.User
	alice    *types.User
	bob      *types.User
	now      time.Time
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), "impersonate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		db:    db,
		store: auth.NewCookieStore("0123456789abcdef0123456789abcdef", "", time.Hour, false),
		admin: &types.User{Email: "root@example.com", Username: "root", IsAdmin: true},
		staff: &types.User{Email: "help@example.com", Username: "help", DisplayName: "Help Desk", IsStaff: true},
		alice: &types.User{Email: "alice@example.com", Username: "alice", DisplayName: "Alice Liddell"},
		bob:   &types.User{Email: "bob@example.com", Username: "bob"},
		now:   time.Date(2026, 10, 17, 15, 0, 0, 0, time.UTC),
	}
	for _, u := range []*types.User{e.admin, e.staff, e.alice, e.bob} {
		require.NoError(t, db.CreateUser(ctx, u))
	}

	signals := impersonate.NewSignals()
	signals.Connect(impersonate.ReceiverLog, impersonate.NewLogRecorder(db, false))
	manager := impersonate.NewManager(e.store, testCookie, db, signals, impersonate.Config{
		MaxDuration:   30 * time.Minute,
		RequireReason: true,
	})

	if opts.Location == nil {
		opts.Location = time.UTC
	}
	e.handlers = NewHandlers(e.store, testCookie, db, db, manager, opts)
	e.handlers.now = func() time.Time { return e.now }
	return e
}

func (e *env) addLog(t *testing.T, actor, target *types.User, key string, start, end *time.Time) {
	t.Helper()
	l := &types.ImpersonationLog{ImpersonatorID: actor.ID, ImpersonatingID: target.ID, SessionKey: key}
	if start != nil {
		l.SessionStartedAt = sql.NullTime{Time: *start, Valid: true}
	}
	if end != nil {
		l.SessionEndedAt = sql.NullTime{Time: *end, Valid: true}
	}
	require.NoError(t, e.db.CreateImpersonationLog(context.Background(), l))
}

func asUser(req *http.Request, u *types.User) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), auth.ContextKeyUser, u))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func tp(t time.Time) *time.Time { return &t }

func TestImpersonationLogList(t *testing.T) {
	e := newEnv(t, Options{PageSize: 2})
	start := e.now.Add(-time.Hour)
	end := start.Add(75 * time.Second)

	e.addLog(t, e.staff, e.alice, "k1", tp(start), tp(end))
	e.addLog(t, e.admin, e.bob, "k2", tp(start), nil)
	e.addLog(t, e.staff, e.bob, "k3", nil, nil)

	rec := httptest.NewRecorder()
	e.handlers.ImpersonationLogListHandler(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/admin/impersonation-logs", nil), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[types.ImpersonationLogListResponse](t, rec)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 1, resp.Page)
	require.Len(t, resp.Logs, 2)
	assert.Equal(t, "k3", resp.Logs[0].SessionKey)
	assert.Equal(t, "Help Desk", resp.Logs[0].Impersonator)
	assert.Equal(t, "bob", resp.Logs[0].Impersonating)
	assert.Nil(t, resp.Logs[0].SessionStartedAt)
	assert.Equal(t, "", resp.Logs[0].Duration)

	rec = httptest.NewRecorder()
	e.handlers.ImpersonationLogListHandler(rec, asUser(httptest.NewRequest(http.MethodGet,
		"/api/admin/impersonation-logs?session=complete&impersonator="+e.staff.ID.String(), nil), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)

	resp = decode[types.ImpersonationLogListResponse](t, rec)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "Alice Liddell", resp.Logs[0].Impersonating)
	assert.Equal(t, "00:01:15", resp.Logs[0].Duration)
	assert.Equal(t, map[string]string{"session": "complete", "impersonator": e.staff.ID.String()}, resp.Filters)

	rec = httptest.NewRecorder()
	e.handlers.ImpersonationLogListHandler(rec, asUser(httptest.NewRequest(http.MethodGet,
		"/api/admin/impersonation-logs?session=bogus&page=2", nil), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[types.ImpersonationLogListResponse](t, rec)
	assert.Equal(t, 3, resp.Total, "unknown session state leaves the list unfiltered")
	assert.Len(t, resp.Logs, 1)

	rec = httptest.NewRecorder()
	e.handlers.ImpersonationLogListHandler(rec, asUser(httptest.NewRequest(http.MethodGet,
		"/api/admin/impersonation-logs?impersonator=nope", nil), e.staff))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImpersonationLogListStartedFilter(t *testing.T) {
	e := newEnv(t, Options{})
	today := e.now.Add(-time.Hour)
	lastYear := e.now.AddDate(-1, 0, 0)

	e.addLog(t, e.staff, e.alice, "today", tp(today), nil)
	e.addLog(t, e.staff, e.alice, "old", tp(lastYear), nil)
	e.addLog(t, e.staff, e.alice, "none", nil, nil)

	count := func(value string) int {
		rec := httptest.NewRecorder()
		e.handlers.ImpersonationLogListHandler(rec, asUser(httptest.NewRequest(http.MethodGet,
			"/api/admin/impersonation-logs?started="+value, nil), e.staff))
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[types.ImpersonationLogListResponse](t, rec).Total
	}

	assert.Equal(t, 1, count(StartedToday))
	assert.Equal(t, 1, count(StartedThisYear))
	assert.Equal(t, 2, count(StartedHasDate))
	assert.Equal(t, 1, count(StartedNoDate))
	assert.Equal(t, 3, count(""))
}

func TestStartedAtFilterRanges(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC) // 02:30 on 1 March in loc
	lf := StartedAtFilter{Location: loc, Now: func() time.Time { return now }}

	tests := []struct {
		value        string
		from, before time.Time
	}{
		{StartedToday, time.Date(2026, 3, 1, 0, 0, 0, 0, loc), time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		{StartedPast7Days, time.Date(2026, 2, 22, 0, 0, 0, 0, loc), time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		{StartedThisMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, loc), time.Date(2026, 4, 1, 0, 0, 0, 0, loc)},
		{StartedThisYear, time.Date(2026, 1, 1, 0, 0, 0, 0, loc), time.Date(2027, 1, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			var f types.ImpersonationLogFilter
			require.NoError(t, lf.Apply(tt.value, &f))
			assert.True(t, tt.from.Equal(*f.StartedFrom), "from %s", f.StartedFrom)
			assert.True(t, tt.before.Equal(*f.StartedBefore), "before %s", f.StartedBefore)
		})
	}

	var f types.ImpersonationLogFilter
	assert.Error(t, lf.Apply("yesterday", &f))
}

func TestPageParam(t *testing.T) {
	tests := map[string]int{
		"":                    1,
		"x":                   1,
		"0":                   1,
		"-3":                  1,
		"4":                   4,
		"9223372036854775807": MaxPage,
	}
	for in, want := range tests {
		assert.Equal(t, want, pageParam(in), "page %q", in)
	}
}

func TestImpersonationLogListHugePage(t *testing.T) {
	e := newEnv(t, Options{PageSize: 2})
	e.addLog(t, e.staff, e.alice, "k1", nil, nil)

	rec := httptest.NewRecorder()
	e.handlers.ImpersonationLogListHandler(rec, asUser(httptest.NewRequest(http.MethodGet,
		"/api/admin/impersonation-logs?page=9223372036854775807", nil), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[types.ImpersonationLogListResponse](t, rec)
	assert.Equal(t, MaxPage, resp.Page)
	assert.Equal(t, 1, resp.Total)
	assert.Empty(t, resp.Logs)
}

func TestImpersonationLogFilters(t *testing.T) {
	e := newEnv(t, Options{MaxFilterSize: DefaultMaxFilterSize})
	e.addLog(t, e.staff, e.alice, "k1", nil, nil)
	e.addLog(t, e.admin, e.alice, "k2", nil, nil)
	e.addLog(t, e.staff, e.bob, "k3", nil, nil)

	rec := httptest.NewRecorder()
	e.handlers.ImpersonationLogFiltersHandler(rec, asUser(httptest.NewRequest(http.MethodGet,
		"/api/admin/impersonation-logs/filters?session=complete", nil), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[types.FilterListResponse](t, rec)
	require.Len(t, resp.Filters, 3)

	session := resp.Filters[0]
	assert.Equal(t, "session state", session.Title)
	assert.Equal(t, "session", session.Parameter)
	require.Len(t, session.Choices, 3)
	assert.Equal(t, "All", session.Choices[0].Label)
	assert.False(t, session.Choices[0].Selected)
	assert.Equal(t, "Incomplete", session.Choices[1].Label)
	assert.True(t, session.Choices[2].Selected)

	impersonators := resp.Filters[1]
	assert.Equal(t, "impersonator", impersonators.Parameter)
	require.Len(t, impersonators.Choices, 3)
	assert.Equal(t, "Help Desk", impersonators.Choices[1].Label, "ordered by username: help before root")
	assert.Equal(t, "root", impersonators.Choices[2].Label)

	assert.Equal(t, "started", resp.Filters[2].Parameter)
	assert.Len(t, resp.Filters[2].Choices, 7)
}

func TestImpersonatorFilterHiddenAboveMaxSize(t *testing.T) {
	e := newEnv(t, Options{MaxFilterSize: 1})
	e.addLog(t, e.staff, e.alice, "k1", nil, nil)
	e.addLog(t, e.admin, e.alice, "k2", nil, nil)

	d, err := Describe(context.Background(), ImpersonatorFilter{Store: e.db, MaxSize: 1}, "")
	require.NoError(t, err)
	require.Len(t, d.Choices, 1)
	assert.Equal(t, "All", d.Choices[0].Label)
	assert.True(t, d.Choices[0].Selected)

	d, err = Describe(context.Background(), ImpersonatorFilter{Store: e.db, MaxSize: 2}, "")
	require.NoError(t, err)
	assert.Len(t, d.Choices, 3)
}

func TestZeroMaxFilterSizeHidesImpersonators(t *testing.T) {
	e := newEnv(t, Options{MaxFilterSize: 0})
	assert.Equal(t, 0, e.handlers.opts.MaxFilterSize)

	rec := httptest.NewRecorder()
	e.handlers.ImpersonationLogFiltersHandler(rec, asUser(httptest.NewRequest(http.MethodGet,
		"/api/admin/impersonation-logs/filters", nil), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[types.FilterListResponse](t, rec)
	assert.Len(t, resp.Filters[1].Choices, 1)

	e.addLog(t, e.staff, e.alice, "k1", nil, nil)
	rec = httptest.NewRecorder()
	e.handlers.ImpersonationLogFiltersHandler(rec, asUser(httptest.NewRequest(http.MethodGet,
		"/api/admin/impersonation-logs/filters", nil), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[types.FilterListResponse](t, rec)
	require.Len(t, resp.Filters[1].Choices, 1)
	assert.Equal(t, "All", resp.Filters[1].Choices[0].Label)

	assert.Equal(t, DefaultMaxFilterSize, newEnv(t, Options{MaxFilterSize: -1}).handlers.opts.MaxFilterSize)
}

func TestImpersonationLogDetail(t *testing.T) {
	e := newEnv(t, Options{})
	start := e.now.Add(-time.Hour)
	e.addLog(t, e.staff, e.alice, "k1", tp(start), tp(start.Add(time.Minute)))

	router := mux.NewRouter()
	router.HandleFunc("/api/admin/impersonation-logs/{id}", e.handlers.ImpersonationLogDetailHandler)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/impersonation-logs/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[types.ImpersonationLogView](t, rec)
	assert.Equal(t, "k1", view.SessionKey)
	require.NotNil(t, view.SessionEndedAt)
	assert.Equal(t, "00:01:00", view.Duration)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/impersonation-logs/99", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/impersonation-logs/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImpostorList(t *testing.T) {
	e := newEnv(t, Options{})

	rec := httptest.NewRecorder()
	e.handlers.ImpostorListHandler(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/admin/impostors", nil), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[types.ImpostorListResponse](t, rec)
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, "alice", resp.Users[0].Username)
	assert.Equal(t, "Alice Liddell", resp.Users[0].Name)
	assert.Equal(t, ImpersonateStartPath, resp.Users[0].Impersonate)
	assert.Equal(t, "bob", resp.Users[1].Username)

	rec = httptest.NewRecorder()
	e.handlers.ImpostorListHandler(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/admin/impostors?q=help", nil), e.admin))
	resp = decode[types.ImpostorListResponse](t, rec)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "help", resp.Users[0].Username)
	assert.Equal(t, "help", resp.Search)

	rec = httptest.NewRecorder()
	e.handlers.ImpostorListHandler(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/admin/impostors", nil), e.bob))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestImpersonationHandlers(t *testing.T) {
	e := newEnv(t, Options{})

	rec := httptest.NewRecorder()
	body := `{"target_user_id":"` + e.alice.ID.String() + `","reason":"ticket 7"}`
	e.handlers.ImpersonationStartHandler(rec, asUser(httptest.NewRequest(http.MethodPost, ImpersonateStartPath, strings.NewReader(body)), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)
	started := decode[types.ImpersonationStartResponse](t, rec)
	assert.Equal(t, "Now impersonating Alice Liddell", started.Message)
	cookies := rec.Result().Cookies()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/impersonate/status", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	e.handlers.ImpersonationStatusHandler(rec, req)
	status := decode[types.ImpersonationStatusResponse](t, rec)
	assert.True(t, status.Active)
	assert.Equal(t, e.alice.ID, status.Impersonation.TargetUserID)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/impersonate/stop", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	e.handlers.ImpersonationStopHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	stopped := decode[types.ImpersonationStopResponse](t, rec)
	assert.NotEmpty(t, stopped.Duration)

	rec = httptest.NewRecorder()
	e.handlers.ImpersonationStopHandler(rec, httptest.NewRequest(http.MethodPost, "/api/admin/impersonate/stop", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	body = `{"target_user_id":"` + e.admin.ID.String() + `","reason":"x"}`
	e.handlers.ImpersonationStartHandler(rec, asUser(httptest.NewRequest(http.MethodPost, ImpersonateStartPath, strings.NewReader(body)), e.staff))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	body = `{"target_user_id":"` + e.alice.ID.String() + `"}`
	e.handlers.ImpersonationStartHandler(rec, asUser(httptest.NewRequest(http.MethodPost, ImpersonateStartPath, strings.NewReader(body)), e.staff))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	e.handlers.ImpersonationStartHandler(rec, asUser(httptest.NewRequest(http.MethodPost, ImpersonateStartPath, strings.NewReader(`{}`)), e.staff))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminModeHandlers(t *testing.T) {
	e := newEnv(t, Options{AdminModeTimeout: 15 * time.Minute})

	rec := httptest.NewRecorder()
	e.handlers.AdminModeEnableHandler(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/admin/mode/enable", strings.NewReader(`{"reason":" "}`)), e.staff))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	e.handlers.AdminModeEnableHandler(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/admin/mode/enable", strings.NewReader(`{"reason":"support"}`)), e.staff))
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/admin/mode/status", nil), e.staff)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	e.handlers.AdminModeStatusHandler(rec, req)
	status := decode[types.AdminModeStatusResponse](t, rec)
	assert.True(t, status.IsStaff)
	require.NotNil(t, status.AdminMode)
	assert.Equal(t, "support", status.AdminMode.Reason)

	req = asUser(httptest.NewRequest(http.MethodPost, "/api/admin/mode/disable", nil), e.staff)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	e.handlers.AdminModeDisableHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = asUser(httptest.NewRequest(http.MethodGet, "/api/admin/mode/status", nil), e.staff)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	e.handlers.AdminModeStatusHandler(rec, req)
	status = decode[types.AdminModeStatusResponse](t, rec)
	assert.Nil(t, status.AdminMode)

	audit, err := e.db.ListAuditLogs(context.Background(), e.staff.ID.String(), 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, types.ActionAdminModeDisabled, audit[0].Action)
}
