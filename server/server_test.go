package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/juanfont/impersonate/auth"
	"github.com/juanfont/impersonate/config"
	"github.com/juanfont/impersonate/database"
	"github.com/juanfont/impersonate/tasks"
	"github.com/juanfont/impersonate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEnqueuer struct {
	taskTypes []string
}

func (c *countingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.taskTypes = append(c.taskTypes, task.Type())
	return &asynq.TaskInfo{ID: "t", Type: task.Type()}, nil
}

func testConfig(readOnly bool) *config.Config {
	return &config.Config{
		AdminModeTimeout: 30 * time.Minute,
		Session:          config.SessionConfig{CookieName: "impersonate_test"},
		Impersonate: config.ImpersonateConfig{
			MaxDuration:   30 * time.Minute,
			RequireReason: true,
			ReadOnly:      readOnly,
			MaxFilterSize: 100,
			PageSize:      20,
			TimeZone:      "UTC",
		},
	}
}

type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func (c *client) do(method, path string, body interface{}) (int, []byte) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(c.t, err)
	return res.StatusCode, data
}

type serverEnv struct {
	db     *database.Database
	admin  *types.User
	alice  *types.User
	client *client
	queue  *countingEnqueuer
}

func newServerEnv(t *testing.T, cfg *config.Config) *serverEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), "impersonate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	admin := &types.User{Email: "root@example.com", Username: "root", IsAdmin: true}
	alice := &types.User{Email: "alice@example.com", Username: "alice", DisplayName: "Alice Liddell"}
	require.NoError(t, db.CreateUser(ctx, admin))
	require.NoError(t, db.CreateUser(ctx, alice))

	store := auth.NewCookieStore("0123456789abcdef0123456789abcdef", "", time.Hour, false)
	queue := &countingEnqueuer{}
	handler, err := NewHandler(cfg, Deps{
		DB:       db,
		Sessions: store,
		Tasks:    tasks.NewClientWithEnqueuer(queue),
		Frontend: true,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// Log in as admin by planting the session cookie a login would set.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	session, err := store.Get(req, cfg.Session.CookieName)
	require.NoError(t, err)
	session.Values[auth.SessionKeyLogged] = true
	session.Values[auth.SessionKeyUserID] = admin.ID.String()
	require.NoError(t, session.Save(req, rec))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	jar.SetCookies(u, rec.Result().Cookies())

	return &serverEnv{
		db:     db,
		admin:  admin,
		alice:  alice,
		queue:  queue,
		client: &client{t: t, base: srv.URL, http: &http.Client{Jar: jar}},
	}
}

func TestImpersonationFlow(t *testing.T) {
	e := newServerEnv(t, testConfig(false))
	c := e.client

	code, body := c.do(http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), `"username":"root"`)

	start := map[string]string{"target_user_id": e.alice.ID.String(), "reason": "ticket 42"}
	code, _ = c.do(http.MethodPost, "/api/admin/impersonate/start", start)
	assert.Equal(t, http.StatusForbidden, code, "admin mode is required")

	code, body = c.do(http.MethodPost, "/api/admin/mode/enable", map[string]string{"reason": "support"})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = c.do(http.MethodPost, "/api/admin/impersonate/start", start)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, []string{tasks.TaskTypeExpireImpersonation}, e.queue.taskTypes)

	code, body = c.do(http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"username":"alice"`)

	code, body = c.do(http.MethodGet, "/api/admin/impersonate/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"active":true`)

	code, body = c.do(http.MethodPost, "/api/admin/impersonate/stop", nil)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = c.do(http.MethodGet, "/api/admin/impersonation-logs?session=complete", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var list types.ImpersonationLogListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Logs, 1)
	assert.Equal(t, "root", list.Logs[0].Impersonator)
	assert.Equal(t, "Alice Liddell", list.Logs[0].Impersonating)

	code, body = c.do(http.MethodGet, "/api/admin/impersonation-logs/filters", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"parameter":"impersonator"`)

	code, _ = c.do(http.MethodGet, "/api/admin/impersonation-logs/"+strconv.FormatInt(list.Logs[0].ID, 10), nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = c.do(http.MethodGet, "/api/admin/impostors?q=ali", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"username":"alice"`)
}

func TestReadOnlyImpersonation(t *testing.T) {
	e := newServerEnv(t, testConfig(true))
	c := e.client

	code, _ := c.do(http.MethodPost, "/api/admin/mode/enable", map[string]string{"reason": "support"})
	require.Equal(t, http.StatusOK, code)
	code, _ = c.do(http.MethodPost, "/api/admin/impersonate/start",
		map[string]string{"target_user_id": e.alice.ID.String(), "reason": "look around"})
	require.Equal(t, http.StatusOK, code)

	code, body := c.do(http.MethodPost, "/api/admin/mode/disable", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, string(body), "read-only")

	code, _ = c.do(http.MethodPost, ImpersonateStopPath, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = c.do(http.MethodPost, "/api/admin/mode/disable", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAnonymousAndAmbientRoutes(t *testing.T) {
	e := newServerEnv(t, testConfig(false))
	anon := &client{t: t, base: e.client.base, http: http.DefaultClient}

	code, body := anon.do(http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, string(body), `"authenticated":false`)

	code, _ = anon.do(http.MethodGet, "/api/admin/impersonation-logs", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = anon.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	code, body = anon.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "impersonate_sessions_started_total")

	code, body = anon.do(http.MethodGet, "/logs", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "<title>Impersonate</title>")
}
