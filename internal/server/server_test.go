package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/noticeboard/internal/account"
	"github.com/christopherjohns/noticeboard/internal/broadcast"
	"github.com/christopherjohns/noticeboard/internal/identity"
	"github.com/christopherjohns/noticeboard/internal/metrics"
	"github.com/christopherjohns/noticeboard/internal/notification"
	"github.com/christopherjohns/noticeboard/internal/presence"
	"github.com/christopherjohns/noticeboard/internal/ratelimit"
	"github.com/christopherjohns/noticeboard/internal/ws"
)

type testApp struct {
	ts    *httptest.Server
	table *presence.Table
}

func newTestApp(t *testing.T, limiter *ratelimit.IPLimiter) *testApp {
	t.Helper()
	ctx := context.Background()

	accounts, err := account.Open(ctx, filepath.Join(t.TempDir(), "accounts.db"), account.WithHashCost(bcrypt.MinCost))
	require.NoError(t, err)
	t.Cleanup(func() { _ = accounts.Close() })
	_, err = accounts.Seed(ctx, account.DefaultSeeds(1, 1))
	require.NoError(t, err)

	promReg := metrics.NewRegistry()
	m := metrics.New(promReg)

	reg := identity.NewRegistry()
	table := presence.NewTable()
	disp := broadcast.New(table, zerolog.Nop(), broadcast.WithSessions(reg), broadcast.WithMetrics(m))
	hub := ws.NewHub(table, ws.NewConnManager(), disp, zerolog.Nop(), ws.WithSessionValidator(reg), ws.WithHubMetrics(m))
	reg.OnEnd(func(sess identity.Session, _ identity.EndReason) { hub.CloseSession(sess) })
	m.TrackPresence(table.Counts)
	m.TrackSessions(reg.Count)

	srv := New(Deps{
		Accounts:      accounts,
		Sessions:      reg,
		Notifications: notification.NewService(notification.NewMemoryStore(0), disp, zerolog.Nop(), notification.WithMetrics(m)),
		Dispatcher:    disp,
		Hub:           hub,
		Channels:      ws.NewHandler(hub, reg, zerolog.Nop()),
		Metrics:       metrics.Handler(promReg),
		AuthLimiter:   limiter,
		Log:           zerolog.Nop(),
	}, Options{})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { hub.Shutdown() })
	return &testApp{ts: ts, table: table}
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (a *testApp) login(t *testing.T, username, password string) string {
	t.Helper()
	code, data := a.do(t, http.MethodPost, "/api/login", "", credentials{Username: username, Password: password})
	require.Equal(t, http.StatusOK, code, string(data))
	var resp loginResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (a *testApp) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(a.ts.URL, "http")+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func errorMessage(t *testing.T, data []byte) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Error
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t, nil)

	code, data := app.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestLoginSetsCookieAndResolvesMe(t *testing.T) {
	app := newTestApp(t, nil)

	b, _ := json.Marshal(credentials{Username: " admin_1 ", Password: "Admin_123"})
	resp, err := http.Post(app.ts.URL+"/api/login", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == identity.DefaultCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	req, _ := http.NewRequest(http.MethodGet, app.ts.URL+"/api/me", nil)
	req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	meResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer meResp.Body.Close()
	require.Equal(t, http.StatusOK, meResp.StatusCode)

	var me meResponse
	require.NoError(t, json.NewDecoder(meResp.Body).Decode(&me))
	assert.Equal(t, "admin_1", me.User.DisplayName)
	assert.Equal(t, identity.RoleAdmin, me.User.Role)
	assert.Equal(t, 1, me.SessionCount)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	app := newTestApp(t, nil)

	code, data := app.do(t, http.MethodPost, "/api/login", "", credentials{Username: "admin_1", Password: "nope_Nope1"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid credentials. Please try again.", errorMessage(t, data))

	code, _ = app.do(t, http.MethodPost, "/api/login", "", credentials{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSignup(t *testing.T) {
	app := newTestApp(t, nil)
	req := account.SignupRequest{Username: "newbie", Password: "Fresh_123", ReenterPassword: "Fresh_123"}

	code, data := app.do(t, http.MethodPost, "/api/signup", "", req)
	require.Equal(t, http.StatusCreated, code, string(data))
	var resp loginResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "newbie", resp.User.DisplayName)
	assert.Equal(t, identity.RoleUser, resp.User.Role)

	code, _ = app.do(t, http.MethodGet, "/api/me", resp.Token, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = app.do(t, http.MethodPost, "/api/signup", "", req)
	assert.Equal(t, http.StatusConflict, code)

	req.Username, req.ReenterPassword = "other", "Fresh_124"
	code, data = app.do(t, http.MethodPost, "/api/signup", "", req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Passwords do not match. Please try again.", errorMessage(t, data))
}

func TestPostRules(t *testing.T) {
	app := newTestApp(t, nil)
	admin := app.login(t, "admin_1", "Admin_123")
	user := app.login(t, "user_1", "User_123")

	code, _ := app.do(t, http.MethodPost, "/api/notifications", "", postRequest{Content: "hi"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = app.do(t, http.MethodPost, "/api/notifications", user, postRequest{Content: "hi"})
	assert.Equal(t, http.StatusForbidden, code)

	code, data := app.do(t, http.MethodPost, "/api/notifications", admin, postRequest{Content: "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Message cannot be empty.", errorMessage(t, data))

	code, data = app.do(t, http.MethodPost, "/api/notifications", admin, postRequest{Content: strings.Repeat("x", 500)})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Message contains invalid characters or exceeds 499 characters.", errorMessage(t, data))

	code, data = app.do(t, http.MethodPost, "/api/notifications", admin, postRequest{Content: strings.Repeat("x", 499)})
	require.Equal(t, http.StatusCreated, code, string(data))
	var item historyItem
	require.NoError(t, json.Unmarshal(data, &item))
	assert.Equal(t, "admin_1", item.Username)
	assert.Len(t, item.Content, 499)
}

func TestHistoryPaging(t *testing.T) {
	app := newTestApp(t, nil)
	admin := app.login(t, "admin_1", "Admin_123")
	user := app.login(t, "user_1", "User_123")

	for i := 0; i < 12; i++ {
		code, data := app.do(t, http.MethodPost, "/api/notifications", admin, postRequest{Content: fmt.Sprintf("n%02d", i)})
		require.Equal(t, http.StatusCreated, code, string(data))
	}

	page := func(before string) []historyItem {
		path := "/api/notifications"
		if before != "" {
			path += "?before=" + url.QueryEscape(before)
		}
		code, data := app.do(t, http.MethodGet, path, user, nil)
		require.Equal(t, http.StatusOK, code, string(data))
		var items []historyItem
		require.NoError(t, json.Unmarshal(data, &items))
		return items
	}
	contents := func(items []historyItem) []string {
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, it.Content)
		}
		return out
	}

	first := page("")
	require.Len(t, first, 10)
	assert.Equal(t, "n02", first[0].Content)
	assert.Equal(t, "n11", first[9].Content)

	second := page(first[0].SentAt)
	assert.Equal(t, []string{"n00", "n01"}, contents(second))

	assert.Empty(t, page(second[0].SentAt))

	code, _ := app.do(t, http.MethodGet, "/api/notifications?before=yesterday", user, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPresenceEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	admin := app.login(t, "admin_1", "Admin_123")
	user := app.login(t, "user_1", "User_123")

	code, _ := app.do(t, http.MethodGet, "/api/presence", user, nil)
	assert.Equal(t, http.StatusForbidden, code)

	app.dial(t, user)
	require.Eventually(t, func() bool {
		_, n := app.table.Counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	code, data := app.do(t, http.MethodGet, "/api/presence", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var resp presenceResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, []broadcast.UserPayload{{Username: "user_1", Role: "user", Count: 1, SessionCount: 1}}, resp.Users)
	assert.Equal(t, 1, resp.Connections.Active)
}

func TestLogoutClosesChannels(t *testing.T) {
	app := newTestApp(t, nil)
	user := app.login(t, "user_1", "User_123")

	conn := app.dial(t, user)
	require.Eventually(t, func() bool {
		_, n := app.table.Counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	code, _ := app.do(t, http.MethodPost, "/api/logout", user, nil)
	require.Equal(t, http.StatusNoContent, code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	ids, _ := app.table.Counts()
	assert.Zero(t, ids)

	code, _ = app.do(t, http.MethodGet, "/api/me", user, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = app.do(t, http.MethodPost, "/api/logout", user, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAuthRateLimited(t *testing.T) {
	app := newTestApp(t, ratelimit.NewIPLimiter(1, 2))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		code, _ := app.do(t, http.MethodPost, "/api/login", "", credentials{Username: "admin_1", Password: "Wrong_123"})
		codes = append(codes, code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)

	code, _ := app.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, nil)

	code, data := app.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), "noticeboard_channels_open")
	assert.Contains(t, string(data), "noticeboard_sessions")
}
