package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/noticeboard/internal/broadcast"
	"github.com/christopherjohns/noticeboard/internal/identity"
	"github.com/christopherjohns/noticeboard/internal/notification"
	"github.com/christopherjohns/noticeboard/internal/presence"
)

type handlerEnv struct {
	reg   *identity.Registry
	table *presence.Table
	hub   *Hub
	svc   *notification.Service
	url   string
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	reg := identity.NewRegistry()
	table := presence.NewTable()
	disp := broadcast.New(table, zerolog.Nop(), broadcast.WithSessions(reg))
	hub := NewHub(table, NewConnManager(), disp, zerolog.Nop(), WithSessionValidator(reg))
	reg.OnEnd(func(sess identity.Session, _ identity.EndReason) { hub.CloseSession(sess) })

	ts := httptest.NewServer(NewHandler(hub, reg, zerolog.Nop()))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { hub.Shutdown() })

	return &handlerEnv{
		reg:   reg,
		table: table,
		hub:   hub,
		svc:   notification.NewService(notification.NewMemoryStore(0), disp, zerolog.Nop()),
		url:   "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (e *handlerEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var opts *websocket.DialOptions
	if token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": {"Bearer " + token}}}
	}
	conn, _, err := websocket.Dial(ctx, e.url, opts)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// waitChannels blocks until the table holds n open channels.
func (e *handlerEnv) waitChannels(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, got := e.table.Counts(); got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, got := e.table.Counts()
	t.Fatalf("expected %d channels, got %d", n, got)
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func readUsers(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	var p broadcast.PresencePayload
	readJSON(t, conn, &p)
	if p.Type != broadcast.TypeUsers {
		t.Fatalf("expected type %q, got %q", broadcast.TypeUsers, p.Type)
	}
	return names(p)
}

func expectClosed(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected close, got payload %s", data)
	}
	if got := websocket.CloseStatus(err); got != want {
		t.Fatalf("close status = %v, want %v (err %v)", got, want, err)
	}
}

func TestHandlerAdminSeesUsersComeAndGo(t *testing.T) {
	env := newHandlerEnv(t)
	admin := env.reg.Create(identity.Identity{ID: "a1", DisplayName: "admin_1", Role: identity.RoleAdmin})
	user := env.reg.Create(identity.Identity{ID: "u1", DisplayName: "user_1", Role: identity.RoleUser})

	adminConn := env.dial(t, admin.Token)
	if got := readUsers(t, adminConn); strings.Join(got, ",") != "admin_1" {
		t.Fatalf("first presence = %v", got)
	}

	userConn := env.dial(t, user.Token)
	if got := readUsers(t, adminConn); strings.Join(got, ",") != "admin_1,user_1" {
		t.Fatalf("presence after user joined = %v", got)
	}

	userConn.Close(websocket.StatusNormalClosure, "bye")
	if got := readUsers(t, adminConn); strings.Join(got, ",") != "admin_1" {
		t.Fatalf("presence after user left = %v", got)
	}
	if _, ok := env.table.Lookup("u1"); ok {
		t.Fatal("user should be gone from the table")
	}
}

func TestHandlerRejectsWithoutSession(t *testing.T) {
	env := newHandlerEnv(t)
	for _, token := range []string{"", "not-a-session"} {
		conn := env.dial(t, token)
		expectClosed(t, conn, websocket.StatusPolicyViolation)
	}
	if ids, _ := env.table.Counts(); ids != 0 {
		t.Fatalf("expected empty table, got %d identities", ids)
	}
}

func TestHandlerCookieSession(t *testing.T) {
	env := newHandlerEnv(t)
	admin := env.reg.Create(identity.Identity{ID: "a1", DisplayName: "admin_1", Role: identity.RoleAdmin})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{"Cookie": {identity.DefaultCookieName + "=" + admin.Token}}
	conn, _, err := websocket.Dial(ctx, env.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if got := readUsers(t, conn); strings.Join(got, ",") != "admin_1" {
		t.Fatalf("presence = %v", got)
	}
}

func TestHandlerNotificationsArriveInPostOrder(t *testing.T) {
	env := newHandlerEnv(t)
	admin := env.reg.Create(identity.Identity{ID: "a1", DisplayName: "admin_1", Role: identity.RoleAdmin})
	user := env.reg.Create(identity.Identity{ID: "u1", DisplayName: "user_1", Role: identity.RoleUser})

	userConn := env.dial(t, user.Token)
	env.waitChannels(t, 1)
	adminConn := env.dial(t, admin.Token)
	readUsers(t, adminConn)

	for _, content := range []string{"A", "B"} {
		if _, err := env.svc.Post(context.Background(), admin.Identity, content); err != nil {
			t.Fatalf("post %s: %v", content, err)
		}
	}

	for _, conn := range []*websocket.Conn{userConn, adminConn} {
		var got []string
		for i := 0; i < 2; i++ {
			var p broadcast.NotificationPayload
			readJSON(t, conn, &p)
			if p.Type != broadcast.TypeNotification || p.Username != "admin_1" || p.Role != "admin" {
				t.Fatalf("unexpected payload %+v", p)
			}
			if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
				t.Fatalf("timestamp %q: %v", p.Timestamp, err)
			}
			got = append(got, p.Content)
		}
		if strings.Join(got, "") != "AB" {
			t.Fatalf("delivery order = %v, want [A B]", got)
		}
	}
}

func TestHandlerLogoutClosesChannels(t *testing.T) {
	env := newHandlerEnv(t)
	admin := env.reg.Create(identity.Identity{ID: "a1", DisplayName: "admin_1", Role: identity.RoleAdmin})
	user := env.reg.Create(identity.Identity{ID: "u1", DisplayName: "user_1", Role: identity.RoleUser})

	userConn := env.dial(t, user.Token)
	env.waitChannels(t, 1)
	adminConn := env.dial(t, admin.Token)
	if got := readUsers(t, adminConn); strings.Join(got, ",") != "admin_1,user_1" {
		t.Fatalf("presence = %v", got)
	}

	env.reg.End(user.Token)

	expectClosed(t, userConn, websocket.StatusPolicyViolation)
	if got := readUsers(t, adminConn); strings.Join(got, ",") != "admin_1" {
		t.Fatalf("presence after logout = %v", got)
	}
}
