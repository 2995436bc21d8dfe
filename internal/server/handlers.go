package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/christopherjohns/noticeboard/internal/account"
	"github.com/christopherjohns/noticeboard/internal/apperr"
	"github.com/christopherjohns/noticeboard/internal/broadcast"
	"github.com/christopherjohns/noticeboard/internal/identity"
	"github.com/christopherjohns/noticeboard/internal/notification"
	"github.com/christopherjohns/noticeboard/internal/ws"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 16 << 10

const msgSessionExpired = "Unauthorized access: session expired. Please, log in again."

type ctxKey struct{}

type sessionInfo struct {
	token string
	id    identity.Identity
}

func sessionFrom(ctx context.Context) sessionInfo {
	info, _ := ctx.Value(ctxKey{}).(sessionInfo)
	return info
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	ExpiresAt string            `json:"expires_at"`
	User      identity.Identity `json:"user"`
}

type meResponse struct {
	User         identity.Identity `json:"user"`
	SessionCount int               `json:"session_count"`
}

type presenceResponse struct {
	Users       []broadcast.UserPayload `json:"users"`
	Connections ws.ConnStats            `json:"connections"`
}

type postRequest struct {
	Content string `json:"content"`
}

// historyItem is one entry of a history page.
type historyItem struct {
	Username string `json:"username"`
	Content  string `json:"content"`
	SentAt   string `json:"sent_at"`
}

func toHistoryItem(rec notification.Record) historyItem {
	return historyItem{
		Username: rec.AuthorName,
		Content:  rec.Content,
		SentAt:   notification.FormatTimestamp(rec.SentAt),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req account.SignupRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.deps.Accounts.Signup(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.startSession(w, http.StatusCreated, u.Identity())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.deps.Accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Str("username", u.Username).Msg("logged in")
	s.startSession(w, http.StatusOK, u.Identity())
}

func (s *Server) startSession(w http.ResponseWriter, status int, id identity.Identity) {
	sess := s.deps.Sessions.Create(id)
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, status, loginResponse{
		Token:     sess.Token,
		ExpiresAt: notification.FormatTimestamp(sess.ExpiresAt),
		User:      id,
	})
}

// handleLogout ends the session. Its channels are closed by the hub's
// session-end subscription.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	info := sessionFrom(r.Context())
	if _, ok := s.deps.Sessions.End(info.token); !ok {
		s.writeError(w, apperr.New(apperr.KindUnauthorized, msgSessionExpired))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	s.log.Info().Str("username", info.id.DisplayName).Msg("logged out")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	info := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		User:         info.id,
		SessionCount: s.deps.Sessions.SessionCount(info.id.ID),
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	resp := presenceResponse{Users: s.deps.Dispatcher.Users().Users}
	if s.deps.Hub != nil {
		resp.Connections = s.deps.Hub.ConnMgr().Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	cursor, err := notification.ParseCursor(r.URL.Query().Get("before"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	page, err := s.deps.Notifications.PageBefore(r.Context(), cursor, notification.DefaultPageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]historyItem, 0, len(page))
	for _, rec := range page {
		items = append(items, toHistoryItem(rec))
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.deps.Notifications.Post(r.Context(), sessionFrom(r.Context()).id, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHistoryItem(rec))
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, apperr.New(apperr.KindRateLimited, "Too many attempts. Please wait and try again."))
}

// requireSession resolves the request's session or answers 401.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identity.TokenFromRequest(r, s.opts.CookieName)
		id, ok := s.deps.Sessions.Resolve(token)
		if token == "" || !ok {
			s.writeError(w, apperr.New(apperr.KindUnauthorized, msgSessionExpired))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, sessionInfo{token: token, id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sessionFrom(r.Context()).id.IsAdmin() {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "Only administrators can view presence."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "Invalid request body.", err))
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: apperr.Message(err, http.StatusText(status))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
