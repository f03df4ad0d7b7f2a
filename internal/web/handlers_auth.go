package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/simpleadmin/sadmin/internal/auth"
)

// pageTemplates holds the handful of server-rendered pages the gateway
// needs before the WebSocket client takes over (grounded on the teacher's
// html/template login/setup/account pages, trimmed to this spec's surface).
const pageTemplates = `
{{define "login"}}<!doctype html><html><head><title>sadmin</title></head>
<body><h1>sadmin</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="text" name="username" placeholder="username" required>
<input type="password" name="password" placeholder="password" required>
<button type="submit">Log in</button>
</form></body></html>{{end}}

{{define "setup"}}<!doctype html><html><head><title>sadmin setup</title></head>
<body><h1>Initial setup</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/setup">
<input type="text" name="username" placeholder="admin username" required>
<input type="password" name="password" placeholder="password" required>
<button type="submit">Create admin account</button>
</form></body></html>{{end}}

{{define "account"}}<!doctype html><html><head><title>Account</title></head>
<body><h1>{{.Username}}</h1><p>Role: {{.RoleID}}</p></body></html>{{end}}

{{define "index"}}<!doctype html><html><head><title>sadmin</title></head>
<body><div id="app"></div>
<script>window.__SADMIN_WS__ = (location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/sysadmin";</script>
</body></html>{{end}}
`

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.tmpl.ExecuteTemplate(w, "login", map[string]string{})
}

func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	ip := clientIP(r)
	session, _, err := s.deps.Auth.Login(r.Context(), username, password, ip, r.UserAgent())
	if err != nil {
		s.tmpl.ExecuteTemplate(w, "login", map[string]string{"Error": "invalid credentials"})
		return
	}
	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.CookieSecure)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Auth.NeedsSetup() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.tmpl.ExecuteTemplate(w, "setup", map[string]string{})
}

func (s *Server) apiSetup(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Auth.NeedsSetup() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	hash, err := auth.HashPassword(password)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	id, err := auth.GenerateUserID()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	u := auth.User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		RoleID:       auth.RoleAdminID,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Auth.Users.CreateFirstUser(u); err != nil {
		s.tmpl.ExecuteTemplate(w, "setup", map[string]string{"Error": err.Error()})
		return
	}
	_ = s.deps.Auth.Roles.SeedBuiltinRoles()
	_ = s.deps.Auth.Settings.SaveSetting("auth_setup_complete", "true")
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.GetSessionToken(r); token != "" {
		_ = s.deps.Auth.Logout(token)
	}
	auth.ClearSessionCookie(w, s.deps.CookieSecure)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleAccountPage(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.tmpl.ExecuteTemplate(w, "account", map[string]string{
		"Username": rc.User.Username,
		"RoleID":   rc.User.RoleID,
	})
}

func (s *Server) handleIndexPage(w http.ResponseWriter, r *http.Request) {
	s.tmpl.ExecuteTemplate(w, "index", nil)
}

func (s *Server) apiChangePassword(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct{ OldPassword, NewPassword string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !auth.CheckPassword(rc.User.PasswordHash, req.OldPassword) {
		http.Error(w, `{"error":"incorrect password"}`, http.StatusForbidden)
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rc.User.PasswordHash = hash
	rc.User.UpdatedAt = time.Now().UTC()
	if err := s.deps.Auth.Users.UpdateUser(*rc.User); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiListSessions(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessions, err := s.deps.Auth.Sessions.ListSessionsForUser(rc.User.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) apiRevokeSession(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if err := s.deps.Auth.Sessions.DeleteSession(token); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiCreateToken(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct{ Name string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	raw, hash, err := auth.GenerateAPIToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	id, err := auth.GenerateUserID()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	tok := auth.APIToken{
		ID:        id,
		Name:      req.Name,
		TokenHash: hash,
		UserID:    rc.User.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Auth.Tokens.CreateAPIToken(tok); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"id": tok.ID, "token": raw})
}

func (s *Server) apiDeleteToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Auth.Tokens.DeleteAPIToken(id); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiGetMe(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"id":          rc.User.ID,
		"username":    rc.User.Username,
		"roleId":      rc.User.RoleID,
		"permissions": rc.Permissions,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
