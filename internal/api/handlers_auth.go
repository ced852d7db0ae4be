package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mkw-stats/war-ingester/internal/auth"
	"github.com/mkw-stats/war-ingester/internal/model"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pool.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			ready = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		ready = false
	}

	status, httpStatus := "ready", http.StatusOK
	if !ready {
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{"status": status, "checks": checks})
}

type issueSessionRequest struct {
	UserID   int64                     `json:"user_id"`
	Username string                    `json:"username"`
	Avatar   string                    `json:"avatar"`
	Guilds   map[string]auth.GuildPerm `json:"guilds"`
}

// handleIssueSession exchanges a verified OAuth identity for an opaque
// session token. The identity provider is a black box upstream; only the
// API-key holder (the bot / OAuth callback service) may call this.
func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAPIKey(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req issueSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID <= 0 {
		s.writeError(w, r, model.Validationf("user_id is required"))
		return
	}

	guilds := make(map[int64]auth.GuildPerm, len(req.Guilds))
	for raw, perm := range req.Guilds {
		var id int64
		if err := json.Unmarshal([]byte(raw), &id); err != nil || id <= 0 {
			s.writeError(w, r, model.Validationf("invalid guild id %q", raw))
			return
		}
		guilds[id] = perm
	}

	token, err := s.auth.Issue(r.Context(), auth.Identity{
		UserID:   req.UserID,
		Username: req.Username,
		Avatar:   req.Avatar,
		Guilds:   guilds,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := rawTokenFrom(r.Context())
	if token == "" {
		s.writeError(w, r, model.ErrUnauthenticated)
		return
	}
	if err := s.auth.Revoke(r.Context(), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id == nil || id.APIKey {
		s.writeError(w, r, model.ErrUnauthenticated)
		return
	}

	guilds := make(map[int64]map[string]any, len(id.Guilds))
	for gid, perm := range id.Guilds {
		guilds[gid] = map[string]any{
			"is_admin":   perm.IsAdmin,
			"can_manage": perm.CanManage || perm.IsAdmin,
			"guild_name": perm.GuildName,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  id.UserID,
		"username": id.Username,
		"avatar":   id.Avatar,
		"guilds":   guilds,
	})
}
