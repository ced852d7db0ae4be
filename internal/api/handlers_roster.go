package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mkw-stats/war-ingester/internal/model"
)

func (s *Server) handleListGuilds(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id == nil {
		s.writeError(w, r, model.ErrUnauthenticated)
		return
	}
	ids := make([]int64, 0, len(id.Guilds))
	for gid := range id.Guilds {
		ids = append(ids, gid)
	}
	guilds, err := s.rosters.ListGuilds(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if guilds == nil {
		guilds = []model.GuildConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"guilds": guilds})
}

func (s *Server) handleGetGuild(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.rosters.GetGuild(r.Context(), guildID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleTeams returns the guild's teams with their current rosters,
// including the implicit Unassigned bucket.
func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	g, err := s.rosters.GetGuild(r.Context(), guildID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	players, err := s.rosters.ListPlayers(r.Context(), guildID, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	byTeam := make(map[string][]string)
	for _, p := range players {
		byTeam[p.Team] = append(byTeam[p.Team], p.Name)
	}
	type teamEntry struct {
		Name    string   `json:"name"`
		Players []string `json:"players"`
	}
	teams := make([]teamEntry, 0, len(g.TeamNames)+1)
	for _, name := range g.TeamNames {
		members := byTeam[name]
		if members == nil {
			members = []string{}
		}
		teams = append(teams, teamEntry{Name: name, Players: members})
	}
	if members := byTeam[model.UnassignedTeam]; len(members) > 0 {
		teams = append(teams, teamEntry{Name: model.UnassignedTeam, Players: members})
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	players, err := s.rosters.ListPlayers(r.Context(), guildID, includeInactive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if players == nil {
		players = []model.Player{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": players, "total": len(players)})
}

type createPlayerRequest struct {
	Name         string `json:"name"`
	MemberStatus string `json:"member_status"`
}

func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createPlayerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.rosters.CreatePlayer(r.Context(), guildID, req.Name, model.MemberStatus(req.MemberStatus))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type setStatusRequest struct {
	MemberStatus string `json:"member_status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req setStatusRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := mux.Vars(r)["name"]
	if err := s.rosters.SetMemberStatus(r.Context(), guildID, name, model.MemberStatus(req.MemberStatus)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type addNicknameRequest struct {
	Nickname string `json:"nickname"`
}

func (s *Server) handleAddNickname(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addNicknameRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := mux.Vars(r)["name"]
	if err := s.rosters.AddNickname(r.Context(), guildID, name, req.Nickname); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
