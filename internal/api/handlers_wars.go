package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/mkw-stats/war-ingester/internal/war"
)

func (s *Server) handleListWars(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	page := queryInt(r, "page", "1")
	limit := queryInt(r, "limit", "20")

	wars, total, err := s.wars.ListWars(r.Context(), guildID, page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wars == nil {
		wars = []model.War{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wars":  wars,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleGetWar(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	warID, err := pathInt64(r, "war_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wr, err := s.wars.GetWar(r.Context(), guildID, warID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.wars.Overview(r.Context(), guildID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	sortKey, known := war.SortKey(r.URL.Query().Get("sort"))
	if !known {
		s.writeError(w, r, model.Validationf("unknown sort key %q", r.URL.Query().Get("sort")))
		return
	}
	limit := queryInt(r, "limit", "50")
	lastN := queryInt(r, "lastxwars", "0")

	rows, err := s.wars.Leaderboard(r.Context(), guildID, sortKey, limit, lastN)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []war.LeaderboardRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": rows, "sort": sortKey})
}

func (s *Server) handlePlayerStats(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathGuildID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, guildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.wars.PlayerStats(r.Context(), guildID, mux.Vars(r)["name"], queryInt(r, "recent", "10"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
