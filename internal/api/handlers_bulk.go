package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mkw-stats/war-ingester/internal/model"
)

// sessionForRead loads the session and enforces guild membership plus
// the expiry gate shared by every read endpoint.
func (s *Server) sessionForRead(r *http.Request) (*model.BulkSession, error) {
	token := mux.Vars(r)["token"]
	sess, err := s.bulk.GetSession(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if err := s.requireGuild(r, sess.GuildID, false); err != nil {
		return nil, err
	}
	if sess.Status == model.SessionExpired ||
		(sess.Status == model.SessionOpen && time.Now().After(sess.ExpiresAt)) {
		return nil, model.ErrSessionExpired
	}
	return sess, nil
}

type createSessionRequest struct {
	GuildID         int64 `json:"guild_id"`
	CreatedByUserID int64 `json:"created_by_user_id"`
	TotalImages     int   `json:"total_images"`
}

// creationNonceHeader makes session creation idempotent: retries
// carrying the same nonce receive the session the first call opened.
const creationNonceHeader = "X-Creation-Nonce"

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAPIKey(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.GuildID <= 0 {
		s.writeError(w, r, model.Validationf("guild_id is required"))
		return
	}
	sess, err := s.bulk.CreateSession(r.Context(), req.GuildID, req.CreatedByUserID, req.TotalImages,
		r.Header.Get(creationNonceHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_token": sess.Token})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionForRead(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionForRead(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, results, failures, err := s.bulk.GetSessionFull(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []model.BulkResult{}
	}
	if failures == nil {
		failures = []model.BulkFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"results":  results,
		"failures": failures,
		"total":    len(results) + len(failures),
	})
}

type appendResultRequest struct {
	ImageFilename    string                 `json:"image_filename"`
	ImageURL         string                 `json:"image_url"`
	DetectedPlayers  []model.DetectedPlayer `json:"detected_players"`
	RaceCount        int                    `json:"race_count"`
	MessageTimestamp *time.Time             `json:"message_timestamp"`
}

func (s *Server) handleAppendResult(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAPIKey(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req appendResultRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.bulk.AppendResult(r.Context(), mux.Vars(r)["token"], &model.BulkResult{
		ImageFilename:    req.ImageFilename,
		ImageURL:         req.ImageURL,
		DetectedPlayers:  req.DetectedPlayers,
		RaceCount:        req.RaceCount,
		MessageTimestamp: req.MessageTimestamp,
	}, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"result_id": id})
}

type appendFailureRequest struct {
	ImageFilename    string     `json:"image_filename"`
	ImageURL         string     `json:"image_url"`
	ErrorMessage     string     `json:"error_message"`
	MessageTimestamp *time.Time `json:"message_timestamp"`
	DiscordMessageID int64      `json:"discord_message_id"`
}

func (s *Server) handleAppendFailure(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAPIKey(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req appendFailureRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.bulk.AppendFailure(r.Context(), mux.Vars(r)["token"], &model.BulkFailure{
		ImageFilename:    req.ImageFilename,
		ImageURL:         req.ImageURL,
		ErrorMessage:     req.ErrorMessage,
		MessageTimestamp: req.MessageTimestamp,
		DiscordMessageID: req.DiscordMessageID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"failure_id": id})
}

type updateResultRequest struct {
	ReviewStatus     string                 `json:"review_status"`
	CorrectedPlayers []model.DetectedPlayer `json:"corrected_players"`
	RaceCount        int                    `json:"race_count"`
}

func (s *Server) handleUpdateResult(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionForRead(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	resultID, err := pathInt64(r, "result_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateResultRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RaceCount != 0 {
		if err := model.CheckRaceCount(req.RaceCount); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	err = s.bulk.UpdateResult(r.Context(), mux.Vars(r)["token"], resultID,
		model.ReviewStatus(req.ReviewStatus), req.CorrectedPlayers, req.RaceCount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type convertFailureRequest struct {
	Players      []model.DetectedPlayer `json:"players"`
	ReviewStatus string                 `json:"review_status"`
}

func (s *Server) handleConvertFailure(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionForRead(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	failureID, err := pathInt64(r, "failure_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req convertFailureRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resultID, err := s.bulk.ConvertFailure(r.Context(), mux.Vars(r)["token"], failureID,
		req.Players, model.ReviewStatus(req.ReviewStatus))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"result_id": resultID})
}

func (s *Server) handleConfirmSession(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionForRead(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), confirmTimeout)
	defer cancel()
	outcome, err := s.bulk.Confirm(ctx, mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := outcome.WarIDs
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"wars_created": outcome.WarsCreated,
		"war_ids":      ids,
	})
}

// handleCancelSession cancels an open session. Terminal states are left
// untouched and still return ok, so retries are harmless.
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	sess, err := s.bulk.GetSession(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireGuild(r, sess.GuildID, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.bulk.Cancel(r.Context(), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
