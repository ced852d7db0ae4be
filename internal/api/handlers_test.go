package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkw-stats/war-ingester/internal/auth"
	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMember(f *fakeStores, token string, guildID int64, manage bool) {
	f.tokens[token] = &auth.Identity{
		UserID: 7,
		Guilds: map[int64]auth.GuildPerm{guildID: {GuildName: "G", CanManage: manage}},
	}
}

func TestAuth_MissingCredentials(t *testing.T) {
	h := newTestServer(newFakeStores()).Routes()
	rec := doJSON(h, http.MethodGet, "/guilds", "", false, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_BadBearerToken(t *testing.T) {
	h := newTestServer(newFakeStores()).Routes()
	rec := doJSON(h, http.MethodGet, "/guilds", "nope", false, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_BadAPIKey(t *testing.T) {
	h := newTestServer(newFakeStores()).Routes()
	req := httptest.NewRequest(http.MethodGet, "/guilds", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_ReturnsGuildPermissions(t *testing.T) {
	f := newFakeStores()
	seedMember(f, "tok", 1, true)
	h := newTestServer(f).Routes()

	rec := doJSON(h, http.MethodGet, "/auth/me", "tok", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		UserID int64 `json:"user_id"`
		Guilds map[string]struct {
			CanManage bool `json:"can_manage"`
		} `json:"guilds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(7), body.UserID)
	assert.True(t, body.Guilds["1"].CanManage)
}

func TestPlayers_GuildIsolation(t *testing.T) {
	f := newFakeStores()
	f.guilds[1] = &model.GuildConfig{GuildID: 1}
	f.guilds[2] = &model.GuildConfig{GuildID: 2}
	seedMember(f, "tok", 1, false)
	h := newTestServer(f).Routes()

	rec := doJSON(h, http.MethodGet, "/guilds/1/players", "tok", false, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same caller, a guild they do not belong to.
	rec = doJSON(h, http.MethodGet, "/guilds/2/players", "tok", false, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreatePlayer_RequiresManage(t *testing.T) {
	f := newFakeStores()
	f.guilds[1] = &model.GuildConfig{GuildID: 1}
	seedMember(f, "reader", 1, false)
	seedMember(f, "manager", 1, true)
	h := newTestServer(f).Routes()

	body := map[string]string{"name": "Alpha", "member_status": "member"}
	rec := doJSON(h, http.MethodPost, "/guilds/1/players", "reader", false, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(h, http.MethodPost, "/guilds/1/players", "manager", false, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(h, http.MethodPost, "/guilds/1/players", "manager", false, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "duplicate player is a 400")
}

func TestCreateSession_APIKeyOnly(t *testing.T) {
	f := newFakeStores()
	seedMember(f, "tok", 1, true)
	h := newTestServer(f).Routes()

	body := map[string]any{"guild_id": 1, "created_by_user_id": 7, "total_images": 3}
	rec := doJSON(h, http.MethodPost, "/bulk/sessions", "tok", false, body)
	assert.Equal(t, http.StatusForbidden, rec.Code, "user tokens must not create sessions")

	rec = doJSON(h, http.MethodPost, "/bulk/sessions", "", true, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["session_token"])
}

func TestCreateSession_NonceIsIdempotent(t *testing.T) {
	f := newFakeStores()
	h := newTestServer(f).Routes()

	post := func(nonce string) string {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(map[string]any{
			"guild_id": 1, "created_by_user_id": 7, "total_images": 3,
		})
		req := httptest.NewRequest(http.MethodPost, "/bulk/sessions", &buf)
		req.Header.Set("X-API-Key", testAPIKey)
		if nonce != "" {
			req.Header.Set("X-Creation-Nonce", nonce)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp["session_token"]
	}

	first := post("retry-abc")
	second := post("retry-abc")
	assert.Equal(t, first, second, "same nonce must return the same session")
	assert.NotEqual(t, first, post("retry-def"), "a new nonce opens a new session")
	assert.NotEqual(t, post(""), post(""), "nonce-less creates always open new sessions")
}

func TestUpdateResult_RaceCountBounds(t *testing.T) {
	f := newFakeStores()
	seedMember(f, "tok", 1, false)
	f.sessions["s"] = &model.BulkSession{
		Token:     "s",
		GuildID:   1,
		Status:    model.SessionOpen,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	h := newTestServer(f).Routes()

	rec := doJSON(h, http.MethodPut, "/bulk/sessions/s/results/1", "tok", false,
		map[string]any{"review_status": "approved", "race_count": 30})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(h, http.MethodPut, "/bulk/sessions/s/results/1", "tok", false,
		map[string]any{"review_status": "approved", "race_count": 16})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{16}, f.updatedRaces)
}

func TestGetWar_UnknownIs404(t *testing.T) {
	f := newFakeStores()
	f.guilds[1] = &model.GuildConfig{GuildID: 1}
	seedMember(f, "tok", 1, false)
	h := newTestServer(f).Routes()

	rec := doJSON(h, http.MethodGet, "/guilds/1/wars/99", "tok", false, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaderboard_UnknownSortIs400(t *testing.T) {
	f := newFakeStores()
	seedMember(f, "tok", 1, false)
	h := newTestServer(f).Routes()

	rec := doJSON(h, http.MethodGet, "/guilds/1/stats/leaderboard?sort=sneaky", "tok", false, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSession_ExpiredReadsAre410(t *testing.T) {
	f := newFakeStores()
	seedMember(f, "tok", 1, false)
	f.sessions["old"] = &model.BulkSession{
		Token:     "old",
		GuildID:   1,
		Status:    model.SessionOpen,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	h := newTestServer(f).Routes()

	rec := doJSON(h, http.MethodGet, "/bulk/sessions/old", "tok", false, nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = doJSON(h, http.MethodPut, "/bulk/sessions/old/results/1", "tok", false,
		map[string]string{"review_status": "approved"})
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = doJSON(h, http.MethodPost, "/bulk/sessions/old/confirm", "tok", false, nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	// Cancel stays allowed for expired sessions.
	rec = doJSON(h, http.MethodPost, "/bulk/sessions/old/cancel", "tok", false, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfirm_SecondCallIs409(t *testing.T) {
	f := newFakeStores()
	seedMember(f, "tok", 1, false)
	f.sessions["s"] = &model.BulkSession{
		Token:     "s",
		GuildID:   1,
		Status:    model.SessionOpen,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	h := newTestServer(f).Routes()

	rec := doJSON(h, http.MethodPost, "/bulk/sessions/s/confirm", "tok", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		WarsCreated int     `json:"wars_created"`
		WarIDs      []int64 `json:"war_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.WarsCreated)
	assert.Equal(t, []int64{10, 11}, resp.WarIDs)

	rec = doJSON(h, http.MethodPost, "/bulk/sessions/s/confirm", "tok", false, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogout_RevokesToken(t *testing.T) {
	f := newFakeStores()
	seedMember(f, "tok", 1, false)
	h := newTestServer(f).Routes()

	rec := doJSON(h, http.MethodPost, "/auth/logout", "tok", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tok"}, f.revoked)
}

func TestIssueSession_RequiresAPIKey(t *testing.T) {
	f := newFakeStores()
	seedMember(f, "tok", 1, true)
	h := newTestServer(f).Routes()

	body := map[string]any{"user_id": 7, "guilds": map[string]any{"1": map[string]any{"can_manage": true}}}
	rec := doJSON(h, http.MethodPost, "/auth/sessions", "tok", false, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(h, http.MethodPost, "/auth/sessions", "", true, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "issued-token", resp["token"])
}
