package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/mkw-stats/war-ingester/internal/auth"
	"github.com/mkw-stats/war-ingester/internal/bulk"
	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/mkw-stats/war-ingester/internal/war"
	"go.uber.org/zap"
)

const testAPIKey = "test-api-key"

// fakeStores holds canned data and records calls for the handler tests.
type fakeStores struct {
	guilds   map[int64]*model.GuildConfig
	players  map[int64][]model.Player
	wars     map[int64]*model.War
	sessions map[string]*model.BulkSession
	results  map[string][]model.BulkResult
	failures map[string][]model.BulkFailure
	tokens   map[string]*auth.Identity
	nonces   map[string]string

	confirmed    []string
	cancelled    []string
	revoked      []string
	updatedRaces []int
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		guilds:   make(map[int64]*model.GuildConfig),
		players:  make(map[int64][]model.Player),
		wars:     make(map[int64]*model.War),
		sessions: make(map[string]*model.BulkSession),
		results:  make(map[string][]model.BulkResult),
		failures: make(map[string][]model.BulkFailure),
		tokens:   make(map[string]*auth.Identity),
		nonces:   make(map[string]string),
	}
}

func (f *fakeStores) ListGuilds(ctx context.Context, ids []int64) ([]model.GuildConfig, error) {
	var out []model.GuildConfig
	for _, id := range ids {
		if g, ok := f.guilds[id]; ok {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (f *fakeStores) GetGuild(ctx context.Context, guildID int64) (*model.GuildConfig, error) {
	g, ok := f.guilds[guildID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return g, nil
}

func (f *fakeStores) ListPlayers(ctx context.Context, guildID int64, includeInactive bool) ([]model.Player, error) {
	var out []model.Player
	for _, p := range f.players[guildID] {
		if p.IsActive || includeInactive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStores) CreatePlayer(ctx context.Context, guildID int64, name string, status model.MemberStatus) (*model.Player, error) {
	for _, p := range f.players[guildID] {
		if p.Name == name {
			return nil, model.ErrDuplicatePlayer
		}
	}
	p := model.Player{GuildID: guildID, Name: name, MemberStatus: status, IsActive: true, Team: model.UnassignedTeam}
	f.players[guildID] = append(f.players[guildID], p)
	return &p, nil
}

func (f *fakeStores) SetMemberStatus(ctx context.Context, guildID int64, name string, status model.MemberStatus) error {
	for i, p := range f.players[guildID] {
		if p.Name == name {
			f.players[guildID][i].MemberStatus = status
			return nil
		}
	}
	return model.ErrNotFound
}

func (f *fakeStores) AddNickname(ctx context.Context, guildID int64, name, nickname string) error {
	return nil
}

func (f *fakeStores) ListWars(ctx context.Context, guildID int64, page, limit int) ([]model.War, int, error) {
	var out []model.War
	for _, w := range f.wars {
		if w.GuildID == guildID {
			out = append(out, *w)
		}
	}
	return out, len(out), nil
}

func (f *fakeStores) GetWar(ctx context.Context, guildID, warID int64) (*model.War, error) {
	w, ok := f.wars[warID]
	if !ok || w.GuildID != guildID {
		return nil, model.ErrNotFound
	}
	return w, nil
}

func (f *fakeStores) Overview(ctx context.Context, guildID int64) (*war.Overview, error) {
	return &war.Overview{}, nil
}

func (f *fakeStores) Leaderboard(ctx context.Context, guildID int64, sortKey string, limit, lastN int) ([]war.LeaderboardRow, error) {
	return nil, nil
}

func (f *fakeStores) PlayerStats(ctx context.Context, guildID int64, name string, recent int) (*war.PlayerStats, error) {
	return nil, model.ErrNotFound
}

func (f *fakeStores) CreateSession(ctx context.Context, guildID, createdBy int64, totalImages int, nonce string) (*model.BulkSession, error) {
	nonceKey := fmt.Sprintf("%d/%d/%s", guildID, createdBy, nonce)
	if nonce != "" {
		if token, ok := f.nonces[nonceKey]; ok {
			return f.sessions[token], nil
		}
	}
	sess := &model.BulkSession{
		Token:       fmt.Sprintf("sess-token-%d", len(f.sessions)+1),
		GuildID:     guildID,
		CreatedBy:   createdBy,
		Status:      model.SessionOpen,
		TotalImages: totalImages,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(model.SessionTTL),
	}
	f.sessions[sess.Token] = sess
	if nonce != "" {
		f.nonces[nonceKey] = sess.Token
	}
	return sess, nil
}

func (f *fakeStores) AppendResult(ctx context.Context, token string, r *model.BulkResult, rawBoxes []byte) (int64, error) {
	sess, ok := f.sessions[token]
	if !ok {
		return 0, model.ErrNotFound
	}
	if sess.Status != model.SessionOpen {
		return 0, model.ErrSessionNotOpen
	}
	f.results[token] = append(f.results[token], *r)
	return int64(len(f.results[token])), nil
}

func (f *fakeStores) AppendFailure(ctx context.Context, token string, fl *model.BulkFailure) (int64, error) {
	f.failures[token] = append(f.failures[token], *fl)
	return int64(len(f.failures[token])), nil
}

func (f *fakeStores) GetSession(ctx context.Context, token string) (*model.BulkSession, error) {
	sess, ok := f.sessions[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	return sess, nil
}

func (f *fakeStores) GetSessionFull(ctx context.Context, token string) (*model.BulkSession, []model.BulkResult, []model.BulkFailure, error) {
	sess, err := f.GetSession(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}
	return sess, f.results[token], f.failures[token], nil
}

func (f *fakeStores) UpdateResult(ctx context.Context, token string, resultID int64, status model.ReviewStatus, corrected []model.DetectedPlayer, raceCount int) error {
	sess, ok := f.sessions[token]
	if !ok {
		return model.ErrNotFound
	}
	if sess.Status != model.SessionOpen {
		return model.ErrSessionNotOpen
	}
	f.updatedRaces = append(f.updatedRaces, raceCount)
	return nil
}

func (f *fakeStores) ConvertFailure(ctx context.Context, token string, failureID int64, players []model.DetectedPlayer, status model.ReviewStatus) (int64, error) {
	return 1, nil
}

func (f *fakeStores) Confirm(ctx context.Context, token string) (*bulk.ConfirmOutcome, error) {
	sess, ok := f.sessions[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	if sess.Status != model.SessionOpen {
		return nil, model.ErrSessionNotOpen
	}
	sess.Status = model.SessionConfirmed
	f.confirmed = append(f.confirmed, token)
	return &bulk.ConfirmOutcome{WarsCreated: 2, WarIDs: []int64{10, 11}}, nil
}

func (f *fakeStores) Cancel(ctx context.Context, token string) error {
	sess, ok := f.sessions[token]
	if !ok {
		return model.ErrNotFound
	}
	if sess.Status == model.SessionOpen {
		sess.Status = model.SessionCancelled
	}
	f.cancelled = append(f.cancelled, token)
	return nil
}

func (f *fakeStores) Issue(ctx context.Context, id auth.Identity) (string, error) {
	token := "issued-token"
	f.tokens[token] = &id
	return token, nil
}

func (f *fakeStores) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	id, ok := f.tokens[token]
	if !ok {
		return nil, model.ErrUnauthenticated
	}
	return id, nil
}

func (f *fakeStores) Revoke(ctx context.Context, token string) error {
	f.revoked = append(f.revoked, token)
	return nil
}

func newTestServer(f *fakeStores) *Server {
	return &Server{
		rosters: f,
		wars:    f,
		bulk:    f,
		auth:    f,
		apiKey:  testAPIKey,
		origins: []string{"https://review.example"},
		logger:  zap.NewNop(),
	}
}

func doJSON(h http.Handler, method, path, token string, apiKey bool, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if apiKey {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
