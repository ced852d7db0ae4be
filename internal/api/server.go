// Package api is the HTTP surface for the web review front-end and for
// bot-initiated session creation. All endpoints are JSON; guild-scoped
// paths enforce the caller's memberships.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkw-stats/war-ingester/internal/auth"
	"github.com/mkw-stats/war-ingester/internal/bulk"
	"github.com/mkw-stats/war-ingester/internal/config"
	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/mkw-stats/war-ingester/internal/roster"
	"github.com/mkw-stats/war-ingester/internal/war"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// confirmTimeout bounds the session materialization transaction.
const confirmTimeout = 60 * time.Second

// RosterStore is the roster surface the handlers need.
type RosterStore interface {
	ListGuilds(ctx context.Context, guildIDs []int64) ([]model.GuildConfig, error)
	GetGuild(ctx context.Context, guildID int64) (*model.GuildConfig, error)
	ListPlayers(ctx context.Context, guildID int64, includeInactive bool) ([]model.Player, error)
	CreatePlayer(ctx context.Context, guildID int64, name string, status model.MemberStatus) (*model.Player, error)
	SetMemberStatus(ctx context.Context, guildID int64, name string, status model.MemberStatus) error
	AddNickname(ctx context.Context, guildID int64, name, nickname string) error
}

// WarStore is the war and stats surface the handlers need.
type WarStore interface {
	ListWars(ctx context.Context, guildID int64, page, limit int) ([]model.War, int, error)
	GetWar(ctx context.Context, guildID, warID int64) (*model.War, error)
	Overview(ctx context.Context, guildID int64) (*war.Overview, error)
	Leaderboard(ctx context.Context, guildID int64, sortKey string, limit, lastN int) ([]war.LeaderboardRow, error)
	PlayerStats(ctx context.Context, guildID int64, name string, recent int) (*war.PlayerStats, error)
}

// BulkStore is the session surface the handlers need.
type BulkStore interface {
	CreateSession(ctx context.Context, guildID, createdBy int64, totalImages int, nonce string) (*model.BulkSession, error)
	AppendResult(ctx context.Context, token string, r *model.BulkResult, rawBoxes []byte) (int64, error)
	AppendFailure(ctx context.Context, token string, f *model.BulkFailure) (int64, error)
	GetSession(ctx context.Context, token string) (*model.BulkSession, error)
	GetSessionFull(ctx context.Context, token string) (*model.BulkSession, []model.BulkResult, []model.BulkFailure, error)
	UpdateResult(ctx context.Context, token string, resultID int64, status model.ReviewStatus, corrected []model.DetectedPlayer, raceCount int) error
	ConvertFailure(ctx context.Context, token string, failureID int64, players []model.DetectedPlayer, status model.ReviewStatus) (int64, error)
	Confirm(ctx context.Context, token string) (*bulk.ConfirmOutcome, error)
	Cancel(ctx context.Context, token string) error
}

// AuthStore verifies and manages user session tokens.
type AuthStore interface {
	Issue(ctx context.Context, id auth.Identity) (string, error)
	Verify(ctx context.Context, token string) (*auth.Identity, error)
	Revoke(ctx context.Context, token string) error
}

type Server struct {
	srv     *http.Server
	pool    *pgxpool.Pool
	rosters RosterStore
	wars    WarStore
	bulk    BulkStore
	auth    AuthStore
	apiKey  string
	origins []string
	logger  *zap.Logger
}

func NewServer(cfg *config.Config, pool *pgxpool.Pool, rosters *roster.Store, wars *war.Store, sessions *bulk.Store, authStore *auth.Store, logger *zap.Logger) *Server {
	s := &Server{
		pool:    pool,
		rosters: rosters,
		wars:    wars,
		bulk:    sessions,
		auth:    authStore,
		apiKey:  cfg.API.SharedAPIKey,
		origins: cfg.API.AllowedOrigins,
		logger:  logger,
	}
	s.srv = &http.Server{
		Addr:         cfg.Service.HTTPListen,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for handler tests.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.corsMiddleware, s.metricsMiddleware, s.authMiddleware)

	api.HandleFunc("/auth/sessions", s.handleIssueSession).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)

	api.HandleFunc("/guilds", s.handleListGuilds).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{g}", s.handleGetGuild).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{g}/teams", s.handleTeams).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{g}/players", s.handleListPlayers).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{g}/players", s.handleCreatePlayer).Methods(http.MethodPost)
	api.HandleFunc("/guilds/{g}/players/{name}/status", s.handleSetStatus).Methods(http.MethodPut)
	api.HandleFunc("/guilds/{g}/players/{name}/nicknames", s.handleAddNickname).Methods(http.MethodPost)

	api.HandleFunc("/guilds/{g}/wars", s.handleListWars).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{g}/wars/{war_id}", s.handleGetWar).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{g}/stats/overview", s.handleOverview).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{g}/stats/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{g}/stats/player/{name}", s.handlePlayerStats).Methods(http.MethodGet)

	api.HandleFunc("/bulk/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/bulk/sessions/{token}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/bulk/sessions/{token}/results", s.handleSessionResults).Methods(http.MethodGet)
	api.HandleFunc("/bulk/sessions/{token}/results", s.handleAppendResult).Methods(http.MethodPost)
	api.HandleFunc("/bulk/sessions/{token}/results/{result_id}", s.handleUpdateResult).Methods(http.MethodPut)
	api.HandleFunc("/bulk/sessions/{token}/failures", s.handleAppendFailure).Methods(http.MethodPost)
	api.HandleFunc("/bulk/sessions/{token}/failures/{failure_id}/convert", s.handleConvertFailure).Methods(http.MethodPost)
	api.HandleFunc("/bulk/sessions/{token}/confirm", s.handleConfirmSession).Methods(http.MethodPost)
	api.HandleFunc("/bulk/sessions/{token}/cancel", s.handleCancelSession).Methods(http.MethodPost)

	return r
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("review API listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
