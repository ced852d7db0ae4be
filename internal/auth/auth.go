// Package auth issues and verifies the opaque session tokens the review
// front-end holds after the OAuth exchange. Tokens are stored only as
// HMAC digests, so a leaked table cannot be replayed.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkw-stats/war-ingester/internal/model"
	"go.uber.org/zap"
)

// GuildPerm is the caller's standing in one guild.
type GuildPerm struct {
	GuildName string `json:"guild_name"`
	IsAdmin   bool   `json:"is_admin"`
	CanManage bool   `json:"can_manage"`
}

// Identity is the authenticated caller. APIKey identities are trusted
// for every guild.
type Identity struct {
	UserID   int64               `json:"user_id"`
	Username string              `json:"username"`
	Avatar   string              `json:"avatar"`
	Guilds   map[int64]GuildPerm `json:"guilds"`
	APIKey   bool                `json:"-"`
}

// CanRead reports whether the identity may see the guild at all.
func (id *Identity) CanRead(guildID int64) bool {
	if id.APIKey {
		return true
	}
	_, ok := id.Guilds[guildID]
	return ok
}

// CanManage reports whether the identity may mutate guild data.
func (id *Identity) CanManage(guildID int64) bool {
	if id.APIKey {
		return true
	}
	p, ok := id.Guilds[guildID]
	return ok && (p.CanManage || p.IsAdmin)
}

type Store struct {
	pool   *pgxpool.Pool
	secret []byte
	ttl    time.Duration
	logger *zap.Logger
}

func NewStore(pool *pgxpool.Pool, signingSecret string, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Store{pool: pool, secret: []byte(signingSecret), ttl: ttl, logger: logger}
}

// digest is the at-rest form of a token.
func (s *Store) digest(token string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue stores a new session for the identity and returns the bearer
// token. The plaintext token exists only in this return value.
func (s *Store) Issue(ctx context.Context, id Identity) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	perms, err := json.Marshal(id.Guilds)
	if err != nil {
		return "", fmt.Errorf("marshal guild permissions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_sessions (token_digest, user_id, username, avatar, guild_permissions, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.digest(token), id.UserID, id.Username, id.Avatar, perms, time.Now().Add(s.ttl),
	)
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

// Verify resolves a bearer token to its identity. Expired or unknown
// tokens are ErrUnauthenticated.
func (s *Store) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, model.ErrUnauthenticated
	}
	var id Identity
	var perms []byte
	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, username, avatar, guild_permissions, expires_at
		FROM user_sessions WHERE token_digest = $1`,
		s.digest(token),
	).Scan(&id.UserID, &id.Username, &id.Avatar, &perms, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if time.Now().After(expires) {
		return nil, model.ErrUnauthenticated
	}
	if err := json.Unmarshal(perms, &id.Guilds); err != nil {
		return nil, fmt.Errorf("decode guild permissions: %w", err)
	}
	return &id, nil
}

// Revoke deletes the session. Unknown tokens are a no-op so logout is
// idempotent.
func (s *Store) Revoke(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_sessions WHERE token_digest = $1`, s.digest(token))
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// SweepExpired deletes sessions past their expiry.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EqualKey compares a presented API key to the configured one in
// constant time.
func EqualKey(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
