package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mkw-stats/war-ingester/internal/auth"
	"github.com/mkw-stats/war-ingester/internal/metrics"
	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/gorilla/mux"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	rawTokenKey
)

const apiKeyHeader = "X-API-Key"

// identityFrom returns the authenticated caller stored by the auth
// middleware.
func identityFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey).(*auth.Identity)
	return id
}

func rawTokenFrom(ctx context.Context) string {
	tok, _ := ctx.Value(rawTokenKey).(string)
	return tok
}

// authMiddleware resolves the caller: the shared API key grants a
// bot identity trusted for every guild, a bearer token resolves to a
// stored user session. Everything else is a 401.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get(apiKeyHeader); key != "" {
			if !auth.EqualKey(key, s.apiKey) {
				s.writeError(w, r, model.ErrUnauthenticated)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, &auth.Identity{APIKey: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := bearerToken(r)
		if token == "" {
			s.writeError(w, r, model.ErrUnauthenticated)
			return
		}
		id, err := s.auth.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = context.WithValue(ctx, rawTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// requireGuild enforces guild membership, and the manage right when
// manage is set.
func (s *Server) requireGuild(r *http.Request, guildID int64, manage bool) error {
	id := identityFrom(r.Context())
	if id == nil {
		return model.ErrUnauthenticated
	}
	if !id.CanRead(guildID) {
		return model.ErrPermission
	}
	if manage && !id.CanManage(guildID) {
		return model.ErrPermission
	}
	return nil
}

// requireAPIKey gates the bot-only endpoints.
func (s *Server) requireAPIKey(r *http.Request) error {
	id := identityFrom(r.Context())
	if id == nil || !id.APIKey {
		return model.ErrPermission
	}
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+apiKeyHeader)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
