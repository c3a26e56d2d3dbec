// Package webserver serves the status API of the bot
package webserver

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/infinitybotlist/eureka/zapchi"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Server struct {
	Store  store.Store
	Logger *zap.Logger

	// Token required in the Authorization header of guild routes
	Token string

	// Reported by /health
	StoreDriver string
	Cache       bool
	Started     time.Time
	Gateway     func() bool
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)

	if err != nil {
		s.Logger.Error("Failed to encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	w.Write(b)
}

func (s *Server) error(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, types.ApiError{Message: msg})
}

// Simple middleware to handle CORS and JSON responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET")

		if r.Method == "OPTIONS" {
			w.Write([]byte{})
			return
		}

		w.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
			s.error(w, http.StatusUnauthorized, "Invalid or missing API token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) CreateWebserver() *chi.Mux {
	r := chi.NewRouter()

	r.Use(
		middleware.Recoverer,
		middleware.RealIP,
		middleware.CleanPath,
		corsMiddleware,
		zapchi.Logger(s.Logger, "api"),
		middleware.Timeout(30*time.Second),
	)

	r.Get("/health", s.getHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/guilds/{guild_id}/config", s.getGuildConfig)
		r.Get("/guilds/{guild_id}/pruned", s.getPrunedMembers)
		r.Get("/guilds/{guild_id}/lockdowns", s.getLockdowns)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.error(w, http.StatusNotFound, "Not Found")
	})

	return r
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	guilds, err := s.Store.ReadyGuilds(r.Context())

	if err != nil {
		s.Logger.Error("Health check failed", zap.Error(err))
		s.error(w, http.StatusServiceUnavailable, "Store is unavailable")
		return
	}

	resp := types.HealthResponse{
		Status: "ok",
		Guilds: len(guilds),
		Uptime: time.Since(s.Started).Round(time.Second).String(),
		Store:  s.StoreDriver,
		Cache:  s.Cache,
	}

	if s.Gateway != nil {
		resp.Gateway = s.Gateway()
	}

	s.respond(w, http.StatusOK, resp)
}

func (s *Server) getGuildConfig(w http.ResponseWriter, r *http.Request) {
	gc, err := s.Store.GuildConfig(r.Context(), chi.URLParam(r, "guild_id"))

	if err != nil {
		s.storeError(w, err)
		return
	}

	s.respond(w, http.StatusOK, gc)
}

func (s *Server) getPrunedMembers(w http.ResponseWriter, r *http.Request) {
	pruned, err := s.Store.PrunedMembers(r.Context(), chi.URLParam(r, "guild_id"), time.Time{})

	if err != nil {
		s.storeError(w, err)
		return
	}

	s.respond(w, http.StatusOK, pruned)
}

func (s *Server) getLockdowns(w http.ResponseWriter, r *http.Request) {
	lockdowns, err := s.Store.Lockdowns(r.Context(), chi.URLParam(r, "guild_id"))

	if err != nil {
		s.storeError(w, err)
		return
	}

	s.respond(w, http.StatusOK, lockdowns)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.error(w, http.StatusNotFound, "Not Found")
		return
	}

	s.Logger.Error("Store request failed", zap.Error(err))
	s.error(w, http.StatusInternalServerError, "Internal Server Error")
}
