// Package httpapi exposes the messaging service over HTTP and upgrades
// websocket clients for the realtime hub.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/apperr"
	"github.com/schoolhub/messaging/internal/auth"
	"github.com/schoolhub/messaging/internal/messaging"
	"github.com/schoolhub/messaging/internal/metrics"
	"github.com/schoolhub/messaging/internal/realtime"
	"github.com/schoolhub/messaging/store/user"
)

type Options struct {
	Service *messaging.Service
	Users   user.Store
	Auth    *auth.Authenticator
	Hub     *realtime.Hub
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// Health reports whether dependencies are reachable. Nil means always healthy.
	Health func(ctx context.Context) error

	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

type Server struct {
	svc      *messaging.Service
	users    user.Store
	auth     *auth.Authenticator
	hub      *realtime.Hub
	metrics  *metrics.Metrics
	log      *zap.Logger
	health   func(ctx context.Context) error
	limiters *limiterPool
	proxies  []netip.Prefix
	validate *validator.Validate
}

func New(o Options) *Server {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		svc:      o.Service,
		users:    o.Users,
		auth:     o.Auth,
		hub:      o.Hub,
		metrics:  o.Metrics,
		log:      log,
		health:   o.Health,
		proxies:  o.TrustedProxies,
		validate: apperr.NewValidator(),
	}
	if o.RateLimitRPS > 0 {
		s.limiters = newLimiterPool(o.RateLimitRPS, o.RateLimitBurst)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apperr.NotFound("route not found"))
	})
	r.Use(s.requestID, s.logRequests, s.recoverPanics, s.rateLimit)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	c := r.PathPrefix("/conversations").Subrouter()
	c.Use(s.authenticate)
	c.HandleFunc("", s.listConversations).Methods(http.MethodGet)
	c.HandleFunc("/direct", s.getOrCreateDirect).Methods(http.MethodPost)
	c.HandleFunc("/group", s.createGroup).Methods(http.MethodPost)
	c.HandleFunc("/{id:[0-9]+}", s.getConversation).Methods(http.MethodGet)
	c.HandleFunc("/{id:[0-9]+}/messages", s.listMessages).Methods(http.MethodGet)
	c.HandleFunc("/{id:[0-9]+}/messages", s.sendMessage).Methods(http.MethodPost)
	c.HandleFunc("/{id:[0-9]+}/participants", s.addParticipants).Methods(http.MethodPost)
	c.HandleFunc("/{id:[0-9]+}/participants", s.removeParticipant).Methods(http.MethodDelete)
	c.HandleFunc("/{id:[0-9]+}/reactions", s.react).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, apperr.Unauthenticated("a valid token is required"))
		return
	}
	s.hub.ServeWS(w, r, id.UserID)
}
