package devserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jellevlieshout/carbonbridge/internal/config"
	"github.com/jellevlieshout/carbonbridge/internal/security"
)

// Server is the scripted CarbonBridge backend used for local development.
// It speaks the same wire contract as the production API: JWT auth, the
// {success, data} envelope, and SSE streaming of wizard turns.
type Server struct {
	store      *SessionStore
	jwtManager *security.JWTManager
	validate   *validator.Validate
	logger     zerolog.Logger
	tokenDelay time.Duration

	demoEmail        string
	demoPasswordHash []byte
	demoBuyerID      string
}

// NewServer wires the scripted backend from config
func NewServer(cfg config.DevServerConfig, store *SessionStore, logger zerolog.Logger) (*Server, error) {
	passwordHash, err := hashPassword(cfg.DemoPassword)
	if err != nil {
		return nil, err
	}

	return &Server{
		store: store,
		jwtManager: security.NewJWTManager(
			cfg.JWTSecret,
			cfg.AccessTokenTTL,
			cfg.RefreshTokenTTL,
		),
		validate:         validator.New(),
		logger:           logger,
		tokenDelay:       cfg.TokenDelay,
		demoEmail:        cfg.DemoEmail,
		demoPasswordHash: passwordHash,
		demoBuyerID:      uuid.NewString(),
	}, nil
}

// Router creates and configures the HTTP router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Version"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Health check
		r.Get("/health", s.handleHealth)

		// Auth routes (public)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Route("/wizard/session", func(r chi.Router) {
				r.Post("/", s.handleSessionCreate)

				r.Route("/{sessionID}", func(r chi.Router) {
					r.Post("/message", s.handleSessionMessage)
					r.Post("/nudge", s.handleSessionNudge)
					r.Get("/stream", s.handleSessionStream)
				})
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]string{"status": "ok"})
}

// requestLogger logs each request with its outcome
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request completed")
	})
}
