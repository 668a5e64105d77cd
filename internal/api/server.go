package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ivugurura/radio-sync/internal/events"
	"github.com/ivugurura/radio-sync/internal/listeners"
	"github.com/ivugurura/radio-sync/internal/stream"
)

// Searcher looks tracks up for the search endpoints.
type Searcher interface {
	Resolve(ctx context.Context, query string) (stream.Track, error)
	ResolveByID(ctx context.Context, id string) (stream.Track, error)
}

// Enricher fills in derived listener fields before the listener is attached.
type Enricher interface {
	Enrich(l *listeners.Listener)
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr        string
	FrontendURL string
}

// Deps are the collaborators the handlers call into. Searcher and Enricher
// may be nil.
type Deps struct {
	Coordinator *stream.Coordinator
	Searcher    Searcher
	Enricher    Enricher
	Listeners   *listeners.Store
	Hub         *events.Hub
}

// Server is the HTTP surface of the radio.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
}

func NewServer(cfg ServerConfig, d Deps) *Server {
	router := chi.NewRouter()
	s := &Server{
		router:   router,
		handlers: NewHandlers(d),
	}
	s.setupMiddleware(cfg.FrontendURL)
	s.setupRoutes()

	// WriteTimeout stays zero: the listen endpoint is long-lived and sets a
	// deadline per write instead.
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(frontendURL string) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if frontendURL != "" {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{frontendURL},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	h := s.handlers
	s.router.Get("/ws", h.WebSocket)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/radio", func(r chi.Router) {
			r.Get("/status", h.Status)
			r.Get("/stream", h.Listen)
			r.Get("/listeners", h.ListenerStats)
			r.Post("/stop", h.Stop)
			r.Post("/skip", h.Skip)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.GetQueue)
			r.Post("/", h.AddToQueue)
			r.Delete("/", h.ClearQueue)
			r.Delete("/{index}", h.RemoveFromQueue)
		})

		r.Route("/search", func(r chi.Router) {
			r.Get("/", h.Search)
			r.Get("/song/{id}", h.SongByID)
			r.Post("/validate", h.ValidateURL)
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called, then returns http.ErrServerClosed.
func (s *Server) Start() error {
	log.Printf("Radio server running at %s", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// StatusGreeting is what a websocket client receives on connect and on
// "requestState": the full status followed by the queue.
func StatusGreeting(c *stream.Coordinator) func() []events.Event {
	return func() []events.Event {
		now := time.Now().UTC()
		return []events.Event{
			{Type: stream.EventStateChanged, Data: c.Status(), Time: now},
			{Type: stream.EventQueueChanged, Data: stream.QueuePayload{Playlist: c.Queue()}, Time: now},
		}
	}
}
