// Package server exposes the agent over HTTP: the /ws push channel, the
// /api/v1 JSON API and a gRPC health service on its own listener.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/metorial/aegis/internal/dispatch"
	"github.com/metorial/aegis/internal/hub"
	"github.com/metorial/aegis/internal/models"
	"github.com/metorial/aegis/internal/store"
)

// Snapshots is the sampler as seen by the API.
type Snapshots interface {
	Latest() *models.Snapshot
	Ticks() uint64
	Overruns() uint64
	Interval() time.Duration
}

type History interface {
	Replay(limit int) []models.HistoryPoint
	Cap() int
}

type Commands interface {
	hub.CommandSink
	Stats() dispatch.Stats
}

type Outcomes interface {
	RecentOutcomes(ctx context.Context, limit int) ([]models.Outcome, error)
	CountOutcomes(ctx context.Context) (store.OutcomeCounts, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Token          string
	Version        string
	AllowedOrigins []string
	Session        hub.SessionOptions
}

type Server struct {
	opts      Options
	hub       *hub.Hub
	snapshots Snapshots
	history   History
	commands  Commands
	outcomes  Outcomes
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	started   time.Time
}

func New(opts Options, h *hub.Hub, snapshots Snapshots, history History, commands Commands, outcomes Outcomes, logger *slog.Logger) *Server {
	s := &Server{
		opts:      opts,
		hub:       h,
		snapshots: snapshots,
		history:   history,
		commands:  commands,
		outcomes:  outcomes,
		logger:    logger.With("component", "server"),
		started:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/health", s.handleHealth)
	api.Handle("/api/v1/history", s.requireToken(s.handleHistory))
	api.Handle("/api/v1/snapshot", s.requireToken(s.handleSnapshot))
	api.Handle("/api/v1/stats", s.requireToken(s.handleStats))
	api.Handle("/api/v1/outcomes", s.requireToken(s.handleOutcomes))

	// The websocket route stays outside gzip: the wrapper's writer cannot
	// be hijacked.
	mux.Handle("/api/", gzhttp.GzipHandler(api))
}

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
