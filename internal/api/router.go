package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/recbooth/recbooth/internal/booth"
	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/internal/websocket"
	"github.com/recbooth/recbooth/pkg/logger"
)

// Router wires HTTP routes to the booth service and WebSocket hub
type Router struct {
	handler  *Handler
	wsServer *websocket.Server
	config   *config.Config
	logger   *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(boothService *booth.Service, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler:  NewHandler(boothService, cfg, log),
		wsServer: wsServer,
		config:   cfg,
		logger:   log.Named("api-router"),
	}
}

// Routes builds the HTTP handler tree
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(rt.corsMiddleware)

	// Recording link entry point
	r.Get("/record/{token}", rt.handler.OpenRecording)

	r.Route("/api/record/{token}", func(r chi.Router) {
		r.Get("/", rt.handler.GetRecordingState)
		r.Post("/start", rt.handler.StartRecording)
		r.Post("/pause", rt.handler.PauseRecording)
		r.Post("/resume", rt.handler.ResumeRecording)
		r.Post("/stop", rt.handler.StopRecording)
		r.Post("/retry", rt.handler.RetryUpload)
		r.Post("/revalidate", rt.handler.Revalidate)
		r.Delete("/", rt.handler.EndRecording)
	})

	// WebSocket endpoint for state push
	r.Get("/ws", rt.wsServer.HandleConnection)

	// Static UI files, when configured
	if rt.config.Server.StaticFilesDir != "" {
		rt.mountStatic(r)
	}

	return r
}

// corsMiddleware applies the configured CORS policy
func (rt *Router) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && rt.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) originAllowed(origin string) bool {
	for _, allowed := range rt.config.Server.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// mountStatic serves the recording UI files from the configured
// directory
func (rt *Router) mountStatic(r chi.Router) {
	dir := rt.config.Server.StaticFilesDir
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		rt.logger.Warn("Static files directory not found, skipping",
			logger.String("dir", dir))
		return
	}

	rt.logger.Info("Serving static files", logger.String("dir", dir))
	fs := http.FileServer(http.Dir(dir))
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.ServeFile(w, req, filepath.Join(dir, "index.html"))
	})
	r.Handle("/static/*", http.StripPrefix("/static/", fs))
}
