package web

import (
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// NewServer assembles the HTTP server: intake, export, and admin routes
// behind CORS and request logging.
func NewServer(addr string, admin *AdminHandler, intakeHandler, exportHandler http.Handler, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	admin.Register(mux)
	mux.Handle("POST /api/snapshots", intakeHandler)
	mux.Handle("GET /api/export", exportHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	handler := LoggingMiddleware(log)(corsHandler.Handler(mux))

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
