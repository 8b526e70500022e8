package main

import (
	"context"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/joho/godotenv"

	"github.com/payback159/gradeview/pkg/downloads"
	"github.com/payback159/gradeview/pkg/grading"
	"github.com/payback159/gradeview/pkg/handlers"
	"github.com/payback159/gradeview/pkg/logging"
	"github.com/payback159/gradeview/pkg/security"
	"github.com/payback159/gradeview/pkg/session"
)

func main() {
	// .env is optional; real deployments set the environment directly
	godotenv.Load()

	logging.InitLogger()

	gradingURL := getEnv("GRADING_API_URL", "http://localhost:5000")
	port := getEnv("PORT", "8080")

	templates := template.Must(template.ParseGlob("templates/*.html"))
	gradingClient := grading.NewClient(gradingURL)
	sessionStore := session.NewStore(gradingClient)
	handler := handlers.NewHandler(templates, sessionStore)
	rateLimiter := security.NewRateLimiter()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(90 * time.Second))

	r.Get("/", handler.HandleHome)
	r.Get("/healthz", handler.HandleHealthz)
	r.Get("/download", handler.HandleDownload)
	r.Get("/export/results.csv", func(w http.ResponseWriter, r *http.Request) {
		downloads.HandleResultsCSV(w, r, sessionStore)
	})
	r.Get("/export/results.xlsx", func(w http.ResponseWriter, r *http.Request) {
		downloads.HandleResultsExcel(w, r, sessionStore)
	})

	// Mutating routes carry the per-IP rate limit
	r.Group(func(r chi.Router) {
		r.Use(rateLimiter.Middleware)
		r.Post("/select", handler.HandleSelect)
		r.Post("/submit", handler.HandleSubmit)
		r.Post("/reset", handler.HandleReset)
	})

	var root http.Handler = r
	if os.Getenv("ENV") == "production" {
		csrfKey := []byte(getEnv("CSRF_KEY", ""))
		if len(csrfKey) != 32 {
			logging.LogCritical("CSRF_KEY must be exactly 32 bytes in production", nil)
			os.Exit(1)
		}
		root = csrf.Protect(csrfKey, csrf.Secure(true))(r)
		logging.LogInfo("CSRF protection enabled")
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      root,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logging.LogInfo("Server starting",
			"port", port,
			"grading_api", gradingURL,
			"env", os.Getenv("ENV"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.LogCritical("HTTP server error", err)
			os.Exit(1)
		}
	}()

	// Periodic resource stats, same cadence as session cleanup
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			logging.LogSystemStats()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.LogInfo("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.LogError("Graceful shutdown failed", err)
	}
	logging.LogInfo("Server stopped")
}

// getEnv reads an environment variable with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}
