package main

import (
	"log/slog"
	"net/http"
	"os"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Uploads.Dir, 0o755); err != nil {
		slog.Error("failed to create uploads dir", "error", err)
		os.Exit(1)
	}

	db, err := NewDatabase(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.CreateTables(); err != nil {
		slog.Error("failed to create tables", "error", err)
		os.Exit(1)
	}

	if err := db.EnsureGlobalRoom(); err != nil {
		slog.Error("failed to ensure global room", "error", err)
		os.Exit(1)
	}

	auth := NewAuthManager(cfg.Auth.JWTSecret)
	server := NewServer(db, auth, cfg.Uploads.Dir)

	handler := corsMiddleware(server.RegisterRoutes())

	slog.Info("chat server starting", "addr", cfg.Server.Addr)
	if err := http.ListenAndServe(cfg.Server.Addr, handler); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
