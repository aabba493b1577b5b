package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"roomchat/presence"
	"roomchat/protocol"
)

func main() {
	cfg := LoadConfig()
	if len(os.Args) > 1 {
		cfg.DBPath = os.Args[1]
	}
	setupLogger(cfg.LogLevel)

	db, err := NewDatabase(cfg.DBPath)
	if err != nil {
		slog.Error("failed to connect to database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	if err := db.CreateTables(); err != nil {
		slog.Error("failed to create tables", "error", err)
		os.Exit(1)
	}

	store := presence.NewStore()
	engine := protocol.NewEngine(store, db,
		protocol.WithRoomDirectory(db),
		protocol.WithTimeout(cfg.HeartbeatTimeout),
		protocol.WithLogger(slog.Default()),
	)

	monitor := presence.NewMonitor(cfg.LivenessInterval, engine, slog.Default())
	monitor.Start(context.Background())

	server := NewServer(db, engine, cfg)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsMiddleware(cfg.AllowedOrigins, server.RegisterRoutes()),
	}

	go func() {
		slog.Info("chat server starting", "port", cfg.Port, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		shutdownOperations(httpServer, server, monitor, db),
	)

	exitCode := <-wait
	slog.Info("chat server exited", "code", exitCode)
	os.Exit(exitCode)
}

// shutdownOperations stops each component. WebSocket clients are drained
// before the database closes because hijacked connections outlive the HTTP
// server.
func shutdownOperations(httpServer *http.Server, server *Server, monitor *presence.Monitor, db *Database) map[string]gfshutdown.Operation {
	return map[string]gfshutdown.Operation{
		"http-server": func(ctx context.Context) error {
			slog.Info("server shutting down")
			return httpServer.Shutdown(ctx)
		},
		"liveness-monitor": func(ctx context.Context) error {
			return monitor.Stop(ctx)
		},
		"ws-manager-then-database": func(ctx context.Context) error {
			if err := server.wsManager.Shutdown(ctx); err != nil {
				slog.Warn("websocket clients still open at database close", "error", err)
			}
			return db.Close()
		},
	}
}

func setupLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(allowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowedOrigins []string, origin string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
