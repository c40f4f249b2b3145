package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/helmdeck/helmdeck/internal/auth"
	"github.com/helmdeck/helmdeck/internal/config"
	"github.com/helmdeck/helmdeck/internal/database"
	"github.com/helmdeck/helmdeck/internal/engine"
	"github.com/helmdeck/helmdeck/internal/handlers"
	"github.com/helmdeck/helmdeck/internal/logging"
	"github.com/helmdeck/helmdeck/internal/middleware"
	"github.com/helmdeck/helmdeck/internal/registry"
	"github.com/helmdeck/helmdeck/internal/terminal"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: Listen=%s AuthDisabled=%v ProbeSchedule=%q",
		config.Cfg.Listen, config.Cfg.AuthDisabled, config.Cfg.ProbeSchedule)

	// Init session store
	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	// Session cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessionStore.Cleanup()
		}
	}()

	// Init engine client resolver
	resolver := engine.NewResolver(config.Cfg.DockerHost)
	handlers.Resolver = resolver
	handlers.ProbeTimeout = parseDurationOr(config.Cfg.ProbeTimeout, 5*time.Second)

	// Init terminal session manager
	termMgr := terminal.NewManager()
	termMgr.ShellProbeTimeout = parseDurationOr(config.Cfg.ShellProbeTimeout, 3*time.Second)
	handlers.TermManager = termMgr
	handlers.SessionStartTimeout = parseDurationOr(config.Cfg.SessionStartTimeout, 30*time.Second)

	// Periodic endpoint health refresh
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(config.Cfg.ProbeSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		recs, err := registry.List()
		if err != nil {
			log.Printf("Health refresh: list endpoints: %v", err)
			return
		}
		registry.RefreshHealth(ctx, resolver, recs, handlers.ProbeTimeout)
	}); err != nil {
		log.Fatalf("Invalid probe schedule %q: %v", config.Cfg.ProbeSchedule, err)
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.Health)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Get("/auth/setup-required", handlers.SetupRequired)
		r.Post("/auth/setup", handlers.SetupCreateAdmin)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			// Endpoints visible to the user (list filters by policy)
			r.Get("/endpoints", handlers.ListEndpoints)

			// Engine-scoped routes: the selected endpoint is resolved,
			// authorized and attached per request
			r.Group(func(r chi.Router) {
				r.Use(middleware.EndpointContext(resolver))

				r.Get("/containers", handlers.ListContainers)
				r.Get("/containers/{id}", handlers.GetContainer)
				r.Post("/containers/{id}/start", handlers.StartContainer)
				r.Post("/containers/{id}/stop", handlers.StopContainer)
				r.Post("/containers/{id}/restart", handlers.RestartContainer)

				// Terminal WebSocket
				r.Get("/terminal", handlers.TerminalWS)
			})

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				// Endpoint registry management
				r.Post("/endpoints", handlers.CreateEndpoint)
				r.Post("/endpoints/test", handlers.TestEndpoint)
				r.Put("/endpoints/{id}", handlers.UpdateEndpoint)
				r.Delete("/endpoints/{id}", handlers.DeleteEndpoint)
				r.Post("/endpoints/{id}/test", handlers.TestEndpointByID)

				// User management
				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{userId}", handlers.DeleteUser)
				r.Get("/users/{userId}/policy", handlers.GetUserPolicy)
				r.Put("/users/{userId}/policy", handlers.SetUserPolicy)
				r.Post("/users/{userId}/reset-password", handlers.ResetUserPassword)

				// Server logs
				r.Get("/logs", handlers.GetServerLogs)
				r.Post("/logs/clear", handlers.ClearServerLogs)
			})
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.Listen,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()
	termMgr.Stop()
	resolver.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: helmdeck --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
			PolicyKind:   database.PolicyAll,
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Note: existing sessions will expire within 1 hour.\n", *username)
	}
}
