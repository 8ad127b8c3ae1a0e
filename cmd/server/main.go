package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/zbcumt/thingsboard/internal/config"
	"github.com/zbcumt/thingsboard/internal/db"
	"github.com/zbcumt/thingsboard/internal/export"
	"github.com/zbcumt/thingsboard/internal/httpapi"
	"github.com/zbcumt/thingsboard/internal/middleware"
	"github.com/zbcumt/thingsboard/internal/query"
	"github.com/zbcumt/thingsboard/internal/repository"
	"github.com/zbcumt/thingsboard/internal/service"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Run migrations
	if err := db.RunMigrations(cfg.DB, "./migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Wire the query engine and its services
	queryRepo := query.NewRepository(conn.Pool)
	queryService := service.NewEntityQueryService(queryRepo, cfg.Query.MaxAlarmQueryEntities)

	exportRepo := repository.NewExportJobRepository(conn.Pool)
	exportOpts := []export.Option{
		export.WithPageSize(cfg.Export.PageSize),
		export.WithJobTimeout(cfg.Export.JobTimeout),
	}
	if cfg.Export.Directory != "" {
		exportOpts = append(exportOpts, export.WithExportDirectory(cfg.Export.Directory))
	}
	exportService := export.NewService(queryService, exportRepo, exportOpts...)

	mux := http.NewServeMux()
	httpapi.NewEntityQueryHandler(queryService).Register(mux)
	export.NewHTTPHandler(exportService).Register(mux)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(middleware.LoggingMiddleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting entity query server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
