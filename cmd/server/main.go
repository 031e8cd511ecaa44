package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/internal/config"
	"github.com/ClareAI/astra-dialer/internal/handler"
	"github.com/ClareAI/astra-dialer/pkg/logger"
)

// Server is the outbound calling agent server.
type Server struct {
	config         *config.CallAgentConfig
	router         *mux.Router
	handlerManager *handler.HandlerManager
	httpServer     *http.Server
}

// NewServer creates the server and wires all routes.
func NewServer(cfg *config.CallAgentConfig) *Server {
	// Initialize zap logger and redirect stdlib log to it
	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		logger.Base().Error("Failed to initialize zap logger, falling back to std log")
	}

	router := mux.NewRouter()

	handlerManager := handler.NewHandlerManager(cfg)
	handlerManager.SetupRoutes(router)

	return &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
	}
}

// Start serves HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// No WriteTimeout: media stream connections are long-lived.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Base().Info("Starting server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop tears down live calls and shuts the listener down within the grace
// period.
func (s *Server) Stop() {
	logger.Base().Info("Shutting down server")
	s.handlerManager.Sessions().ReleaseAll()
	s.handlerManager.ModelPool().Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultCloseGracePeriod)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Base().Warn("Server shutdown not clean", zap.Error(err))
		}
	}
}

func main() {
	// Load .env file for local development if it exists. This will not
	// override environment variables set by Helm/Docker.
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	cfg, err := config.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	server := NewServer(cfg)
	logger.Base().Info("Server initialized successfully", zap.String("port", cfg.Port))
	defer logger.Sync()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logger.Base().Info("Received shutdown signal", zap.String("signal", sig.String()))
		server.Stop()
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
