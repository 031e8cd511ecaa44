package handler

import (
	"github.com/gorilla/mux"

	"github.com/ClareAI/astra-dialer/internal/config"
	"github.com/ClareAI/astra-dialer/internal/core/session"
	"github.com/ClareAI/astra-dialer/internal/gemini"
	"github.com/ClareAI/astra-dialer/pkg/logger"
	ptwilio "github.com/ClareAI/astra-dialer/pkg/twilio"
)

// HandlerManager owns the handlers and the services they share.
type HandlerManager struct {
	cfg      *config.CallAgentConfig
	sessions *session.Manager
	pool     *gemini.Pool

	callHandler  *CallHandler
	mediaHandler *MediaStreamHandler
}

// NewHandlerManager wires the service graph: session registry, provider
// call service, pre-warmed model session pool and the handlers on top.
func NewHandlerManager(cfg *config.CallAgentConfig) *HandlerManager {
	sessions := session.NewManager()
	calls := ptwilio.NewCallService(
		cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber, cfg.ServerBaseURL)
	pool := gemini.NewPool(gemini.Config{
		BaseURL:      cfg.GeminiBaseURL,
		APIKey:       cfg.GeminiAPIKey,
		Model:        cfg.GeminiModel,
		SystemPrompt: cfg.SystemPrompt,
	}, cfg.GeminiPoolSize)

	callHandler := NewCallHandler(cfg, sessions, calls)
	callHandler.SetWarmSessionFunc(pool.Available)

	return &HandlerManager{
		cfg:          cfg,
		sessions:     sessions,
		pool:         pool,
		callHandler:  callHandler,
		mediaHandler: NewMediaStreamHandler(cfg, sessions, pool),
	}
}

// SetupRoutes registers every route on the router.
func (hm *HandlerManager) SetupRoutes(router *mux.Router) {
	router.Use(LoggingMiddleware)

	router.HandleFunc("/place-call", hm.callHandler.HandlePlaceCall).Methods("POST")
	router.HandleFunc("/twiml/stream", hm.callHandler.HandleStreamTwiML).Methods("POST")
	router.HandleFunc("/call-status", hm.callHandler.HandleCallStatus).Methods("POST")
	router.HandleFunc("/health", hm.callHandler.HandleHealth).Methods("GET")
	router.HandleFunc("/", hm.callHandler.HandleHealth).Methods("GET")
	router.HandleFunc("/media-stream", hm.mediaHandler.HandleMediaStream).Methods("GET")

	logger.Base().Info("application routes registered")
}

// Sessions exposes the registry for process shutdown.
func (hm *HandlerManager) Sessions() *session.Manager {
	return hm.sessions
}

// ModelPool exposes the pre-warmed session pool for process shutdown.
func (hm *HandlerManager) ModelPool() *gemini.Pool {
	return hm.pool
}
