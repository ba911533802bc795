package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v55/github"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"project-relay/internal/deliveries"
	"project-relay/internal/githubapp"
	"project-relay/internal/projects"
	"project-relay/internal/vault"
)

// NewServerBuilder creates a new server builder
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{
		logger: log.With().Str("component", "server-builder").Logger(),
	}
}

// Build creates and configures a new server instance
func (sb *ServerBuilder) Build() (*Server, error) {
	vaultClient, err := vault.NewClient()
	if err != nil {
		sb.logger.Warn().Err(err).Msg("Failed to initialize Vault client, falling back to environment variables")
	}

	config, err := NewConfigManager().LoadConfiguration(vaultClient)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	sb.setupLogging(config.LogLevel)

	server, err := sb.buildServer(config, vaultClient)
	if err != nil {
		return nil, fmt.Errorf("failed to build server: %w", err)
	}

	return server, nil
}

// setupLogging applies the configured log level globally.
func (sb *ServerBuilder) setupLogging(logLevel string) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
}

// buildServer constructs the server with all components
func (sb *ServerBuilder) buildServer(config *Config, vaultClient *vault.Client) (*Server, error) {
	logger := log.With().Str("component", "server").Logger()

	tokens, err := githubapp.NewTokenManager(githubapp.Credentials{
		AppID:          config.AppID,
		InstallationID: config.InstallationID,
		PrivateKey:     config.PrivateKey,
		APIBaseURL:     config.APIBaseURL,
	}, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	server := &Server{
		Router:      sb.initializeRouter(),
		Logger:      logger,
		Config:      config,
		Tokens:      tokens,
		Projects:    projects.NewClient(config.APIBaseURL, log.Logger),
		Retrier:     deliveries.NewRetrier(config.APIBaseURL, tokens, config.WindowDays, log.Logger),
		VaultClient: vaultClient,
	}

	// Resolve the project board's node id once up front. Without it the
	// webhook route has nothing to add items to, so failure aborts startup.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	headers, err := tokens.Headers()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with GitHub: %w", err)
	}
	nodeID, err := server.Projects.ResolveProjectNodeID(ctx, config.OrgName, config.ProjectNumber, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project node id for project %d in org %s: %w", config.ProjectNumber, config.OrgName, err)
	}
	server.ProjectNodeID = nodeID

	server.registerRoutes()

	server.HTTPServer = &http.Server{
		Addr:    ":" + config.ServerPort,
		Handler: server.Router,
	}

	return server, nil
}

// initializeRouter creates and configures the Gin router
func (sb *ServerBuilder) initializeRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return router
}

// New builds a fully wired server from Vault and environment configuration.
func New() (*Server, error) {
	return NewServerBuilder().Build()
}

func (s *Server) registerRoutes() {
	r := s.Router

	r.Use(s.requestLogger())
	r.Use(gin.Recovery())

	r.POST("/v1/", s.handleWebhook)
	r.GET("/health", s.handleHealth)
}

// requestLogger middleware logs all HTTP requests with structured data
func (s *Server) requestLogger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.Logger.Info().
			Str("method", param.Method).
			Str("path", param.Path).
			Str("remote_addr", param.ClientIP).
			Int("status", param.StatusCode).
			Dur("latency", param.Latency).
			Str("error", param.ErrorMessage).
			Msg("HTTP request")
		return ""
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleWebhook relays issue events into the project board. Only "issues"
// events with action opened or reopened carry work; everything else is
// acknowledged and dropped.
func (s *Server) handleWebhook(c *gin.Context) {
	eventType := github.WebHookType(c.Request)
	s.Logger.Info().Str("event_type", eventType).Msg("Webhook received")

	if eventType != "issues" {
		c.JSON(http.StatusOK, gin.H{"message": "No action taken."})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to read webhook body")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	event, err := github.ParseWebHook(eventType, body)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to parse webhook payload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	issuesEvent, ok := event.(*github.IssuesEvent)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"message": "No action taken."})
		return
	}

	action := issuesEvent.GetAction()
	nodeID := issuesEvent.GetIssue().GetNodeID()
	s.Logger.Info().Str("action", action).Str("node_id", nodeID).Msg("Issues event")

	if (action != "opened" && action != "reopened") || nodeID == "" {
		c.JSON(http.StatusOK, gin.H{"message": "No action taken."})
		return
	}

	headers, err := s.Tokens.Headers()
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to obtain auth headers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	if err := s.Projects.AddItem(c.Request.Context(), s.ProjectNodeID, nodeID, headers); err != nil {
		// Non-fatal: the daily retry job redelivers failed webhooks, so a
		// dropped add is picked up on the next cycle.
		s.Logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to add issue to project")
	}

	c.JSON(http.StatusOK, gin.H{"message": "Issue added to project."})
}

func (s *Server) Start() error {
	s.Logger.Info().Str("addr", s.HTTPServer.Addr).Msg("Starting server")
	return s.HTTPServer.ListenAndServe()
}

func (s *Server) Stop() error {
	if s.HTTPServer == nil {
		return nil
	}
	s.Logger.Info().Msg("Stopping server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.HTTPServer.Shutdown(ctx)
}
