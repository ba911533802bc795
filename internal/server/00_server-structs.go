package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"project-relay/internal/deliveries"
	"project-relay/internal/githubapp"
	"project-relay/internal/projects"
	"project-relay/internal/vault"
)

// Config holds application configuration loaded from Vault or environment
// variables.
type Config struct {
	AppID          int    `json:"app_id" validate:"required"`
	InstallationID int    `json:"installation_id" validate:"required"`
	PrivateKey     string `json:"private_key" validate:"required"`
	ProjectNumber  int    `json:"project_number" validate:"required"`
	OrgName        string `json:"org_name"`
	APIBaseURL     string `json:"api_base_url"`
	WindowDays     int    `json:"window_days"`
	ServerPort     string `json:"port"`
	LogLevel       string `json:"log_level"`
}

// Server wires the webhook route to the project client, and the retry
// scheduler to the delivery retrier. Both paths share the one TokenManager.
type Server struct {
	Router        *gin.Engine
	HTTPServer    *http.Server
	Logger        zerolog.Logger
	Config        *Config
	Tokens        *githubapp.TokenManager
	Projects      *projects.Client
	Retrier       *deliveries.Retrier
	ProjectNodeID string
	VaultClient   *vault.Client
}

// ConfigManager handles configuration loading and management.
type ConfigManager struct {
	logger zerolog.Logger
}

// ServerBuilder handles server construction and initialization.
type ServerBuilder struct {
	logger zerolog.Logger
}
