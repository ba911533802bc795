package server

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"project-relay/internal/vault"
)

const githubSecretPath = "project-relay/github"

// Config methods
func (c *Config) SetIntValue(key string, value interface{}) {
	if str, ok := value.(string); ok {
		if intVal, err := strconv.Atoi(str); err == nil {
			switch key {
			case "app_id":
				c.AppID = intVal
			case "installation_id":
				c.InstallationID = intVal
			case "project_number":
				c.ProjectNumber = intVal
			case "window_days":
				c.WindowDays = intVal
			}
		}
	}
}

func (c *Config) SetStringValue(key string, value interface{}) {
	if str, ok := value.(string); ok {
		switch key {
		case "private_key":
			c.PrivateKey = str
		case "org_name":
			c.OrgName = str
		case "api_base_url":
			c.APIBaseURL = str
		case "port":
			c.ServerPort = str
		case "log_level":
			c.LogLevel = str
		}
	}
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		logger: log.With().Str("component", "config").Logger(),
	}
}

// LoadConfiguration loads configuration from Vault, then the environment,
// then defaults, and validates the result. A missing required setting is
// fatal to startup.
func (cm *ConfigManager) LoadConfiguration(vaultClient *vault.Client) (*Config, error) {
	config := &Config{}

	if err := cm.loadFromVault(vaultClient, config); err != nil {
		cm.logger.Warn().Err(err).Msg("Failed to load configuration from Vault")
	}

	cm.loadFromEnvironment(config)
	cm.setDefaults(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromVault loads GitHub App configuration from Vault
func (cm *ConfigManager) loadFromVault(vaultClient *vault.Client, config *Config) error {
	if vaultClient == nil {
		return fmt.Errorf("vault client is nil")
	}

	githubConfig, err := vaultClient.GetSecret(githubSecretPath)
	if err != nil {
		return err
	}

	for key, value := range githubConfig {
		config.SetIntValue(key, value)
		config.SetStringValue(key, value)
	}

	return nil
}

// loadFromEnvironment loads configuration from environment variables,
// filling only values Vault did not provide.
func (cm *ConfigManager) loadFromEnvironment(config *Config) {
	if config.AppID == 0 {
		if v, err := strconv.Atoi(os.Getenv("GITHUB_APP_ID")); err == nil {
			config.AppID = v
		}
	}
	if config.InstallationID == 0 {
		if v, err := strconv.Atoi(os.Getenv("GITHUB_APP_INSTALLATION_ID")); err == nil {
			config.InstallationID = v
		}
	}
	if config.ProjectNumber == 0 {
		if v, err := strconv.Atoi(os.Getenv("GITHUB_PROJECT_ID")); err == nil {
			config.ProjectNumber = v
		}
	}
	if config.WindowDays == 0 {
		if v, err := strconv.Atoi(os.Getenv("NUM_OF_DAYS_TO_REPROCESS_WEBHOOKS")); err == nil {
			config.WindowDays = v
		}
	}
	if config.PrivateKey == "" {
		config.PrivateKey = os.Getenv("GITHUB_APP_PRIVATE_KEY")
	}
	if config.OrgName == "" {
		config.OrgName = os.Getenv("GITHUB_ORG_NAME")
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = os.Getenv("GITHUB_API_BASE_URL")
	}
	if config.ServerPort == "" {
		config.ServerPort = os.Getenv("PORT")
	}
	if config.LogLevel == "" {
		config.LogLevel = os.Getenv("LOG_LEVEL")
	}
}

// setDefaults sets default values for optional configuration fields
func (cm *ConfigManager) setDefaults(config *Config) {
	if config.OrgName == "" {
		config.OrgName = "GlueOps"
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = "https://api.github.com"
	}
	if config.WindowDays == 0 {
		config.WindowDays = 3
	}
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}
