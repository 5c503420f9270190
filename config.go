package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"
	MsgConfigInvalidVolume  = "invalid MAX_VOLUME: must be between 1 and 1000"

	// Environment Variables
	EnvDiscordToken   = "DISCORD_TOKEN"
	EnvSilent         = "SILENT"
	EnvGuildID        = "GUILD_ID"
	EnvMaxVolume      = "MAX_VOLUME"
	EnvIdleTimeout    = "IDLE_TIMEOUT"
	EnvDisableSources = "DISABLE_SOURCES"
)

type Config struct {
	Token           string
	GuildID         string
	DatabasePath    string
	Silent          bool
	MaxVolume       int
	IdleTimeout     time.Duration
	DisabledSources []string
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv(EnvDiscordToken)
	dbPath := filepath.Join(".", GetProjectName()+".db")

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	disabledStr := os.Getenv(EnvDisableSources)
	var disabled []string
	if disabledStr != "" {
		disabled = strings.Split(disabledStr, ",")
		for i := range disabled {
			disabled[i] = strings.ToLower(strings.TrimSpace(disabled[i]))
		}
	}

	cfg := &Config{
		Token:           token,
		GuildID:         os.Getenv(EnvGuildID),
		DatabasePath:    dbPath,
		Silent:          silent,
		DisabledSources: disabled,
	}

	cfg.MaxVolume, _ = strconv.Atoi(os.Getenv(EnvMaxVolume))
	if cfg.MaxVolume == 0 {
		cfg.MaxVolume = 200
	}

	if idleStr := os.Getenv(EnvIdleTimeout); idleStr != "" {
		if d, err := ParseDuration(idleStr); err == nil && d > 0 {
			cfg.IdleTimeout = d
		}
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	if c.MaxVolume < 1 || c.MaxVolume > 1000 {
		return fmt.Errorf(MsgConfigInvalidVolume)
	}
	return nil
}

func (c *Config) SourceDisabled(name string) bool {
	for _, s := range c.DisabledSources {
		if s == strings.ToLower(name) {
			return true
		}
	}
	return false
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
