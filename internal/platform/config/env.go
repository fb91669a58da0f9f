package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ServerEnv holds the server settings that may come from the environment.
// Unset variables leave the flag values alone.
type ServerEnv struct {
	Addr           string  `env:"GUARDWATCH_ADDR"`
	DataDir        string  `env:"GUARDWATCH_DATA_DIR"`
	TuningPath     string  `env:"GUARDWATCH_TUNING"`
	AdminToken     string  `env:"GUARDWATCH_ADMIN_TOKEN"`
	HelloToken     string  `env:"GUARDWATCH_HELLO_TOKEN"`
	DisableDB      *bool   `env:"GUARDWATCH_DISABLE_DB"`
	SnapshotEveryS *int    `env:"GUARDWATCH_SNAPSHOT_EVERY_SECONDS"`
	DeployEnv      string  `env:"DEPLOY_ENV" envDefault:"dev"`
	ShutdownGraceS float64 `env:"GUARDWATCH_SHUTDOWN_GRACE_SECONDS" envDefault:"5"`
}

// AdminEnv holds the admin CLI settings.
type AdminEnv struct {
	DBPath     string `env:"GUARDWATCH_DB"`
	ServerURL  string `env:"GUARDWATCH_SERVER_URL" envDefault:"http://127.0.0.1:8080"`
	AdminToken string `env:"GUARDWATCH_ADMIN_TOKEN"`
}

// Production reports whether admin-only surfaces should default to closed.
func (e ServerEnv) Production() bool {
	switch e.DeployEnv {
	case "staging", "production":
		return true
	default:
		return false
	}
}
