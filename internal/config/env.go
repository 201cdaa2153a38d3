package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "jobmesh"

// envOverrides lists the settings that can be set from JOBMESH_* variables.
// Secrets usually arrive this way instead of through the config file.
type envOverrides struct {
	LogLevel      string `envconfig:"LOG_LEVEL"`
	InstanceID    string `envconfig:"INSTANCE_ID"`
	Timezone      string `envconfig:"TIMEZONE"`
	ClusterDriver string `envconfig:"CLUSTER_DRIVER"`
	ClusterDSN    string `envconfig:"CLUSTER_DSN"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	APIAddr       string `envconfig:"API_ADDR"`
	APIToken      string `envconfig:"API_TOKEN"`
}

// LoadDotenv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotenv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays JOBMESH_* variables on cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(envPrefix, &o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Scheduler.InstanceID, o.InstanceID)
	set(&cfg.Scheduler.Timezone, o.Timezone)
	set(&cfg.Cluster.Driver, o.ClusterDriver)
	set(&cfg.Cluster.DSN, o.ClusterDSN)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.API.Addr, o.APIAddr)
	set(&cfg.API.Token, o.APIToken)
	return nil
}
