package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data" yaml:"data_path"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"" yaml:"database_path"`
	LogPath      string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	Listen       string `envconfig:"LISTEN" default:":8000" yaml:"listen"`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false" yaml:"auth_disabled"`

	// DockerHost overrides the address of the host-local engine
	// (default: the platform's standard socket).
	DockerHost string `envconfig:"DOCKER_HOST" default:"" yaml:"docker_host"`

	// Endpoint health probe settings. ProbeSchedule is a cron spec.
	ProbeSchedule string `envconfig:"PROBE_SCHEDULE" default:"@every 5m" yaml:"probe_schedule"`
	ProbeTimeout  string `envconfig:"PROBE_TIMEOUT" default:"5s" yaml:"probe_timeout"`

	// Terminal session settings
	ShellProbeTimeout   string `envconfig:"SHELL_PROBE_TIMEOUT" default:"3s" yaml:"shell_probe_timeout"`
	SessionStartTimeout string `envconfig:"SESSION_START_TIMEOUT" default:"30s" yaml:"session_start_timeout"`

	// ConfigFile points at an optional YAML file applied over the
	// environment-derived settings.
	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("HELMDECK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if Cfg.ConfigFile != "" {
		data, err := os.ReadFile(Cfg.ConfigFile)
		if err != nil {
			log.Fatalf("failed to read config file %s: %v", Cfg.ConfigFile, err)
		}
		if err := yaml.Unmarshal(data, &Cfg); err != nil {
			log.Fatalf("failed to parse config file %s: %v", Cfg.ConfigFile, err)
		}
	}

	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "helmdeck.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "helmdeck.log")
	}
}
