package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tabbridge/internal/logging"
	"tabbridge/internal/telemetry"
	"tabbridge/internal/version"
)

const (
	envPrefix       = "TABBRIDGE"
	legacyTokenEnv  = "MCP_BRIDGE_TOKEN"
	configName      = "tabbridge"
	defaultListen   = "127.0.0.1:8080"
	defaultServer   = "http://127.0.0.1:8080"
	defaultCatalog  = "tools.json"
	defaultScript   = "tabbridge.user.js"
	defaultLogLevel = "info"
)

var errTokenRequired = errors.New("a peer token is required (--token, TABBRIDGE_TOKEN or MCP_BRIDGE_TOKEN)")

type Config struct {
	Listen          string
	Token           string
	ControlToken    string
	Catalog         string
	WatchCatalog    bool
	UpdateScript    string
	CallTimeout     time.Duration
	AllowedOrigins  []string
	PeerQueue       int
	PeerLogRate     float64
	PeerLogBurst    int
	LogLevel        logging.Level
	ShutdownTimeout time.Duration
	ConfigFile      string
	Telemetry       telemetry.Options
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":           "listen",
	"token":            "token",
	"control-token":    "control_token",
	"catalog":          "catalog",
	"watch-catalog":    "watch_catalog",
	"update-script":    "update_script",
	"call-timeout":     "call_timeout",
	"allowed-origins":  "allowed_origins",
	"peer-queue":       "peer_queue",
	"peer-log-rate":    "peer_log_rate",
	"peer-log-burst":   "peer_log_burst",
	"log-level":        "log_level",
	"verbose":          "verbose",
	"quiet":            "quiet",
	"shutdown-timeout": "shutdown_timeout",
	"server":           "server",
	"otel-endpoint":    "otel_endpoint",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("listen", defaultListen)
	v.SetDefault("token", "")
	v.SetDefault("control_token", "")
	v.SetDefault("catalog", defaultCatalog)
	v.SetDefault("watch_catalog", true)
	v.SetDefault("update_script", defaultScript)
	v.SetDefault("call_timeout", 30*time.Second)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("peer_queue", 64)
	v.SetDefault("peer_log_rate", 20.0)
	v.SetDefault("peer_log_burst", 40)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("verbose", false)
	v.SetDefault("quiet", false)
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("server", defaultServer)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("otel_service_name", configName)
	v.SetDefault("otel_resource_attributes", "")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("token", envPrefix+"_TOKEN", legacyTokenEnv)
	return v
}

// bindFlags makes every flag the command defines take precedence over the
// environment and the config file once it is set.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(flag *pflag.Flag) {
		key, ok := flagKeys[flag.Name]
		if !ok {
			return
		}
		if err := v.BindPFlag(key, flag); err != nil {
			bindErr = errors.Join(bindErr, err)
		}
	})
	return bindErr
}

// readConfigFile loads an explicit file, or tabbridge.{toml,yaml,yml} from
// the working directory when one exists.
func readConfigFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	v.SetConfigName(configName)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func configFromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Listen:          strings.TrimSpace(v.GetString("listen")),
		Token:           strings.TrimSpace(v.GetString("token")),
		ControlToken:    strings.TrimSpace(v.GetString("control_token")),
		Catalog:         strings.TrimSpace(v.GetString("catalog")),
		WatchCatalog:    v.GetBool("watch_catalog"),
		UpdateScript:    strings.TrimSpace(v.GetString("update_script")),
		CallTimeout:     v.GetDuration("call_timeout"),
		AllowedOrigins:  cleanList(v.GetStringSlice("allowed_origins")),
		PeerQueue:       v.GetInt("peer_queue"),
		PeerLogRate:     v.GetFloat64("peer_log_rate"),
		PeerLogBurst:    v.GetInt("peer_log_burst"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		ConfigFile:      v.ConfigFileUsed(),
		Telemetry: telemetry.Options{
			Endpoint:           v.GetString("otel_endpoint"),
			ServiceName:        v.GetString("otel_service_name"),
			ServiceVersion:     version.Version,
			ResourceAttributes: telemetry.ParseResourceAttributes(v.GetString("otel_resource_attributes")),
		},
	}

	level, ok := logging.ParseLevel(v.GetString("log_level"))
	if !ok {
		return Config{}, fmt.Errorf("invalid log level %q", v.GetString("log_level"))
	}
	switch {
	case v.GetBool("verbose"):
		level = logging.LevelDebug
	case v.GetBool("quiet"):
		level = logging.LevelWarning
	}
	cfg.LogLevel = level

	if cfg.Listen == "" {
		return Config{}, errors.New("listen address must not be empty")
	}
	if cfg.CallTimeout <= 0 {
		return Config{}, fmt.Errorf("call timeout must be positive, got %s", cfg.CallTimeout)
	}
	if cfg.PeerQueue <= 0 {
		return Config{}, fmt.Errorf("peer queue must be positive, got %d", cfg.PeerQueue)
	}
	if cfg.PeerLogRate <= 0 || cfg.PeerLogBurst <= 0 {
		return Config{}, errors.New("peer log rate and burst must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return cfg, nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
	}
	return cleaned
}
