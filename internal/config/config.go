package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Mode           string        `mapstructure:"mode"`
	Env            string        `mapstructure:"env"`
	Version        string        `mapstructure:"version"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	Secret         string        `mapstructure:"secret"`
	BlockKey       string        `mapstructure:"block_key"`
	PublicURL      string        `mapstructure:"public_url"`
	SignalURL      string        `mapstructure:"signal_url"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	Retention      time.Duration `mapstructure:"retention"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	MaxFrameBytes  int           `mapstructure:"max_frame_bytes"`
	AllowDevTokens bool          `mapstructure:"allow_dev_tokens"`
	GoogleClientID string        `mapstructure:"google_client_id"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	SignalRate     int           `mapstructure:"signal_rate"`
	KickAfter      int           `mapstructure:"kick_after"`
	Metrics        bool          `mapstructure:"metrics"`
	ICEServers     []string      `mapstructure:"ice_servers"`
}

type AgentConfig struct {
	Env                  string        `mapstructure:"env"`
	LogLevel             string        `mapstructure:"log_level"`
	BackendURL           string        `mapstructure:"backend_url"`
	Org                  string        `mapstructure:"org"`
	UIAddr               string        `mapstructure:"ui_addr"`
	BearerToken          string        `mapstructure:"bearer_token"`
	Autoplay             bool          `mapstructure:"autoplay"`
	AudioOutput          string        `mapstructure:"audio_output"`
	SystemAudioDevice    string        `mapstructure:"system_audio_device"`
	CaptureInterval      time.Duration `mapstructure:"capture_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	ICEServers           []string      `mapstructure:"ice_servers"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("env", "dev")
	v.SetDefault("version", "dev")
	v.SetDefault("port", 4000)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("block_key", "")
	v.SetDefault("public_url", "http://localhost:4000")
	v.SetDefault("signal_url", "ws://localhost:4000/api/ws/signal")
	v.SetDefault("token_ttl", "6h")
	v.SetDefault("retention", "2160h")
	v.SetDefault("sweep_interval", "1h")
	v.SetDefault("max_frame_bytes", 512*1024)
	v.SetDefault("allow_dev_tokens", false)
	v.SetDefault("google_client_id", "")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("signal_rate", 50)
	v.SetDefault("kick_after", 3)
	v.SetDefault("metrics", true)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
}

func agentDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("backend_url", "http://localhost:4000/api")
	v.SetDefault("org", "default")
	v.SetDefault("ui_addr", "127.0.0.1:4710")
	v.SetDefault("bearer_token", "")
	v.SetDefault("autoplay", false)
	v.SetDefault("audio_output", "")
	v.SetDefault("system_audio_device", "")
	v.SetDefault("capture_interval", "2s")
	v.SetDefault("max_reconnect_attempts", 3)
	v.SetDefault("request_timeout", "15s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// LoadServer reads config/server.<CONFIG_ENV>.yaml, HELPLINE_* env vars and flags.
func LoadServer(args []string) (*ServerConfig, error) {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.Int("port", 0, "listen port")
	fs.String("mode", "", "gin mode (debug|release)")
	fs.String("log-level", "", "log level")
	fs.Bool("allow-dev-tokens", false, "accept the dev-token bearer")

	var cfg ServerConfig
	if err := load("server", fs, args, serverDefaults, &cfg); err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("config: secret is required")
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("server config loaded")
	return &cfg, nil
}

// LoadAgent reads config/agent.<CONFIG_ENV>.yaml, HELPLINE_* env vars and flags.
func LoadAgent(args []string) (*AgentConfig, error) {
	fs := pflag.NewFlagSet("agentd", pflag.ContinueOnError)
	fs.String("backend-url", "", "backend API base URL")
	fs.String("ui-addr", "", "local UI shell listen address")
	fs.String("log-level", "", "log level")
	fs.Bool("autoplay", false, "allow remote audio without a user gesture")

	var cfg AgentConfig
	if err := load("agent", fs, args, agentDefaults, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	log.Info().Str("module", "config").Str("backend", cfg.BackendURL).Str("ui", cfg.UIAddr).Msg("agent config loaded")
	return &cfg, nil
}

func load(app string, fs *pflag.FlagSet, args []string, defaults func(*viper.Viper), out any) error {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", app, env)
	v.SetConfigFile(fileName)

	defaults(v)
	v.SetEnvPrefix("HELPLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: parse flags: %w", err)
	}
	// flag names use dashes, keys use underscores
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		}
	})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config file")
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("config: failed to parse: %w", err)
	}
	return nil
}
