package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PAIRLINE"

// Config is the signaling server configuration.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Store      string `mapstructure:"store"`
	BadgerPath string `mapstructure:"badger_path"`

	CallRateLimit    int           `mapstructure:"call_rate_limit"`
	CallRateInterval time.Duration `mapstructure:"call_rate_interval"`
}

// ClientConfig is the headless call client configuration.
type ClientConfig struct {
	Server     string   `mapstructure:"server"`
	UserID     string   `mapstructure:"user_id"`
	Username   string   `mapstructure:"username"`
	LogLevel   string   `mapstructure:"log_level"`
	ICEServers []string `mapstructure:"ice_servers"`

	AudioRTPAddr string `mapstructure:"audio_rtp_addr"`
	VideoRTPAddr string `mapstructure:"video_rtp_addr"`

	ReconnectBase   time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max"`
	ReconnectJitter time.Duration `mapstructure:"reconnect_jitter"`

	AutoAccept bool `mapstructure:"auto_accept"`
}

func configFile(prefix string) string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/%s.%s.yaml", prefix, env)
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
func Load() (*Config, error) {
	return LoadFile(configFile("config"))
}

func LoadFile(fileName string) (*Config, error) {
	v := newViper(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "pairline-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("store", "memory")
	v.SetDefault("badger_path", "./data/messages")
	v.SetDefault("call_rate_limit", 5)
	v.SetDefault("call_rate_interval", "1m")

	readIn(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("ping_period %s must be shorter than pong_wait %s", cfg.PingPeriod, cfg.PongWait)
	}
	switch cfg.Store {
	case "memory", "badger":
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store).Msg("server config")
	return &cfg, nil
}

// ClientFlags declares the command-line flags LoadClient understands.
func ClientFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("pairline-client", pflag.ContinueOnError)
	fs.String("config", "", "path to a client config yaml")
	fs.String("server", "ws://localhost:8080/api/ws", "event channel base url")
	fs.String("user-id", "", "user id to join as (generated when empty)")
	fs.String("username", "", "display name")
	fs.String("log-level", "info", "zerolog level")
	fs.StringSlice("ice-servers", []string{"stun:stun.l.google.com:19302"}, "STUN/TURN urls")
	fs.String("audio-rtp", "127.0.0.1:5004", "UDP address receiving Opus RTP")
	fs.String("video-rtp", "", "UDP address receiving VP8 RTP (empty: no camera)")
	fs.Duration("reconnect-base", time.Second, "first reconnect delay")
	fs.Duration("reconnect-max", 30*time.Second, "reconnect delay cap")
	fs.Duration("reconnect-jitter", time.Second, "random extra delay per attempt")
	fs.Bool("auto-accept", false, "accept incoming calls without prompting")
	return fs
}

var clientFlagKeys = map[string]string{
	"server":           "server",
	"user-id":          "user_id",
	"username":         "username",
	"log-level":        "log_level",
	"ice-servers":      "ice_servers",
	"audio-rtp":        "audio_rtp_addr",
	"video-rtp":        "video_rtp_addr",
	"reconnect-base":   "reconnect_base",
	"reconnect-max":    "reconnect_max",
	"reconnect-jitter": "reconnect_jitter",
	"auto-accept":      "auto_accept",
}

// LoadClient merges flags over the client yaml and PAIRLINE_* env.
func LoadClient(flags *pflag.FlagSet) (*ClientConfig, error) {
	fileName := configFile("client")
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			fileName = f.Value.String()
		}
	}
	v := newViper(fileName)

	if flags != nil {
		for name, key := range clientFlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}
	v.SetDefault("server", "ws://localhost:8080/api/ws")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("audio_rtp_addr", "127.0.0.1:5004")
	v.SetDefault("video_rtp_addr", "")
	v.SetDefault("reconnect_base", "1s")
	v.SetDefault("reconnect_max", "30s")
	v.SetDefault("reconnect_jitter", "1s")
	v.SetDefault("auto_accept", false)
	v.SetDefault("user_id", "")
	v.SetDefault("username", "")

	readIn(v, fileName)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.ReconnectBase <= 0 || cfg.ReconnectMax < cfg.ReconnectBase {
		return nil, fmt.Errorf("invalid reconnect window %s..%s", cfg.ReconnectBase, cfg.ReconnectMax)
	}
	return &cfg, nil
}

// ParseLevel falls back to info on unknown names.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func newViper(fileName string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

func readIn(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}
