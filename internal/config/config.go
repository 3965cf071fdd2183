package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Server            string        `mapstructure:"server"`
	ScreenShareServer string        `mapstructure:"screenshare_server"`
	SIPProxy          string        `mapstructure:"sip_proxy"`
	SIPProxyPort      int           `mapstructure:"sip_proxy_port"`
	Destination       string        `mapstructure:"destination"`
	Account           string        `mapstructure:"account"`
	AutoDial          bool          `mapstructure:"auto_dial"`
	VideoRoom         uint64        `mapstructure:"video_room"`
	ScreenShareRoom   uint64        `mapstructure:"screenshare_room"`
	MaxFeeds          int           `mapstructure:"max_feeds"`
	ClientVendor      string        `mapstructure:"client_vendor"`
	SafariVP8         bool          `mapstructure:"safari_vp8"`
	RegisterTimeout   time.Duration `mapstructure:"register_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	LogLevel          string        `mapstructure:"log_level"`
	ICEServers        []string      `mapstructure:"ice_servers"`
}

// EnvPrefix prefixes every environment variable, e.g. SIPROOM_SERVER.
const EnvPrefix = "SIPROOM"

// Load reads configuration from a .env file (if present), an optional YAML
// file named by SIPROOM_CONFIG and environment variables. Environment
// variables take precedence over both files.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := os.Getenv(EnvPrefix + "_CONFIG"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// A comma separated env value arrives as a single element.
	if len(cfg.ICEServers) == 1 && strings.Contains(cfg.ICEServers[0], ",") {
		cfg.ICEServers = strings.Split(cfg.ICEServers[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server", "http://127.0.0.1:8088/janus")
	v.SetDefault("screenshare_server", "ws://127.0.0.1:8188/janus")
	v.SetDefault("sip_proxy", "127.0.0.1")
	v.SetDefault("sip_proxy_port", 5061)
	v.SetDefault("destination", "5555")
	v.SetDefault("account", "")
	v.SetDefault("auto_dial", true)
	v.SetDefault("video_room", 1234)
	v.SetDefault("screenshare_room", 1234)
	v.SetDefault("max_feeds", 5)
	v.SetDefault("client_vendor", "chrome")
	v.SetDefault("safari_vp8", false)
	v.SetDefault("register_timeout", "30s")
	v.SetDefault("call_timeout", "60s")
	v.SetDefault("keepalive_interval", "25s")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// Validate checks values Load cannot default.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("%s_SERVER must not be empty", EnvPrefix)
	}
	if c.SIPProxy == "" {
		return fmt.Errorf("%s_SIP_PROXY must not be empty", EnvPrefix)
	}
	if c.SIPProxyPort <= 0 || c.SIPProxyPort > 65535 {
		return fmt.Errorf("%s_SIP_PROXY_PORT out of range: %d", EnvPrefix, c.SIPProxyPort)
	}
	if c.MaxFeeds < 1 {
		return fmt.Errorf("%s_MAX_FEEDS must be at least 1", EnvPrefix)
	}
	return nil
}
