package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LIVECLASS_SERVER_ADDR
const EnvPrefix = "LIVECLASS"

// Config is the server configuration
type Config struct {
	Server struct {
		Addr           string   `mapstructure:"addr"`
		MetricsAddr    string   `mapstructure:"metrics_addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Hub struct {
		SendBuffer      int           `mapstructure:"send_buffer"`
		RegisterTimeout time.Duration `mapstructure:"register_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		MaxMessageSize  int64         `mapstructure:"max_message_size"`
	} `mapstructure:"hub"`
	Heartbeat struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
		Sweep    time.Duration `mapstructure:"sweep"`
	} `mapstructure:"heartbeat"`
	Store struct {
		Driver string `mapstructure:"driver"` // sqlite, postgres or none
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Analytics struct {
		Enabled bool `mapstructure:"enabled"`
		Buffer  int  `mapstructure:"buffer"`
	} `mapstructure:"analytics"`
	WebRTC struct {
		STUNURLs       []string `mapstructure:"stun_urls"`
		TURNURL        string   `mapstructure:"turn_url"`
		TURNUsername   string   `mapstructure:"turn_username"`
		TURNCredential string   `mapstructure:"turn_credential"`
	} `mapstructure:"webrtc"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // text or json
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9091")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("hub.send_buffer", 256)
	v.SetDefault("hub.register_timeout", "10s")
	v.SetDefault("hub.write_timeout", "10s")
	v.SetDefault("hub.max_message_size", 64<<10)

	v.SetDefault("heartbeat.interval", "15s")
	v.SetDefault("heartbeat.timeout", "45s")
	v.SetDefault("heartbeat.sweep", "5s")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "liveclass.db")

	v.SetDefault("analytics.enabled", true)
	v.SetDefault("analytics.buffer", 1024)

	v.SetDefault("webrtc.stun_urls", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadDotEnv loads .env style files into the process environment.
// Missing files are skipped; existing variables are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from defaults, an optional YAML file and
// LIVECLASS_* environment variables, in increasing precedence. An empty
// path searches for config.yaml in the working directory.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// AutomaticEnv only applies to keys viper already knows about
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}
	for _, key := range []string{"webrtc.turn_url", "webrtc.turn_username", "webrtc.turn_credential"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at runtime
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Hub.SendBuffer <= 0 {
		errs = append(errs, errors.New("hub.send_buffer must be positive"))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		errs = append(errs, fmt.Errorf("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval))
	}
	if c.Heartbeat.Sweep <= 0 {
		errs = append(errs, errors.New("heartbeat.sweep must be positive"))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	case "none", "":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ICEServers returns the STUN/TURN servers advertised to screen-share viewers
func (c Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, u := range c.WebRTC.STUNURLs {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if c.WebRTC.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{c.WebRTC.TURNURL},
			Username:       c.WebRTC.TURNUsername,
			Credential:     c.WebRTC.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// LogLevel parses log.level, defaulting to info
func (c Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
