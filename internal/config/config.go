package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`

	RTC       RTCConfig       `mapstructure:"rtc"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Client    ClientConfig    `mapstructure:"client"`
}

type RTCConfig struct {
	UDPPortMin    uint16        `mapstructure:"udp_port_min"`
	UDPPortMax    uint16        `mapstructure:"udp_port_max"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	FrameDuration time.Duration `mapstructure:"frame_duration"`
	RelayBuffer   int           `mapstructure:"relay_buffer"`
}

// ChannelConfig declares one voice channel served by this node.
type ChannelConfig struct {
	ServerID string `mapstructure:"server_id"`
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Hidden   bool   `mapstructure:"hidden"`
}

// GrantConfig gives User the listed permissions on Server. "*" matches any.
type GrantConfig struct {
	User        string   `mapstructure:"user"`
	Server      string   `mapstructure:"server"`
	Permissions []string `mapstructure:"permissions"`
}

type DirectoryConfig struct {
	Channels []ChannelConfig `mapstructure:"channels"`
	Grants   []GrantConfig   `mapstructure:"grants"`
}

type LimitsConfig struct {
	JoinRate  float64 `mapstructure:"join_rate"`
	JoinBurst int     `mapstructure:"join_burst"`
}

type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	ServerID  string `mapstructure:"server_id"`
	ChannelID string `mapstructure:"channel_id"`
	Name      string `mapstructure:"name"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("rtc.udp_port_min", 0)
	v.SetDefault("rtc.udp_port_max", 0)
	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.frame_duration", "20ms")
	v.SetDefault("rtc.relay_buffer", 64)

	v.SetDefault("limits.join_rate", 1.0)
	v.SetDefault("limits.join_burst", 5)

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.name", "guest")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PongWait <= cfg.PingPeriod {
		return nil, fmt.Errorf("pong_wait (%s) must exceed ping_period (%s)", cfg.PongWait, cfg.PingPeriod)
	}
	if cfg.RTC.UDPPortMin > cfg.RTC.UDPPortMax {
		return nil, fmt.Errorf("rtc.udp_port_min %d above udp_port_max %d", cfg.RTC.UDPPortMin, cfg.RTC.UDPPortMax)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}
