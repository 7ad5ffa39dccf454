package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/dkeye/voicemesh/internal/adapters/capture"
	"github.com/dkeye/voicemesh/internal/speaking"
)

type Config struct {
	Server   ServerConfig     `mapstructure:"server"`
	ICE      ICEConfig        `mapstructure:"ice"`
	Peer     PeerConfig       `mapstructure:"peer"`
	Media    MediaConfig      `mapstructure:"media"`
	Quality  QualityConfig    `mapstructure:"quality"`
	Speaking speaking.Options `mapstructure:"speaking"`
}

type ServerConfig struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	SendBuffer int           `mapstructure:"send_buffer"`
	JoinLimit  int           `mapstructure:"join_limit"`
	JoinWindow time.Duration `mapstructure:"join_window"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

type ICEConfig struct {
	Servers         []ICEServer `mapstructure:"servers"`
	UDPPortMin      uint16      `mapstructure:"udp_port_min"`
	UDPPortMax      uint16      `mapstructure:"udp_port_max"`
	NAT1To1IPs      []string    `mapstructure:"nat_1to1_ips"`
	IncludeLoopback bool        `mapstructure:"include_loopback"`
	LogLevel        string      `mapstructure:"log_level"`
}

type PeerConfig struct {
	ServerURL          string        `mapstructure:"server_url"`
	Room               string        `mapstructure:"room"`
	Username           string        `mapstructure:"username"`
	Video              bool          `mapstructure:"video"`
	Adaptive           bool          `mapstructure:"adaptive"`
	Preset             string        `mapstructure:"preset"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	MaxRetries         uint64        `mapstructure:"max_retries"`
	StatusInterval     time.Duration `mapstructure:"status_interval"`
}

type MediaConfig struct {
	Devices []capture.Device `mapstructure:"devices"`
}

type QualityConfig struct {
	Interval time.Duration `mapstructure:"interval"`
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
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Server.Mode, cfg.Server.Port, cfg.Server.StaticPath)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.secret", "change-me")
	v.SetDefault("server.send_buffer", 32)
	v.SetDefault("server.join_limit", 5)
	v.SetDefault("server.join_window", "10s")

	v.SetDefault("ice.servers", []map[string]any{{"urls": []string{"stun:stun.l.google.com:19302"}}})
	v.SetDefault("ice.log_level", "warn")

	v.SetDefault("peer.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.room", "main")
	v.SetDefault("peer.username", "guest")
	v.SetDefault("peer.preset", "sd")
	v.SetDefault("peer.negotiation_timeout", "15s")
	v.SetDefault("peer.dial_timeout", "10s")
	v.SetDefault("peer.max_retries", 10)
	v.SetDefault("peer.status_interval", "5s")

	v.SetDefault("media.devices", []map[string]any{{
		"id": "tone", "kind": "audio", "label": "Tone generator",
		"tone_hz": 440, "amplitude": 0.3, "talk_spurt": "2s", "pause": "1s",
	}})

	v.SetDefault("quality.interval", "2s")

	v.SetDefault("speaking.interval", "100ms")
	v.SetDefault("speaking.threshold", 25)
	v.SetDefault("speaking.min_speaking", "200ms")
	v.SetDefault("speaking.decay", "500ms")
	v.SetDefault("speaking.history_size", 10)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
