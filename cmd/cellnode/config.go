package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("30s", "24h") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	NodeID string `yaml:"node_id"`
	Modem  struct {
		Port         string   `yaml:"port"`
		Baud         int      `yaml:"baud"`
		ReadTimeout  Duration `yaml:"read_timeout"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"modem"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	ImagesDir string `yaml:"images_dir"`
	OTA       struct {
		Manifest      string   `yaml:"manifest"`
		Image         string   `yaml:"image"`
		CheckInterval Duration `yaml:"check_interval"`
		SyncEvery     int64    `yaml:"sync_every"`
		RebootCommand []string `yaml:"reboot_command"`
	} `yaml:"ota"`
	FTP struct {
		Host            string   `yaml:"host"`
		User            string   `yaml:"user"`
		Password        string   `yaml:"password"`
		Passive         bool     `yaml:"passive"`
		LoginTimeout    Duration `yaml:"login_timeout"`
		TransferTimeout Duration `yaml:"transfer_timeout"`
	} `yaml:"ftp"`
	NTP struct {
		Server   string   `yaml:"server"`
		Timeout  Duration `yaml:"timeout"`
		Interval Duration `yaml:"interval"`
		SetClock bool     `yaml:"set_system_clock"`
	} `yaml:"ntp"`
	Transfer struct {
		ChunkSize    int      `yaml:"chunk_size"`
		ChunkTimeout Duration `yaml:"chunk_timeout"`
		Retries      int      `yaml:"retries"`
	} `yaml:"transfer"`
	QueueSize int `yaml:"queue_size"`
	Web       struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled         bool     `yaml:"enabled"`
		Broker          string   `yaml:"broker"`
		Username        string   `yaml:"username"`
		Password        string   `yaml:"password"`
		TopicPrefix     string   `yaml:"topic_prefix"`
		ClientID        string   `yaml:"client_id"`
		StatusInterval  Duration `yaml:"status_interval"`
		DiscoveryPrefix string   `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   Duration `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		if h, err := os.Hostname(); err == nil {
			c.NodeID = h
		} else {
			c.NodeID = "cellnode"
		}
	}
	if c.Modem.Baud == 0 {
		c.Modem.Baud = 115200
	}
	if c.Modem.ReadTimeout == 0 {
		c.Modem.ReadTimeout = Duration(100 * time.Millisecond)
	}
	if c.Store.Path == "" {
		c.Store.Path = "cellnode.db"
	}
	if c.ImagesDir == "" {
		c.ImagesDir = "images"
	}
	if c.OTA.Manifest == "" {
		c.OTA.Manifest = "wombat.sha1"
	}
	if c.OTA.Image == "" {
		c.OTA.Image = "wombat.bin"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "cellnode"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Exec.Timeout == 0 {
		c.Exec.Timeout = Duration(10 * time.Second)
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
}

func (c *Config) validate() error {
	if c.Modem.Port == "" {
		return fmt.Errorf("modem.port is required")
	}
	if c.Modem.Baud < 0 {
		return fmt.Errorf("modem.baud must be positive, got %d", c.Modem.Baud)
	}
	if c.Transfer.ChunkSize < 0 {
		return fmt.Errorf("transfer.chunk_size must not be negative, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.Retries < 0 {
		return fmt.Errorf("transfer.retries must not be negative, got %d", c.Transfer.Retries)
	}
	if strings.ContainsAny(c.NodeID, "/+#") {
		return fmt.Errorf("node_id %q must not contain MQTT topic characters", c.NodeID)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.OTA.CheckInterval != 0 && c.FTP.Host == "" {
		return fmt.Errorf("ftp.host is required for scheduled update checks")
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
