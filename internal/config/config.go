// Package config loads service settings: defaults, then an optional YAML
// file, then command line flags applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bus-tracker/internal/logging"
	"bus-tracker/internal/observability"
)

// Source kinds, one per store backend.
const (
	SourceMemory   = "memory"
	SourceRTDB     = "rtdb"
	SourcePostgres = "postgres"
	SourceAMQP     = "amqp"
	SourceGTFSRT   = "gtfsrt"
	SourceSiriXML  = "siri_xml"
	SourceSiriJSON = "siri_json"
)

// Heading display modes.
const (
	HeadingSnap        = "snap"
	HeadingShortestArc = "shortest_arc"
)

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StaticDir       string        `yaml:"static_dir"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	SendBuffer      int           `yaml:"send_buffer"`
}

type StoreConfig struct {
	RTDBURL        string        `yaml:"rtdb_url"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	EnsureSchema   bool          `yaml:"ensure_schema"`
	AMQPURL        string        `yaml:"amqp_url"`
	GTFSRTURL      string        `yaml:"gtfsrt_url"`
	SiriXMLURL     string        `yaml:"siri_xml_url"`
	SiriJSONURL    string        `yaml:"siri_json_url"`
	RefreshMin     time.Duration `yaml:"refresh_min"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	AllowInProcess bool          `yaml:"allow_in_process"`
}

type FeedConfig struct {
	LocationsPath string `yaml:"locations_path"`
	StatusPath    string `yaml:"status_path"`
	EntityPath    string `yaml:"entity_path"`
}

type DisplayConfig struct {
	FrameRate      int           `yaml:"frame_rate"`
	Animation      time.Duration `yaml:"animation"`
	Heading        string        `yaml:"heading"`
	JitterDegrees  float64       `yaml:"jitter_degrees"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	StalePoll      time.Duration `yaml:"stale_poll"`
}

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig                `yaml:"server"`
	Store   StoreConfig                 `yaml:"store"`
	Feed    FeedConfig                  `yaml:"feed"`
	Display DisplayConfig               `yaml:"display"`
	Logging logging.Config              `yaml:"logging"`
	Tracing observability.TracingConfig `yaml:"tracing"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
			StaticDir:       "./static",
			MetricsEnabled:  true,
			SendBuffer:      8,
		},
		Store: StoreConfig{
			RefreshMin:   10 * time.Second,
			FetchTimeout: 10 * time.Second,
		},
		Feed: FeedConfig{
			LocationsPath: "locations",
			StatusPath:    "status",
			EntityPath:    "buses",
		},
		Display: DisplayConfig{
			FrameRate:      60,
			Animation:      2 * time.Second,
			Heading:        HeadingSnap,
			JitterDegrees:  1,
			StaleThreshold: 5 * time.Minute,
			StalePoll:      30 * time.Second,
		},
		Logging: logging.Config{Level: "info", Format: "text"},
		Tracing: observability.TracingConfig{ServiceName: "bus-tracker", Exporter: "stdout", SampleRatio: 1},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Source returns the single configured store backend. The in-process
// memory store is only chosen when no URL is set and AllowInProcess is on.
func (c StoreConfig) Source() (string, error) {
	var set []string
	for _, s := range []struct{ kind, url string }{
		{SourceRTDB, c.RTDBURL},
		{SourcePostgres, c.PostgresDSN},
		{SourceAMQP, c.AMQPURL},
		{SourceGTFSRT, c.GTFSRTURL},
		{SourceSiriXML, c.SiriXMLURL},
		{SourceSiriJSON, c.SiriJSONURL},
	} {
		if s.url != "" {
			set = append(set, s.kind)
		}
	}
	switch {
	case len(set) == 1:
		return set[0], nil
	case len(set) == 0 && c.AllowInProcess:
		return SourceMemory, nil
	case len(set) == 0:
		return "", errors.New("provide exactly one of --rtdb_url, --postgres_dsn, --amqp_url, --gtfsrt_url, --siri_xml_url, --siri_json_url")
	default:
		return "", fmt.Errorf("provide exactly one store source, got %s", strings.Join(set, ", "))
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be positive")
	}
	if _, err := c.Store.Source(); err != nil {
		return err
	}
	if c.Feed.LocationsPath == "" || c.Feed.StatusPath == "" || c.Feed.EntityPath == "" {
		return errors.New("feed paths must not be empty")
	}
	if c.Display.FrameRate <= 0 || c.Display.FrameRate > 240 {
		return fmt.Errorf("display.frame_rate %d out of range", c.Display.FrameRate)
	}
	if c.Display.Animation <= 0 {
		return errors.New("display.animation must be positive")
	}
	switch c.Display.Heading {
	case HeadingSnap, HeadingShortestArc:
	default:
		return fmt.Errorf("display.heading %q: want %s or %s", c.Display.Heading, HeadingSnap, HeadingShortestArc)
	}
	if c.Display.JitterDegrees < 0 {
		return errors.New("display.jitter_degrees must not be negative")
	}
	if c.Display.StaleThreshold <= 0 || c.Display.StalePoll <= 0 {
		return errors.New("display stale settings must be positive")
	}
	return nil
}
