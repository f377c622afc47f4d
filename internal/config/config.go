// Package config loads the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vxmarkets/pulse/internal/alignment"
	"github.com/vxmarkets/pulse/internal/anomaly"
	"github.com/vxmarkets/pulse/internal/breaker"
	"github.com/vxmarkets/pulse/internal/consensus"
	"github.com/vxmarkets/pulse/internal/engine"
	"github.com/vxmarkets/pulse/internal/optimizer"
)

// Config is the full engine configuration surface. Every threshold the
// engine consults lives here; nothing is a hard-coded constant.
type Config struct {
	Instruments []string `yaml:"instruments"`

	// StalenessTTLs maps a layer class (e.g. "technical", "onchain",
	// "sentiment") to how old its scores may be before a round drops
	// them.
	StalenessTTLs map[string]time.Duration `yaml:"staleness_ttls"`

	// LayerClasses maps a layer ID to its class so submissions that omit a
	// TTL inherit the class default from StalenessTTLs.
	LayerClasses map[string]string `yaml:"layer_classes"`

	Engine    engine.Config          `yaml:"engine"`
	Scheduler engine.SchedulerConfig `yaml:"scheduler"`
	Voter     consensus.Config       `yaml:"voter"`
	Alignment alignment.Config       `yaml:"alignment"`
	Anomaly   anomaly.Config         `yaml:"anomaly"`
	Breaker   breaker.Config         `yaml:"breaker"`
	Optimizer struct {
		Online optimizer.OnlineConfig `yaml:"online"`
		Batch  optimizer.BatchConfig  `yaml:"batch"`
	} `yaml:"optimizer"`

	Postgres struct {
		DSN     string        `yaml:"dsn"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	OutcomeWindow int `yaml:"outcome_window"` // trailing records kept per instrument
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if len(c.Instruments) == 0 {
		c.Instruments = []string{"BTC-USD"}
	}
	if c.Postgres.Timeout <= 0 {
		c.Postgres.Timeout = 5 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8087"
	}
	if c.OutcomeWindow <= 0 {
		c.OutcomeWindow = 500
	}
	if len(c.StalenessTTLs) == 0 {
		c.StalenessTTLs = map[string]time.Duration{
			"technical": 5 * time.Minute,
			"onchain":   30 * time.Minute,
			"sentiment": 15 * time.Minute,
			"macro":     2 * time.Hour,
			"pattern":   10 * time.Minute,
		}
	}
}

// StalenessFor returns the TTL for a layer class, with a conservative
// fallback for unknown classes.
func (c *Config) StalenessFor(class string) time.Duration {
	if ttl, ok := c.StalenessTTLs[class]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// TTLForLayer resolves a layer ID through LayerClasses to its class TTL.
// Layers with no configured class fall back like an unknown class does.
func (c *Config) TTLForLayer(layerID string) time.Duration {
	return c.StalenessFor(c.LayerClasses[layerID])
}
