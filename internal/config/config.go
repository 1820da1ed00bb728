// Package config loads keeper.yaml.
package config

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Zero-valued fields fall back to
// defaults, so a partial file or no file at all is fine.
type Config struct {
	World   string `yaml:"world"`
	DataDir string `yaml:"data_dir"`

	SaveEverySec  int `yaml:"save_every_sec"`
	CompressLevel int `yaml:"compress_level"` // 1 fastest .. 4 best
	EncodeWorkers int `yaml:"encode_workers"` // <=0 means GOMAXPROCS

	Retention RetentionConfig `yaml:"retention"`

	ListenAddr   string `yaml:"listen_addr"`   // health + metrics
	ObserverAddr string `yaml:"observer_addr"` // ops event feed, loopback only
	CatalogPath  string `yaml:"catalog_path"`  // empty disables the catalog

	Soak SoakConfig `yaml:"soak"`
}

type RetentionConfig struct {
	KeepPasses   int `yaml:"keep_passes"`
	ArchiveEvery int `yaml:"archive_every"` // 0 disables archiving
}

// SoakConfig sizes the synthetic population the daemon churns between
// saves.
type SoakConfig struct {
	Mobiles    int `yaml:"mobiles"`
	Items      int `yaml:"items"`
	Containers int `yaml:"containers"`
	Players    int `yaml:"players"`
	ChurnOps   int `yaml:"churn_ops"` // mutations applied per tick
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func Load(path string) (Config, error) {
	var c Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("keeper.yaml: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

// EncoderLevel maps the configured compression level onto the encoder's
// speed tiers.
func (c Config) EncoderLevel() zstd.EncoderLevel {
	switch c.CompressLevel {
	case 1:
		return zstd.SpeedFastest
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func (c *Config) applyDefaults() {
	if c.World == "" {
		c.World = "main"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.SaveEverySec <= 0 {
		c.SaveEverySec = 300
	}
	if c.CompressLevel <= 0 {
		c.CompressLevel = 2
	}
	if c.Retention.KeepPasses <= 0 {
		c.Retention.KeepPasses = 24
	}
	if c.Retention.ArchiveEvery < 0 {
		c.Retention.ArchiveEvery = 0
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:7710"
	}
	if c.ObserverAddr == "" {
		c.ObserverAddr = "127.0.0.1:7711"
	}
	c.Soak.applyDefaults()
}

func (s *SoakConfig) applyDefaults() {
	if s.Mobiles <= 0 {
		s.Mobiles = 64
	}
	if s.Items <= 0 {
		s.Items = 256
	}
	if s.Containers <= 0 {
		s.Containers = 16
	}
	if s.Players <= 0 {
		s.Players = 8
	}
	if s.ChurnOps <= 0 {
		s.ChurnOps = 32
	}
}
