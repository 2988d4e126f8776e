package cnic

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mcuadros/go-defaults"
	"github.com/takehaya/cnic/pkg/hbm"
	"github.com/takehaya/cnic/pkg/logger"
	"github.com/takehaya/cnic/pkg/scheduler"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CNIC_MEMORY_SIZE.
const EnvPrefix = "CNIC"

type Config struct {
	LoggerConfig logger.Config `envconfig:"LOG"`

	// Simulate runs against the in-memory device.
	Simulate   bool   `default:"true"`
	MemorySize uint64 `default:"67108864" split_words:"true"`
	// Loopback feeds simulated transmissions back into the receive path.
	Loopback bool

	// LayoutFile is a YAML file listing the buffer regions.
	LayoutFile string           `split_words:"true"`
	Regions    []hbm.RegionSpec `ignored:"true"`

	Limits       scheduler.Limits
	PollInterval time.Duration `default:"1ms" split_words:"true"`

	// StatusAddr serves /metrics and /status when set.
	StatusAddr string `split_words:"true"`

	PluginPath string `default:"/usr/local/lib/cnic/plugins/" split_words:"true"`
}

// layoutFile is the YAML shape of Config.LayoutFile.
type layoutFile struct {
	MemorySize uint64           `yaml:"memory_size"`
	Regions    []hbm.RegionSpec `yaml:"regions"`
}

// LoadConfig applies defaults, then CNIC_* environment overrides, then the
// layout file if one is named.
func LoadConfig() (Config, error) {
	var cfg Config
	defaults.SetDefaults(&cfg)
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed read environment: %w", err)
	}
	if cfg.LayoutFile != "" {
		if err := cfg.LoadLayout(cfg.LayoutFile); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) LoadLayout(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed read layout: %w", err)
	}
	var lf layoutFile
	if err := yaml.Unmarshal(raw, &lf); err != nil {
		return fmt.Errorf("failed parse layout %s: %w", path, err)
	}
	if lf.MemorySize != 0 {
		c.MemorySize = lf.MemorySize
	}
	c.Regions = lf.Regions
	c.LayoutFile = path
	return nil
}

// Layout returns the configured regions. Without any, memory is split
// evenly into one transmit and one receive region.
func (c *Config) Layout() []hbm.RegionSpec {
	if len(c.Regions) > 0 {
		return c.Regions
	}
	half := c.MemorySize / 2
	return []hbm.RegionSpec{
		{Capacity: half, Role: hbm.RoleTransmit},
		{Capacity: c.MemorySize - half, Role: hbm.RoleReceive},
	}
}

func (c *Config) Validate() error {
	if c.MemorySize == 0 {
		return fmt.Errorf("memory size must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	var total uint64
	for i, r := range c.Layout() {
		if r.Capacity == 0 {
			return fmt.Errorf("%w: region %d has no capacity", hbm.ErrInvalidLayout, i)
		}
		total += r.Capacity
	}
	if total > c.MemorySize {
		return fmt.Errorf("%w: regions need %d bytes, memory is %d", hbm.ErrInvalidLayout, total, c.MemorySize)
	}
	return nil
}
