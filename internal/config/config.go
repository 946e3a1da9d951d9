// Package config loads the node configuration file and watches it for
// pricing and quota changes at runtime.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// Config holds node configuration
type Config struct {
	// ListenAddr is the metrics HTTP listen address
	// Default: ":9834"
	ListenAddr string `yaml:"listen_addr"`

	// SysfsRoot is the sysfs mount point, overridable for testing
	// Default: "/sys"
	SysfsRoot string `yaml:"sysfs_root"`

	// ProcRoot is the procfs mount point
	// Default: "/proc"
	ProcRoot string `yaml:"proc_root"`

	// PassthroughDriver is the driver devices are handed to
	// Default: "vfio-pci"
	PassthroughDriver string `yaml:"passthrough_driver"`

	// SampleIntervalSecs is the metrics sampling period in seconds
	// Default: 10
	SampleIntervalSecs int `yaml:"sample_interval_secs"`

	// RetentionHours is how long samples are kept
	// Default: 24
	RetentionHours int `yaml:"retention_hours"`

	// Pricing sets the allocation cost rates
	Pricing Pricing `yaml:"pricing"`

	// DefaultQuota applies to consumers without an explicit quota
	DefaultQuota QuotaConfig `yaml:"default_quota"`
}

// Pricing holds the per-resource cost rates
type Pricing struct {
	// PerVRAMMB is the cost per MB of VRAM
	// Default: 0.1
	PerVRAMMB float64 `yaml:"per_vram_mb"`

	// PerComputeUnit is the cost per compute unit
	// Default: 2.0
	PerComputeUnit float64 `yaml:"per_compute_unit"`
}

// QuotaConfig holds consumer limits; zero means unlimited
type QuotaConfig struct {
	MaxGPUs   int    `yaml:"max_gpus"`
	MaxVRAMMB uint64 `yaml:"max_vram_mb"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		ListenAddr:         ":9834",
		SysfsRoot:          "/sys",
		ProcRoot:           "/proc",
		PassthroughDriver:  "vfio-pci",
		SampleIntervalSecs: 10,
		RetentionHours:     24,
		Pricing: Pricing{
			PerVRAMMB:      0.1,
			PerComputeUnit: 2.0,
		},
	}
}

// Load reads the config file at path, applying defaults for absent
// fields. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that the config is usable
func (c *Config) Validate() error {
	if c.SampleIntervalSecs <= 0 {
		return fmt.Errorf("sample_interval_secs must be positive, got %d", c.SampleIntervalSecs)
	}
	if c.RetentionHours <= 0 {
		return fmt.Errorf("retention_hours must be positive, got %d", c.RetentionHours)
	}
	if c.Pricing.PerVRAMMB < 0 || c.Pricing.PerComputeUnit < 0 {
		return fmt.Errorf("pricing rates must not be negative")
	}
	if c.PassthroughDriver == "" {
		return fmt.Errorf("passthrough_driver must not be empty")
	}
	return nil
}

// SampleInterval returns the sampling period as a duration.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalSecs) * time.Second
}

// Retention returns the sample retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Rates returns the pricing section as allocation rates.
func (c *Config) Rates() domain.Rates {
	return domain.Rates{
		PerVRAMMB:      c.Pricing.PerVRAMMB,
		PerComputeUnit: c.Pricing.PerComputeUnit,
	}
}

// Quota returns the default consumer quota.
func (c *Config) Quota() domain.Quota {
	return domain.Quota{
		MaxGPUs:   c.DefaultQuota.MaxGPUs,
		MaxVRAMMB: c.DefaultQuota.MaxVRAMMB,
	}
}

// Watch re-reads the file whenever it changes and invokes onChange with
// the new config. Watching the parent directory keeps the watch alive
// across the rename-and-replace pattern editors and config managers
// use. Returns a stop function.
func Watch(path string, onChange func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}

	target := filepath.Clean(path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Error("config reload failed", "path", path, "error", err)
					continue
				}
				slog.Info("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", err)
			}
		}
	}()

	return func() {
		watcher.Close()
		<-done
	}, nil
}
