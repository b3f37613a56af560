package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/fencepost/engine/core"
)

type Backend string

const (
	BackendHeadless Backend = "headless"
	BackendVulkan   Backend = "vulkan"
)

// Duration decodes TOML strings such as "500us" or "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(core.ErrInvalidArgument, "duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Descriptors DescriptorsConfig `toml:"descriptors"`
	Upload      UploadConfig      `toml:"upload"`
	Queues      QueuesConfig      `toml:"queues"`
	Headless    HeadlessConfig    `toml:"headless"`
}

type EngineConfig struct {
	Name           string  `toml:"name"`
	Backend        Backend `toml:"backend"`
	LogLevel       string  `toml:"log_level"`
	FramesInFlight int     `toml:"frames_in_flight"`
	// 0 runs until the context is cancelled.
	FrameLimit int `toml:"frame_limit"`
	Workers    int `toml:"workers"`
}

type DescriptorsConfig struct {
	// Number of CPU-visible descriptors per allocator page.
	PageSize uint32 `toml:"page_size"`
	// Number of GPU-visible descriptors per dynamic heap.
	DynamicHeapSize uint32 `toml:"dynamic_heap_size"`
}

type UploadConfig struct {
	PageSize uint64 `toml:"page_size"`
}

type QueuesConfig struct {
	MaxInFlight int `toml:"max_in_flight"`
}

type HeadlessConfig struct {
	Latency Duration `toml:"latency"`
}

func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:           "fencepost",
			Backend:        BackendHeadless,
			LogLevel:       "info",
			FramesInFlight: 3,
			Workers:        4,
		},
		Descriptors: DescriptorsConfig{
			PageSize:        256,
			DynamicHeapSize: 1024,
		},
		Upload: UploadConfig{
			PageSize: 2 * 1024 * 1024,
		},
		Queues: QueuesConfig{
			MaxInFlight: 64,
		},
		Headless: HeadlessConfig{
			Latency: Duration{500 * time.Microsecond},
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Engine.Backend {
	case BackendHeadless, BackendVulkan:
	default:
		return errors.Wrapf(core.ErrInvalidArgument, "unknown backend %q", c.Engine.Backend)
	}
	if _, err := core.ParseLogLevel(c.Engine.LogLevel); err != nil {
		return err
	}
	if c.Engine.FramesInFlight < 1 {
		return errors.Wrapf(core.ErrInvalidArgument, "frames_in_flight must be positive, got %d", c.Engine.FramesInFlight)
	}
	if c.Engine.FrameLimit < 0 {
		return errors.Wrapf(core.ErrInvalidArgument, "frame_limit must not be negative, got %d", c.Engine.FrameLimit)
	}
	if c.Engine.Workers < 1 {
		return errors.Wrapf(core.ErrInvalidArgument, "workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Descriptors.PageSize == 0 {
		return errors.Wrap(core.ErrInvalidArgument, "descriptors.page_size must be positive")
	}
	if c.Descriptors.DynamicHeapSize == 0 {
		return errors.Wrap(core.ErrInvalidArgument, "descriptors.dynamic_heap_size must be positive")
	}
	if c.Upload.PageSize == 0 {
		return errors.Wrap(core.ErrInvalidArgument, "upload.page_size must be positive")
	}
	if c.Queues.MaxInFlight < 1 {
		return errors.Wrapf(core.ErrInvalidArgument, "queues.max_in_flight must be positive, got %d", c.Queues.MaxInFlight)
	}
	if c.Headless.Latency.Duration < 0 {
		return errors.Wrap(core.ErrInvalidArgument, "headless.latency must not be negative")
	}
	return nil
}

func (c *Config) Level() core.LogLevel {
	lvl, _ := core.ParseLogLevel(c.Engine.LogLevel)
	return lvl
}
