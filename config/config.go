// Package config loads the TOML settings shared by the lodcloud commands.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/streaming"
)

// Config is the parsed configuration file. Every table is optional.
type Config struct {
	Convert ConvertConfig `toml:"convert"`
	Stream  StreamConfig  `toml:"stream"`
	Log     LogConfig     `toml:"log"`
}

// ConvertConfig controls conversion sessions. The index parameters only apply when creating a
// new index; an existing index keeps the ones in its metadata.
type ConvertConfig struct {
	BatchSize              int     `toml:"batch_size"`
	CacheCapacity          int     `toml:"cache_capacity"`
	CellPointLimit         uint32  `toml:"cell_point_limit"`
	CellPointOverflowLimit uint32  `toml:"cell_point_overflow_limit"`
	SubGridDimension       uint32  `toml:"sub_grid_dimension"`
	MaxCellSize            float32 `toml:"max_cell_size"`
	MaxHierarchies         uint32  `toml:"max_hierarchies"`
}

// StreamConfig controls streaming sessions.
type StreamConfig struct {
	MaxConcurrentLoads      int     `toml:"max_concurrent_loads"`
	MissingCacheSize        int     `toml:"missing_cache_size"`
	StreamingDistanceFactor float64 `toml:"streaming_distance_factor"`
	MaxCandidatesPerLevel   int     `toml:"max_candidates_per_level"`
	MetricsAddress          string  `toml:"metrics_address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	sc := streaming.DefaultConfig()
	return &Config{
		Convert: ConvertConfig{
			BatchSize:              100000,
			CacheCapacity:          1000,
			CellPointLimit:         lod.DefaultCellPointLimit,
			CellPointOverflowLimit: lod.DefaultCellPointOverflowLimit,
			SubGridDimension:       lod.DefaultSubGridDimension,
			MaxCellSize:            lod.DefaultMaxCellSize,
			MaxHierarchies:         lod.DefaultMaxHierarchies,
		},
		Stream: StreamConfig{
			MaxConcurrentLoads:      sc.MaxConcurrentLoads,
			MissingCacheSize:        sc.MissingCacheSize,
			StreamingDistanceFactor: sc.StreamingDistanceFactor,
			MaxCandidatesPerLevel:   sc.MaxCandidatesPerLevel,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxAgeDays: 28,
			MaxBackups: 3,
		},
	}
}

// Read parses TOML text on top of the defaults. Unknown keys are an error.
func Read(text string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode TOML config")
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a configuration file. Relative paths inside it are taken relative to the file.
func LoadFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, errors.New("no TOML configuration file provided")
	}
	cfg := Default()
	md, err := toml.DecodeFile(filename, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "could not decode TOML config %q", filename)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, errors.Wrapf(err, "in %q", filename)
	}
	if cfg.Log.File != "" && !filepath.IsAbs(cfg.Log.File) {
		cfg.Log.File = filepath.Join(filepath.Dir(filename), cfg.Log.File)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "in %q", filename)
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	return errors.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
}

// Validate checks every table.
func (cfg *Config) Validate() error {
	return multierr.Combine(
		cfg.Convert.Validate(),
		cfg.Stream.Validate(),
		cfg.Log.Validate(),
	)
}

// Validate checks the conversion settings.
func (c ConvertConfig) Validate() error {
	var err error
	if c.BatchSize < 1 {
		err = multierr.Append(err, errors.Errorf("convert.batch_size must be positive, got %d", c.BatchSize))
	}
	if c.CacheCapacity < 1 {
		err = multierr.Append(err, errors.Errorf("convert.cache_capacity must be positive, got %d", c.CacheCapacity))
	}
	if c.MaxHierarchies < 1 {
		err = multierr.Append(err, errors.New("convert.max_hierarchies must be positive"))
	}
	if mdErr := c.Metadata().Validate(); mdErr != nil {
		err = multierr.Append(err, errors.Wrap(mdErr, "convert"))
	}
	return err
}

// Metadata returns metadata for a new, empty index with these parameters.
func (c ConvertConfig) Metadata() *lod.Metadata {
	md := lod.DefaultMetadata()
	md.CellPointLimit = c.CellPointLimit
	md.CellPointOverflowLimit = c.CellPointOverflowLimit
	md.SubGridDimension = c.SubGridDimension
	md.MaxCellSize = c.MaxCellSize
	md.MaxHierarchies = c.MaxHierarchies
	return md
}

// Validate checks the streaming settings.
func (s StreamConfig) Validate() error {
	return errors.Wrap(s.SchedulerConfig().Validate(), "stream")
}

// SchedulerConfig converts the settings for streaming.NewScheduler.
func (s StreamConfig) SchedulerConfig() streaming.Config {
	return streaming.Config{
		MaxConcurrentLoads:      s.MaxConcurrentLoads,
		MissingCacheSize:        s.MissingCacheSize,
		StreamingDistanceFactor: s.StreamingDistanceFactor,
		MaxCandidatesPerLevel:   s.MaxCandidatesPerLevel,
	}
}
