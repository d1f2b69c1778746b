package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/charcle/pkg/buildinfo"
	"github.com/paulschiretz/charcle/pkg/charset"
	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/util"
	"github.com/paulschiretz/charcle/pkg/watch"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = buildinfo.ConfigFileName

type ConversionConfig struct {
	// From is the encoding of the source tree. "auto" detects it per file.
	From string `yaml:"from" mapstructure:"from"`
	To   string `yaml:"to" mapstructure:"to"`
	// MaxSize is a human size ("1M", "500K"). Larger files are copied
	// verbatim. "0" means no limit.
	MaxSize string `yaml:"max_size" mapstructure:"max_size"`
	// Fallback is the encoding of files created in the mirror while
	// watching, when From is "auto". Empty means the dominant detected
	// encoding of the source tree.
	Fallback       string  `yaml:"fallback" mapstructure:"fallback"`
	OnUndetectable string  `yaml:"on_undetectable" mapstructure:"on_undetectable"`
	MinConfidence  float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

type WatchConfig struct {
	Enabled         bool    `yaml:"enabled" mapstructure:"enabled"`
	Mode            string  `yaml:"mode" mapstructure:"mode"`
	IntervalSeconds float64 `yaml:"interval_seconds" mapstructure:"interval_seconds"`
	DebounceSeconds float64 `yaml:"debounce_seconds" mapstructure:"debounce_seconds"`
}

type ExcludeConfig struct {
	Default []string `yaml:"default" mapstructure:"default"`
	// Note: omitempty is intentionally not used so that the user list
	// appears in the generated config file.
	User []string `yaml:"user" mapstructure:"user"`
}

type EngineConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
	// ProgressSeconds is the interval of progress lines during a full
	// pass. 0 disables them.
	ProgressSeconds int `yaml:"progress_seconds" mapstructure:"progress_seconds"`
	// MemoryBudget is a human size bounding the file content held in
	// memory by all workers together. "0" means no limit.
	MemoryBudget string `yaml:"memory_budget" mapstructure:"memory_budget"`
}

type Config struct {
	Version    string           `yaml:"version" mapstructure:"version"`
	Source     string           `yaml:"-" mapstructure:"-"`
	Mirror     string           `yaml:"-" mapstructure:"-"`
	LogLevel   string           `yaml:"log_level" mapstructure:"log_level"`
	LogFile    string           `yaml:"log_file" mapstructure:"log_file"`
	Conversion ConversionConfig `yaml:"conversion" mapstructure:"conversion"`
	Exclude    ExcludeConfig    `yaml:"exclude" mapstructure:"exclude"`
	Watch      WatchConfig      `yaml:"watch" mapstructure:"watch"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Conversion: ConversionConfig{
			From:           "auto",
			To:             string(charset.UTF8),
			MaxSize:        "0",
			OnUndetectable: string(convert.CopyUndetectable),
			MinConfidence:  charset.DefaultMinConfidence,
		},
		Exclude: ExcludeConfig{
			Default: append([]string(nil), exclude.DefaultPatterns...),
			User:    []string{},
		},
		Watch: WatchConfig{
			Enabled:         false,
			Mode:            string(watch.ModeAuto),
			IntervalSeconds: 1.0,
			DebounceSeconds: 0.5,
		},
		Engine: EngineConfig{
			Workers:         4, // Safe for HDDs, decent for SSDs.
			ProgressSeconds: 0,
			MemoryBudget:    "256M",
		},
	}
}

// Load builds a configuration from the defaults, the config file at path and
// CHARCLE_* environment variables, in increasing precedence. An empty path
// looks for ConfigFileName in the working directory; a missing file there is
// not an error. Nested keys map to variables with '_' as separator, e.g.
// CHARCLE_CONVERSION_MAX_SIZE or CHARCLE_WATCH_ENABLED.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = ConfigFileName
	}

	v := viper.New()
	v.SetConfigType("yaml")
	defaults, err := yaml.Marshal(NewDefault())
	if err != nil {
		return Config{}, fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("failed to load default config: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		plog.Info("Loading configuration", "path", path)
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("error opening config file %s: %w", path, err)
	}

	v.SetEnvPrefix(buildinfo.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error decoding configuration: %w", err)
	}
	// A file written by an older release carries its version.
	cfg.Version = buildinfo.Version
	return cfg, nil
}

// Save writes c as YAML to path, creating or overwriting it.
func Save(c Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// MergeFlags overlays the flags the user set explicitly on top of base.
// Flags left at their default never override a value from the file or the
// environment.
func MergeFlags(base Config, flags *pflag.FlagSet) (Config, error) {
	merged := base
	merged.Exclude.User = append([]string(nil), base.Exclude.User...)

	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case "from":
			merged.Conversion.From, err = flags.GetString(f.Name)
		case "to":
			merged.Conversion.To, err = flags.GetString(f.Name)
		case "max-size":
			merged.Conversion.MaxSize, err = flags.GetString(f.Name)
		case "fallback-charset":
			merged.Conversion.Fallback, err = flags.GetString(f.Name)
		case "on-undetectable":
			merged.Conversion.OnUndetectable, err = flags.GetString(f.Name)
		case "min-confidence":
			merged.Conversion.MinConfidence, err = flags.GetFloat64(f.Name)
		case "exclude":
			var list string
			list, err = flags.GetString(f.Name)
			merged.Exclude.User = util.MergeAndDeduplicate(merged.Exclude.User, util.SplitList(list))
		case "watch":
			merged.Watch.Enabled, err = flags.GetBool(f.Name)
		case "watch-mode":
			merged.Watch.Mode, err = flags.GetString(f.Name)
		case "watch-interval":
			merged.Watch.IntervalSeconds, err = flags.GetFloat64(f.Name)
		case "debounce":
			merged.Watch.DebounceSeconds, err = flags.GetFloat64(f.Name)
		case "workers":
			merged.Engine.Workers, err = flags.GetInt(f.Name)
		case "memory-budget":
			merged.Engine.MemoryBudget, err = flags.GetString(f.Name)
		case "progress":
			merged.Engine.ProgressSeconds, err = flags.GetInt(f.Name)
		case "log-level":
			merged.LogLevel, err = flags.GetString(f.Name)
		case "verbose":
			var verbose bool
			if verbose, err = flags.GetBool(f.Name); verbose {
				merged.LogLevel = "debug"
			}
		case "log-file":
			merged.LogFile, err = flags.GetString(f.Name)
		default:
			plog.Debug("unhandled flag in MergeFlags", "flag", f.Name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("flag --%s: %w", f.Name, err))
		}
	})
	return merged, errors.Join(errs...)
}

// Validate checks the configuration for logical errors and inconsistencies
// and normalizes the root paths.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Mirror == "" {
		return fmt.Errorf("mirror path cannot be empty")
	}

	var err error
	if c.Source, err = absPath(c.Source); err != nil {
		return fmt.Errorf("could not expand source path: %w", err)
	}
	if c.Mirror, err = absPath(c.Mirror); err != nil {
		return fmt.Errorf("could not expand mirror path: %w", err)
	}
	return c.ValidateSettings()
}

// ValidateSettings checks everything but the roots. It is used where no
// roots are known, such as when writing a config file.
func (c *Config) ValidateSettings() error {
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := watch.ParseMode(c.Watch.Mode); err != nil {
		return fmt.Errorf("watch.mode: %w", err)
	}
	if c.Watch.IntervalSeconds <= 0 {
		return fmt.Errorf("watch.interval_seconds must be greater than 0")
	}
	if c.Watch.DebounceSeconds < 0 {
		return fmt.Errorf("watch.debounce_seconds cannot be negative")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.ProgressSeconds < 0 {
		return fmt.Errorf("engine.progress_seconds cannot be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

func absPath(p string) (string, error) {
	p, err := util.ExpandPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}

// ExcludePatterns returns the ordered default and user patterns, without
// duplicates. The tool's own files are added by the exclude package.
func (c *Config) ExcludePatterns() []string {
	return util.MergeAndDeduplicate(c.Exclude.Default, c.Exclude.User)
}

// Policy returns the conversion policy described by c.
func (c *Config) Policy() (convert.Policy, error) {
	p := convert.DefaultPolicy()
	var err error
	if p.From, err = charset.Lookup(c.Conversion.From); err != nil {
		return convert.Policy{}, fmt.Errorf("conversion.from: %w", err)
	}
	if p.To, err = charset.Lookup(c.Conversion.To); err != nil {
		return convert.Policy{}, fmt.Errorf("conversion.to: %w", err)
	}
	if p.To == "" {
		p.To = charset.UTF8
	}
	if p.Fallback, err = charset.Lookup(c.Conversion.Fallback); err != nil {
		return convert.Policy{}, fmt.Errorf("conversion.fallback: %w", err)
	}
	if p.MaxSize, err = util.ParseSize(c.Conversion.MaxSize); err != nil {
		return convert.Policy{}, fmt.Errorf("conversion.max_size: %w", err)
	}
	if p.MemoryBudget, err = util.ParseSize(c.Engine.MemoryBudget); err != nil {
		return convert.Policy{}, fmt.Errorf("engine.memory_budget: %w", err)
	}
	if c.Conversion.OnUndetectable != "" {
		p.OnUndetectable = convert.UndetectableAction(strings.ToLower(c.Conversion.OnUndetectable))
	}
	p.MinConfidence = c.Conversion.MinConfidence
	p.Exclude = c.ExcludePatterns()

	if err := p.Validate(); err != nil {
		return convert.Policy{}, err
	}
	if _, err := exclude.New(p.Exclude); err != nil {
		return convert.Policy{}, fmt.Errorf("exclude: %w", err)
	}
	return p, nil
}

// WatchOptions returns the options of the watch engine.
func (c *Config) WatchOptions() watch.Options {
	mode, _ := watch.ParseMode(c.Watch.Mode)
	opts := watch.DefaultOptions()
	opts.Mode = mode
	opts.Interval = seconds(c.Watch.IntervalSeconds)
	opts.Debounce = seconds(c.Watch.DebounceSeconds)
	opts.Workers = c.Engine.Workers
	return opts
}

// ProgressInterval returns the interval of progress lines, 0 when disabled.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Engine.ProgressSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []any{
		"source", c.Source,
		"mirror", c.Mirror,
		"from", c.Conversion.From,
		"to", c.Conversion.To,
		"log_level", c.LogLevel,
		"workers", c.Engine.Workers,
		"memory_budget", c.Engine.MemoryBudget,
	}
	if c.Conversion.MaxSize != "" && c.Conversion.MaxSize != "0" {
		logArgs = append(logArgs, "max_size", c.Conversion.MaxSize)
	}
	if c.Conversion.Fallback != "" {
		logArgs = append(logArgs, "fallback", c.Conversion.Fallback)
	}
	logArgs = append(logArgs, "on_undetectable", c.Conversion.OnUndetectable)
	if c.Watch.Enabled {
		watchSummary := fmt.Sprintf("enabled (m:%s i:%gs d:%gs)",
			c.Watch.Mode, c.Watch.IntervalSeconds, c.Watch.DebounceSeconds)
		logArgs = append(logArgs, "watch", watchSummary)
	}
	if patterns := c.ExcludePatterns(); len(patterns) > 0 {
		logArgs = append(logArgs, "exclude", strings.Join(patterns, ", "))
	}
	if c.LogFile != "" {
		logArgs = append(logArgs, "log_file", c.LogFile)
	}
	plog.Info("Configuration loaded", logArgs...)
}
