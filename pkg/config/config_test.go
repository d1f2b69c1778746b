package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/paulschiretz/charcle/pkg/charset"
	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/watch"
)

func TestConfig_Validate(t *testing.T) {
	// Helper to get a valid base config for testing
	newValidConfig := func(t *testing.T) Config {
		cfg := NewDefault()
		cfg.Source = t.TempDir()
		cfg.Mirror = filepath.Join(t.TempDir(), "mirror")
		return cfg
	}

	t.Run("Valid Config", func(t *testing.T) {
		cfg := newValidConfig(t)
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected valid config to pass validation, but got error: %v", err)
		}
	})

	t.Run("Relative Paths Become Absolute", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Source = "src"
		cfg.Mirror = "./mirror/../mirror"
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !filepath.IsAbs(cfg.Source) || !filepath.IsAbs(cfg.Mirror) {
			t.Errorf("expected absolute paths, got %q and %q", cfg.Source, cfg.Mirror)
		}
		if filepath.Base(cfg.Mirror) != "mirror" {
			t.Errorf("mirror path not cleaned: %q", cfg.Mirror)
		}
	})

	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"Empty Source Path", func(c *Config) { c.Source = "" }},
		{"Empty Mirror Path", func(c *Config) { c.Mirror = "" }},
		{"Unsupported From", func(c *Config) { c.Conversion.From = "latin1" }},
		{"Unsupported To", func(c *Config) { c.Conversion.To = "utf-16" }},
		{"Unsupported Fallback", func(c *Config) { c.Conversion.Fallback = "koi8-r" }},
		{"Same Encodings", func(c *Config) { c.Conversion.From = "utf8" }},
		{"Invalid Max Size", func(c *Config) { c.Conversion.MaxSize = "ten megs" }},
		{"Invalid Undetectable Action", func(c *Config) { c.Conversion.OnUndetectable = "guess" }},
		{"Invalid Confidence", func(c *Config) { c.Conversion.MinConfidence = 1.5 }},
		{"Invalid Watch Mode", func(c *Config) { c.Watch.Mode = "inotify" }},
		{"Zero Watch Interval", func(c *Config) { c.Watch.IntervalSeconds = 0 }},
		{"Negative Debounce", func(c *Config) { c.Watch.DebounceSeconds = -1 }},
		{"Zero Workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"Invalid Memory Budget", func(c *Config) { c.Engine.MemoryBudget = "lots" }},
		{"Negative Progress", func(c *Config) { c.Engine.ProgressSeconds = -1 }},
		{"Invalid Log Level", func(c *Config) { c.LogLevel = "loud" }},
		{"Invalid Exclude Pattern", func(c *Config) { c.Exclude.User = []string{"[unclosed"} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newValidConfig(t)
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error, but got nil")
			}
		})
	}
}

func TestConfig_Policy(t *testing.T) {
	cfg := NewDefault()
	cfg.Conversion.From = "sjis"
	cfg.Conversion.MaxSize = "1M"
	cfg.Conversion.OnUndetectable = "SKIP"
	cfg.Exclude.User = []string{"build", ".git"}

	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Policy() failed: %v", err)
	}
	if p.From != charset.ShiftJIS || p.To != charset.UTF8 {
		t.Errorf("encodings = %s -> %s, want shift_jis -> utf-8", p.From, p.To)
	}
	if p.MaxSize != 1<<20 {
		t.Errorf("max size = %d, want %d", p.MaxSize, 1<<20)
	}
	if p.MemoryBudget != 256<<20 {
		t.Errorf("memory budget = %d, want %d", p.MemoryBudget, 256<<20)
	}
	if p.OnUndetectable != convert.SkipUndetectable {
		t.Errorf("on undetectable = %q, want skip", p.OnUndetectable)
	}
	// User patterns follow the defaults, duplicates dropped.
	if last := p.Exclude[len(p.Exclude)-1]; last != "build" {
		t.Errorf("last exclude pattern = %q, want build", last)
	}
	count := 0
	for _, pattern := range p.Exclude {
		if pattern == ".git" {
			count++
		}
	}
	if count != 1 {
		t.Errorf(".git appears %d times in %v", count, p.Exclude)
	}
}

func TestConfig_WatchOptions(t *testing.T) {
	cfg := NewDefault()
	cfg.Watch.Mode = "poll"
	cfg.Watch.IntervalSeconds = 0.25
	cfg.Watch.DebounceSeconds = 2
	cfg.Engine.Workers = 8

	opts := cfg.WatchOptions()
	if opts.Mode != watch.ModePoll {
		t.Errorf("mode = %q, want poll", opts.Mode)
	}
	if opts.Interval != 250*time.Millisecond {
		t.Errorf("interval = %v, want 250ms", opts.Interval)
	}
	if opts.Debounce != 2*time.Second {
		t.Errorf("debounce = %v, want 2s", opts.Debounce)
	}
	if opts.Workers != 8 {
		t.Errorf("workers = %d, want 8", opts.Workers)
	}
}

func TestLoad(t *testing.T) {
	t.Run("Missing Default File", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		def := NewDefault()
		if cfg.Conversion != def.Conversion || cfg.Watch != def.Watch || cfg.Engine != def.Engine {
			t.Errorf("expected defaults, got %+v", cfg)
		}
		if !reflect.DeepEqual(cfg.Exclude.Default, def.Exclude.Default) {
			t.Errorf("default excludes = %v, want %v", cfg.Exclude.Default, def.Exclude.Default)
		}
	})

	t.Run("Missing Explicit File", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected an error for a missing explicit config file")
		}
	})

	t.Run("File Overrides Defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		content := "conversion:\n  from: euc-jp\n  max_size: 500K\nwatch:\n  enabled: true\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Conversion.From != "euc-jp" || cfg.Conversion.MaxSize != "500K" || !cfg.Watch.Enabled {
			t.Errorf("file values not applied: %+v", cfg)
		}
		// Untouched keys keep their defaults.
		if cfg.Conversion.To != "utf-8" || cfg.Engine.Workers != 4 {
			t.Errorf("defaults lost: to=%q workers=%d", cfg.Conversion.To, cfg.Engine.Workers)
		}
	})

	t.Run("Environment Overrides File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		if err := os.WriteFile(path, []byte("engine:\n  workers: 2\n"), 0644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("CHARCLE_ENGINE_WORKERS", "6")
		t.Setenv("CHARCLE_CONVERSION_FROM", "sjis")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Engine.Workers != 6 {
			t.Errorf("workers = %d, want 6", cfg.Engine.Workers)
		}
		if cfg.Conversion.From != "sjis" {
			t.Errorf("from = %q, want sjis", cfg.Conversion.From)
		}
	})

	t.Run("Malformed File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ConfigFileName)
		if err := os.WriteFile(path, []byte("conversion: [unterminated"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("expected a parse error")
		}
	})
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	cfg := NewDefault()
	cfg.Exclude.User = []string{"dist"}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(loaded.Exclude, cfg.Exclude) {
		t.Errorf("exclude = %+v, want %+v", loaded.Exclude, cfg.Exclude)
	}
}

func TestMergeFlags(t *testing.T) {
	newFlags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.StringP("from", "f", "", "")
		fs.StringP("to", "t", "utf-8", "")
		fs.String("exclude", "", "")
		fs.Bool("watch", false, "")
		fs.Float64("watch-interval", 1.0, "")
		fs.Int("workers", 4, "")
		fs.BoolP("verbose", "v", false, "")
		return fs
	}

	base := NewDefault()
	base.Conversion.To = "euc-jp" // from a config file
	base.Exclude.User = []string{"build"}

	fs := newFlags()
	if err := fs.Parse([]string{"-f", "sjis", "--exclude", "dist, build,tmp", "--watch", "--watch-interval", "0.5", "-v"}); err != nil {
		t.Fatal(err)
	}
	merged, err := MergeFlags(base, fs)
	if err != nil {
		t.Fatalf("MergeFlags failed: %v", err)
	}

	if merged.Conversion.From != "sjis" {
		t.Errorf("from = %q, want sjis", merged.Conversion.From)
	}
	if merged.Conversion.To != "euc-jp" {
		t.Errorf("unset flag overrode config value: to = %q", merged.Conversion.To)
	}
	if want := []string{"build", "dist", "tmp"}; !reflect.DeepEqual(merged.Exclude.User, want) {
		t.Errorf("user excludes = %v, want %v", merged.Exclude.User, want)
	}
	if !merged.Watch.Enabled || merged.Watch.IntervalSeconds != 0.5 {
		t.Errorf("watch = %+v", merged.Watch)
	}
	if merged.Engine.Workers != base.Engine.Workers {
		t.Errorf("workers = %d, want %d", merged.Engine.Workers, base.Engine.Workers)
	}
	if merged.LogLevel != "debug" {
		t.Errorf("verbose did not raise the log level: %q", merged.LogLevel)
	}
	if !reflect.DeepEqual(base.Exclude.User, []string{"build"}) {
		t.Errorf("base config was modified: %v", base.Exclude.User)
	}
}
