package engine

import (
	"time"

	"github.com/paulschiretz/charcle/pkg/config"
	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/preflight"
	"github.com/paulschiretz/charcle/pkg/watch"
)

// Plan is everything a session needs, resolved from a validated config.
type Plan struct {
	Source    string
	Mirror    string
	Policy    convert.Policy
	Workers   int
	Progress  time.Duration
	Preflight preflight.Plan
	// Watch keeps the session running after the baseline.
	Watch        bool
	WatchOptions watch.Options
	// SampleSize bounds the files read to resolve the write-back encoding.
	SampleSize int
}

// DefaultSampleSize is the number of source files sampled for the dominant
// encoding.
const DefaultSampleSize = 200

// NewPlan generates the plan of a session from cfg. cfg must have passed
// Validate.
func NewPlan(cfg config.Config) (*Plan, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	return &Plan{
		Source:       cfg.Source,
		Mirror:       cfg.Mirror,
		Policy:       policy,
		Workers:      cfg.Engine.Workers,
		Progress:     cfg.ProgressInterval(),
		Preflight:    preflight.DefaultPlan(),
		Watch:        cfg.Watch.Enabled,
		WatchOptions: cfg.WatchOptions(),
		SampleSize:   DefaultSampleSize,
	}, nil
}
