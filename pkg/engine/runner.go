// Package engine runs a mirroring session: root checks, the mirror lock, the
// baseline pass and, when asked for, the watch loop.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/lockfile"
	"github.com/paulschiretz/charcle/pkg/metrics"
	"github.com/paulschiretz/charcle/pkg/pathsync"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/preflight"
	"github.com/paulschiretz/charcle/pkg/watch"
)

// Runner executes plans.
type Runner struct {
	// onWatch is called with the engine before it starts. For tests.
	onWatch func(*watch.Engine)
}

// NewRunner returns a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Execute runs the session described by p until it is complete or, in watch
// mode, until ctx is cancelled. The returned summary covers the baseline and
// the watch session. Per-file failures are counted, not returned; an error
// means the session could not run.
func (r *Runner) Execute(ctx context.Context, p *Plan) (metrics.Summary, error) {
	if err := ctx.Err(); err != nil {
		return metrics.Summary{}, err
	}

	if err := preflight.Run(p.Preflight, p.Source, p.Mirror); err != nil {
		return metrics.Summary{}, fmt.Errorf("preflight failed: %w", err)
	}

	release, err := r.acquireMirrorLock(ctx, p.Mirror, p.Source)
	if err != nil {
		return metrics.Summary{}, err
	}
	defer release()

	ex, err := exclude.New(p.Policy.Exclude)
	if err != nil {
		return metrics.Summary{}, fmt.Errorf("invalid exclude patterns: %w", err)
	}

	policy := p.Policy
	if p.Watch {
		policy.Fallback = resolveFallback(ctx, p.Source, ex, policy, p.SampleSize)
	}
	conv := convert.New(policy, p.Source, p.Mirror)

	plog.Info("Starting baseline sync", "source", p.Source, "mirror", p.Mirror, "from", policy.From, "to", conv.Target())
	syncer := pathsync.New(conv, ex, pathsync.Options{Workers: p.Workers, ProgressInterval: p.Progress})
	sum, err := syncer.Sync(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return sum, err
		}
		return sum, fmt.Errorf("error during sync: %w", err)
	}
	if !p.Watch {
		plog.Info("Sync completed")
		return sum, nil
	}

	opts := p.WatchOptions
	opts.Workers = p.Workers
	opts.SkipBaseline = true
	engine := watch.New(conv, ex, opts)
	if r.onWatch != nil {
		r.onWatch(engine)
	}
	dir := engine.Direction()
	plog.Info("Starting watch session",
		"source", dir.Source, "source_encoding", dir.SourceEncoding,
		"mirror", dir.Mirror, "mirror_encoding", dir.MirrorEncoding)
	if err := engine.Run(ctx); err != nil {
		return sum.Add(engine.Summary()), fmt.Errorf("watch failed: %w", err)
	}
	plog.Info("Watch session stopped")
	return sum.Add(engine.Summary()), nil
}

// acquireMirrorLock locks the mirror for this session. A live lock of
// another session is an error: two sessions writing one mirror would undo
// each other's work.
func (r *Runner) acquireMirrorLock(ctx context.Context, mirror, source string) (func(), error) {
	plog.Debug("Attempting to acquire lock", "path", mirror)
	lock, err := lockfile.Acquire(ctx, mirror, source)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return nil, fmt.Errorf("another session is using this mirror: %w", err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully", "session", lock.SessionID())
	return lock.Release, nil
}
