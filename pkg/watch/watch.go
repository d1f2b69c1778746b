// Package watch keeps a source tree and its mirror in sync while both are
// being edited.
//
// Each tree has a subscription (fsnotify, or a timed poll) feeding one
// bounded queue. A single processor goroutine owns the debounce table:
// every event first passes the exclusion gate, then is folded into the
// unit of its path, and units whose quiet period has passed are propagated
// to the opposite tree in first-arrival order. Propagation is serialized,
// so the trees are never written concurrently by the engine.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/metrics"
	"github.com/paulschiretz/charcle/pkg/pathsync"
	"github.com/paulschiretz/charcle/pkg/plog"
)

// Mode selects how trees are observed.
type Mode string

const (
	// ModeAuto uses native notifications and falls back to polling.
	ModeAuto Mode = "auto"
	// ModeNative uses fsnotify only.
	ModeNative Mode = "native"
	// ModePoll diffs snapshots every interval.
	ModePoll Mode = "poll"
)

// ParseMode parses a watch mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeNative, ModePoll:
		return m, nil
	case "":
		return ModeAuto, nil
	}
	return "", fmt.Errorf("invalid watch mode %q: must be 'auto', 'native' or 'poll'", s)
}

// Options tunes an Engine.
type Options struct {
	Mode Mode
	// Interval is the poll period.
	Interval time.Duration
	// Debounce is the quiet period a path needs before it is propagated.
	Debounce time.Duration
	// Workers bounds the conversions of the baseline and of directory passes.
	Workers int
	// QueueSize bounds the event queue shared by both subscriptions.
	QueueSize int
	// SkipBaseline starts watching without a full pass first. For callers
	// that ran the baseline themselves.
	SkipBaseline bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Mode:      ModeAuto,
		Interval:  time.Second,
		Debounce:  500 * time.Millisecond,
		QueueSize: 1024,
	}
}

// Engine runs a watch session.
type Engine struct {
	dir     Direction
	conv    *convert.Converter
	ex      *exclude.Matcher
	opts    Options
	prop    *propagator
	metrics *metrics.SyncMetrics
	events  chan Event
	states  [2]atomic.Int32
	ready   chan struct{}
}

// New returns an engine for the forward converter conv. The write-back
// direction is conv.Reverse().
func New(conv *convert.Converter, ex *exclude.Matcher, opts Options) *Engine {
	def := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}

	m := &metrics.SyncMetrics{}
	return &Engine{
		dir: Direction{
			Source:         conv.SourceRoot(),
			Mirror:         conv.DestRoot(),
			SourceEncoding: conv.Policy().WriteBackEncoding(),
			MirrorEncoding: conv.Target(),
		},
		conv:    conv,
		ex:      ex,
		opts:    opts,
		prop:    newPropagator(conv, ex, opts.Workers, m),
		metrics: m,
		events:  make(chan Event, opts.QueueSize),
		ready:   make(chan struct{}),
	}
}

// Direction returns the session's roots and encodings.
func (e *Engine) Direction() Direction { return e.dir }

// State returns the current processing state of tree t.
func (e *Engine) State(t Tree) State {
	return State(e.states[t].Load())
}

// Ready is closed once both subscriptions are active.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Summary returns the counters of everything propagated so far.
func (e *Engine) Summary() metrics.Summary { return e.metrics.Summary() }

// Run performs the baseline and then watches both trees until ctx is done.
// It returns nil on cancellation and an error when a root becomes
// inaccessible or a subscription cannot be established.
func (e *Engine) Run(ctx context.Context) error {
	if !e.opts.SkipBaseline {
		plog.Info("Running baseline sync", "source", e.dir.Source, "mirror", e.dir.Mirror)
		sum, err := pathsync.New(e.conv, e.ex, pathsync.Options{Workers: e.opts.Workers}).Sync(ctx)
		if err != nil {
			return fmt.Errorf("baseline sync: %w", err)
		}
		plog.Info("Baseline sync finished", "converted", sum.Converted, "copied", sum.Copied, "deleted", sum.Deleted, "failed", sum.Failed)
	}

	var subs [2]subscription
	for _, t := range []Tree{Source, Mirror} {
		sub, err := e.subscribe(t)
		if err != nil {
			return fmt.Errorf("watch %s tree: %w", t, err)
		}
		subs[t] = sub
	}
	close(e.ready)
	plog.Info("Watching for changes", "source", e.dir.Source, "mirror", e.dir.Mirror, "mode", e.opts.Mode, "debounce", e.opts.Debounce)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range []Tree{Source, Mirror} {
		g.Go(func() error { return e.runSubscription(gctx, t, subs[t]) })
	}
	g.Go(func() error { return e.process(gctx) })

	err := g.Wait()
	e.metrics.LogSummary("Watch session summary")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) subscribe(t Tree) (subscription, error) {
	root := e.dir.Root(t)
	if e.opts.Mode != ModePoll {
		sub, err := newNativeSubscription(t, root, e.ex)
		if err == nil {
			return sub, nil
		}
		if e.opts.Mode == ModeNative {
			return nil, err
		}
		plog.Warn("Native file notifications unavailable, falling back to polling", "tree", t, "error", err)
	}
	return newPollSubscription(t, root, e.ex, e.opts.Interval)
}

// runSubscription runs sub and, in auto mode, replaces a failed native
// subscription with a poller.
func (e *Engine) runSubscription(ctx context.Context, t Tree, sub subscription) error {
	err := sub.run(ctx, e.events)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if _, native := sub.(*nativeSubscription); !native || e.opts.Mode != ModeAuto {
		return fmt.Errorf("%s subscription: %w", t, err)
	}

	plog.Warn("Native watch failed, falling back to polling", "tree", t, "error", err)
	poll, perr := newPollSubscription(t, e.dir.Root(t), e.ex, e.opts.Interval)
	if perr != nil {
		return fmt.Errorf("%s subscription: %w", t, errors.Join(err, perr))
	}
	// Changes made while switching are picked up by a rescan.
	send(ctx, e.events, Event{Origin: t, Kind: Modified, RelPath: "."})
	if err := poll.run(ctx, e.events); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s subscription: %w", t, err)
	}
	return nil
}

// process is the single consumer of the event queue.
func (e *Engine) process(ctx context.Context) error {
	deb := newDebouncer(e.opts.Debounce)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var due <-chan time.Time
		if next, ok := deb.next(); ok {
			timer.Reset(time.Until(next))
			due = timer.C
		}

		select {
		case <-ctx.Done():
			e.drain(deb)
			return nil
		case ev := <-e.events:
			e.accept(deb, ev)
		case <-due:
			for _, ev := range deb.take(time.Now()) {
				if ctx.Err() != nil {
					break
				}
				e.states[ev.Origin].Store(int32(Processing))
				plog.Debug("Propagating", "tree", ev.Origin, "kind", ev.Kind, "path", ev.RelPath)
				e.prop.propagate(ctx, ev)
				e.refreshState(deb, ev.Origin)
			}
		}
	}
}

// accept runs the exclusion gate and records the event in the debounce
// table. A move is split into a deletion of the old path and a creation of
// the new one; the deletion is queued first.
func (e *Engine) accept(deb *debouncer, ev Event) {
	e.states[ev.Origin].Store(int32(EventReceived))
	now := time.Now()

	if ev.Kind == Moved && ev.From != "" {
		if !e.ex.Match(ev.From) {
			deb.add(Event{Origin: ev.Origin, Kind: Deleted, RelPath: ev.From}, now)
		}
		ev = Event{Origin: ev.Origin, Kind: Created, RelPath: ev.RelPath}
	}
	if e.ex.Match(ev.RelPath) {
		plog.Debug("EXCL", "tree", ev.Origin, "path", ev.RelPath)
	} else {
		deb.add(ev, now)
	}
	e.refreshState(deb, ev.Origin)
}

func (e *Engine) refreshState(deb *debouncer, t Tree) {
	if deb.pendingFor(t) > 0 {
		e.states[t].Store(int32(Debouncing))
		return
	}
	e.states[t].Store(int32(Idle))
}

// drain discards queued and debouncing events on shutdown.
func (e *Engine) drain(deb *debouncer) {
	dropped := deb.len()
	for {
		select {
		case <-e.events:
			dropped++
			continue
		default:
		}
		break
	}
	if dropped > 0 {
		plog.Debug("Discarded pending events on shutdown", "count", dropped)
	}
	e.states[Source].Store(int32(Idle))
	e.states[Mirror].Store(int32(Idle))
}
