// Package metrics counts the outcomes of sync passes and watch propagations.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/util"
)

// Metrics defines the interface for collecting and reporting sync statistics.
type Metrics interface {
	AddConverted(n int64)
	AddCopied(n int64)
	AddUpToDate(n int64)
	AddSkipped(n int64)
	AddFailed(n int64)
	AddDeleted(n int64)
	AddDirsCreated(n int64)
	AddAbsorbed(n int64)
	AddBytesWritten(n int64)
	Summary() Summary
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// Summary is a point-in-time copy of the counters.
type Summary struct {
	Converted    int64 // transcoded and written
	Copied       int64 // written verbatim (binary, oversized, same encoding)
	UpToDate     int64 // unchanged since the last write, nothing done
	Skipped      int64 // left out by policy (undetectable with skip)
	Failed       int64 // aborted, nothing written
	Deleted      int64 // orphans or propagated deletions removed
	DirsCreated  int64
	Absorbed     int64 // watch events recognised as echoes of our own writes
	BytesWritten int64
}

// Written returns the number of files whose counterpart was (re)written.
func (s Summary) Written() int64 {
	return s.Converted + s.Copied
}

// Add returns the element-wise sum of s and o.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		Converted:    s.Converted + o.Converted,
		Copied:       s.Copied + o.Copied,
		UpToDate:     s.UpToDate + o.UpToDate,
		Skipped:      s.Skipped + o.Skipped,
		Failed:       s.Failed + o.Failed,
		Deleted:      s.Deleted + o.Deleted,
		DirsCreated:  s.DirsCreated + o.DirsCreated,
		Absorbed:     s.Absorbed + o.Absorbed,
		BytesWritten: s.BytesWritten + o.BytesWritten,
	}
}

// SyncMetrics holds the atomic counters. It is the concrete implementation of
// the Metrics interface and is safe for concurrent use by the sync workers.
type SyncMetrics struct {
	Converted    atomic.Int64
	Copied       atomic.Int64
	UpToDate     atomic.Int64
	Skipped      atomic.Int64
	Failed       atomic.Int64
	Deleted      atomic.Int64
	DirsCreated  atomic.Int64
	Absorbed     atomic.Int64
	BytesWritten atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

func (m *SyncMetrics) AddConverted(n int64)    { m.Converted.Add(n) }
func (m *SyncMetrics) AddCopied(n int64)       { m.Copied.Add(n) }
func (m *SyncMetrics) AddUpToDate(n int64)     { m.UpToDate.Add(n) }
func (m *SyncMetrics) AddSkipped(n int64)      { m.Skipped.Add(n) }
func (m *SyncMetrics) AddFailed(n int64)       { m.Failed.Add(n) }
func (m *SyncMetrics) AddDeleted(n int64)      { m.Deleted.Add(n) }
func (m *SyncMetrics) AddDirsCreated(n int64)  { m.DirsCreated.Add(n) }
func (m *SyncMetrics) AddAbsorbed(n int64)     { m.Absorbed.Add(n) }
func (m *SyncMetrics) AddBytesWritten(n int64) { m.BytesWritten.Add(n) }

// Summary snapshots the counters.
func (m *SyncMetrics) Summary() Summary {
	return Summary{
		Converted:    m.Converted.Load(),
		Copied:       m.Copied.Load(),
		UpToDate:     m.UpToDate.Load(),
		Skipped:      m.Skipped.Load(),
		Failed:       m.Failed.Load(),
		Deleted:      m.Deleted.Load(),
		DirsCreated:  m.DirsCreated.Load(),
		Absorbed:     m.Absorbed.Load(),
		BytesWritten: m.BytesWritten.Load(),
	}
}

// StartProgress logs the counters every interval until StopProgress.
func (m *SyncMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

// StopProgress stops the progress ticker, if running.
func (m *SyncMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints the counters with a custom message.
func (m *SyncMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	s := m.Summary()
	plog.Info(msg,
		"converted", s.Converted,
		"copied", s.Copied,
		"uptodate", s.UpToDate,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"deleted", s.Deleted,
		"dirs_created", s.DirsCreated,
		"absorbed", s.Absorbed,
		"bytes_written", util.ByteCountIEC(s.BytesWritten),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddConverted(n int64)                             {}
func (m *NoopMetrics) AddCopied(n int64)                                {}
func (m *NoopMetrics) AddUpToDate(n int64)                              {}
func (m *NoopMetrics) AddSkipped(n int64)                               {}
func (m *NoopMetrics) AddFailed(n int64)                                {}
func (m *NoopMetrics) AddDeleted(n int64)                               {}
func (m *NoopMetrics) AddDirsCreated(n int64)                           {}
func (m *NoopMetrics) AddAbsorbed(n int64)                              {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) Summary() Summary                                 { return Summary{} }
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*SyncMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
