// Package lockfile guards a mirror against two sessions writing it at once.
//
// The lock is a JSON file in the mirror root, created with O_EXCL and kept
// fresh by a heartbeat. A lock whose heartbeat stopped for longer than the
// stale timeout is taken over with an atomic rename.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/util"
)

// LockFileName is the name of the lock file in the mirror root. The exclude
// package keeps it out of every scan and watch.
const LockFileName = exclude.LockFileName

// tempPattern names heartbeat temp files so that they are excluded as well.
const tempPattern = exclude.TempFilePrefix + "lock-*" + exclude.TempFileSuffix

// LockContent is the data written to the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	// SessionID identifies the holder; a takeover is won by the session
	// whose id reads back.
	SessionID string `json:"sessionID"`
	// Source is the source root the holder mirrors.
	Source string `json:"source"`
}

// ErrLockActive is returned when the mirror is locked by a live session.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	Source    string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("mirror is locked by PID %d on host '%s' (source: %s), last updated %s ago", e.PID, e.Hostname, e.Source, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another process wins a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates an empty or unparsable lock file.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is an acquired session lock.
type Lock struct {
	path    string
	content LockContent
	// ctx stops the heartbeat.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	held   bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
)

// Acquire locks the mirror directory dir for a session mirroring source.
// ctx bounds the acquisition only, not the heartbeat.
// It returns *ErrLockActive when a live session holds the lock.
func Acquire(ctx context.Context, dir, source string) (*Lock, error) {
	absLockFilePath := filepath.Join(dir, LockFileName)
	maxAttempts := 3

	for range maxAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryAcquire(absLockFilePath, source)
		if err == nil {
			cleanupTempLockFiles(dir)
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		content, readErr := readLockContentSafely(absLockFilePath)
		switch {
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", absLockFilePath, "error", readErr)
		case os.IsNotExist(readErr):
			// Released between our attempts.
			continue
		case readErr != nil:
			time.Sleep(100 * time.Millisecond)
			continue
		default:
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					Source:    content.Source,
					TimeSince: elapsed,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "age", elapsed)
		}

		lock, err = takeover(absLockFilePath, source)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to attempt lock takeover, retrying", "error", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		cleanupTempLockFiles(dir)
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

func newContent(source string) (LockContent, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		SessionID:  uuid.NewString(),
		Source:     source,
	}, nil
}

// tryAcquire creates the lock file with O_EXCL.
func tryAcquire(absLockFilePath, source string) (*Lock, error) {
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newContent(source)
	if err != nil {
		_ = os.Remove(absLockFilePath)
		return nil, err
	}

	l := newLock(absLockFilePath, content)
	if err := writeLockContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

func newLock(absLockFilePath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    absLockFilePath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		held:    true,
	}
}

// SessionID returns the id written to the lock file.
func (l *Lock) SessionID() string {
	return l.content.SessionID
}

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

// takeover renames fresh content over a stale lock and reads it back to see
// whether this session won.
func takeover(absLockFilePath, source string) (*Lock, error) {
	content, err := newContent(source)
	if err != nil {
		return nil, err
	}
	if err := updateLockFileAtomic(absLockFilePath, content); err != nil {
		return nil, err
	}

	readback, err := readLockContentSafely(absLockFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.SessionID != content.SessionID {
		return nil, ErrLostRace
	}
	plog.Debug("Successfully took over stale lock", "session", content.SessionID)
	return newLock(absLockFilePath, content), nil
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("Lock released", "path", l.path)
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := updateLockFileAtomic(l.path, content); err != nil {
				// Retried on the next tick.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateLockFileAtomic writes content to a temp file in the lock's directory
// and renames it over the lock, so the lock is never seen half written.
func updateLockFileAtomic(absLockFilePath string, content LockContent) error {
	tmpF, err := os.CreateTemp(filepath.Dir(absLockFilePath), tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		// Not found is the normal case after the rename.
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpF.Name(), absLockFilePath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes heartbeat temp files left by crashed sessions.
// Only files older than the stale timeout are touched.
func cleanupTempLockFiles(dir string) {
	pattern := filepath.Join(dir, tempPattern)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()))
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
			}
		}
	}
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the lock file, retrying briefly on empty or
// partial content.
func readLockContentSafely(absLockFilePath string) (LockContent, error) {
	var lastErr, corruptErr error
	for range 3 {
		data, err := os.ReadFile(absLockFilePath)
		if os.IsNotExist(err) {
			return LockContent{}, err
		}
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			corruptErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		if corruptErr = json.Unmarshal(data, &content); corruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	if corruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, corruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
