// Package exclude decides which relative paths are kept out of the mirror.
//
// The same Matcher guards the scanner, the one-shot sync and the live event
// gate of both trees, so a path excluded on one side is excluded on the other.
package exclude

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/paulschiretz/charcle/pkg/util"
)

// TempFilePrefix and TempFileSuffix frame the names of in-flight atomic writes.
const (
	TempFilePrefix = ".~charcle-"
	TempFileSuffix = ".tmp"
	// LockFileName is the session lock kept in the mirror root.
	LockFileName = ".charcle.lock"
)

// SystemPatterns are always excluded: the tool's own temp and lock files must
// never be mirrored or trigger events.
var SystemPatterns = []string{
	TempFilePrefix + "*" + TempFileSuffix,
	LockFileName,
}

// DefaultPatterns is the exclude list written by `charcle init`.
var DefaultPatterns = []string{".git", ".svn", ".hg", "node_modules", "__pycache__", "*.swp", "*~"}

// rule stores one pre-analysed glob pattern.
type rule struct {
	pattern string
	g       glob.Glob
	// anchored rules contain a '/' and match against the path from the root;
	// the others match any single path segment.
	anchored bool
}

// Matcher tests slash-separated relative paths against an ordered pattern list.
// It is safe for concurrent use once built.
type Matcher struct {
	patterns []string
	// literals are exact anchored paths ("docs/config.json"), checked per prefix.
	literals map[string]struct{}
	// segmentLiterals are exact names ("node_modules") matched against any segment.
	segmentLiterals map[string]struct{}
	rules           []rule
	foldCase        bool
}

// New compiles patterns together with SystemPatterns. Patterns follow shell glob
// syntax with '/' as separator; "**" crosses directories. A pattern without a
// slash matches any path segment, so "node_modules" excludes that directory at
// every depth. A trailing slash ("build/") anchors a directory at the root.
func New(patterns []string) (*Matcher, error) {
	m := &Matcher{
		literals:        make(map[string]struct{}),
		segmentLiterals: make(map[string]struct{}),
		foldCase:        util.IsHostCaseInsensitiveFS(),
	}

	for _, p := range util.MergeAndDeduplicate(SystemPatterns, patterns) {
		norm := m.normalize(strings.TrimSpace(p))
		norm = strings.TrimPrefix(norm, "./")
		if norm == "" {
			continue
		}
		m.patterns = append(m.patterns, p)

		anchored := strings.Contains(strings.TrimSuffix(norm, "/"), "/") || strings.HasSuffix(norm, "/")
		norm = strings.Trim(norm, "/")

		if !strings.ContainsAny(norm, "*?[]{}") {
			if anchored {
				m.literals[norm] = struct{}{}
			} else {
				m.segmentLiterals[norm] = struct{}{}
			}
			continue
		}

		g, err := glob.Compile(norm, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		m.rules = append(m.rules, rule{pattern: p, g: g, anchored: anchored})
	}
	return m, nil
}

// MustNew is New for pattern lists known to be valid.
func MustNew(patterns []string) *Matcher {
	m, err := New(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// Patterns returns the effective pattern list, system patterns first.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match reports whether rel, or any directory above it, is excluded.
// rel is relative to a tree root and uses forward slashes.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return false
	}
	rel = m.normalize(path.Clean(strings.TrimPrefix(rel, "./")))
	if rel == "." || rel == "" {
		return false
	}

	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		if _, ok := m.segmentLiterals[seg]; ok {
			return true
		}
		prefix := strings.Join(segments[:i+1], "/")
		if _, ok := m.literals[prefix]; ok {
			return true
		}
		for _, r := range m.rules {
			subject := seg
			if r.anchored {
				subject = prefix
			}
			if r.g.Match(subject) {
				return true
			}
		}
	}
	return false
}

// IsTempFile reports whether name is one of the tool's in-flight write files.
func IsTempFile(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, TempFilePrefix) && strings.HasSuffix(base, TempFileSuffix)
}

func (m *Matcher) normalize(p string) string {
	p = filepath.ToSlash(p)
	if m.foldCase {
		return strings.ToLower(p)
	}
	return p
}
