package convert

import (
	"errors"
	"fmt"

	"github.com/paulschiretz/charcle/pkg/charset"
)

// UndetectableAction decides what happens to text files whose encoding
// cannot be detected.
type UndetectableAction string

const (
	// CopyUndetectable copies the file verbatim and logs a warning.
	CopyUndetectable UndetectableAction = "copy"
	// SkipUndetectable leaves the file out of the mirror.
	SkipUndetectable UndetectableAction = "skip"
)

// Policy is the user-facing conversion configuration of a session.
type Policy struct {
	// From is the canonical encoding of the source tree. Empty means
	// auto-detect per file.
	From charset.Encoding
	// To is the encoding of the mirror, UTF-8 unless configured otherwise.
	To charset.Encoding
	// MaxSize is the largest file transcoded in memory, in bytes. Larger
	// files are copied verbatim. Zero means no limit.
	MaxSize int64
	// MemoryBudget bounds the bytes of files held in memory at once across
	// all workers. Zero means no limit.
	MemoryBudget int64
	// Exclude is the ordered list of exclude patterns.
	Exclude []string
	// Fallback is the encoding used for files written back into the source
	// tree when From is auto-detected.
	Fallback charset.Encoding
	// OnUndetectable decides the fate of undetectable text files.
	OnUndetectable UndetectableAction
	// MinConfidence is the detection threshold. Zero means charset.DefaultMinConfidence.
	MinConfidence float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		To:             charset.UTF8,
		OnUndetectable: CopyUndetectable,
		MinConfidence:  charset.DefaultMinConfidence,
	}
}

// Validate checks the policy for contradictions.
func (p Policy) Validate() error {
	if p.To == "" {
		return errors.New("destination encoding must be set")
	}
	if p.To == charset.ASCII {
		return errors.New("destination encoding ascii cannot represent converted text")
	}
	if p.From != "" && p.From == p.To {
		return fmt.Errorf("source and destination encoding are both %s", p.From)
	}
	if p.MaxSize < 0 {
		return fmt.Errorf("max size must not be negative, got %d", p.MaxSize)
	}
	if p.MemoryBudget < 0 {
		return fmt.Errorf("memory budget must not be negative, got %d", p.MemoryBudget)
	}
	switch p.OnUndetectable {
	case CopyUndetectable, SkipUndetectable:
	default:
		return fmt.Errorf("invalid on-undetectable action %q: must be 'copy' or 'skip'", p.OnUndetectable)
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0 and 1, got %v", p.MinConfidence)
	}
	return nil
}

// WriteBackEncoding is the canonical encoding of the source tree for files
// written back from the mirror: the explicit source encoding, else the fallback.
func (p Policy) WriteBackEncoding() charset.Encoding {
	if p.From != "" {
		return p.From
	}
	return p.Fallback
}
