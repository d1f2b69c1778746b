// Package convert turns one file of a tree into its counterpart in the other
// tree: transcoded when it is text in a supported encoding, verbatim when it
// is binary, oversized or undetectable, and always written atomically with
// the source metadata restored.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/charcle/pkg/charset"
	"github.com/paulschiretz/charcle/pkg/limiter"
	"github.com/paulschiretz/charcle/pkg/metadata"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/pool"
	"github.com/paulschiretz/charcle/pkg/scan"
)

// Converter converts files from a source root into a destination root.
// It holds no per-file state and is safe for concurrent use.
type Converter struct {
	policy   Policy
	srcRoot  string
	dstRoot  string
	detector charset.Detector
	// budget bounds the bytes of files loaded at once. Shared with the
	// reverse converter; nil means unlimited.
	budget *limiter.Memory

	// from is the expected source encoding; empty means detect per file.
	from charset.Encoding
	// to is the encoding written into the destination.
	to charset.Encoding
	// strict turns decode failures into Failed instead of a verbatim copy.
	strict bool
	// detectDst makes echo checks detect the destination's encoding instead
	// of assuming to. Used when writing back into an auto-detected tree.
	detectDst bool
}

// New returns the forward converter (source tree to mirror) for p.
func New(p Policy, srcRoot, dstRoot string) *Converter {
	var budget *limiter.Memory
	if p.MemoryBudget > 0 {
		budget = limiter.NewMemory(p.MemoryBudget)
	}
	return &Converter{
		policy:   p,
		srcRoot:  srcRoot,
		dstRoot:  dstRoot,
		detector: charset.Detector{MinConfidence: p.MinConfidence},
		budget:   budget,
		from:     p.From,
		to:       p.To,
		strict:   p.From != "",
	}
}

// Reverse returns the write-back converter (mirror to source tree). Mirror
// files are read as the mirror encoding and written in the source tree's
// canonical encoding.
func (c *Converter) Reverse() *Converter {
	return &Converter{
		policy:    c.policy,
		srcRoot:   c.dstRoot,
		dstRoot:   c.srcRoot,
		detector:  c.detector,
		budget:    c.budget,
		from:      c.policy.To,
		to:        c.policy.WriteBackEncoding(),
		strict:    false,
		detectDst: c.policy.From == "",
	}
}

// SourceRoot returns the root files are read from.
func (c *Converter) SourceRoot() string { return c.srcRoot }

// DestRoot returns the root files are written to.
func (c *Converter) DestRoot() string { return c.dstRoot }

// Target returns the encoding written into the destination.
func (c *Converter) Target() charset.Encoding { return c.to }

// Policy returns the session policy.
func (c *Converter) Policy() Policy { return c.policy }

// prepared is a file read and classified, ready to be written or compared.
type prepared struct {
	status   Status
	detected charset.Encoding
	// stream marks oversized files that are never loaded into memory.
	stream bool
	// verbatim is true when the source bytes are written unchanged.
	verbatim bool
	src      []byte
	// text is the decoded content, only set when !verbatim.
	text []byte
	out  []byte
	buf  *[]byte
	err  error

	budget   *limiter.Memory
	reserved int64
}

func (p *prepared) release() {
	if p.buf != nil {
		pool.Content.Put(p.buf)
		p.buf = nil
	}
	p.budget.Release(p.reserved)
	p.reserved = 0
}

// prepare reads srcPath and decides how it maps onto the destination. It
// never writes. A returned status of Skipped or Failed carries the reason in err.
func (c *Converter) prepare(ctx context.Context, srcPath string, entry scan.FileEntry) *prepared {
	if c.policy.MaxSize > 0 && entry.Size > c.policy.MaxSize {
		plog.Debug("File above max size, copying verbatim", "path", entry.RelPath, "size", entry.Size)
		return &prepared{status: Copied, stream: true, verbatim: true}
	}

	reserved, err := c.budget.Acquire(ctx, entry.Size)
	if err != nil {
		return &prepared{status: Failed, err: err}
	}
	p := &prepared{budget: c.budget, reserved: reserved}

	bufPtr, err := pool.ReadFile(pool.Content, srcPath)
	if err != nil {
		p.status, p.err = Failed, err
		return p
	}
	p.buf, p.src = bufPtr, *bufPtr

	if charset.IsBinary(p.src) {
		plog.Warn("Binary file detected, copying verbatim", "path", entry.RelPath)
		p.status, p.verbatim = Copied, true
		return p
	}

	det, err := c.detector.Detect(p.src, c.from)
	if err != nil {
		if c.policy.OnUndetectable == SkipUndetectable {
			plog.Warn("Encoding undetectable, skipping file", "path", entry.RelPath, "error", err)
			p.status, p.err = Skipped, ErrSkippedUndetectable
			return p
		}
		plog.Warn("Encoding undetectable, copying verbatim", "path", entry.RelPath, "error", err)
		p.status, p.verbatim = Copied, true
		return p
	}
	p.detected = det.Encoding
	if c.from == "" && det.Confidence < charset.LowConfidence {
		plog.Warn("Low confidence encoding detection", "path", entry.RelPath, "encoding", det.Encoding, "confidence", fmt.Sprintf("%.2f", det.Confidence))
	}

	if det.Encoding == c.to || det.Encoding == charset.ASCII || charset.IsPlainASCII(p.src) {
		p.status, p.verbatim = Copied, true
		return p
	}

	text, err := charset.Decode(p.src, det.Encoding)
	if err != nil {
		if c.strict {
			p.status, p.err = Failed, fmt.Errorf("decode %s as %s: %w", entry.RelPath, det.Encoding, err)
			return p
		}
		plog.Warn("Content is not valid for the detected encoding, copying verbatim", "path", entry.RelPath, "encoding", det.Encoding)
		p.status, p.verbatim = Copied, true
		return p
	}

	out, err := charset.Encode(text, c.to)
	if err != nil {
		p.status, p.err = Failed, fmt.Errorf("encode %s as %s: %w", entry.RelPath, c.to, err)
		return p
	}
	p.status, p.text, p.out = Converted, text, out
	return p
}

// ConvertFile writes the counterpart of the source file srcPath at dstPath.
// entry describes the source file and provides the metadata restored on the
// destination. Symlinks are recreated instead of read.
func (c *Converter) ConvertFile(ctx context.Context, srcPath, dstPath string, entry scan.FileEntry) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: Failed, Err: err}
	}

	if entry.IsSymlink {
		written, err := metadata.RecreateSymlink(c.srcRoot, c.dstRoot, entry.RelPath, entry.LinkTarget)
		if err != nil {
			return Result{Status: Failed, Err: err}
		}
		if !written {
			return Result{Status: Skipped, Err: ErrUnchanged}
		}
		if err := metadata.Apply(dstPath, entry); err != nil {
			plog.Warn("Failed to restore symlink metadata", "path", entry.RelPath, "error", err)
		}
		return Result{Status: Copied}
	}
	if entry.IsDir {
		return Result{Status: Failed, Err: fmt.Errorf("%s is a directory", entry.RelPath)}
	}

	p := c.prepare(ctx, srcPath, entry)
	defer p.release()

	res := Result{Status: p.status, Detected: p.detected, Err: p.err}
	if p.status == Skipped || p.status == Failed {
		return res
	}

	var n int64
	var err error
	switch {
	case p.stream:
		n, err = writeAtomicFrom(dstPath, srcPath, entry)
	case p.verbatim:
		n, err = writeAtomic(dstPath, p.src, entry)
	default:
		n, err = writeAtomic(dstPath, p.out, entry)
	}
	if err != nil {
		return Result{Status: Failed, Detected: p.detected, Err: err}
	}
	res.BytesWritten = n
	return res
}

// InSync reports whether dstPath already holds what ConvertFile would write
// for srcPath. Converted text is compared in decoded (Unicode) form so that
// equivalent byte sequences in the destination encoding count as equal;
// verbatim content is compared byte for byte. A missing destination is never
// in sync. Files the policy would skip report true: nothing would be written.
func (c *Converter) InSync(ctx context.Context, srcPath, dstPath string, entry scan.FileEntry) (bool, error) {
	if entry.IsSymlink {
		current, err := os.Readlink(dstPath)
		if err != nil {
			return false, nil
		}
		return current == metadata.MirrorTarget(c.srcRoot, c.dstRoot, entry.RelPath, entry.LinkTarget), nil
	}

	dstInfo, err := os.Lstat(dstPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !dstInfo.Mode().IsRegular() {
		return false, nil
	}

	p := c.prepare(ctx, srcPath, entry)
	defer p.release()

	switch {
	case p.status == Failed:
		return false, p.err
	case p.status == Skipped:
		return true, nil
	case p.stream:
		return pool.SameContent(pool.Copy, srcPath, dstPath)
	}

	dstBuf, err := pool.ReadFile(pool.Content, dstPath)
	if err != nil {
		return false, err
	}
	defer pool.Content.Put(dstBuf)
	dst := *dstBuf

	if p.verbatim {
		return bytes.Equal(p.src, dst), nil
	}
	if bytes.Equal(p.out, dst) {
		return true, nil
	}

	dstEnc := c.to
	if c.detectDst {
		det, err := c.detector.Detect(dst, "")
		if err != nil {
			return false, nil
		}
		dstEnc = det.Encoding
	}
	dstText, err := charset.Decode(dst, dstEnc)
	if err != nil {
		return false, nil
	}
	return bytes.Equal(p.text, dstText), nil
}

// CopyVerbatim writes srcPath unchanged to dstPath, streaming the content.
func CopyVerbatim(srcPath, dstPath string, entry scan.FileEntry) (int64, error) {
	return writeAtomicFrom(dstPath, srcPath, entry)
}

// Join maps a slash-separated relative path onto root.
func Join(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
