package engine

import (
	"context"
	"io"
	"os"

	"github.com/paulschiretz/charcle/pkg/charset"
	"github.com/paulschiretz/charcle/pkg/convert"
	"github.com/paulschiretz/charcle/pkg/exclude"
	"github.com/paulschiretz/charcle/pkg/plog"
	"github.com/paulschiretz/charcle/pkg/scan"
)

// resolveFallback fixes the encoding of files the watch session creates in
// the source tree. An explicit source encoding or fallback wins; otherwise
// the dominant encoding among up to limit sampled source files is used, and
// the mirror encoding when the sample has no non-ASCII text.
func resolveFallback(ctx context.Context, root string, ex *exclude.Matcher, p convert.Policy, limit int) charset.Encoding {
	if p.From != "" || p.Fallback != "" {
		return p.Fallback
	}
	if enc, n := dominantEncoding(ctx, root, ex, p.MinConfidence, limit); enc != "" {
		plog.Info("Resolved write-back encoding from source files", "encoding", enc, "files", n)
		return enc
	}
	plog.Notice("No encoded text in source tree, new files are written back as the mirror encoding", "encoding", p.To)
	return p.To
}

// dominantEncoding returns the most frequently detected non-ASCII encoding
// and how many files had it. Ties go to the earlier supported encoding.
func dominantEncoding(ctx context.Context, root string, ex *exclude.Matcher, minConfidence float64, limit int) (charset.Encoding, int) {
	det := charset.Detector{MinConfidence: minConfidence}
	counts := make(map[charset.Encoding]int)
	buf := make([]byte, charset.SniffLen)
	sampled := 0

	for e, err := range scan.Scan(root, ex) {
		if ctx.Err() != nil || (limit > 0 && sampled >= limit) {
			break
		}
		if err != nil || !e.IsRegular() || e.Size == 0 {
			continue
		}
		head, err := readHead(convert.Join(root, e.RelPath), buf)
		if err != nil || charset.IsBinary(head) {
			continue
		}
		sampled++
		d, err := det.Detect(head, "")
		if err != nil || d.Encoding == charset.ASCII {
			continue
		}
		counts[d.Encoding]++
	}

	var best charset.Encoding
	for _, enc := range charset.Supported() {
		if counts[enc] > counts[best] {
			best = enc
		}
	}
	return best, counts[best]
}

func readHead(path string, buf []byte) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}
