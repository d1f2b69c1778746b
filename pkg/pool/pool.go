// Package pool recycles the byte buffers used to read, compare and copy file
// content. A watch session touches the same handful of files over and over,
// so reusing buffers keeps steady-state allocation close to zero.
package pool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Shared pools used by the conversion engine and the watch processor.
var (
	// Content holds whole-file buffers for files that are transcoded in memory.
	Content = NewSizedPool(4<<10, 4<<20)
	// Copy holds fixed chunks for streamed verbatim copies and comparisons.
	Copy = NewChunkPool(256 << 10)
)

// ReadFile reads the file at path into a buffer taken from bp. The caller must
// return the buffer with bp.Put once done with the content.
func ReadFile(bp *SizedPool, path string) (*[]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bufPtr := bp.Get(info.Size())
	n, err := io.ReadFull(f, *bufPtr)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		bp.Put(bufPtr)
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	// The file may have shrunk between Stat and Read.
	*bufPtr = (*bufPtr)[:n]
	return bufPtr, nil
}

// SameContent reports whether two files hold identical bytes. Files are
// streamed chunk by chunk, so it is safe for files of any size.
func SameContent(fp *ChunkPool, a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	ia, err := fa.Stat()
	if err != nil {
		return false, err
	}
	ib, err := fb.Stat()
	if err != nil {
		return false, err
	}
	if ia.Size() != ib.Size() {
		return false, nil
	}

	bufA := fp.Get()
	defer fp.Put(bufA)
	bufB := fp.Get()
	defer fp.Put(bufB)

	for {
		na, errA := io.ReadFull(fa, *bufA)
		nb, errB := io.ReadFull(fb, *bufB)
		if na != nb || !bytes.Equal((*bufA)[:na], (*bufB)[:nb]) {
			return false, nil
		}
		doneA := errors.Is(errA, io.EOF) || errors.Is(errA, io.ErrUnexpectedEOF)
		doneB := errors.Is(errB, io.EOF) || errors.Is(errB, io.ErrUnexpectedEOF)
		if errA != nil && !doneA {
			return false, errA
		}
		if errB != nil && !doneB {
			return false, errB
		}
		if doneA || doneB {
			return doneA == doneB, nil
		}
	}
}
