package convert

import (
	"errors"

	"github.com/paulschiretz/charcle/pkg/charset"
	"github.com/paulschiretz/charcle/pkg/hints"
)

// Status is the outcome class of converting one file.
type Status int

const (
	// Converted means the file was transcoded and written.
	Converted Status = iota
	// Copied means the file was written byte-for-byte.
	Copied
	// Skipped means nothing was written by policy or because nothing changed.
	Skipped
	// Failed means the file was aborted and nothing was written.
	Failed
)

var statusNames = map[Status]string{
	Converted: "converted",
	Copied:    "copied",
	Skipped:   "skipped",
	Failed:    "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Result describes the conversion of one file.
type Result struct {
	Status       Status
	Detected     charset.Encoding
	BytesWritten int64
	Err          error
}

// Soft outcomes reported through Result.Err with status Skipped.
var (
	// ErrUnchanged means the destination already holds the expected content.
	ErrUnchanged = hints.New("destination already up to date")
	// ErrSkippedUndetectable means the policy skips undetectable files.
	ErrSkippedUndetectable = hints.Wrap(charset.ErrUndetectable)
)

// IsUnchanged reports whether r is a no-op because the destination was current.
func (r Result) IsUnchanged() bool {
	return r.Status == Skipped && errors.Is(r.Err, ErrUnchanged)
}
