package pathsync

import (
	"github.com/paulschiretz/charcle/pkg/scan"
	"github.com/paulschiretz/charcle/pkg/sharded"
)

// Record is the size and modification time of the source version of a file
// that was last written to the destination.
type Record struct {
	Size    int64
	ModTime int64 // UnixNano
}

func recordOf(e scan.FileEntry) Record {
	return Record{Size: e.Size, ModTime: e.ModTime.UnixNano()}
}

// State remembers, per relative path, which source version was last
// written. It lives for one session only and is rebuilt by the baseline sync.
type State struct {
	records *sharded.Map[Record]
}

// NewState returns an empty state.
func NewState() *State {
	return &State{records: sharded.NewMap[Record](sharded.DefaultShards)}
}

// Load returns the record for rel.
func (s *State) Load(rel string) (Record, bool) {
	return s.records.Load(rel)
}

// Store records e as the version last written for its path.
func (s *State) Store(e scan.FileEntry) {
	s.records.Store(e.RelPath, recordOf(e))
}

// Forget drops the record for rel.
func (s *State) Forget(rel string) {
	s.records.Delete(rel)
}

// ForgetTree drops rel and every record below it.
func (s *State) ForgetTree(rel string) {
	s.records.DeletePrefix(rel)
}

// Len returns the number of records.
func (s *State) Len() int {
	return s.records.Count()
}

// UpToDate reports whether e is the version last written for its path.
func (s *State) UpToDate(e scan.FileEntry) (upToDate, known bool) {
	r, ok := s.records.Load(e.RelPath)
	if !ok {
		return false, false
	}
	return r == recordOf(e), true
}
