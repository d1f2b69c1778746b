package watch

import "github.com/paulschiretz/charcle/pkg/charset"

// Tree identifies one of the two watched roots.
type Tree int

const (
	// Source is the canonical tree in the legacy encoding.
	Source Tree = iota
	// Mirror is the UTF-8 mirror.
	Mirror
)

func (t Tree) String() string {
	if t == Mirror {
		return "mirror"
	}
	return "source"
}

// Opposite returns the other tree.
func (t Tree) Opposite() Tree {
	return 1 - t
}

// EventKind is what a subscription observed.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
	// Moved is split into Deleted(From) and Created on intake. The built-in
	// subscriptions never pair renames and report both halves separately.
	Moved
)

var eventKindNames = map[EventKind]string{
	Created:  "created",
	Modified: "modified",
	Deleted:  "deleted",
	Moved:    "moved",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one filesystem change below a tree root. RelPath is slash
// separated and relative to the root of Origin. From is the previous path
// of a Moved event when the subscription could pair both halves.
type Event struct {
	Origin  Tree
	Kind    EventKind
	RelPath string
	From    string
}

// Direction is the pair of roots of a session with each tree's canonical
// encoding. It is fixed once the session starts.
type Direction struct {
	Source         string
	Mirror         string
	SourceEncoding charset.Encoding
	MirrorEncoding charset.Encoding
}

// Reverse returns the write-back view: mirror as the reading side.
func (d Direction) Reverse() Direction {
	return Direction{
		Source:         d.Mirror,
		Mirror:         d.Source,
		SourceEncoding: d.MirrorEncoding,
		MirrorEncoding: d.SourceEncoding,
	}
}

// Root returns the root directory of t.
func (d Direction) Root(t Tree) string {
	if t == Mirror {
		return d.Mirror
	}
	return d.Source
}

// State is the processing state of one tree.
type State int32

const (
	Idle State = iota
	EventReceived
	Debouncing
	Processing
)

var stateNames = map[State]string{
	Idle:          "idle",
	EventReceived: "event-received",
	Debouncing:    "debouncing",
	Processing:    "processing",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
