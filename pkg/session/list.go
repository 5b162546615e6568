package session

import (
	"github.com/docker/docker-agent/pkg/concurrent"
)

// EventKind discriminates the three SessionList event kinds (spec.md
// §4.4).
type EventKind int

const (
	EventInserted EventKind = iota
	EventRemoved
	EventReplaced
)

// ListEvent is delivered to List observers with the position the mutation
// happened at.
type ListEvent struct {
	Kind EventKind
	Pos  int
}

// List is the observable ordered collection of sessions (spec.md §4.4),
// built on the teacher's pkg/concurrent.Slice/Map generics. Order is
// caller-controlled (the store returns metadata by descending updated_at);
// List preserves insertion order after that.
type List struct {
	sessions *concurrent.Slice[*Session]
	byID     *concurrent.Map[int64, int]
	byFid    *concurrent.Map[string, int]

	observers []func(ListEvent)
}

// NewList returns an empty session list.
func NewList() *List {
	return &List{
		sessions: concurrent.NewSlice[*Session](),
		byID:     concurrent.NewMap[int64, int](),
		byFid:    concurrent.NewMap[string, int](),
	}
}

// Observe registers fn to be called synchronously with every event List
// emits (spec.md §5 "Observer signal emission is synchronous with the
// mutation that triggered it").
func (l *List) Observe(fn func(ListEvent)) {
	l.observers = append(l.observers, fn)
}

func (l *List) emit(kind EventKind, pos int) {
	for _, fn := range l.observers {
		fn(ListEvent{Kind: kind, Pos: pos})
	}
}

// Insert appends s to the tail. Inserting a session whose id is already
// present is a no-op (spec.md §4.4 "Deduplicates by id").
func (l *List) Insert(s *Session) {
	if s.Metadata.ID != 0 {
		if _, ok := l.byID.Load(s.Metadata.ID); ok {
			return
		}
	}

	l.sessions.Append(s)
	pos := l.sessions.Length() - 1

	if s.Metadata.ID != 0 {
		l.byID.Store(s.Metadata.ID, pos)
	}
	if s.Metadata.Fid != "" {
		l.byFid.Store(s.Metadata.Fid, pos)
	}

	l.emit(EventInserted, pos)
}

// ReplaceAt is the atomic primitive used by Placeholder.load to swap
// itself for its Loaded successor (spec.md §4.4). It rebuilds the index
// entries for the position so GetByID/GetByFid see the new session
// immediately.
func (l *List) ReplaceAt(pos int, newSession *Session) bool {
	if !l.sessions.Update(pos, func(*Session) *Session { return newSession }) {
		return false
	}

	if newSession.Metadata.ID != 0 {
		l.byID.Store(newSession.Metadata.ID, pos)
	}
	if newSession.Metadata.Fid != "" {
		l.byFid.Store(newSession.Metadata.Fid, pos)
	}

	l.emit(EventReplaced, pos)
	return true
}

// RemoveByID removes the session with id, if present, shifting every
// later index map entry down by one and emitting removed(pos).
func (l *List) RemoveByID(id int64) bool {
	pos, ok := l.byID.Load(id)
	if !ok {
		return false
	}
	l.removeAt(pos)
	return true
}

// RemoveByFid removes the session with fid, if present. fid is immutable
// for the lifetime of a session (spec.md §3), unlike id, which starts at
// zero and is only assigned once the session is first saved — callers that
// only have a freshly-promoted, not-yet-saved session should prefer this
// over RemoveByID.
func (l *List) RemoveByFid(fid string) bool {
	pos, ok := l.byFid.Load(fid)
	if !ok {
		return false
	}
	l.removeAt(pos)
	return true
}

func (l *List) removeAt(pos int) {
	all := l.sessions.All()
	if pos < 0 || pos >= len(all) {
		return
	}
	rebuilt := append(append([]*Session(nil), all[:pos]...), all[pos+1:]...)

	l.sessions.Clear()
	for _, s := range rebuilt {
		l.sessions.Append(s)
	}

	newByID := concurrent.NewMap[int64, int]()
	newByFid := concurrent.NewMap[string, int]()
	for i, s := range rebuilt {
		if s.Metadata.ID != 0 {
			newByID.Store(s.Metadata.ID, i)
		}
		if s.Metadata.Fid != "" {
			newByFid.Store(s.Metadata.Fid, i)
		}
	}
	l.byID = newByID
	l.byFid = newByFid

	l.emit(EventRemoved, pos)
}

// GetByID returns the unique session with id, if present.
func (l *List) GetByID(id int64) (*Session, bool) {
	pos, ok := l.byID.Load(id)
	if !ok {
		return nil, false
	}
	return l.sessions.Get(pos)
}

// GetByFid returns the session with fid, if present. fid=="" sessions are
// never indexed (spec.md §4.4).
func (l *List) GetByFid(fid string) (*Session, bool) {
	if fid == "" {
		return nil, false
	}
	pos, ok := l.byFid.Load(fid)
	if !ok {
		return nil, false
	}
	return l.sessions.Get(pos)
}

// PositionOf scans for s by identity and returns its position, or -1.
func (l *List) PositionOf(s *Session) int {
	_, pos := l.sessions.Find(func(v *Session) bool { return v == s })
	return pos
}

// All returns a snapshot copy of every session in order.
func (l *List) All() []*Session {
	return l.sessions.All()
}

// Len returns the number of sessions currently in the list.
func (l *List) Len() int {
	return l.sessions.Length()
}
