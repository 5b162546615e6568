package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListInsertDeduplicatesByID(t *testing.T) {
	l := NewList()

	s1 := &Session{Metadata: Metadata{ID: 1, Fid: "a"}}
	s1dup := &Session{Metadata: Metadata{ID: 1, Fid: "b"}}

	l.Insert(s1)
	l.Insert(s1dup)

	assert.Equal(t, 1, l.Len())
	got, ok := l.GetByID(1)
	require.True(t, ok)
	assert.Equal(t, "a", got.Metadata.Fid)
}

func TestListGetByFidEmptyNeverIndexed(t *testing.T) {
	l := NewList()
	l.Insert(&Session{Metadata: Metadata{ID: 1, Fid: ""}})

	_, ok := l.GetByFid("")
	assert.False(t, ok)
}

// TestListReplaceAtPreservesPosition mirrors spec.md §8 Scenario C.
func TestListReplaceAtPreservesPosition(t *testing.T) {
	l := NewList()

	var events []ListEvent
	l.Observe(func(e ListEvent) { events = append(events, e) })

	p0 := &Session{Kind: KindPlaceholder, Metadata: Metadata{ID: 1, Fid: "p0"}}
	p1 := &Session{Kind: KindPlaceholder, Metadata: Metadata{ID: 2, Fid: "p1"}}
	p2 := &Session{Kind: KindPlaceholder, Metadata: Metadata{ID: 3, Fid: "p2"}}
	l.Insert(p0)
	l.Insert(p1)
	l.Insert(p2)

	l1 := &Session{Kind: KindLoaded, Metadata: Metadata{ID: 2, Fid: "p1"}}
	ok := l.ReplaceAt(1, l1)
	require.True(t, ok)

	all := l.All()
	require.Len(t, all, 3)
	assert.Same(t, p0, all[0])
	assert.Same(t, l1, all[1])
	assert.Same(t, p2, all[2])

	got, ok := l.GetByID(2)
	require.True(t, ok)
	assert.Same(t, l1, got)

	require.Len(t, events, 4) // 3 inserts + 1 replace
	assert.Equal(t, EventReplaced, events[3].Kind)
	assert.Equal(t, 1, events[3].Pos)
}

func TestListRemoveByIDShiftsIndex(t *testing.T) {
	l := NewList()
	l.Insert(&Session{Metadata: Metadata{ID: 1, Fid: "a"}})
	l.Insert(&Session{Metadata: Metadata{ID: 2, Fid: "b"}})
	l.Insert(&Session{Metadata: Metadata{ID: 3, Fid: "c"}})

	require.True(t, l.RemoveByID(2))
	assert.Equal(t, 2, l.Len())

	got, ok := l.GetByID(3)
	require.True(t, ok)
	assert.Equal(t, 1, l.PositionOf(got))

	_, ok = l.GetByID(2)
	assert.False(t, ok)
}
