package activityfeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_EvictsOldestBeyondCapacity(t *testing.T) {
	f := New(2, "crawd activity", "https://example.invalid/feed.atom", "crawd")

	f.Record(Event{Kind: KindTransition, Title: "sleep->active", At: time.Unix(1, 0)})
	f.Record(Event{Kind: KindBatch, Title: "3 messages", At: time.Unix(2, 0)})
	f.Record(Event{Kind: KindPlan, Title: "plan set", At: time.Unix(3, 0)})

	snap := f.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, KindBatch, snap[0].Kind)
	assert.Equal(t, KindPlan, snap[1].Kind)
}

func TestAtom_RendersNewestFirst(t *testing.T) {
	f := New(10, "crawd activity", "https://example.invalid/feed.atom", "crawd")
	f.Record(Event{Kind: KindTransition, Title: "first", At: time.Unix(1, 0)})
	f.Record(Event{Kind: KindMisalignment, Title: "second", At: time.Unix(2, 0)})

	doc, err := f.Atom(time.Unix(100, 0))
	require.NoError(t, err)
	assert.Contains(t, doc, "second")
	assert.Contains(t, doc, "first")

	firstIdx := indexOf(doc, "first")
	secondIdx := indexOf(doc, "second")
	assert.Less(t, secondIdx, firstIdx, "newest event should render before older ones")
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestAtom_EmptyFeed(t *testing.T) {
	f := New(10, "crawd activity", "https://example.invalid/feed.atom", "crawd")
	doc, err := f.Atom(time.Unix(1, 0))
	require.NoError(t, err)
	assert.Contains(t, doc, "crawd activity")
}
