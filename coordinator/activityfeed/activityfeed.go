// Package activityfeed implements the activity-feed supplement
// (SPEC_FULL §3.2): an in-memory ring buffer of recent observable
// coordinator events, exposed as an Atom feed via gorilla/feeds for
// ops dashboards that can't hold a websocket open. No persistence —
// a restart clears it the same as every other in-memory coordinator
// state.
package activityfeed

import (
	"sync"
	"time"

	"github.com/gorilla/feeds"
)

// Kind labels the observable event categories the feed records.
type Kind string

const (
	KindTransition   Kind = "transition"
	KindBatch        Kind = "batch"
	KindPlan         Kind = "plan"
	KindMisalignment Kind = "misalignment"
)

// Event is one entry in the ring buffer.
type Event struct {
	Kind    Kind
	Title   string
	Detail  string
	At      time.Time
}

// Feed is a bounded, thread-safe ring buffer of Events rendered as an
// Atom feed on demand.
type Feed struct {
	mu       sync.Mutex
	cap      int
	events   []Event
	title    string
	link     string
	authorID string
}

// New creates a Feed holding at most capacity events (SPEC_FULL default
// 50). title and link identify the feed in its Atom header; authorID
// labels the feed's author entry.
func New(capacity int, title, link, authorID string) *Feed {
	if capacity <= 0 {
		capacity = 50
	}
	return &Feed{cap: capacity, title: title, link: link, authorID: authorID}
}

// Record appends one event, evicting the oldest if the buffer is full.
func (f *Feed) Record(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	if over := len(f.events) - f.cap; over > 0 {
		f.events = f.events[over:]
	}
}

// Snapshot returns the current events, oldest first.
func (f *Feed) Snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

// Atom renders the current buffer as an Atom feed document, newest
// first, for GET /coordinator/feed.atom.
func (f *Feed) Atom(now time.Time) (string, error) {
	events := f.Snapshot()

	feed := &feeds.Feed{
		Title:   f.title,
		Link:    &feeds.Link{Href: f.link},
		Author:  &feeds.Author{Name: f.authorID},
		Created: now,
	}

	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		feed.Items = append(feed.Items, &feeds.Item{
			Title:       string(e.Kind) + ": " + e.Title,
			Description: e.Detail,
			Created:     e.At,
			Id:          e.At.Format(time.RFC3339Nano) + "-" + string(e.Kind),
		})
	}

	return feed.ToAtom()
}
