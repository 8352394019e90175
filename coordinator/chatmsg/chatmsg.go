// Package chatmsg defines the wire-level chat message record shared by
// every chat adapter and the batcher. Messages are immutable once
// constructed.
package chatmsg

import (
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// Platform is the closed set of chat sources the coordinator accepts.
type Platform string

const (
	Pumpfun Platform = "pumpfun"
	YouTube Platform = "youtube"
	Twitch  Platform = "twitch"
	Twitter Platform = "twitter"
)

// IsValid reports whether p is one of the known platforms.
func (p Platform) IsValid() bool {
	switch p {
	case Pumpfun, YouTube, Twitch, Twitter:
		return true
	default:
		return false
	}
}

// Metadata carries opaque, platform-specific fields that ride along with
// a message but never affect batching or state-machine behavior.
type Metadata struct {
	AuthorPhotoURL  string `json:"authorPhotoUrl,omitempty"`
	Moderator       bool   `json:"moderator,omitempty"`
	Member          bool   `json:"member,omitempty"`
	SuperchatAmount string `json:"superchatAmount,omitempty"`
	SuperchatColor  string `json:"superchatColor,omitempty"`
}

// Message is an immutable chat message emitted by an adapter.
type Message struct {
	ID        string    `json:"id"`
	ShortID   string    `json:"shortId"`
	Platform  Platform  `json:"platform"`
	Username  string    `json:"username"`
	Body      string    `json:"body"`
	ArrivedAt int64     `json:"arrivedAt"` // milliseconds since epoch
	Meta      Metadata  `json:"meta,omitempty"`
	arrival   time.Time // unexported, used internally for age math
}

// New constructs a Message, assigning a fresh id and short id. The
// adapter supplies everything that is platform-specific; New fills in
// the identifiers and normalizes the arrival time.
func New(platform Platform, username, body string, arrivedAt time.Time, meta Metadata) Message {
	return Message{
		ID:        uuid.NewString(),
		ShortID:   newShortID(),
		Platform:  platform,
		Username:  username,
		Body:      body,
		ArrivedAt: arrivedAt.UnixMilli(),
		Meta:      meta,
		arrival:   arrivedAt,
	}
}

// Arrival returns the message's arrival time as a time.Time.
func (m Message) Arrival() time.Time {
	if !m.arrival.IsZero() {
		return m.arrival
	}
	return time.UnixMilli(m.ArrivedAt)
}

// newShortID produces a 6-character handle suitable for addressing a
// message in a reply prompt. Collisions are tolerated: the handle only
// needs to disambiguate messages within the bounded recentMessages
// window, not globally.
func newShortID() string {
	id := shortuuid.New()
	if len(id) < 6 {
		return id
	}
	return id[:6]
}
