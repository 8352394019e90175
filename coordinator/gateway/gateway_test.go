package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  ReplyKind
	}{
		{"protocol ack exact", "LIVESTREAM_REPLIED", KindProtocolAck},
		{"protocol ack case-insensitive with whitespace", "  livestream_replied  ", KindProtocolAck},
		{"quiet ack", "NO_REPLY", KindQuietAck},
		{"http status error", "429 rate limit exceeded", KindAPIError},
		{"status code phrasing", "500 status code error", KindAPIError},
		{"bare rate limit phrase", "rate-limit hit, try later", KindAPIError},
		{"free-form text is misaligned", "sure, let me help with that", KindMisaligned},
		{"empty string is misaligned", "", KindMisaligned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.reply))
		})
	}
}

func TestClassifyAll_SeparatesQuietAcksFromMisaligned(t *testing.T) {
	c := ClassifyAll([]string{"NO_REPLY", "LIVESTREAM_REPLIED", "huh?", "429 rate limit exceeded", "what is this"})

	assert.True(t, c.SawQuietAck)
	assert.Equal(t, []string{"huh?", "what is this"}, c.Misaligned)
}

func TestClassifyAll_NoQuietAckWhenNonePresent(t *testing.T) {
	c := ClassifyAll([]string{"LIVESTREAM_REPLIED"})
	assert.False(t, c.SawQuietAck)
	assert.Empty(t, c.Misaligned)
}
