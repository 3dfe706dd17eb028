package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekho-app/ekho/am"
)

func TestDetectMode(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"I feel so overwhelmed lately", ModeTherapist},
		{"Can we talk?", ModeTherapist},
		{"I can't decide between two jobs", ModeDecision},
		{"What are the pros/cons of moving?", ModeDecision},
		{"Should I take the trade-off?", ModeDecision},
		{"Give me some ideas for a side project", ModeBrainstorm},
		{"What if we tried something new", ModeBrainstorm},
		{"Hi there!", ModeCasual},
		{"", ModeCasual},
		// therapist rules are checked before decision rules
		{"I feel like I should decide now", ModeTherapist},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectMode(tt.message), tt.message)
	}
}

func TestTagEmotion(t *testing.T) {
	assert.Equal(t, TagNeutral, TagEmotion(""))
	assert.Equal(t, TagAnxious, TagEmotion("I am so stressed and tired"))
	assert.Equal(t, TagPositive, TagEmotion("I'm proud of you"))
	assert.Equal(t, TagAnxious, TagEmotion("happy but worried"))
	assert.Equal(t, TagNeutral, TagEmotion("the weather is fine"))
}

func TestSentimentScore(t *testing.T) {
	assert.Equal(t, 0.0, SentimentScore(""))
	assert.Equal(t, 0.0, SentimentScore("nothing emotional here"))
	assert.Equal(t, 1.0, SentimentScore("happy and grateful"))
	assert.Equal(t, -1.0, SentimentScore("sad"))
	assert.InDelta(t, 1.0/3.0, SentimentScore("happy, excited, but tired"), 1e-9)
}

func TestScanSafety(t *testing.T) {
	phrases := am.DefaultCrisisPhrases

	s := ScanSafety("Sometimes I feel like I can’t go on", phrases)
	assert.True(t, s.Flagged)
	assert.Equal(t, "Crisis language detected.", s.Note)

	s = ScanSafety("I WANT TO DIE", phrases)
	assert.True(t, s.Flagged)

	s = ScanSafety("Had a great day", phrases)
	assert.False(t, s.Flagged)
	assert.Equal(t, "clear", s.Note)

	assert.False(t, ScanSafety("anything", []string{"", "  "}).Flagged)
}
