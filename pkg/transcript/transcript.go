// Package transcript merges streamed transcription fragments into
// speaker-attributed conversation turns.
//
// The remote model emits transcription as a sequence of small text fragments,
// each attributed to either the local user or the model. [Append] folds one
// fragment into a turn list: consecutive fragments from the same speaker are
// concatenated into a single [Turn], a change of speaker starts a new one.
//
// Fragments are concatenated verbatim. The model includes its own whitespace,
// so "five" followed by "hour" becomes "fivehour" while " hour" becomes
// "five hour". Nothing is trimmed, deduplicated or reordered.
package transcript

import (
	"strings"
	"sync"
)

// Speaker identifies the origin of a turn.
type Speaker int

const (
	// SpeakerUser is the local participant whose microphone is captured.
	SpeakerUser Speaker = iota

	// SpeakerModel is the remote model.
	SpeakerModel
)

// String returns "user" or "model".
func (s Speaker) String() string {
	if s == SpeakerUser {
		return "user"
	}
	return "model"
}

// Turn is one contiguous run of speech by a single speaker.
type Turn struct {
	Speaker Speaker
	Text    string
}

// IsUser reports whether the turn was spoken by the local user.
func (t Turn) IsUser() bool { return t.Speaker == SpeakerUser }

func speakerOf(isUser bool) Speaker {
	if isUser {
		return SpeakerUser
	}
	return SpeakerModel
}

// Append returns a new turn list with fragment folded in. When the last turn
// belongs to the same speaker the fragment is appended to its text; otherwise
// a new turn is added. turns is never modified.
func Append(turns []Turn, fragment string, isUser bool) []Turn {
	sp := speakerOf(isUser)
	out := make([]Turn, len(turns), len(turns)+1)
	copy(out, turns)
	if n := len(out); n > 0 && out[n-1].Speaker == sp {
		out[n-1].Text += fragment
		return out
	}
	return append(out, Turn{Speaker: sp, Text: fragment})
}

// Text returns the concatenation of every turn's text, in order.
func Text(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Text)
	}
	return b.String()
}

// Log is a concurrency-safe transcript owned by one session.
type Log struct {
	mu    sync.Mutex
	turns []Turn
}

// Add folds fragment into the log and returns a snapshot of the turns.
func (l *Log) Add(fragment string, isUser bool) []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = Append(l.turns, fragment, isUser)
	return l.turns
}

// Turns returns a snapshot of the current turns. Snapshots are never mutated
// by later calls.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.turns
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Reset clears the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
}
