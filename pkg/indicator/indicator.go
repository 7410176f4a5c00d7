// Package indicator derives the conversational indicator state from the
// session activity and the latest volume pair.
//
// Rendering is someone else's job; this package only turns numbers into a
// mode, a scale factor and a status line.
package indicator

import "math"

const (
	// SpeakingThreshold is the level above which a side counts as speaking
	// for the indicator.
	SpeakingThreshold = 0.05

	// StatusThreshold is the level above which the status line reports a
	// side as speaking.
	StatusThreshold = 0.1

	// IdleScale is the resting size of an active indicator.
	IdleScale = 1.05

	maxBoost = 1.5
)

// Mode is the coarse indicator state.
type Mode int

const (
	ModeOff Mode = iota
	ModeIdle
	ModeListening
	ModeSpeaking
)

// String returns a lower-case mode name.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeListening:
		return "listening"
	case ModeSpeaking:
		return "speaking"
	default:
		return "off"
	}
}

// State is the derived indicator state.
type State struct {
	Mode  Mode
	Scale float64
}

// Derive maps session activity and the input/output levels to an indicator
// state. Model speech wins over user speech.
func Derive(active bool, in, out float64) State {
	switch {
	case !active:
		return State{Mode: ModeOff, Scale: 1}
	case out > SpeakingThreshold:
		return State{Mode: ModeSpeaking, Scale: 1 + math.Min(out, maxBoost)}
	case in > SpeakingThreshold:
		return State{Mode: ModeListening, Scale: 1 + math.Min(in, maxBoost)}
	default:
		return State{Mode: ModeIdle, Scale: IdleScale}
	}
}

// Status returns the human-readable status line shown next to the indicator.
func Status(active bool, in, out float64) string {
	switch {
	case !active:
		return "Ready to start interview."
	case out > StatusThreshold:
		return "Interviewer is speaking..."
	case in > StatusThreshold:
		return "Listening..."
	default:
		return "Waiting for response..."
	}
}
