package ingest

import (
	"fmt"
	"strings"
)

// State is the phase an issuer ingestion is in, or ended in.
type State int

const (
	Idle State = iota
	Resuming
	Windowing
	Fetching
	Normalizing
	Committing
	Failed
	Skipped
)

var stateNames = [...]string{
	Idle:        "idle",
	Resuming:    "resuming",
	Windowing:   "windowing",
	Fetching:    "fetching",
	Normalizing: "normalizing",
	Committing:  "committing",
	Failed:      "failed",
	Skipped:     "skipped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Policy decides what happens to the watermark when some windows of a run
// could not be fetched.
type Policy int

const (
	// HoldWatermark commits rows from the windows that succeeded but leaves
	// the watermark where it was, so the next run fetches the range again.
	HoldWatermark Policy = iota
	// AdvanceWatermark moves the watermark to the as-of date regardless.
	AdvanceWatermark
)

func (p Policy) String() string {
	if p == AdvanceWatermark {
		return "advance"
	}
	return "hold"
}

// ParsePolicy accepts "hold" or "advance".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hold", "":
		return HoldWatermark, nil
	case "advance":
		return AdvanceWatermark, nil
	}
	return HoldWatermark, fmt.Errorf("unknown partial failure policy %q", s)
}
