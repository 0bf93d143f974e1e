// Package status tracks the phase of a provisioning run and keeps a record
// of every transition.
package status

import "time"

// Transition records entry into a phase.
type Transition struct {
	Phase   Phase     `json:"phase" yaml:"phase"`
	Time    time.Time `json:"time" yaml:"time"`
	Reason  string    `json:"reason" yaml:"reason"`
	Message string    `json:"message,omitempty" yaml:"message,omitempty"`
}

func (t *Tracker) record(p Phase, reason, message string) {
	t.history = append(t.history, Transition{
		Phase:   p,
		Time:    t.now(),
		Reason:  reason,
		Message: message,
	})
}

// History returns the transitions so far, oldest first.
func (t *Tracker) History() []Transition {
	out := make([]Transition, len(t.history))
	copy(out, t.history)
	return out
}

// LastTransition returns the most recent transition.
func (t *Tracker) LastTransition() Transition {
	return t.history[len(t.history)-1]
}

// Elapsed returns the time from entering PhasePending to the last
// transition.
func (t *Tracker) Elapsed() time.Duration {
	return t.LastTransition().Time.Sub(t.history[0].Time)
}
