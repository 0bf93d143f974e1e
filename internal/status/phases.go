package status

import (
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/logging"
)

// Phase is a stage of a provisioning run.
type Phase string

const (
	PhasePending       Phase = "Pending"
	PhasePreparing     Phase = "Preparing"
	PhaseSeeding       Phase = "Seeding"
	PhaseLaunching     Phase = "Launching"
	PhaseWaitingForSSH Phase = "WaitingForSSH"
	PhaseInstalling    Phase = "Installing"
	PhaseReady         Phase = "Ready"
	PhaseFailed        Phase = "Failed"
)

// next lists the phases reachable from each phase. Failed is reachable from
// every non-terminal phase and is handled separately.
var next = map[Phase][]Phase{
	PhasePending:       {PhasePreparing},
	PhasePreparing:     {PhaseSeeding},
	PhaseSeeding:       {PhaseLaunching},
	PhaseLaunching:     {PhaseWaitingForSSH},
	PhaseWaitingForSSH: {PhaseInstalling, PhaseReady},
	PhaseInstalling:    {PhaseReady},
}

var banners = map[Phase]string{
	PhasePreparing:     "Preparing disk image",
	PhaseSeeding:       "Building cloud-init seed",
	PhaseLaunching:     "Launching virtual machine",
	PhaseWaitingForSSH: "Waiting for SSH",
	PhaseInstalling:    "Installing kernel",
	PhaseReady:         "Ready",
}

// Banner returns the human-readable announcement for a phase.
func (p Phase) Banner() string {
	if b, ok := banners[p]; ok {
		return b
	}
	return string(p)
}

// Tracker follows a single run through its phases. Transitions are
// validated; an invalid one leaves the phase unchanged.
type Tracker struct {
	phase   Phase
	history []Transition
	now     func() time.Time
	log     logrus.FieldLogger
}

// NewTracker returns a Tracker in PhasePending. Each successful transition
// is announced on log as a phase banner.
func NewTracker(log logrus.FieldLogger) *Tracker {
	t := &Tracker{
		phase: PhasePending,
		now:   time.Now,
		log:   logging.Ensure(log),
	}
	t.record(PhasePending, "Created", "")
	return t
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	return t.phase
}

// TransitionTo moves to phase p.
func (t *Tracker) TransitionTo(p Phase) error {
	if p == PhaseFailed {
		return fmt.Errorf("use Fail to enter phase %s", PhaseFailed)
	}
	if !slices.Contains(next[t.phase], p) {
		return fmt.Errorf("cannot transition to %s from phase %s", p, t.phase)
	}

	t.phase = p
	t.record(p, string(p), p.Banner())
	logging.Phase(t.log, p.Banner())
	return nil
}

// Fail moves to PhaseFailed. It is a no-op once the run is terminal.
// The error is recorded in the history but not logged; reporting it is up
// to whoever receives it.
func (t *Tracker) Fail(reason string, err error) {
	if IsTerminal(t.phase) {
		return
	}

	failedIn := t.phase
	t.phase = PhaseFailed
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.record(PhaseFailed, reason, msg)
	logging.Phase(t.log, fmt.Sprintf("%s in phase %s: %s", PhaseFailed.Banner(), failedIn, reason))
}

// IsTerminal returns true if the phase ends the run (Ready or Failed).
func IsTerminal(phase Phase) bool {
	return phase == PhaseReady || phase == PhaseFailed
}
