package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/forrest-runner/forrest/internal/triplet"
)

// Event represents a single occurrence in a machine or job's lifecycle
type Event struct {
	// Time is when the event occurred (set by Bus.Publish)
	Time time.Time `json:"time"`

	// Type identifies what happened
	Type EventType `json:"type"`

	// Triplet is the machine/job this event relates to (zero value for
	// daemon-wide events)
	Triplet triplet.Triplet `json:"triplet"`

	// RunnerName is the synthesized forrest-<machine_name>-<random>
	// identifier, empty for job events and daemon-wide events
	RunnerName string `json:"runner_name,omitempty"`

	// From is the machine state machine's previous state name (the new
	// state is carried by Type), empty for job events
	From string `json:"from,omitempty"`

	// Payload contains event-specific data (type varies by event)
	Payload any `json:"payload,omitempty"`

	// Error contains an error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category
type EventType string

// Machine lifecycle events, one per machine.Status transition
const (
	MachineRequested   EventType = "machine.requested"
	MachineRegistering EventType = "machine.registering"
	MachineRegistered  EventType = "machine.registered"
	MachineStarting    EventType = "machine.starting"
	MachineWaiting     EventType = "machine.waiting"
	MachineRunning     EventType = "machine.running"
	MachineStopping    EventType = "machine.stopping"
	MachineStopped     EventType = "machine.stopped"
)

// Job lifecycle events, mirroring the platform.WorkflowStatus values a
// webhook delivery or poll can report
const (
	JobPending    EventType = "job.pending"
	JobQueued     EventType = "job.queued"
	JobInProgress EventType = "job.in_progress"
	JobCompleted  EventType = "job.completed"
	JobFailed     EventType = "job.failed"
)

// Daemon lifecycle events
const (
	DaemonStarted  EventType = "daemon.started"
	DaemonStopping EventType = "daemon.stopping"
)

// NewEvent creates an event with the given type and triplet
func NewEvent(eventType EventType, t triplet.Triplet) Event {
	return Event{
		Type:    eventType,
		Triplet: t,
	}
}

// WithRunnerName returns a copy of the event with RunnerName set
func (e Event) WithRunnerName(name string) Event {
	e.RunnerName = name
	return e
}

// WithTransition returns a copy of the event with From set
func (e Event) WithTransition(from string) Event {
	e.From = from
	return e
}

// WithPayload returns a copy of the event with the payload set
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), ".failed")
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if (e.Triplet != triplet.Triplet{}) {
		parts = append(parts, e.Triplet.String())
	}

	if e.RunnerName != "" {
		parts = append(parts, e.RunnerName)
	}

	if e.From != "" {
		parts = append(parts, fmt.Sprintf("from=%s", e.From))
	}

	return strings.Join(parts, " ")
}
