// Package jobtracker keeps the authoritative set of workflow jobs forrest
// still cares about, coalesces per-job events into demand updates, and
// forwards runner-liveness signals to the fleet, grounded on
// _examples/original_source/src/jobs/{job,manager}.rs.
package jobtracker

import (
	"log"
	"sync"
	"time"

	"github.com/forrest-runner/forrest/internal/events"
	"github.com/forrest-runner/forrest/internal/platform"
	"github.com/forrest-runner/forrest/internal/triplet"
)

// updateDemandDebounce is how long a burst of per-job events is allowed to
// trickle in before a scheduling pass runs, letting a workflow's many jobs
// arrive as one demand update instead of one per webhook delivery.
const updateDemandDebounce = 5 * time.Second

// MachineManager is the narrow slice of fleet.Manager the tracker needs.
// Defined here, rather than imported from the fleet package, so jobtracker
// never has to import fleet (the daemon wires the two together, and
// neither package imports the other).
type MachineManager interface {
	StatusFeedback(t triplet.Triplet, runnerName string, online *bool, busy bool) bool
	UpdateDemand(requested []triplet.Triplet)
}

// job is one tracked workflow job.
type job struct {
	orm    triplet.Triplet
	jobID  platform.JobID
	runID  platform.RunID
	status platform.WorkflowStatus
}

func (j job) isQueued() bool {
	return j.status == platform.StatusQueued
}

// isInteresting reports whether the job has not yet reached a terminal
// status. platform.WorkflowStatus is not exhaustively known to forrest
// (GitHub can add values), so a status that is neither a known
// in-flight nor a known terminal one aborts the process rather than
// silently falling out of tracking.
func (j job) isInteresting() bool {
	switch j.status {
	case platform.StatusPending, platform.StatusQueued, platform.StatusInProgress:
		return true
	case platform.StatusCompleted, platform.StatusFailed:
		return false
	default:
		log.Panicf("jobtracker: got unexpected job status %q", j.status)
		return false
	}
}

func isTracked(status platform.WorkflowStatus) bool {
	switch status {
	case platform.StatusPending, platform.StatusQueued, platform.StatusInProgress:
		return true
	case platform.StatusCompleted, platform.StatusFailed:
		return false
	default:
		log.Panicf("jobtracker: got unexpected job status %q", status)
		return false
	}
}

// Manager is the job tracker: the authoritative record of every workflow
// job forrest has seen that has not yet completed or failed.
type Manager struct {
	machineManager MachineManager
	debounceDelay  time.Duration
	events         *events.Bus

	mu              sync.Mutex
	jobs            []job
	debouncePending bool
}

// New returns a Manager that reports runner liveness and schedules
// machines through mm. bus may be nil if no observer cares about job
// lifecycle events.
func New(mm MachineManager, bus *events.Bus) *Manager {
	return &Manager{
		machineManager: mm,
		debounceDelay:  updateDemandDebounce,
		events:         bus,
	}
}

// newWithDelay is used by tests that can't afford to wait out the real
// debounce window.
func newWithDelay(mm MachineManager, delay time.Duration) *Manager {
	m := New(mm, nil)
	m.debounceDelay = delay
	return m
}

// RunsOfInterest returns every (owner, repository) -> set of run ids that
// currently own at least one tracked job, used by the poller to decide
// which runs are still worth walking.
func (m *Manager) RunsOfInterest() map[triplet.OwnerAndRepo]map[platform.RunID]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make(map[triplet.OwnerAndRepo]map[platform.RunID]bool)
	for _, j := range m.jobs {
		if !j.isInteresting() {
			continue
		}
		oar := j.orm.OwnerAndRepo()
		if res[oar] == nil {
			res[oar] = make(map[platform.RunID]bool)
		}
		res[oar][j.runID] = true
	}
	return res
}

// StatusFeedback records a job observation coming from the webhook or the
// poller. Both call paths are expected to deliver duplicate and
// out-of-order events; StatusFeedback is idempotent in the sense that
// observing the same (orm, job_id, status) twice in a row only schedules
// one demand update.
func (m *Manager) StatusFeedback(orm triplet.Triplet, jobID platform.JobID, runID platform.RunID, status platform.WorkflowStatus, runnerName string) {
	m.publish(orm, status, runnerName)

	if status == platform.StatusInProgress && runnerName != "" {
		online := true
		m.machineManager.StatusFeedback(orm, runnerName, &online, true)
	}

	if (status == platform.StatusCompleted || status == platform.StatusFailed) && runnerName != "" {
		m.machineManager.StatusFeedback(orm, runnerName, nil, false)
	}

	changed := m.recordJob(orm, jobID, runID, status)

	if changed {
		m.updateDemandSoon()
	}
}

func (m *Manager) publish(orm triplet.Triplet, status platform.WorkflowStatus, runnerName string) {
	if m.events == nil {
		return
	}

	var typ events.EventType
	switch status {
	case platform.StatusPending:
		typ = events.JobPending
	case platform.StatusQueued:
		typ = events.JobQueued
	case platform.StatusInProgress:
		typ = events.JobInProgress
	case platform.StatusCompleted:
		typ = events.JobCompleted
	case platform.StatusFailed:
		typ = events.JobFailed
	default:
		log.Panicf("jobtracker: got unexpected job status %q", status)
		return
	}

	m.events.Publish(events.NewEvent(typ, orm).WithRunnerName(runnerName))
}

func (m *Manager) recordJob(orm triplet.Triplet, jobID platform.JobID, runID platform.RunID, status platform.WorkflowStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := -1
	for i, j := range m.jobs {
		if j.orm == orm && j.jobID == jobID {
			index = i
			break
		}
	}

	tracked := isTracked(status)

	switch {
	case tracked && index < 0:
		m.jobs = append(m.jobs, job{orm: orm, jobID: jobID, runID: runID, status: status})
		return true
	case tracked && index >= 0:
		if m.jobs[index].status == status {
			return false
		}
		m.jobs[index].status = status
		return true
	case !tracked && index < 0:
		return false
	default: // !tracked && index >= 0
		m.jobs = append(m.jobs[:index], m.jobs[index+1:]...)
		return true
	}
}

// updateDemandSoon debounces a burst of status changes into a single
// update_demand pass. If a debounce task is already pending, this is a
// no-op: the earlier task's firing time is not reset.
func (m *Manager) updateDemandSoon() {
	m.mu.Lock()
	if m.debouncePending {
		m.mu.Unlock()
		return
	}
	m.debouncePending = true
	m.mu.Unlock()

	go func() {
		time.Sleep(m.debounceDelay)

		m.mu.Lock()
		m.debouncePending = false
		m.mu.Unlock()

		m.updateDemand()
	}()
}

// updateDemand gathers the multiset of Triplets across every queued (not
// yet running) job and hands it to the MachineManager.
func (m *Manager) updateDemand() {
	m.mu.Lock()
	var triplets []triplet.Triplet
	for _, j := range m.jobs {
		if j.isQueued() {
			triplets = append(triplets, j.orm)
		}
	}
	m.mu.Unlock()

	m.machineManager.UpdateDemand(triplets)
}
