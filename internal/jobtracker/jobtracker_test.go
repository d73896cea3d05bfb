package jobtracker

import (
	"sync"
	"testing"
	"time"

	"github.com/forrest-runner/forrest/internal/events"
	"github.com/forrest-runner/forrest/internal/platform"
	"github.com/forrest-runner/forrest/internal/triplet"
)

type statusFeedbackCall struct {
	t          triplet.Triplet
	runnerName string
	online     *bool
	busy       bool
}

type fakeMachineManager struct {
	mu             sync.Mutex
	feedbackCalls  []statusFeedbackCall
	demandCalls    [][]triplet.Triplet
	demandCalledCh chan struct{}
}

func newFakeMachineManager() *fakeMachineManager {
	return &fakeMachineManager{demandCalledCh: make(chan struct{}, 16)}
}

func (f *fakeMachineManager) StatusFeedback(t triplet.Triplet, runnerName string, online *bool, busy bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var copied *bool
	if online != nil {
		v := *online
		copied = &v
	}
	f.feedbackCalls = append(f.feedbackCalls, statusFeedbackCall{t, runnerName, copied, busy})
	return true
}

func (f *fakeMachineManager) UpdateDemand(requested []triplet.Triplet) {
	f.mu.Lock()
	f.demandCalls = append(f.demandCalls, append([]triplet.Triplet(nil), requested...))
	f.mu.Unlock()
	f.demandCalledCh <- struct{}{}
}

func (f *fakeMachineManager) waitForDemandCall(t *testing.T) []triplet.Triplet {
	t.Helper()
	select {
	case <-f.demandCalledCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for UpdateDemand call")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.demandCalls[len(f.demandCalls)-1]
}

func testTriplet() triplet.Triplet {
	return triplet.New("acme", "web", "small")
}

func TestStatusFeedbackInProgressReportsOnlineBusy(t *testing.T) {
	fm := newFakeMachineManager()
	m := newWithDelay(fm, 10*time.Millisecond)

	m.StatusFeedback(testTriplet(), 100, 9, platform.StatusInProgress, "forrest-small-abc")

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.feedbackCalls) != 1 {
		t.Fatalf("expected 1 feedback call, got %d", len(fm.feedbackCalls))
	}
	call := fm.feedbackCalls[0]
	if call.online == nil || !*call.online || !call.busy {
		t.Fatalf("expected online=true, busy=true, got online=%v busy=%v", call.online, call.busy)
	}
}

func TestStatusFeedbackCompletedReportsUnknownOnlineNotBusy(t *testing.T) {
	fm := newFakeMachineManager()
	m := newWithDelay(fm, 10*time.Millisecond)

	m.StatusFeedback(testTriplet(), 100, 9, platform.StatusCompleted, "forrest-small-abc")

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.feedbackCalls) != 1 {
		t.Fatalf("expected 1 feedback call, got %d", len(fm.feedbackCalls))
	}
	call := fm.feedbackCalls[0]
	if call.online != nil {
		t.Fatalf("expected online=unknown (nil), got %v", *call.online)
	}
	if call.busy {
		t.Fatal("expected busy=false")
	}
}

func TestStatusFeedbackNoRunnerNameSkipsFeedback(t *testing.T) {
	fm := newFakeMachineManager()
	m := newWithDelay(fm, 10*time.Millisecond)

	m.StatusFeedback(testTriplet(), 100, 9, platform.StatusInProgress, "")

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.feedbackCalls) != 0 {
		t.Fatalf("expected no feedback call without a runner name, got %d", len(fm.feedbackCalls))
	}
}

func TestRunsOfInterestTracksUntilTerminal(t *testing.T) {
	fm := newFakeMachineManager()
	m := newWithDelay(fm, time.Hour)

	m.StatusFeedback(testTriplet(), 1, 9, platform.StatusQueued, "")

	roi := m.RunsOfInterest()
	oar := testTriplet().OwnerAndRepo()
	if !roi[oar][9] {
		t.Fatal("expected run 9 to be of interest while its job is queued")
	}

	m.StatusFeedback(testTriplet(), 1, 9, platform.StatusCompleted, "")

	roi = m.RunsOfInterest()
	if roi[oar][9] {
		t.Fatal("expected run 9 to no longer be of interest once its only job completed")
	}
}

func TestUpdateDemandOnlyIncludesQueuedJobs(t *testing.T) {
	fm := newFakeMachineManager()
	m := newWithDelay(fm, 10*time.Millisecond)

	other := triplet.New("acme", "web", "large")
	m.StatusFeedback(testTriplet(), 1, 9, platform.StatusQueued, "")
	m.StatusFeedback(other, 2, 10, platform.StatusInProgress, "forrest-large-xyz")

	triplets := fm.waitForDemandCall(t)
	if len(triplets) != 1 || triplets[0] != testTriplet() {
		t.Fatalf("expected demand update with only the queued job's triplet, got %v", triplets)
	}
}

func TestStatusFeedbackDebouncesBurstIntoOneUpdate(t *testing.T) {
	fm := newFakeMachineManager()
	m := newWithDelay(fm, 50*time.Millisecond)

	m.StatusFeedback(testTriplet(), 1, 9, platform.StatusQueued, "")
	m.StatusFeedback(testTriplet(), 2, 9, platform.StatusQueued, "")
	m.StatusFeedback(testTriplet(), 3, 9, platform.StatusQueued, "")

	fm.waitForDemandCall(t)

	time.Sleep(100 * time.Millisecond)

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.demandCalls) != 1 {
		t.Fatalf("expected exactly one debounced UpdateDemand call, got %d", len(fm.demandCalls))
	}
	if len(fm.demandCalls[0]) != 3 {
		t.Fatalf("expected all 3 queued jobs' triplets in the single update, got %v", fm.demandCalls[0])
	}
}

func TestStatusFeedbackSameStatusTwiceDoesNotReschedule(t *testing.T) {
	fm := newFakeMachineManager()
	m := newWithDelay(fm, 10*time.Millisecond)

	m.StatusFeedback(testTriplet(), 1, 9, platform.StatusQueued, "")
	fm.waitForDemandCall(t)

	m.StatusFeedback(testTriplet(), 1, 9, platform.StatusQueued, "")

	select {
	case <-fm.demandCalledCh:
		t.Fatal("expected no second UpdateDemand call for a repeated identical status")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStatusFeedbackPublishesJobEvent(t *testing.T) {
	fm := newFakeMachineManager()
	bus := events.NewBus(4)
	sub := bus.Subscribe()

	m := New(fm, bus)
	m.debounceDelay = 10 * time.Millisecond

	m.StatusFeedback(testTriplet(), 1, 9, platform.StatusInProgress, "forrest-small-abc")

	select {
	case e := <-sub:
		if e.Type != events.JobInProgress {
			t.Fatalf("event type = %v, want JobInProgress", e.Type)
		}
		if e.RunnerName != "forrest-small-abc" {
			t.Fatalf("event runner name = %q, want forrest-small-abc", e.RunnerName)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job event")
	}
}
