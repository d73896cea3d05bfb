package history

import (
	"testing"
	"time"

	"github.com/forrest-runner/forrest/internal/events"
	"github.com/forrest-runner/forrest/internal/triplet"
)

func testTriplet() triplet.Triplet {
	return triplet.New("acme", "web", "small")
}

func TestOpen(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
}

func TestOpenWALMode(t *testing.T) {
	path := t.TempDir() + "/history.db"
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	var journalMode string
	if err := l.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
}

func TestOpenMigration(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	var name string
	query := "SELECT name FROM sqlite_master WHERE type='table' AND name='transitions'"
	if err := l.conn.QueryRow(query).Scan(&name); err != nil {
		t.Fatalf("transitions table does not exist: %v", err)
	}
}

func TestRecordAndTransitions(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	tr := testTriplet()

	e1 := events.NewEvent(events.MachineRequested, tr).WithRunnerName("forrest-small-abc")
	e1.Time = time.Now()
	if err := l.Record(e1); err != nil {
		t.Fatalf("Record: %v", err)
	}

	e2 := events.NewEvent(events.MachineRegistering, tr).WithRunnerName("forrest-small-abc").WithTransition("requested")
	e2.Time = time.Now()
	if err := l.Record(e2); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := l.Transitions(tr, 10)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	// newest first
	if got[0].EventType != string(events.MachineRegistering) {
		t.Errorf("got[0].EventType = %q, want %q", got[0].EventType, events.MachineRegistering)
	}
	if got[0].FromState != "requested" {
		t.Errorf("got[0].FromState = %q, want requested", got[0].FromState)
	}
	if got[1].EventType != string(events.MachineRequested) {
		t.Errorf("got[1].EventType = %q, want %q", got[1].EventType, events.MachineRequested)
	}
}

func TestTransitionsScopedToTriplet(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	other := triplet.New("acme", "web", "large")

	if err := l.Record(events.NewEvent(events.MachineRequested, testTriplet())); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(events.NewEvent(events.MachineRequested, other)); err != nil {
		t.Fatal(err)
	}

	got, err := l.Transitions(testTriplet(), 10)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d transitions, want 1", len(got))
	}
}

func TestRecordWithPayload(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	e := events.NewEvent(events.JobFailed, testTriplet()).WithPayload(map[string]string{"reason": "timeout"})
	if err := l.Record(e); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := l.Transitions(testTriplet(), 10)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(got) != 1 || got[0].Payload == "" {
		t.Fatalf("expected a row with non-empty payload, got %+v", got)
	}
}

func TestSubscribeRecordsPublishedEvents(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	bus := events.NewBus(4)
	done := make(chan struct{})
	go func() {
		l.Subscribe(bus)
		close(done)
	}()

	bus.Publish(events.NewEvent(events.MachineRunning, testTriplet()))
	bus.Close()
	<-done

	got, err := l.Transitions(testTriplet(), 10)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d transitions, want 1", len(got))
	}
}
