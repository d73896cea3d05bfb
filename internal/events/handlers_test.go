package events

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf})

	event := NewEvent(MachineRunning, testTriplet()).WithRunnerName("forrest-small-abc")
	handler(event)

	output := buf.String()
	if !strings.Contains(output, "[machine.running]") {
		t.Errorf("expected output to contain [machine.running], got: %s", output)
	}
	if !strings.Contains(output, "acme/web/small") {
		t.Errorf("expected output to contain the triplet, got: %s", output)
	}
	if !strings.Contains(output, "forrest-small-abc") {
		t.Errorf("expected output to contain the runner name, got: %s", output)
	}
}

func TestLogHandler_DefaultWriter(t *testing.T) {
	// When Writer is nil, it should default to os.Stderr; just verify no panic.
	handler := LogHandler(LogConfig{})
	handler(NewEvent(DaemonStarted, testTriplet()))
}

func TestLogHandler_IncludePayload(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf, IncludePayload: true})

	event := NewEvent(JobFailed, testTriplet()).WithPayload(map[string]string{"key": "value"})
	handler(event)

	output := buf.String()
	if !strings.Contains(output, "payload=") {
		t.Errorf("expected output to contain payload=, got: %s", output)
	}
}

func TestLogHandler_Error(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf})

	event := NewEvent(MachineStopped, testTriplet()).WithError(errors.New("boom"))
	handler(event)

	output := buf.String()
	if !strings.Contains(output, `error="boom"`) {
		t.Errorf("expected output to contain error=\"boom\", got: %s", output)
	}
}

func TestSubscribe(t *testing.T) {
	bus := NewBus(4)
	received := make(chan Event, 1)
	go Subscribe(bus, func(e Event) { received <- e })

	// Subscribe only sees events published after it has registered with
	// the bus, so wait for the goroutine to get that far.
	for {
		bus.mu.Lock()
		n := len(bus.subs)
		bus.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	bus.Publish(NewEvent(MachineStarting, testTriplet()))

	select {
	case e := <-received:
		if e.Type != MachineStarting {
			t.Fatalf("got %v, want MachineStarting", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}

	bus.Close()
}
