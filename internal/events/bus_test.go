package events

import (
	"testing"
	"time"
)

func TestBusFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus(4)
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(NewEvent(MachineRequested, testTriplet()))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			if e.Type != MachineRequested {
				t.Fatalf("got %v, want MachineRequested", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatal("expected Publish to stamp Time")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestBusDropsOldestWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()

	bus.Publish(NewEvent(MachineRequested, testTriplet()))
	bus.Publish(NewEvent(MachineRegistering, testTriplet()))

	select {
	case e := <-ch:
		if e.Type != MachineRegistering {
			t.Fatalf("expected the newest event to survive, got %v", e.Type)
		}
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestBusCloseClosesSubscriberChannels(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber channel to be closed")
	}
}

func TestBusSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := NewBus(1)
	bus.Close()

	ch := bus.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("expected a subscribe-after-close channel to already be closed")
	}
}

func TestBusPublishAfterCloseIsANoop(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	bus.Publish(NewEvent(MachineRequested, testTriplet()))
}
