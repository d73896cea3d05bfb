package launcher

import (
	"context"
	"testing"
	"time"
)

func TestFakeLauncherWaitBlocksUntilExit(t *testing.T) {
	l := NewFakeLauncher()
	ctx := context.Background()

	id, err := l.Create(ctx, GuestConfig{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := l.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		code, _ := l.Wait(ctx, id)
		done <- code
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before the guest exited")
	case <-time.After(20 * time.Millisecond):
	}

	l.ExitNow(id, 7)

	select {
	case code := <-done:
		if code != 7 {
			t.Fatalf("exit code = %d, want 7", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after ExitNow")
	}
}

func TestFakeLauncherStopUnblocksWait(t *testing.T) {
	l := NewFakeLauncher()
	ctx := context.Background()

	id, _ := l.Create(ctx, GuestConfig{})
	l.Start(ctx, id)

	done := make(chan int, 1)
	go func() {
		code, _ := l.Wait(ctx, id)
		done <- code
	}()

	if err := l.Stop(ctx, id, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}
