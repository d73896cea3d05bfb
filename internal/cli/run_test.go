package cli

import (
	"context"
	"testing"
)

func TestStartDaemonFailsOnMissingConfig(t *testing.T) {
	if err := startDaemon(context.Background(), "/nonexistent/forrest.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
