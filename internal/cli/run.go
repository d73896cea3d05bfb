package cli

import (
	"context"

	"github.com/forrest-runner/forrest/internal/daemon"
)

// startDaemon builds the daemon from configPath and runs it to
// completion, blocking until ctx is cancelled or the daemon shuts
// itself down.
func startDaemon(ctx context.Context, configPath string) error {
	d, err := daemon.New(configPath)
	if err != nil {
		return err
	}
	return d.Start(ctx)
}
