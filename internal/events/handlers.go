package events

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Handler processes one published event, e.g. by logging or persisting it.
type Handler func(Event)

// LogConfig configures the logging handler
type LogConfig struct {
	// Writer is where logs are written (default: os.Stderr)
	Writer io.Writer

	// IncludePayload includes event payload in log output
	IncludePayload bool
}

// LogHandler returns a handler that logs events to the configured writer.
// Format: [event.type] owner/repo/machine runner_name from=state
func LogHandler(cfg LogConfig) Handler {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	return func(e Event) {
		var buf strings.Builder
		buf.WriteString(e.String())

		if e.Error != "" {
			fmt.Fprintf(&buf, " error=%q", e.Error)
		}
		if cfg.IncludePayload && e.Payload != nil {
			fmt.Fprintf(&buf, " payload=%v", e.Payload)
		}
		buf.WriteString("\n")

		fmt.Fprint(cfg.Writer, buf.String())
	}
}

// Subscribe runs handler on every event bus delivers until its channel
// is closed. Intended to be launched with `go events.Subscribe(...)`.
func Subscribe(bus *Bus, handler Handler) {
	for e := range bus.Subscribe() {
		handler(e)
	}
}
