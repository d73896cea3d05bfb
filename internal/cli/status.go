package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forrest-runner/forrest/internal/cli/tui"
	"github.com/forrest-runner/forrest/internal/fleet"
)

const defaultSocketPath = "/var/lib/forrest/api.sock"

const statusRequestTimeout = 5 * time.Second

// NewStatusCmd creates the status command: it dials the daemon's Unix
// socket and renders a point-in-time table of the live fleet.
func NewStatusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current fleet of running machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := fetchFleetSnapshot(cmd.Context(), socketPath)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			rows := toRows(snapshot)

			if term.IsTerminal(int(os.Stdout.Fd())) {
				_, err := tea.NewProgram(tui.NewFleetModel(rows)).Run()
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), tui.RenderPlain(rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath, "path to the daemon's Unix socket")

	return cmd
}

func fetchFleetSnapshot(ctx context.Context, socketPath string) ([]fleet.MachineSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, statusRequestTimeout)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://forrest/admin/fleet", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	var snapshot []fleet.MachineSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return snapshot, nil
}

func toRows(snapshot []fleet.MachineSnapshot) []tui.Row {
	rows := make([]tui.Row, len(snapshot))
	for i, m := range snapshot {
		rows[i] = tui.Row{
			Owner:       m.Triplet.Owner,
			Repository:  m.Triplet.Repository,
			MachineName: m.Triplet.MachineName,
			RunnerName:  m.RunnerName,
			Status:      m.Status,
			RAMRequired: m.RAMRequired,
			StartedAt:   m.StartedAt,
		}
	}
	return rows
}
