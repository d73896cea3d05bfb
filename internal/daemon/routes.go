package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/forrest-runner/forrest/internal/artifact"
	"github.com/forrest-runner/forrest/internal/fleet"
	"github.com/forrest-runner/forrest/internal/webhook"
)

// routes builds the HTTP handler the Unix socket listener serves:
// /webhook and /artifact/ are the contract surfaces spec.md names;
// /admin/fleet is the one additive route forrest status reads from.
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/webhook", webhook.NewHandler(d.cfg, d.auth, d.jobs))
	mux.Handle("/artifact/", artifact.NewHandler(d.fleet))
	mux.HandleFunc("/admin/fleet", d.handleAdminFleet)

	return mux
}

// handleAdminFleet serves a JSON snapshot of every live machine for the
// forrest status CLI subcommand. It is read-only and carries no
// scheduling side effects.
func (d *Daemon) handleAdminFleet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only HTTP GET is allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := d.fleet.Snapshot()
	if snapshot == nil {
		snapshot = []fleet.MachineSnapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		http.Error(w, "failed to encode fleet snapshot", http.StatusInternalServerError)
		return
	}
}
