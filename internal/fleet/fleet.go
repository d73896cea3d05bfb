// Package fleet owns the map of every Machine forrest currently knows
// about and the scheduling passes that keep it matched to demand within
// the host's RAM budget, grounded on
// _examples/original_source/src/machines/manager.rs.
package fleet

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forrest-runner/forrest/internal/auth"
	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/launcher"
	"github.com/forrest-runner/forrest/internal/machine"
	"github.com/forrest-runner/forrest/internal/platform"
	"github.com/forrest-runner/forrest/internal/triplet"
)

// bootTimeout is how long a machine may stay in Starting before the
// janitor considers it a failed boot.
const bootTimeout = 15 * time.Minute

// Manager is the fleet: a Triplet -> []*Machine map plus the
// update_demand/reschedule/sweep passes that keep it converged on the
// configured demand within the host's RAM budget.
type Manager struct {
	mu       sync.Mutex
	machines map[triplet.Triplet][]*machine.Machine

	cfg      *config.Config
	auth     *auth.Auth
	launcher launcher.Launcher
}

// New returns an empty Manager.
func New(cfg *config.Config, a *auth.Auth, l launcher.Launcher) *Manager {
	return &Manager{
		machines: make(map[triplet.Triplet][]*machine.Machine),
		cfg:      cfg,
		auth:     a,
		launcher: l,
	}
}

// pruneLocked removes Stopped machines from the fleet, dropping a
// Triplet entirely once its machine list empties. Callers must hold mu.
func (mgr *Manager) pruneLocked() {
	for t, list := range mgr.machines {
		kept := list[:0]
		for _, m := range list {
			if !m.IsStopped() {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(mgr.machines, t)
		} else {
			mgr.machines[t] = kept
		}
	}
}

func (mgr *Manager) runnerNameInUseLocked(name string) bool {
	for _, list := range mgr.machines {
		for _, m := range list {
			if m.RunnerName() == name {
				return true
			}
		}
	}
	return false
}

func (mgr *Manager) runTokenInUseLocked(token string) bool {
	for _, list := range mgr.machines {
		for _, m := range list {
			if m.RunToken() == token {
				return true
			}
		}
	}
	return false
}

func (mgr *Manager) newMachineLocked(t triplet.Triplet) (*machine.Machine, error) {
	cfgFile := mgr.cfg.Get()

	mc, ok := cfgFile.Lookup(t)
	if !ok {
		return nil, fmt.Errorf("fleet: no machine config for %s", t)
	}

	repoCfg, _ := cfgFile.RepositoryConfigFor(t.OwnerAndRepo())

	deps := machine.Deps{
		Auth:             mgr.auth,
		Launcher:         mgr.launcher,
		Rescheduler:      mgr,
		BaseDir:          cfgFile.Host.BaseDir,
		PersistenceToken: repoCfg.PersistenceToken,
	}

	return machine.New(t, mc, deps,
		func(name string) bool { return !mgr.runnerNameInUseLocked(name) },
		func(token string) bool { return !mgr.runTokenInUseLocked(token) },
	)
}

// UpdateDemand reconciles the fleet against requested, a multiset of
// Triplets each one coming from one queued job, per spec.md §4.4.
func (mgr *Manager) UpdateDemand(requested []triplet.Triplet) {
	demand := make(map[triplet.Triplet]int, len(requested))
	for _, t := range requested {
		demand[t]++
	}

	mgr.mu.Lock()
	mgr.pruneLocked()

	for t, list := range mgr.machines {
		sorted := append([]*machine.Machine(nil), list...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].CostToKill() < sorted[j].CostToKill()
		})

		for i := len(sorted) - 1; i >= 0; i-- {
			m := sorted[i]
			if !m.IsAvailable() {
				continue
			}
			if demand[t] > 0 {
				demand[t]--
			} else {
				m.Kill()
			}
		}
	}

	for t, count := range demand {
		for i := 0; i < count; i++ {
			m, err := mgr.newMachineLocked(t)
			if err != nil {
				log.Printf("fleet: can not create machine for %s: %v", t, err)
				continue
			}
			mgr.machines[t] = append(mgr.machines[t], m)
		}
	}
	mgr.mu.Unlock()

	mgr.Reschedule()
}

func (mgr *Manager) activeBaseTripletsLocked() map[triplet.Triplet]bool {
	out := make(map[triplet.Triplet]bool, len(mgr.machines))
	for t, list := range mgr.machines {
		if len(list) > 0 {
			out[t] = true
		}
	}
	return out
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// Reschedule recomputes the RAM budget and gives every machine a chance
// to advance one state-machine step, largest RAM requirement first.
func (mgr *Manager) Reschedule() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.pruneLocked()

	cfgFile := mgr.cfg.Get()

	var consumed uint64
	var all []*machine.Machine
	for _, list := range mgr.machines {
		for _, m := range list {
			consumed += m.RAMConsumed()
			all = append(all, m)
		}
	}

	ramAvailable := saturatingSub(cfgFile.Host.RAM.Bytes(), consumed)

	sort.Slice(all, func(i, j int) bool {
		return all[i].RAMRequired() < all[j].RAMRequired()
	})

	activeBase := mgr.activeBaseTripletsLocked()

	for i := len(all) - 1; i >= 0; i-- {
		all[i].Reschedule(&ramAvailable, activeBase)
	}
}

// StatusFeedback locates the Machine identified by (t, runnerName) and
// forwards the observation, reporting whether a match was found.
func (mgr *Manager) StatusFeedback(t triplet.Triplet, runnerName string, online *bool, busy bool) bool {
	mgr.mu.Lock()
	var found *machine.Machine
	for _, m := range mgr.machines[t] {
		if m.RunnerName() == runnerName {
			found = m
			break
		}
	}
	mgr.mu.Unlock()

	if found == nil {
		return false
	}

	found.StatusFeedback(online, busy)
	return true
}

// MachineByRunToken finds the live Machine whose run_token matches
// token, used to authenticate the artifact upload path.
func (mgr *Manager) MachineByRunToken(token string) (*machine.Machine, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	for _, list := range mgr.machines {
		for _, m := range list {
			if m.RunToken() == token {
				return m, true
			}
		}
	}
	return nil, false
}

// Sweep is the 15-minute janitor pass: it reconciles each configured
// repository's remote runner inventory against the local fleet,
// deleting orphaned remote runners, and kills any Machine that has been
// stuck in Starting for longer than bootTimeout, salvaging its machine
// image out of the way so the next boot falls back to the base image.
func (mgr *Manager) Sweep(ctx context.Context) error {
	cfgFile := mgr.cfg.Get()

	g, ctx := errgroup.WithContext(ctx)
	for owner, repos := range cfgFile.Repositories {
		for repo := range repos {
			owner, repo := owner, repo
			g.Go(func() error {
				mgr.sweepRepo(ctx, owner, repo)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	mgr.sweepBootTimeouts(cfgFile.Host.BaseDir)
	return nil
}

func (mgr *Manager) sweepRepo(ctx context.Context, owner, repo string) {
	client, ok := mgr.auth.User(owner)
	if !ok {
		log.Printf("fleet: sweep: no authenticated client for owner %s, skipping", owner)
		return
	}

	oar := platform.OwnerAndRepo{Owner: owner, Repository: repo}
	oarTriplet := triplet.NewOwnerAndRepo(owner, repo)

	for page := 1; ; page++ {
		runners, err := client.ListSelfHostedRunners(ctx, oar, page)
		if err != nil {
			log.Printf("fleet: sweep: list runners for %s/%s: %v", owner, repo, err)
			return
		}
		if len(runners) == 0 {
			return
		}

		for _, r := range runners {
			if !strings.HasPrefix(r.Name, "forrest-") {
				continue
			}

			t, ok := oarTriplet.FromLabels(r.Labels)
			if !ok {
				continue
			}

			var online bool
			switch r.Status {
			case "online":
				online = true
			case "offline":
				online = false
			default:
				log.Printf("fleet: sweep: unknown runner status %q for %s, skipping", r.Status, r.Name)
				continue
			}

			matched := mgr.StatusFeedback(t, r.Name, &online, r.Busy)
			if !matched && !online && !r.Busy {
				log.Printf("fleet: sweep: deleting orphaned runner %s on %s/%s", r.Name, owner, repo)
				if err := client.DeleteRunner(ctx, oar, r.ID); err != nil {
					log.Printf("fleet: sweep: delete orphaned runner %s: %v", r.Name, err)
				}
			}
		}
	}
}

func (mgr *Manager) sweepBootTimeouts(baseDir string) {
	mgr.mu.Lock()
	var timedOut []*machine.Machine
	for _, list := range mgr.machines {
		for _, m := range list {
			if m.Status() == machine.Starting && time.Since(m.StartedAt()) > bootTimeout {
				timedOut = append(timedOut, m)
			}
		}
	}
	mgr.mu.Unlock()

	for _, m := range timedOut {
		log.Printf("fleet: sweep: %s/%s stuck in Starting for over %s, killing", m.Triplet(), m.RunnerName(), bootTimeout)
		m.Kill()

		imagePath := m.Triplet().MachineImagePath(baseDir)
		brokenPath := imagePath + ".broken"
		if err := os.Rename(imagePath, brokenPath); err != nil && !os.IsNotExist(err) {
			log.Printf("fleet: sweep: rename %s to %s: %v", imagePath, brokenPath, err)
		}
	}
}

// RunJanitor calls Sweep every 15 minutes until ctx is cancelled, logging
// (rather than propagating) any error Sweep returns: a failed sweep pass
// is not fatal, the next period retries.
func (mgr *Manager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(bootTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mgr.Sweep(ctx); err != nil {
				log.Printf("fleet: janitor sweep failed: %v", err)
			}
		}
	}
}

// KillAll kills every live machine in the fleet, used during daemon
// shutdown to stop guests before the process exits.
func (mgr *Manager) KillAll() {
	mgr.mu.Lock()
	var all []*machine.Machine
	for _, list := range mgr.machines {
		all = append(all, list...)
	}
	mgr.mu.Unlock()

	for _, m := range all {
		m.Kill()
	}
}

// MachineSnapshot is one machine's externally visible state, used by the
// admin status route. It deliberately carries no scheduling internals:
// just enough for an operator to see what the fleet is doing.
type MachineSnapshot struct {
	Triplet     triplet.Triplet
	RunnerName  string
	Status      string
	RAMRequired uint64
	StartedAt   time.Time
}

// Snapshot returns the current state of every live machine, used by
// forrest status to render a point-in-time table.
func (mgr *Manager) Snapshot() []MachineSnapshot {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	var out []MachineSnapshot
	for _, list := range mgr.machines {
		for _, m := range list {
			out = append(out, MachineSnapshot{
				Triplet:     m.Triplet(),
				RunnerName:  m.RunnerName(),
				Status:      m.Status().String(),
				RAMRequired: m.RAMRequired(),
				StartedAt:   m.StartedAt(),
			})
		}
	}
	return out
}
