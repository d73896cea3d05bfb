// Package machine implements the per-Machine state machine described in
// spec.md §4.5: a single VM instance's lifecycle from JIT registration
// through guest boot to teardown, grounded on
// _examples/original_source/src/machines/machine.rs. Unlike that source
// (whose register()/spawn() are println! placeholders), register() and
// spawn() here perform the real platform API and subprocess calls.
package machine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/forrest-runner/forrest/internal/auth"
	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/events"
	"github.com/forrest-runner/forrest/internal/launcher"
	"github.com/forrest-runner/forrest/internal/platform"
	"github.com/forrest-runner/forrest/internal/rundir"
	"github.com/forrest-runner/forrest/internal/triplet"
)

// Rescheduler is the narrow capability a Machine needs back into its
// owning fleet: "something changed, recompute the RAM budget and try to
// advance every machine". Defining it here (rather than importing a
// fleet package) keeps machine free of any dependency on fleet, which
// must import machine to hold *Machine values.
type Rescheduler interface {
	Reschedule()
}

// Deps are the collaborators a Machine needs to actually do its job, as
// opposed to the per-instance Triplet/config/names.
type Deps struct {
	Auth             *auth.Auth
	Launcher         launcher.Launcher
	Rescheduler      Rescheduler
	BaseDir          string
	PersistenceToken string

	// Events receives one event per state transition if non-nil. A nil
	// Events is valid (e.g. in tests that don't care about observability).
	Events *events.Bus
}

// Machine is one VM instance: a Requested placeholder, a booting guest,
// or a live self-hosted runner, per the state machine in spec.md §4.5.
type Machine struct {
	mu sync.Mutex

	triplet    triplet.Triplet
	cfg        config.MachineConfig
	runnerName string
	runToken   string

	status    Status
	jitConfig *platform.JITRunnerConfig
	runDir    *rundir.RunDir
	startedAt time.Time
	cancel    context.CancelFunc

	artifactQuota map[string]*int64

	deps Deps
}

// New constructs a Machine in the Requested state with a freshly
// generated runner_name and run_token. uniqueRunnerName and
// uniqueRunToken are consulted (and must return true for "not already in
// use") to satisfy spec.md invariant 6: collisions are forbidden.
func New(t triplet.Triplet, cfg config.MachineConfig, deps Deps, uniqueRunnerName, uniqueRunToken func(string) bool) (*Machine, error) {
	runnerName, err := generateUnique(func() (string, error) {
		suffix, err := randomString(16)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("forrest-%s-%s", t.MachineName, suffix), nil
	}, uniqueRunnerName)
	if err != nil {
		return nil, fmt.Errorf("machine: generate runner_name: %w", err)
	}

	runToken, err := generateUnique(func() (string, error) {
		return randomString(16)
	}, uniqueRunToken)
	if err != nil {
		return nil, fmt.Errorf("machine: generate run_token: %w", err)
	}

	quota := make(map[string]*int64, len(cfg.Artifacts))
	for _, a := range cfg.Artifacts {
		remaining := int64(a.QuotaBytes.Bytes())
		quota[a.Name] = &remaining
	}

	return &Machine{
		triplet:       t,
		cfg:           cfg,
		runnerName:    runnerName,
		runToken:      runToken,
		status:        Requested,
		artifactQuota: quota,
		deps:          deps,
	}, nil
}

// generateUnique retries gen until unique(candidate) reports true, or
// gives up after a generous number of attempts (a collision among
// 16-character random strings is astronomically unlikely; this guards
// against a broken unique function, not real exhaustion).
func generateUnique(gen func() (string, error), unique func(string) bool) (string, error) {
	const maxAttempts = 100
	for i := 0; i < maxAttempts; i++ {
		candidate, err := gen()
		if err != nil {
			return "", err
		}
		if unique == nil || unique(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique value after %d attempts", maxAttempts)
}

// Triplet is this machine's immutable identity.
func (m *Machine) Triplet() triplet.Triplet {
	return m.triplet
}

// RunnerName is the synthesized forrest-<machine_name>-<random> identifier.
func (m *Machine) RunnerName() string {
	return m.runnerName
}

// RunToken authenticates the artifact upload path from within the guest.
func (m *Machine) RunToken() string {
	return m.runToken
}

// StartedAt is when the guest subprocess was launched, zero if it has
// not been launched yet.
func (m *Machine) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Status returns the current lifecycle state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// setStatus transitions to a new status and publishes the corresponding
// event. Callers must hold m.mu.
func (m *Machine) setStatus(to Status) {
	from := m.status
	m.status = to

	if m.deps.Events == nil {
		return
	}
	m.deps.Events.Publish(events.NewEvent(eventTypeFor(to), m.triplet).
		WithRunnerName(m.runnerName).
		WithTransition(from.String()))
}

func eventTypeFor(s Status) events.EventType {
	switch s {
	case Requested:
		return events.MachineRequested
	case Registering:
		return events.MachineRegistering
	case Registered:
		return events.MachineRegistered
	case Starting:
		return events.MachineStarting
	case Waiting:
		return events.MachineWaiting
	case Running:
		return events.MachineRunning
	case Stopping:
		return events.MachineStopping
	default:
		return events.MachineStopped
	}
}

// IsAvailable reports whether this machine may still be assigned to
// fresh demand (not yet committed to a job).
func (m *Machine) IsAvailable() bool {
	return m.Status().IsAvailable()
}

// IsStopped reports whether this machine has reached its terminal state.
func (m *Machine) IsStopped() bool {
	return m.Status().IsStopped()
}

// CostToKill ranks this machine for the "kill cheapest first" ordering
// update_demand uses when supply exceeds demand.
func (m *Machine) CostToKill() uint32 {
	return m.Status().costToKill()
}

// RAMRequired is the RAM this machine's type is configured to use.
func (m *Machine) RAMRequired() uint64 {
	return m.cfg.RAMBytes.Bytes()
}

// RAMConsumed is RAMRequired while the guest is booting or running, and
// zero otherwise (a Requested/Registering/Registered/Stopped machine
// holds no RAM budget).
func (m *Machine) RAMConsumed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case Starting, Waiting, Running, Stopping:
		return m.cfg.RAMBytes.Bytes()
	default:
		return 0
	}
}

// register calls the platform API to mint a JIT runner config for this
// machine. It transitions Requested -> Registering synchronously, then
// Registering -> Registered (success) or Registering -> Stopped
// (failure) from a detached goroutine, unless the machine was killed in
// the meantime, always finishing by clearing the cancel handle and
// calling Reschedule.
func (m *Machine) register() {
	m.mu.Lock()
	if m.status != Requested {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.setStatus(Registering)
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		client, ok := m.deps.Auth.User(m.triplet.Owner)

		var cfg platform.JITRunnerConfig
		var err error
		if !ok {
			err = fmt.Errorf("no authenticated client for owner %s", m.triplet.Owner)
		} else {
			cfg, err = client.CreateJITRunnerConfig(ctx,
				platform.OwnerAndRepo{Owner: m.triplet.Owner, Repository: m.triplet.Repository},
				m.runnerName,
				[]string{"self-hosted", "forrest", m.triplet.MachineName},
				1)
		}

		m.mu.Lock()
		switch {
		case m.status != Registering:
			// Killed while the API call was in flight; Stopped is terminal.
		case err != nil:
			log.Printf("machine: %s/%s: registration failed: %v", m.triplet, m.runnerName, err)
			m.setStatus(Stopped)
		default:
			m.setStatus(Registered)
			m.jitConfig = &cfg
		}
		m.cancel = nil
		m.mu.Unlock()

		m.deps.Rescheduler.Reschedule()
	}()
}

// spawnLocked transitions Registered -> Starting and launches the guest
// subprocess in a detached goroutine. Callers must hold m.mu and must
// have already stored a non-nil m.runDir.
func (m *Machine) spawnLocked() {
	m.setStatus(Starting)
	m.startedAt = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	rd := m.runDir
	cfg := m.cfg
	t := m.triplet

	go m.runGuest(ctx, rd, cfg, t)
}

func (m *Machine) runGuest(ctx context.Context, rd *rundir.RunDir, cfg config.MachineConfig, t triplet.Triplet) {
	guestCfg := launcher.GuestConfig{
		RunDir:        rd.Path(),
		DiskImagePath: rd.DiskImagePath(),
		CloudInitPath: rd.CloudInitImagePath(),
		JobConfigPath: rd.JobConfigImagePath(),
		CPUs:          cfg.CPUs,
		RAMBytes:      cfg.RAMBytes.Bytes(),
	}
	for _, s := range cfg.Shared {
		guestCfg.SharedDirs = append(guestCfg.SharedDirs, launcher.SharedDir{
			HostPath:  s.HostPath,
			GuestPath: s.GuestPath,
			Tag:       s.Tag,
			ReadWrite: s.ReadWrite,
		})
	}

	id, err := m.deps.Launcher.Create(ctx, guestCfg)
	if err != nil {
		log.Printf("machine: %s/%s: create guest: %v", t, m.runnerName, err)
		m.Kill()
		m.deps.Rescheduler.Reschedule()
		return
	}

	if err := m.deps.Launcher.Start(ctx, id); err != nil {
		log.Printf("machine: %s/%s: start guest: %v", t, m.runnerName, err)
		m.deps.Launcher.Remove(context.Background(), id)
		m.Kill()
		m.deps.Rescheduler.Reschedule()
		return
	}

	exitCode, err := m.deps.Launcher.Wait(ctx, id)
	if err != nil {
		log.Printf("machine: %s/%s: guest wait error: %v", t, m.runnerName, err)
	} else {
		log.Printf("machine: %s/%s: guest exited with code %d", t, m.runnerName, exitCode)
	}
	m.deps.Launcher.Remove(context.Background(), id)

	if err := rd.MaybePersist(m.deps.PersistenceToken, t.MachineImagePath(m.deps.BaseDir)); err != nil {
		log.Printf("machine: %s/%s: persist on exit: %v", t, m.runnerName, err)
	}
	if err := rd.Close(); err != nil {
		log.Printf("machine: %s/%s: run dir cleanup: %v", t, m.runnerName, err)
	}

	m.Kill()
	m.deps.Rescheduler.Reschedule()
}

// Kill transitions this machine to Stopped, aborts any live background
// task, and (if a runner was registered) deletes it via the platform API
// on a best-effort basis. Killing an already-Stopped machine is a no-op.
func (m *Machine) Kill() {
	m.mu.Lock()
	if m.status == Stopped {
		m.mu.Unlock()
		return
	}
	m.setStatus(Stopped)

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	var runnerID platform.RunnerID
	haveRunner := false
	if m.jitConfig != nil {
		runnerID = m.jitConfig.RunnerID
		haveRunner = true
		m.jitConfig = nil
	}
	owner, repo := m.triplet.Owner, m.triplet.Repository
	m.mu.Unlock()

	if !haveRunner {
		return
	}

	go func() {
		client, ok := m.deps.Auth.User(owner)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.DeleteRunner(ctx, platform.OwnerAndRepo{Owner: owner, Repository: repo}, runnerID); err != nil {
			log.Printf("machine: %s: delete runner %d: %v", m.triplet, runnerID, err)
		}
	}()
}

// Reschedule advances this machine one step given the current RAM
// budget and the set of Triplets that currently have at least one live
// machine in the fleet (needed to decide whether a base_machine image
// is still being produced). It decrements *ramAvailable when it starts
// a guest.
func (m *Machine) Reschedule(ramAvailable *uint64, activeBaseTriplets map[triplet.Triplet]bool) {
	m.mu.Lock()

	switch m.status {
	case Requested:
		m.mu.Unlock()
		m.register()

	case Registered:
		required := m.cfg.RAMBytes.Bytes()
		if required > *ramAvailable {
			m.mu.Unlock()
			return
		}

		jitConfig := ""
		if m.jitConfig != nil {
			jitConfig = m.jitConfig.EncodedJITConfig
		}

		rd, err := rundir.New(rundir.Params{
			BaseDir:            m.deps.BaseDir,
			Triplet:            m.triplet,
			RunnerName:         m.runnerName,
			MachineConfig:      m.cfg,
			ActiveBaseTriplets: activeBaseTriplets,
			JITConfig:          jitConfig,
			RunToken:           m.runToken,
		})
		if err != nil {
			log.Printf("machine: %s/%s: run dir construction failed: %v", m.triplet, m.runnerName, err)
			m.setStatus(Stopped)
			m.mu.Unlock()
			return
		}
		if rd == nil {
			m.mu.Unlock()
			return
		}

		m.runDir = rd
		m.spawnLocked()
		*ramAvailable -= required
		m.mu.Unlock()

	default:
		m.mu.Unlock()
	}
}

// StatusFeedback applies one (online, busy) observation to the state
// machine per the transition table in spec.md §4.5. online is nil for
// "unknown" (Rust's Option<bool>::None).
func (m *Machine) StatusFeedback(online *bool, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case Starting:
		switch {
		case busy:
			m.setStatus(Running)
		case online != nil && *online:
			m.setStatus(Waiting)
		}

	case Waiting:
		switch {
		case busy:
			m.setStatus(Running)
		case online != nil && !*online:
			m.setStatus(Stopping)
			m.jitConfig = nil
		}

	case Running:
		switch {
		case online != nil && !*online:
			m.setStatus(Stopping)
			m.jitConfig = nil
		case !busy:
			m.setStatus(Stopping)
			m.jitConfig = nil
		}
	}
}
