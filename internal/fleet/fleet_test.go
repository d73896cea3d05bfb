package fleet

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forrest-runner/forrest/internal/auth"
	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/launcher"
	"github.com/forrest-runner/forrest/internal/machine"
	"github.com/forrest-runner/forrest/internal/platform"
	"github.com/forrest-runner/forrest/internal/triplet"
)

func writeTestConfig(t *testing.T, baseDir string) *config.Config {
	t.Helper()

	templateDir := filepath.Join(baseDir, "templates", "small")
	if err := os.MkdirAll(filepath.Join(templateDir, "cloud-init"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(templateDir, "job-config"), 0o755); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "forrest.yaml")

	content := `
github:
  app_id: 1
  jwt_key_file: /nonexistent.pem
  webhook_secret: s
host:
  base_dir: ` + baseDir + `
  ram: 1G
repositories:
  acme:
    web:
      machines:
        small:
          ram_bytes: 1M
          disk_bytes: 1024B
          cpus: 1
          base_image: ` + filepath.Join(baseDir, "machines", "acme", "web", "small.img") + `
          setup_template:
            path: ` + templateDir + `
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func testTriplet() triplet.Triplet {
	return triplet.New("acme", "web", "small")
}

func newTestManager(t *testing.T) (*Manager, *config.Config) {
	baseDir := t.TempDir()
	cfg := writeTestConfig(t, baseDir)

	a := auth.NewWithClient(platform.NewFakeClient())
	a.UpdateUser("acme", 1)

	mgr := New(cfg, a, launcher.NewFakeLauncher())
	return mgr, cfg
}

func TestUpdateDemandCreatesMachinesInRequestedState(t *testing.T) {
	mgr, _ := newTestManager(t)
	tr := testTriplet()

	mgr.UpdateDemand([]triplet.Triplet{tr, tr})

	mgr.mu.Lock()
	list := mgr.machines[tr]
	mgr.mu.Unlock()

	if len(list) != 2 {
		t.Fatalf("len(machines[tr]) = %d, want 2", len(list))
	}
}

func TestUpdateDemandKillsExcessAvailableMachines(t *testing.T) {
	mgr, _ := newTestManager(t)
	tr := testTriplet()

	mgr.UpdateDemand([]triplet.Triplet{tr, tr})

	// Demand drops to zero: both Requested machines should be killed.
	mgr.UpdateDemand(nil)

	mgr.mu.Lock()
	list := mgr.machines[tr]
	mgr.mu.Unlock()

	// The Reschedule that UpdateDemand ends with prunes the Stopped
	// machines entirely, so the Triplet should no longer be present.
	if len(list) != 0 {
		t.Fatalf("len(machines[tr]) after demand drop = %d, want 0 (all killed and pruned)", len(list))
	}
}

func TestUpdateDemandSkipsUnconfiguredTriplet(t *testing.T) {
	mgr, _ := newTestManager(t)
	unknown := triplet.New("acme", "web", "does-not-exist")

	mgr.UpdateDemand([]triplet.Triplet{unknown})

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.machines[unknown]) != 0 {
		t.Fatal("expected no machine created for an unconfigured triplet")
	}
}

func TestStatusFeedbackUnknownRunnerReturnsFalse(t *testing.T) {
	mgr, _ := newTestManager(t)
	online := true
	if mgr.StatusFeedback(testTriplet(), "no-such-runner", &online, false) {
		t.Fatal("expected false for an unknown runner")
	}
}

func TestMachineByRunTokenFindsLiveMachine(t *testing.T) {
	mgr, _ := newTestManager(t)
	tr := testTriplet()
	mgr.UpdateDemand([]triplet.Triplet{tr})

	mgr.mu.Lock()
	m := mgr.machines[tr][0]
	mgr.mu.Unlock()

	found, ok := mgr.MachineByRunToken(m.RunToken())
	if !ok || found != m {
		t.Fatal("expected to find the machine by its run_token")
	}

	if _, ok := mgr.MachineByRunToken("not-a-real-token"); ok {
		t.Fatal("expected lookup miss for an unknown token")
	}
}

func TestRescheduleAdvancesRequestedMachineToStarting(t *testing.T) {
	mgr, _ := newTestManager(t)
	tr := testTriplet()

	baseDir := mgr.cfg.Get().Host.BaseDir
	imagePath := tr.MachineImagePath(baseDir)
	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(imagePath, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr.UpdateDemand([]triplet.Triplet{tr}) // Requested -> register() -> Reschedule -> Registered -> Starting

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mgr.mu.Lock()
		m := mgr.machines[tr][0]
		mgr.mu.Unlock()
		if m.Status() == machine.Starting {
			return
		}
		mgr.Reschedule()
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("machine never reached Starting")
}

func TestSweepDeletesOrphanedRunner(t *testing.T) {
	mgr, cfg := newTestManager(t)

	fc := platform.NewFakeClient()
	mgr.auth = auth.NewWithClient(fc)
	mgr.auth.UpdateUser("acme", 1)

	oar := platform.OwnerAndRepo{Owner: "acme", Repository: "web"}
	fc.Runners[oar] = []platform.SelfHostedRunner{
		{ID: 99, Name: "forrest-small-orphan", Status: "offline", Busy: false, Labels: []string{"self-hosted", "forrest", "small"}},
	}

	if err := mgr.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(fc.DeletedRunners) != 1 || fc.DeletedRunners[0] != 99 {
		t.Fatalf("DeletedRunners = %v, want [99]", fc.DeletedRunners)
	}

	_ = cfg
}

func TestSweepLeavesMatchedRunnerAlone(t *testing.T) {
	mgr, _ := newTestManager(t)
	tr := testTriplet()
	mgr.UpdateDemand([]triplet.Triplet{tr})

	mgr.mu.Lock()
	m := mgr.machines[tr][0]
	mgr.mu.Unlock()

	fc := platform.NewFakeClient()
	mgr.auth = auth.NewWithClient(fc)
	mgr.auth.UpdateUser("acme", 1)

	oar := platform.OwnerAndRepo{Owner: "acme", Repository: "web"}
	fc.Runners[oar] = []platform.SelfHostedRunner{
		{ID: 1, Name: m.RunnerName(), Status: "offline", Busy: false, Labels: []string{"self-hosted", "forrest", "small"}},
	}

	if err := mgr.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(fc.DeletedRunners) != 0 {
		t.Fatalf("expected matched runner to survive sweep, deleted = %v", fc.DeletedRunners)
	}
}
