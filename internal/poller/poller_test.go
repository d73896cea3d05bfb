package poller

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forrest-runner/forrest/internal/auth"
	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/platform"
	"github.com/forrest-runner/forrest/internal/triplet"
)

type fakeJobReporter struct {
	mu          sync.Mutex
	runsOfInt   map[triplet.OwnerAndRepo]map[platform.RunID]bool
	calls       []struct {
		t          triplet.Triplet
		jobID      platform.JobID
		runID      platform.RunID
		status     platform.WorkflowStatus
		runnerName string
	}
}

func (f *fakeJobReporter) RunsOfInterest() map[triplet.OwnerAndRepo]map[platform.RunID]bool {
	return f.runsOfInt
}

func (f *fakeJobReporter) StatusFeedback(t triplet.Triplet, jobID platform.JobID, runID platform.RunID, status platform.WorkflowStatus, runnerName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		t          triplet.Triplet
		jobID      platform.JobID
		runID      platform.RunID
		status     platform.WorkflowStatus
		runnerName string
	}{t, jobID, runID, status, runnerName})
}

func writeTestConfig(t *testing.T, owner, repo string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "forrest.yaml")
	content := `
github:
  app_id: 1
  jwt_key_file: /nonexistent.pem
  webhook_secret: s
host:
  base_dir: ` + dir + `
  ram: 1G
repositories:
  ` + owner + `:
    ` + repo + `:
      machines:
        small:
          ram_bytes: 1M
          disk_bytes: 1M
          cpus: 1
          base_image: /tmp/base.img
          setup_template:
            path: ` + dir + `
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

func TestPollOnceSkipsUnlistedUser(t *testing.T) {
	cfg := writeTestConfig(t, "acme", "web")

	fc := platform.NewFakeClient()
	fc.Installations = []platform.Installation{{ID: 1, Account: "someone-else"}}

	a := auth.NewWithClient(fc)
	jobs := &fakeJobReporter{runsOfInt: map[triplet.OwnerAndRepo]map[platform.RunID]bool{}}

	p := New(cfg, a, jobs)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if len(jobs.calls) != 0 {
		t.Fatal("expected no job feedback for an unlisted user")
	}
}

func TestPollOnceDiscoversNewRunsAndJobs(t *testing.T) {
	cfg := writeTestConfig(t, "acme", "web")

	fc := platform.NewFakeClient()
	fc.Installations = []platform.Installation{{ID: 1, Account: "acme"}}

	oar := platform.OwnerAndRepo{Owner: "acme", Repository: "web"}
	fc.Runs[oar] = []platform.WorkflowRun{
		{ID: 9, Status: platform.StatusQueued, CreatedAt: time.Now()},
	}
	fc.Jobs[oar] = map[platform.RunID][]platform.WorkflowJob{
		9: {
			{ID: 100, RunID: 9, Status: platform.StatusQueued, Labels: []string{"self-hosted", "forrest", "small"}},
		},
	}

	a := auth.NewWithClient(fc)
	jobs := &fakeJobReporter{runsOfInt: map[triplet.OwnerAndRepo]map[platform.RunID]bool{}}

	p := New(cfg, a, jobs)
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.calls) != 1 {
		t.Fatalf("expected 1 job feedback call, got %d", len(jobs.calls))
	}
	call := jobs.calls[0]
	want := triplet.New("acme", "web", "small")
	if call.t != want || call.jobID != 100 || call.runID != 9 {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestCollectNewWorkflowRunsStopsAtMaxAge(t *testing.T) {
	cfg := writeTestConfig(t, "acme", "web")

	fc := platform.NewFakeClient()
	oar := platform.OwnerAndRepo{Owner: "acme", Repository: "web"}
	fc.Runs[oar] = []platform.WorkflowRun{
		{ID: 1, Status: platform.StatusCompleted, CreatedAt: time.Now().Add(-48 * time.Hour)},
	}

	a := auth.NewWithClient(fc)
	a.UpdateUser("acme", 1)
	jobs := &fakeJobReporter{runsOfInt: map[triplet.OwnerAndRepo]map[platform.RunID]bool{}}

	p := New(cfg, a, jobs)
	runs := make(map[platform.RunID]bool)
	if err := p.collectNewWorkflowRuns(context.Background(), triplet.NewOwnerAndRepo("acme", "web"), runs); err != nil {
		t.Fatalf("collectNewWorkflowRuns: %v", err)
	}

	if len(runs) != 0 {
		t.Fatalf("expected old run to be excluded, got %v", runs)
	}
}

func TestCollectNewWorkflowRunsStopsAtBookmark(t *testing.T) {
	cfg := writeTestConfig(t, "acme", "web")

	fc := platform.NewFakeClient()
	oar := platform.OwnerAndRepo{Owner: "acme", Repository: "web"}
	fc.Runs[oar] = []platform.WorkflowRun{
		{ID: 5, Status: platform.StatusQueued, CreatedAt: time.Now()},
	}

	a := auth.NewWithClient(fc)
	a.UpdateUser("acme", 1)
	jobs := &fakeJobReporter{runsOfInt: map[triplet.OwnerAndRepo]map[platform.RunID]bool{}}

	p := New(cfg, a, jobs)
	trOar := triplet.NewOwnerAndRepo("acme", "web")

	p.mu.Lock()
	p.mostRecentRunID[trOar] = 5
	p.mu.Unlock()

	runs := make(map[platform.RunID]bool)
	if err := p.collectNewWorkflowRuns(context.Background(), trOar, runs); err != nil {
		t.Fatalf("collectNewWorkflowRuns: %v", err)
	}

	if len(runs) != 0 {
		t.Fatalf("expected the already-bookmarked run to be excluded, got %v", runs)
	}
}
