package platform

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client used by tests throughout forrest that
// need a platform collaborator without making network calls.
type FakeClient struct {
	mu sync.Mutex

	Installations []Installation
	Runs          map[OwnerAndRepo][]WorkflowRun
	Jobs          map[OwnerAndRepo]map[RunID][]WorkflowJob
	Runners       map[OwnerAndRepo][]SelfHostedRunner

	nextRunnerID RunnerID

	JITConfigs []struct {
		OwnerAndRepo OwnerAndRepo
		RunnerName   string
		Labels       []string
	}
	DeletedRunners []RunnerID
}

// NewFakeClient returns an empty FakeClient ready for tests to populate.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Runs:    make(map[OwnerAndRepo][]WorkflowRun),
		Jobs:    make(map[OwnerAndRepo]map[RunID][]WorkflowJob),
		Runners: make(map[OwnerAndRepo][]SelfHostedRunner),
	}
}

func (f *FakeClient) CreateJITRunnerConfig(ctx context.Context, oar OwnerAndRepo, runnerName string, labels []string, runnerGroupID int64) (JITRunnerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextRunnerID++
	id := f.nextRunnerID

	f.JITConfigs = append(f.JITConfigs, struct {
		OwnerAndRepo OwnerAndRepo
		RunnerName   string
		Labels       []string
	}{oar, runnerName, labels})

	f.Runners[oar] = append(f.Runners[oar], SelfHostedRunner{ID: id, Name: runnerName, Status: "offline", Labels: labels})

	return JITRunnerConfig{
		RunnerID:         id,
		RunnerName:       runnerName,
		EncodedJITConfig: fmt.Sprintf("fake-jit-config-%d", id),
	}, nil
}

func (f *FakeClient) DeleteRunner(ctx context.Context, oar OwnerAndRepo, id RunnerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeletedRunners = append(f.DeletedRunners, id)

	runners := f.Runners[oar]
	for i, r := range runners {
		if r.ID == id {
			f.Runners[oar] = append(runners[:i], runners[i+1:]...)
			break
		}
	}
	return nil
}

func (f *FakeClient) ListSelfHostedRunners(ctx context.Context, oar OwnerAndRepo, page int) ([]SelfHostedRunner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page > 1 {
		return nil, nil
	}
	return append([]SelfHostedRunner(nil), f.Runners[oar]...), nil
}

func (f *FakeClient) ListWorkflowRuns(ctx context.Context, oar OwnerAndRepo, page int) ([]WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page > 1 {
		return nil, nil
	}
	return append([]WorkflowRun(nil), f.Runs[oar]...), nil
}

func (f *FakeClient) ListWorkflowJobs(ctx context.Context, oar OwnerAndRepo, runID RunID, page int) ([]WorkflowJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page > 1 {
		return nil, nil
	}
	return append([]WorkflowJob(nil), f.Jobs[oar][runID]...), nil
}

func (f *FakeClient) ListInstallations(ctx context.Context, page int) ([]Installation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if page > 1 {
		return nil, nil
	}
	return append([]Installation(nil), f.Installations...), nil
}
