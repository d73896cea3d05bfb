// Package platform is a client for the subset of the GitHub Actions REST
// API forrest needs: JIT self-hosted runner registration, installation and
// workflow-run/job enumeration, grounded on
// _examples/original_source/src/auth.rs and
// _examples/original_source/src/machines/manager.rs, which use the
// octocrab crate for the same calls.
package platform

import "time"

// InstallationID identifies a GitHub App installation.
type InstallationID int64

// RunnerID identifies a self-hosted runner registered with the platform.
type RunnerID int64

// RunID identifies a workflow run.
type RunID int64

// JobID identifies a workflow job.
type JobID int64

// WorkflowStatus mirrors the subset of GitHub Actions run/job statuses
// forrest cares about.
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "pending"
	StatusQueued     WorkflowStatus = "queued"
	StatusInProgress WorkflowStatus = "in_progress"
	StatusCompleted  WorkflowStatus = "completed"
	StatusFailed     WorkflowStatus = "failed"
	StatusWaiting    WorkflowStatus = "waiting"
)

// Installation is one GitHub App installation: an account (user or org)
// that has installed forrest's GitHub App.
type Installation struct {
	ID      InstallationID
	Account string
}

// WorkflowRun is a single execution of a workflow file.
type WorkflowRun struct {
	ID        RunID
	Status    WorkflowStatus
	CreatedAt time.Time
}

// WorkflowJob is a single job within a WorkflowRun.
type WorkflowJob struct {
	ID         JobID
	RunID      RunID
	Status     WorkflowStatus
	Labels     []string
	RunnerName string
}

// JITRunnerConfig is the response to creating a just-in-time runner
// registration: a base64-encoded config blob handed to the guest's actions
// runner agent, plus the runner identity GitHub assigned.
type JITRunnerConfig struct {
	RunnerID     RunnerID
	RunnerName   string
	EncodedJITConfig string
}

// SelfHostedRunner is one runner registered against a repository, as
// reported by the platform's runner inventory endpoint.
type SelfHostedRunner struct {
	ID     RunnerID
	Name   string
	Status string
	Busy   bool
	Labels []string
}
