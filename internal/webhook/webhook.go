// Package webhook implements the inbound GitHub App webhook endpoint:
// HMAC-SHA256 signature verification and workflow_job event decoding,
// grounded on _examples/original_source/src/ingres/webhook.rs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/platform"
	"github.com/forrest-runner/forrest/internal/triplet"
)

// AuthUpdater is the narrow slice of auth.Auth the handler needs.
type AuthUpdater interface {
	UpdateUser(owner string, id platform.InstallationID)
}

// JobReporter is the narrow slice of jobtracker.Manager the handler needs.
type JobReporter interface {
	StatusFeedback(orm triplet.Triplet, jobID platform.JobID, runID platform.RunID, status platform.WorkflowStatus, runnerName string)
}

// Handler serves POST /webhook.
type Handler struct {
	cfg  *config.Config
	auth AuthUpdater
	jobs JobReporter
}

// NewHandler returns a Handler that verifies deliveries against cfg's
// webhook_secret and forwards workflow_job events to jobs.
func NewHandler(cfg *config.Config, auth AuthUpdater, jobs JobReporter) *Handler {
	return &Handler{cfg: cfg, auth: auth, jobs: jobs}
}

// installation is the subset of a webhook delivery's "installation" field
// forrest needs: just the numeric id, whether sent in its full or
// minimal shape.
type installation struct {
	ID platform.InstallationID `json:"id"`
}

type repositoryOwner struct {
	Login string `json:"login"`
}

type repository struct {
	Name  string          `json:"name"`
	Owner repositoryOwner `json:"owner"`
}

type workflowJobPayload struct {
	ID         platform.JobID         `json:"id"`
	RunID      platform.RunID         `json:"run_id"`
	Status     platform.WorkflowStatus `json:"status"`
	Labels     []string               `json:"labels"`
	RunnerName *string                `json:"runner_name"`
}

type workflowJobEvent struct {
	Action       string              `json:"action"`
	WorkflowJob  workflowJobPayload  `json:"workflow_job"`
	Repository   *repository         `json:"repository"`
	Installation *installation       `json:"installation"`
}

// verifySignature reports whether header (the raw "X-Hub-Signature-256"
// value, "sha256=<hex>") is a valid HMAC-SHA256 of body under secret.
func verifySignature(header string, body []byte, secret string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}

	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)

	return hmac.Equal(got, want)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/webhook" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "only HTTP POST is allowed", http.StatusMethodNotAllowed)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "request is missing an X-GitHub-Event header", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("X-Hub-Signature-256")
	if sigHeader == "" {
		http.Error(w, "request is missing an X-Hub-Signature-256 header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	cfg := h.cfg.Get()

	if !verifySignature(sigHeader, body, cfg.GitHub.WebhookSecret) {
		http.Error(w, "signature validation failed", http.StatusBadRequest)
		return
	}

	if eventType != "workflow_job" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var event workflowJobEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "failed to parse request body", http.StatusBadRequest)
		return
	}

	if event.Repository == nil {
		log.Print("webhook: got workflow_job event without a repository field")
		http.Error(w, "workflow job is missing a repository field", http.StatusBadRequest)
		return
	}

	owner := event.Repository.Owner.Login
	if owner == "" {
		log.Print("webhook: got workflow_job event without an owner in the repository field")
		http.Error(w, "workflow job repository is missing an owner field", http.StatusBadRequest)
		return
	}

	oar := triplet.NewOwnerAndRepo(owner, event.Repository.Name)

	repos, ok := cfg.Repositories[oar.Owner]
	if ok {
		_, ok = repos[oar.Repository]
	}
	if !ok {
		log.Printf("webhook: refusing to service webhook from unlisted owner/repo %s", oar)
		http.Error(w, "unauthorized owner/repo combination", http.StatusUnauthorized)
		return
	}

	if event.Installation == nil {
		log.Print("webhook: got webhook event that was not sent by an installation")
		http.Error(w, "the webhook event is missing an installation id", http.StatusBadRequest)
		return
	}

	log.Printf("webhook: got workflow_job event for %s with labels %s", oar, strings.Join(event.WorkflowJob.Labels, ","))

	h.auth.UpdateUser(oar.Owner, event.Installation.ID)

	if t, ok := oar.FromLabels(event.WorkflowJob.Labels); ok {
		runnerName := ""
		if event.WorkflowJob.RunnerName != nil {
			runnerName = *event.WorkflowJob.RunnerName
		}
		h.jobs.StatusFeedback(t, event.WorkflowJob.ID, event.WorkflowJob.RunID, event.WorkflowJob.Status, runnerName)
	}

	w.WriteHeader(http.StatusNoContent)
}
