// Package poller periodically walks the platform's installation, run, and
// job APIs to recover state that a dropped or never-delivered webhook
// would otherwise have reported, grounded on
// _examples/original_source/src/ingres/poll.rs.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/platform"
	"github.com/forrest-runner/forrest/internal/triplet"
)

// maxNewRunAge is the cut-off when walking a repository's workflow run
// history for the first time (or after a gap): runs older than this are
// assumed irrelevant and the walk stops.
const maxNewRunAge = 24 * time.Hour

// AuthSource is the narrow slice of auth.Auth the poller needs.
type AuthSource interface {
	App() platform.Client
	User(owner string) (platform.Client, bool)
	UpdateUser(owner string, id platform.InstallationID)
}

// JobReporter is the narrow slice of jobtracker.Manager the poller needs.
type JobReporter interface {
	RunsOfInterest() map[triplet.OwnerAndRepo]map[platform.RunID]bool
	StatusFeedback(orm triplet.Triplet, jobID platform.JobID, runID platform.RunID, status platform.WorkflowStatus, runnerName string)
}

// Poller is the periodic installation/run/job walk described above.
type Poller struct {
	cfg  *config.Config
	auth AuthSource
	jobs JobReporter

	mu              sync.Mutex
	mostRecentRunID map[triplet.OwnerAndRepo]platform.RunID
}

// New returns a Poller.
func New(cfg *config.Config, auth AuthSource, jobs JobReporter) *Poller {
	return &Poller{
		cfg:             cfg,
		auth:            auth,
		jobs:            jobs,
		mostRecentRunID: make(map[triplet.OwnerAndRepo]platform.RunID),
	}
}

// Run polls every cfg's configured polling_interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		if err := p.PollOnce(ctx); err != nil {
			log.Printf("poller: poll failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.Get().GitHub.PollingInterval.Duration()):
		}
	}
}

// PollOnce walks every installation of forrest's GitHub App, polling the
// configured repositories of each listed user.
func (p *Poller) PollOnce(ctx context.Context) error {
	cfg := p.cfg.Get()

	runsOfInterest := p.jobs.RunsOfInterest()

	app := p.auth.App()

	for page := 1; ; page++ {
		installations, err := app.ListInstallations(ctx, page)
		if err != nil {
			return err
		}
		if len(installations) == 0 {
			break
		}

		for _, inst := range installations {
			user := inst.Account

			repos, ok := cfg.Repositories[user]
			if !ok {
				log.Printf("poller: refusing to service unlisted user %q", user)
				continue
			}

			p.auth.UpdateUser(user, inst.ID)

			if err := p.pollUser(ctx, user, repos, runsOfInterest); err != nil {
				log.Printf("poller: failed to poll user %s: %v", user, err)
			}
		}
	}

	return nil
}

func (p *Poller) pollUser(ctx context.Context, user string, repos map[string]config.RepositoryConfig, runsOfInterest map[triplet.OwnerAndRepo]map[platform.RunID]bool) error {
	g, ctx := errgroup.WithContext(ctx)

	for repoName := range repos {
		repoName := repoName
		oar := triplet.NewOwnerAndRepo(user, repoName)
		runIDs := runsOfInterest[oar]

		g.Go(func() error {
			if err := p.pollRepository(ctx, oar, runIDs); err != nil {
				log.Printf("poller: failed to poll %s for queued jobs: %v", oar, err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (p *Poller) pollRepository(ctx context.Context, oar triplet.OwnerAndRepo, runIDs map[platform.RunID]bool) error {
	log.Printf("poller: polling repository %s", oar)

	pending := make(map[platform.RunID]bool, len(runIDs))
	for id := range runIDs {
		pending[id] = true
	}

	if err := p.collectNewWorkflowRuns(ctx, oar, pending); err != nil {
		return err
	}

	for runID := range pending {
		if err := p.pollRun(ctx, oar, runID); err != nil {
			return err
		}
	}

	return nil
}

// collectNewWorkflowRuns adds runs not already present in runs that were
// created since the last call for this repository, per the bookmark kept
// in mostRecentRunID, stopping at the first run older than
// maxNewRunAge or at the previously-seen bookmark.
func (p *Poller) collectNewWorkflowRuns(ctx context.Context, oar triplet.OwnerAndRepo, runs map[platform.RunID]bool) error {
	client, ok := p.auth.User(oar.Owner)
	if !ok {
		return nil
	}

	platformOAR := platform.OwnerAndRepo{Owner: oar.Owner, Repository: oar.Repository}

	p.mu.Lock()
	prevRunID, hadPrev := p.mostRecentRunID[oar]
	p.mu.Unlock()

	for page := 1; ; page++ {
		workflowRuns, err := client.ListWorkflowRuns(ctx, platformOAR, page)
		if err != nil {
			return err
		}

		if page == 1 && len(workflowRuns) > 0 {
			p.mu.Lock()
			p.mostRecentRunID[oar] = workflowRuns[0].ID
			p.mu.Unlock()
		}

		if len(workflowRuns) == 0 {
			return nil
		}

		for _, run := range workflowRuns {
			if hadPrev && run.ID == prevRunID {
				return nil
			}

			if time.Since(run.CreatedAt) > maxNewRunAge {
				return nil
			}

			runs[run.ID] = true
		}
	}
}

func (p *Poller) pollRun(ctx context.Context, oar triplet.OwnerAndRepo, runID platform.RunID) error {
	client, ok := p.auth.User(oar.Owner)
	if !ok {
		return nil
	}

	platformOAR := platform.OwnerAndRepo{Owner: oar.Owner, Repository: oar.Repository}

	for page := 1; ; page++ {
		jobs, err := client.ListWorkflowJobs(ctx, platformOAR, runID, page)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		for _, job := range jobs {
			t, ok := oar.FromLabels(job.Labels)
			if !ok {
				continue
			}

			p.jobs.StatusFeedback(t, job.ID, runID, job.Status, job.RunnerName)
		}
	}
}
