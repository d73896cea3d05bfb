package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client is the platform surface forrest needs. One Client is bound to a
// single authentication context: either the GitHub App itself (used to
// enumerate installations and mint installation tokens) or one specific
// installation (used for everything else).
type Client interface {
	CreateJITRunnerConfig(ctx context.Context, oar OwnerAndRepo, runnerName string, labels []string, runnerGroupID int64) (JITRunnerConfig, error)
	DeleteRunner(ctx context.Context, oar OwnerAndRepo, id RunnerID) error
	ListSelfHostedRunners(ctx context.Context, oar OwnerAndRepo, page int) ([]SelfHostedRunner, error)
	ListWorkflowRuns(ctx context.Context, oar OwnerAndRepo, page int) ([]WorkflowRun, error)
	ListWorkflowJobs(ctx context.Context, oar OwnerAndRepo, runID RunID, page int) ([]WorkflowJob, error)
	ListInstallations(ctx context.Context, page int) ([]Installation, error)
}

// OwnerAndRepo is the minimal (owner, repository) addressing tuple a
// platform.Client needs. It mirrors triplet.OwnerAndRepo without importing
// it, keeping this package free of a dependency on the triplet package's
// machine-name concept.
type OwnerAndRepo struct {
	Owner      string
	Repository string
}

const apiBaseURL = "https://api.github.com"

// TokenSource returns a valid bearer token for outgoing requests. It is
// called once per request so callers (Auth) can swap tokens out from
// under a live Client as installation tokens expire.
type TokenSource func(ctx context.Context) (string, error)

// httpClient is the Client implementation backed by net/http.
type httpClient struct {
	hc     *http.Client
	tokens TokenSource
}

// NewHTTPClient returns a Client that authenticates every request with
// tokens pulled from source.
func NewHTTPClient(source TokenSource) Client {
	return &httpClient{
		hc:     &http.Client{Timeout: 30 * time.Second},
		tokens: source,
	}
}

// doRequest executes an HTTP request against the platform API with retry
// and backoff on rate limiting and server errors, grounded on
// _examples/RevCBH-choo/internal/github/client.go's doRequest.
func (c *httpClient) doRequest(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("platform: marshal request body: %w", err)
		}
	}

	const maxRetries = 5
	backoff := time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform: obtain token: %w", err)
		}

		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("platform: build request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("platform: execute request: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if attempt == maxRetries {
				return nil, fmt.Errorf("platform: rate limit exceeded after %d retries", maxRetries)
			}

			wait := backoff
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if seconds, err := strconv.Atoi(retryAfter); err == nil {
					wait = time.Duration(seconds) * time.Second
				}
			}

			select {
			case <-time.After(wait):
				backoff *= 2
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return nil, fmt.Errorf("platform: server error after %d retries: status %d", maxRetries, resp.StatusCode)
			}

			select {
			case <-time.After(backoff):
				backoff *= 2
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("platform: request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil, fmt.Errorf("platform: request failed after %d retries", maxRetries)
}

func decodeJSON[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		var zero T
		return zero, fmt.Errorf("platform: decode response: %w", err)
	}
	return v, nil
}

type jitRunnerConfigResponse struct {
	Runner struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"runner"`
	EncodedJITConfig string `json:"encoded_jit_config"`
}

func (c *httpClient) CreateJITRunnerConfig(ctx context.Context, oar OwnerAndRepo, runnerName string, labels []string, runnerGroupID int64) (JITRunnerConfig, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runners/generate-jitconfig", apiBaseURL, oar.Owner, oar.Repository)

	reqBody := map[string]any{
		"name":            runnerName,
		"runner_group_id": runnerGroupID,
		"labels":          labels,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return JITRunnerConfig{}, err
	}

	parsed, err := decodeJSON[jitRunnerConfigResponse](resp)
	if err != nil {
		return JITRunnerConfig{}, err
	}

	return JITRunnerConfig{
		RunnerID:         RunnerID(parsed.Runner.ID),
		RunnerName:       parsed.Runner.Name,
		EncodedJITConfig: parsed.EncodedJITConfig,
	}, nil
}

func (c *httpClient) DeleteRunner(ctx context.Context, oar OwnerAndRepo, id RunnerID) error {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runners/%d", apiBaseURL, oar.Owner, oar.Repository, id)

	resp, err := c.doRequest(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type selfHostedRunnersResponse struct {
	Runners []struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Busy   bool   `json:"busy"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"runners"`
}

func (c *httpClient) ListSelfHostedRunners(ctx context.Context, oar OwnerAndRepo, page int) ([]SelfHostedRunner, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runners?per_page=100&page=%d", apiBaseURL, oar.Owner, oar.Repository, page)

	resp, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	parsed, err := decodeJSON[selfHostedRunnersResponse](resp)
	if err != nil {
		return nil, err
	}

	out := make([]SelfHostedRunner, 0, len(parsed.Runners))
	for _, r := range parsed.Runners {
		labels := make([]string, 0, len(r.Labels))
		for _, l := range r.Labels {
			labels = append(labels, l.Name)
		}
		out = append(out, SelfHostedRunner{ID: RunnerID(r.ID), Name: r.Name, Status: r.Status, Busy: r.Busy, Labels: labels})
	}
	return out, nil
}

type workflowRunsResponse struct {
	WorkflowRuns []struct {
		ID        int64     `json:"id"`
		Status    string    `json:"status"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"workflow_runs"`
}

func (c *httpClient) ListWorkflowRuns(ctx context.Context, oar OwnerAndRepo, page int) ([]WorkflowRun, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs?per_page=100&page=%d", apiBaseURL, oar.Owner, oar.Repository, page)

	resp, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	parsed, err := decodeJSON[workflowRunsResponse](resp)
	if err != nil {
		return nil, err
	}

	out := make([]WorkflowRun, 0, len(parsed.WorkflowRuns))
	for _, r := range parsed.WorkflowRuns {
		out = append(out, WorkflowRun{ID: RunID(r.ID), Status: WorkflowStatus(r.Status), CreatedAt: r.CreatedAt})
	}
	return out, nil
}

type workflowJobsResponse struct {
	Jobs []struct {
		ID         int64  `json:"id"`
		RunID      int64  `json:"run_id"`
		Status     string `json:"status"`
		Labels     []string `json:"labels"`
		RunnerName string `json:"runner_name"`
	} `json:"jobs"`
}

func (c *httpClient) ListWorkflowJobs(ctx context.Context, oar OwnerAndRepo, runID RunID, page int) ([]WorkflowJob, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/jobs?per_page=100&page=%d", apiBaseURL, oar.Owner, oar.Repository, runID, page)

	resp, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	parsed, err := decodeJSON[workflowJobsResponse](resp)
	if err != nil {
		return nil, err
	}

	out := make([]WorkflowJob, 0, len(parsed.Jobs))
	for _, j := range parsed.Jobs {
		out = append(out, WorkflowJob{
			ID:         JobID(j.ID),
			RunID:      RunID(j.RunID),
			Status:     WorkflowStatus(j.Status),
			Labels:     j.Labels,
			RunnerName: j.RunnerName,
		})
	}
	return out, nil
}

type installationsResponse []struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
	} `json:"account"`
}

func (c *httpClient) ListInstallations(ctx context.Context, page int) ([]Installation, error) {
	url := fmt.Sprintf("%s/app/installations?per_page=100&page=%d", apiBaseURL, page)

	resp, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	parsed, err := decodeJSON[installationsResponse](resp)
	if err != nil {
		return nil, err
	}

	out := make([]Installation, 0, len(parsed))
	for _, inst := range parsed {
		out = append(out, Installation{ID: InstallationID(inst.ID), Account: inst.Account.Login})
	}
	return out, nil
}
