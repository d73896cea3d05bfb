package machine

import (
	"crypto/subtle"
	"strings"
	"sync/atomic"

	"github.com/forrest-runner/forrest/internal/config"
)

// ArtifactView is one configured artifact slot on one live Machine,
// resolved by run_token and (if configured) a per-artifact token, per
// spec.md §4.8.
type ArtifactView struct {
	cfg        config.Artifact
	remaining  *int64
	runnerName string
}

// Path substitutes <RUNNER_NAME> into the configured path_template.
func (a *ArtifactView) Path() string {
	return strings.ReplaceAll(a.cfg.PathTemplate, "<RUNNER_NAME>", a.runnerName)
}

// URL substitutes <RUNNER_NAME> into the configured url_template.
func (a *ArtifactView) URL() string {
	return strings.ReplaceAll(a.cfg.URLTemplate, "<RUNNER_NAME>", a.runnerName)
}

// ConsumeQuota atomically decrements the artifact's remaining byte
// quota by n, refusing (and leaving the counter unchanged) if that
// would take it negative.
func (a *ArtifactView) ConsumeQuota(n uint64) bool {
	for {
		cur := atomic.LoadInt64(a.remaining)
		next := cur - int64(n)
		if next < 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(a.remaining, cur, next) {
			return true
		}
	}
}

// Artifact resolves name (and, if the artifact is token-protected,
// verifies token in constant time) to an ArtifactView, or returns false
// if no such artifact is configured or the token does not match.
func (m *Machine) Artifact(name, token string) (*ArtifactView, bool) {
	m.mu.Lock()
	var found *config.Artifact
	for i := range m.cfg.Artifacts {
		if m.cfg.Artifacts[i].Name == name {
			found = &m.cfg.Artifacts[i]
			break
		}
	}
	runnerName := m.runnerName
	counter := m.artifactQuota[name]
	m.mu.Unlock()

	if found == nil || counter == nil {
		return nil, false
	}

	if found.Token != "" {
		if subtle.ConstantTimeCompare([]byte(found.Token), []byte(token)) != 1 {
			return nil, false
		}
	}

	return &ArtifactView{cfg: *found, remaining: counter, runnerName: runnerName}, true
}
