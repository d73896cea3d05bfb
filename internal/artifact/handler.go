// Package artifact implements the quota-aware artifact upload HTTP
// endpoint, grounded on _examples/original_source/src/artifacts.rs.
package artifact

import (
	"crypto/rand"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/forrest-runner/forrest/internal/machine"
)

// MachineLookup is the narrow slice of fleet.Manager the handler needs,
// defined here so this package never imports fleet directly.
type MachineLookup interface {
	MachineByRunToken(token string) (*machine.Machine, bool)
}

// Handler serves PUT /artifact/<name>/<path...>.
type Handler struct {
	machines MachineLookup
}

// NewHandler returns a Handler backed by machines.
func NewHandler(machines MachineLookup) *Handler {
	return &Handler{machines: machines}
}

// tokens splits the Authorization header into its run_token and optional
// extra_token. Any shape other than "Bearer <run_token>[ <extra_token>]"
// yields two empty strings, which will fail lookup downstream.
func tokens(r *http.Request) (runToken, extraToken string) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || fields[0] != "Bearer" {
		return "", ""
	}
	runToken = fields[1]
	if len(fields) >= 3 {
		extraToken = fields[2]
	}
	return runToken, extraToken
}

// pathComponents splits the request URL into the artifact store name and
// the requested relative upload path, rejecting "." / ".." / empty
// segments to prevent path traversal. The URL shape is
// /artifact/<name>/<path...>.
func pathComponents(r *http.Request) (name string, relPath string, ok bool) {
	var parts []string
	for _, c := range strings.Split(r.URL.Path, "/") {
		if c != "" {
			parts = append(parts, c)
		}
	}

	// parts[0] == "artifact", parts[1] == name, parts[2:] == path segments.
	if len(parts) < 3 || parts[0] != "artifact" {
		return "", "", false
	}

	name = parts[1]
	segments := parts[2:]
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			return "", "", false
		}
	}

	relPath = filepath.Join(segments...)
	if relPath == "" || relPath == "." {
		return "", "", false
	}

	return name, relPath, true
}

const tmpSuffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomTmpSuffix() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = tmpSuffixAlphabet[int(b)%len(tmpSuffixAlphabet)]
	}
	return string(out), nil
}

// bodyToDisk streams r's body to fsPathTmp, enforcing view's quota one
// chunk at a time, then atomically renames it onto fsPath. It does not
// clean up after itself on error; the caller is responsible for removing
// whatever was partially written.
func bodyToDisk(body io.Reader, fsPath, fsPathTmp string, view *machine.ArtifactView) error {
	if err := os.MkdirAll(filepath.Dir(fsPath), 0o755); err != nil {
		return err
	}

	f, err := os.Create(fsPathTmp)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if !view.ConsumeQuota(uint64(n)) {
				return errQuotaExceeded
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(fsPathTmp, fsPath)
}

var errQuotaExceeded = &quotaExceededError{}

type quotaExceededError struct{}

func (*quotaExceededError) Error() string { return "artifact: quota exceeded" }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "only artifact upload is implemented", http.StatusMethodNotAllowed)
		return
	}

	runToken, extraToken := tokens(r)
	name, relPath, ok := pathComponents(r)
	if !ok {
		http.Error(w, "request did not contain an artifact store name or a valid path", http.StatusBadRequest)
		return
	}

	m, ok := h.machines.MachineByRunToken(runToken)
	if !ok {
		http.Error(w, "the provided run token does not belong to a known machine", http.StatusNotFound)
		return
	}

	view, ok := m.Artifact(name, extraToken)
	if !ok {
		http.Error(w, "the requested artifact is not configured for this machine type", http.StatusNotFound)
		return
	}

	fsPath := filepath.Join(view.Path(), relPath)

	suffix, err := randomTmpSuffix()
	if err != nil {
		http.Error(w, "failed to store artifact", http.StatusInternalServerError)
		return
	}
	fsPathTmp := fsPath + ".tmp-frst-" + suffix

	if err := bodyToDisk(r.Body, fsPath, fsPathTmp, view); err != nil {
		log.Printf("artifact: failed to save artifact for %s as %s: %v", m.RunnerName(), fsPath, err)

		os.Remove(fsPathTmp)
		os.Remove(fsPath)

		http.Error(w, "failed to store artifact to disk", http.StatusInternalServerError)
		return
	}

	log.Printf("artifact: saved artifact for %s as %s", m.RunnerName(), fsPath)

	location := view.URL() + relPath
	w.Header().Set("Content-Location", location)
	w.WriteHeader(http.StatusCreated)
}
