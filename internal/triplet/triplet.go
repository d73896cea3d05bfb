// Package triplet implements the (owner, repository, machine_name) primary
// key used to identify machine types, and its (owner, repository)
// projection.
package triplet

import (
	"fmt"
	"path/filepath"
	"strings"
)

// OwnerAndRepo identifies a repository on the platform.
type OwnerAndRepo struct {
	Owner      string
	Repository string
}

// NewOwnerAndRepo returns an OwnerAndRepo.
func NewOwnerAndRepo(owner, repository string) OwnerAndRepo {
	return OwnerAndRepo{Owner: owner, Repository: repository}
}

func (o OwnerAndRepo) String() string {
	return fmt.Sprintf("%s/%s", o.Owner, o.Repository)
}

// WithMachine projects an OwnerAndRepo into a full Triplet.
func (o OwnerAndRepo) WithMachine(machineName string) Triplet {
	return Triplet{Owner: o.Owner, Repository: o.Repository, MachineName: machineName}
}

// FromLabels decodes a Triplet from a workflow job's label list.
//
// The three labels must equal [self-hosted, forrest, <machine_name>] in
// that order. Any other shape is silently ignored (returns false), as
// mandated by spec.md §4.1: jobs belonging to other runner pools are not
// our concern.
func (o OwnerAndRepo) FromLabels(labels []string) (Triplet, bool) {
	if len(labels) != 3 {
		return Triplet{}, false
	}

	if labels[0] != "self-hosted" || labels[1] != "forrest" {
		return Triplet{}, false
	}

	return o.WithMachine(labels[2]), true
}

// Triplet is the immutable (owner, repository, machine_name) primary key
// of a machine type.
type Triplet struct {
	Owner       string
	Repository  string
	MachineName string
}

// New returns a Triplet.
func New(owner, repository, machineName string) Triplet {
	return Triplet{Owner: owner, Repository: repository, MachineName: machineName}
}

func (t Triplet) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Owner, t.Repository, t.MachineName)
}

// OwnerAndRepo drops the machine name projection.
func (t Triplet) OwnerAndRepo() OwnerAndRepo {
	return OwnerAndRepo{Owner: t.Owner, Repository: t.Repository}
}

// RunDirPath is base/runs/<owner>/<repo>/<machine_name>/<runner_name>.
func (t Triplet) RunDirPath(base, runnerName string) string {
	return filepath.Join(base, "runs", t.Owner, t.Repository, t.MachineName, runnerName)
}

// MachineImagePath is base/machines/<owner>/<repo>/<machine_name>.img.
func (t Triplet) MachineImagePath(base string) string {
	return filepath.Join(base, "machines", t.Owner, t.Repository, t.MachineName+".img")
}

// ParseTriplet parses the "owner/repository/machine_name" serialized form.
func ParseTriplet(s string) (Triplet, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Triplet{}, fmt.Errorf("triplet: expected owner/repository/machine_name, got %q", s)
	}
	return New(parts[0], parts[1], parts[2]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so Triplet can be used
// directly as a YAML/JSON scalar (e.g. for MachineConfig.BaseMachine).
func (t *Triplet) UnmarshalText(text []byte) error {
	parsed, err := ParseTriplet(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Triplet) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
