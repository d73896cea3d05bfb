package config

import (
	"fmt"

	"github.com/forrest-runner/forrest/internal/triplet"
)

// SeedBasePolicy decides whether a machine boots from its base image or its
// own previously-persisted machine image.
type SeedBasePolicy string

const (
	SeedBasePolicyIfNewer SeedBasePolicy = "if_newer"
	SeedBasePolicyAlways  SeedBasePolicy = "always"
	SeedBasePolicyNever   SeedBasePolicy = "never"
)

// UnmarshalYAML accepts only the three policy names. An absent use_base
// key defaults to IfNewer via MachineConfig's defaults, matching the Rust
// source's `#[derive(Default)] impl Default for SeedBasePolicy { IfNewer }`.
func (p *SeedBasePolicy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}

	switch SeedBasePolicy(str) {
	case SeedBasePolicyIfNewer, SeedBasePolicyAlways, SeedBasePolicyNever:
		*p = SeedBasePolicy(str)
		return nil
	default:
		return fmt.Errorf("use_base: unknown policy %q, want one of if_newer, always, never", str)
	}
}

// SharedDir is a directory bind-mounted into the guest.
type SharedDir struct {
	HostPath  string `yaml:"host_path"`
	GuestPath string `yaml:"guest_path"`
	Tag       string `yaml:"tag"`
	ReadWrite bool   `yaml:"read_write"`
}

// Artifact describes one named upload target a machine type may write to.
type Artifact struct {
	Name         string   `yaml:"name"`
	PathTemplate string   `yaml:"path_template"`
	URLTemplate  string   `yaml:"url_template"`
	QuotaBytes   ByteSize `yaml:"quota_bytes"`
	Token        string   `yaml:"token,omitempty"`
}

// SetupTemplate points at a directory of ConfigFs template files plus extra
// substitution parameters.
type SetupTemplate struct {
	Path       string            `yaml:"path"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// MachineConfig is the per-(owner,repository,machine_name) configuration.
type MachineConfig struct {
	RAMBytes  ByteSize `yaml:"ram_bytes"`
	DiskBytes ByteSize `yaml:"disk_bytes"`
	CPUs      uint32   `yaml:"cpus"`

	BaseMachine *triplet.Triplet `yaml:"base_machine,omitempty"`
	BaseImage   string           `yaml:"base_image,omitempty"`

	UseBase SeedBasePolicy `yaml:"use_base"`

	SetupTemplate SetupTemplate `yaml:"setup_template"`
	Shared        []SharedDir   `yaml:"shared,omitempty"`
	Artifacts     []Artifact    `yaml:"artifacts,omitempty"`
}

func (m *MachineConfig) setDefaults() {
	if m.UseBase == "" {
		m.UseBase = SeedBasePolicyIfNewer
	}
}

// RepositoryConfig is the configuration for one repository: an optional
// persistence handshake token and a mapping of machine-name -> MachineConfig.
type RepositoryConfig struct {
	PersistenceToken string                   `yaml:"persistence_token,omitempty"`
	Machines         map[string]MachineConfig `yaml:"machines"`
}
