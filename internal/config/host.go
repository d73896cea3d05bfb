package config

// HostConfig is the host-wide configuration: where forrest keeps its state
// on disk and how much RAM it is allowed to commit to guest machines.
type HostConfig struct {
	BaseDir string   `yaml:"base_dir"`
	RAM     ByteSize `yaml:"ram"`
}
