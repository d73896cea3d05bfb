// Package config implements forrest's YAML configuration file: parsing,
// snippet/merge-key preprocessing, validation, and mtime-triggered hot
// reload, grounded on _examples/original_source/src/config.rs.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forrest-runner/forrest/internal/triplet"
)

// ConfigFile is the fully parsed, validated configuration document.
type ConfigFile struct {
	GitHub       GitHubConfig                            `yaml:"github"`
	Host         HostConfig                               `yaml:"host"`
	Repositories map[string]map[string]RepositoryConfig  `yaml:"repositories"`
}

// Lookup resolves a Triplet to its MachineConfig, reporting whether the
// owner/repository/machine_name combination is configured at all.
func (c *ConfigFile) Lookup(t triplet.Triplet) (MachineConfig, bool) {
	repos, ok := c.Repositories[t.Owner]
	if !ok {
		return MachineConfig{}, false
	}
	repo, ok := repos[t.Repository]
	if !ok {
		return MachineConfig{}, false
	}
	m, ok := repo.Machines[t.MachineName]
	return m, ok
}

// RepositoryConfigFor returns the RepositoryConfig for an owner/repository,
// used to look up the persistence handshake token.
func (c *ConfigFile) RepositoryConfigFor(oar triplet.OwnerAndRepo) (RepositoryConfig, bool) {
	repos, ok := c.Repositories[oar.Owner]
	if !ok {
		return RepositoryConfig{}, false
	}
	repo, ok := repos[oar.Repository]
	return repo, ok
}

func (c *ConfigFile) setDefaults() {
	c.GitHub.setDefaults()
	for _, repos := range c.Repositories {
		for repoName, repo := range repos {
			for name, m := range repo.Machines {
				m.setDefaults()
				repo.Machines[name] = m
			}
			repos[repoName] = repo
		}
	}
}

func parseConfigFile(raw []byte) (*ConfigFile, error) {
	// First decode as a generic node so we can apply the snippet/merge-key
	// preprocessing pass before binding to ConfigFile's strict shape.
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if len(root.Content) == 0 {
		return nil, fmt.Errorf("config: empty document")
	}

	doc := root.Content[0]
	stripSnippets(doc)

	var cf ConfigFile
	if err := doc.Decode(&cf); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cf.setDefaults()

	if err := validateConfig(&cf); err != nil {
		return nil, err
	}

	return &cf, nil
}

// stripSnippets removes top-level mapping keys whose name ends in
// "_snippets", such as machine_snippets, letting authors define YAML
// anchors under a name that does not otherwise have to fit ConfigFile's
// schema. yaml.v3 expands merge keys (<<) natively while decoding, so no
// extra merge pass is needed here.
func stripSnippets(doc *yaml.Node) {
	if doc.Kind != yaml.MappingNode {
		return
	}

	var kept []*yaml.Node
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i], doc.Content[i+1]
		if strings.HasSuffix(key.Value, "_snippets") {
			continue
		}
		kept = append(kept, key, value)
	}
	doc.Content = kept
}

type inner struct {
	path         string
	configFile   *ConfigFile
	lastModified time.Time
}

func (i *inner) shouldRefresh() (*os.File, time.Time, bool) {
	fd, err := os.Open(i.path)
	if err != nil {
		log.Printf("config: failed to open config file, will not refresh: %v", err)
		return nil, time.Time{}, false
	}

	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		log.Printf("config: failed to stat config file, will not refresh: %v", err)
		return nil, time.Time{}, false
	}

	modified := stat.ModTime()
	if !modified.After(i.lastModified) {
		fd.Close()
		return nil, time.Time{}, false
	}

	return fd, modified, true
}

func (i *inner) get() *ConfigFile {
	fd, modified, refresh := i.shouldRefresh()
	if !refresh {
		return i.configFile
	}
	defer fd.Close()

	raw, err := os.ReadFile(i.path)
	if err != nil {
		log.Printf("config: failed to re-read config: %v. Reusing previous version.", err)
		return i.configFile
	}

	cf, err := parseConfigFile(raw)
	if err != nil {
		log.Printf("config: failed to re-read config: %v. Reusing previous version.", err)
		return i.configFile
	}

	i.configFile = cf
	i.lastModified = modified
	log.Printf("config: re-read config file %s", i.path)

	return i.configFile
}

// Config is a handle on the configuration file that transparently re-reads
// the file from disk when its mtime advances. It is safe for concurrent
// use; every accessor takes a fresh, independent snapshot so callers never
// observe a config document mutating underneath them mid-use.
type Config struct {
	mu    sync.Mutex
	inner *inner
}

// Load reads and parses path, returning a Config that will hot-reload it
// on subsequent Get calls whenever its mtime advances.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}

	cf, err := parseConfigFile(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	return &Config{
		inner: &inner{
			path:         path,
			configFile:   cf,
			lastModified: stat.ModTime(),
		},
	}, nil
}

// Get returns the current configuration, re-reading the backing file if
// its mtime has advanced since the last call. If the file cannot be read
// or fails to parse, the previously loaded configuration is returned and
// the error is logged.
func (c *Config) Get() *ConfigFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.get()
}
