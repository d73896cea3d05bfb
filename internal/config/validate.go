package config

import (
	"errors"
	"fmt"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *ConfigFile) error {
	var errs []error

	if cfg.GitHub.AppID <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "github.app_id",
			Value:   cfg.GitHub.AppID,
			Message: "must be a positive GitHub App id",
		})
	}

	if cfg.GitHub.JWTKeyFile == "" {
		errs = append(errs, &ValidationError{
			Field:   "github.jwt_key_file",
			Value:   cfg.GitHub.JWTKeyFile,
			Message: "must not be empty",
		})
	}

	if cfg.GitHub.WebhookSecret == "" {
		errs = append(errs, &ValidationError{
			Field:   "github.webhook_secret",
			Value:   "",
			Message: "must not be empty",
		})
	}

	if cfg.GitHub.PollingInterval.Duration() <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "github.polling_interval",
			Value:   cfg.GitHub.PollingInterval.Duration(),
			Message: "must be positive",
		})
	}

	if cfg.Host.BaseDir == "" {
		errs = append(errs, &ValidationError{
			Field:   "host.base_dir",
			Value:   cfg.Host.BaseDir,
			Message: "must not be empty",
		})
	}

	if cfg.Host.RAM.Bytes() == 0 {
		errs = append(errs, &ValidationError{
			Field:   "host.ram",
			Value:   cfg.Host.RAM,
			Message: "must be greater than zero",
		})
	}

	for owner, repos := range cfg.Repositories {
		for repoName, repo := range repos {
			for name, m := range repo.Machines {
				prefix := fmt.Sprintf("repositories.%s.%s.machines.%s", owner, repoName, name)

				if m.RAMBytes.Bytes() == 0 {
					errs = append(errs, &ValidationError{
						Field:   prefix + ".ram_bytes",
						Value:   m.RAMBytes,
						Message: "must be greater than zero",
					})
				}

				if m.DiskBytes.Bytes() == 0 {
					errs = append(errs, &ValidationError{
						Field:   prefix + ".disk_bytes",
						Value:   m.DiskBytes,
						Message: "must be greater than zero",
					})
				}

				if m.CPUs == 0 {
					errs = append(errs, &ValidationError{
						Field:   prefix + ".cpus",
						Value:   m.CPUs,
						Message: "must be greater than zero",
					})
				}

				if m.BaseMachine == nil && m.BaseImage == "" {
					errs = append(errs, &ValidationError{
						Field:   prefix,
						Value:   name,
						Message: "must set one of base_machine or base_image",
					})
				}

				if m.BaseMachine != nil && m.BaseImage != "" {
					errs = append(errs, &ValidationError{
						Field:   prefix,
						Value:   name,
						Message: "must not set both base_machine and base_image",
					})
				}

				for i, a := range m.Artifacts {
					if a.Name == "" {
						errs = append(errs, &ValidationError{
							Field:   fmt.Sprintf("%s.artifacts[%d].name", prefix, i),
							Value:   a.Name,
							Message: "must not be empty",
						})
					}
					if a.PathTemplate == "" {
						errs = append(errs, &ValidationError{
							Field:   fmt.Sprintf("%s.artifacts[%d].path_template", prefix, i),
							Value:   a.PathTemplate,
							Message: "must not be empty",
						})
					}
				}
			}
		}
	}

	lineage := newLineageGraph(cfg)
	if err := lineage.validateMissingDependencies(); err != nil {
		errs = append(errs, err)
	} else if err := lineage.validateNoCycles(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
