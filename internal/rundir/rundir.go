// Package rundir builds and tears down the per-run working directory a
// Machine boots from: image selection, reflink disk cloning, and the two
// ConfigFs images a guest needs, grounded on
// _examples/original_source/src/machines/run_dir.rs.
package rundir

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/configfs"
	"github.com/forrest-runner/forrest/internal/triplet"
)

const (
	cloudInitImageSize = 1_000_000
	jobConfigImageSize = 1_000_000
	cloudInitLabel     = "CIDATA"
	jobConfigLabel     = "JOBDATA"
)

// Params are the inputs RunDir.New needs to place and populate a run
// directory for one Machine.
type Params struct {
	BaseDir       string
	Triplet       triplet.Triplet
	RunnerName    string
	MachineConfig config.MachineConfig

	// ActiveBaseTriplets holds every Triplet that currently has at least
	// one live Machine in the fleet, regardless of status. If this
	// Machine's base_machine is in this set, RunDir construction is
	// delayed: the base is still expected to produce a fresher image.
	ActiveBaseTriplets map[triplet.Triplet]bool

	JITConfig string
	RunToken  string
}

// RunDir is a populated working directory for one Machine run.
type RunDir struct {
	path             string
	persistenceToken string
}

// Path is the run directory on disk.
func (r *RunDir) Path() string {
	return r.path
}

// DiskImagePath is the guest's boot disk within the run directory.
func (r *RunDir) DiskImagePath() string {
	return filepath.Join(r.path, "disk.img")
}

// CloudInitImagePath is the cloud-init seed image within the run directory.
func (r *RunDir) CloudInitImagePath() string {
	return filepath.Join(r.path, "cloud-init.img")
}

// JobConfigImagePath is the per-job config image within the run directory.
func (r *RunDir) JobConfigImagePath() string {
	return filepath.Join(r.path, "job-config.img")
}

// New selects a source image, creates the run directory, reflink-clones
// the disk, grows it if needed, and synthesizes the cloud-init and
// job-config FAT images. It returns (nil, nil) if the source image is
// not ready yet (the machine should stay in Registered and retry on the
// next reschedule pass).
func New(p Params) (*RunDir, error) {
	machineImage := p.Triplet.MachineImagePath(p.BaseDir)

	baseImage, err := resolveBaseImage(p, machineImage)
	if err != nil {
		return nil, err
	}
	if baseImage == "" {
		return nil, nil
	}

	image, err := selectImage(p.MachineConfig.UseBase, baseImage, machineImage)
	if err != nil {
		return nil, err
	}

	exists, err := fileExists(image)
	if err != nil {
		return nil, fmt.Errorf("rundir: stat selected image %s: %w", image, err)
	}
	if !exists {
		log.Printf("rundir: delaying startup of %s/%s because image %s does not exist yet", p.Triplet, p.RunnerName, image)
		return nil, nil
	}

	runDirPath := p.Triplet.RunDirPath(p.BaseDir, p.RunnerName)
	if err := os.MkdirAll(runDirPath, 0o755); err != nil {
		return nil, fmt.Errorf("rundir: create run dir %s: %w", runDirPath, err)
	}

	r := &RunDir{path: runDirPath}

	diskPath := r.DiskImagePath()
	if err := reflinkClone(image, diskPath); err != nil {
		return nil, fmt.Errorf("rundir: clone disk image: %w", err)
	}

	if err := growDisk(diskPath, p.MachineConfig.DiskBytes.Bytes()); err != nil {
		return nil, fmt.Errorf("rundir: grow disk image: %w", err)
	}

	substitutions := map[string]string{
		"REPO_OWNER":   p.Triplet.Owner,
		"REPO_NAME":    p.Triplet.Repository,
		"MACHINE_NAME": p.Triplet.MachineName,
		"JITCONFIG":    p.JITConfig,
		"RUN_TOKEN":    p.RunToken,
	}
	for k, v := range p.MachineConfig.SetupTemplate.Parameters {
		substitutions[k] = v
	}

	cloudInitFs, skipped, err := configfs.New(r.CloudInitImagePath(), cloudInitImageSize, cloudInitLabel,
		filepath.Join(p.MachineConfig.SetupTemplate.Path, "cloud-init"), substitutions)
	if err != nil {
		return nil, fmt.Errorf("rundir: build cloud-init image: %w", err)
	}
	for _, s := range skipped {
		log.Printf("rundir: ignoring non-file or non-UTF-8 entry %q while assembling cloud-init image", s)
	}
	_ = cloudInitFs // kept open on disk; closed by Close()

	jobConfigFs, skipped, err := configfs.New(r.JobConfigImagePath(), jobConfigImageSize, jobConfigLabel,
		filepath.Join(p.MachineConfig.SetupTemplate.Path, "job-config"), substitutions)
	if err != nil {
		return nil, fmt.Errorf("rundir: build job-config image: %w", err)
	}
	for _, s := range skipped {
		log.Printf("rundir: ignoring non-file or non-UTF-8 entry %q while assembling job-config image", s)
	}
	_ = jobConfigFs

	return r, nil
}

func resolveBaseImage(p Params, machineImage string) (string, error) {
	mc := p.MachineConfig

	if mc.BaseMachine != nil {
		if p.ActiveBaseTriplets[*mc.BaseMachine] {
			log.Printf("rundir: delaying startup of %s/%s because its base %s is currently running", p.Triplet, p.RunnerName, mc.BaseMachine)
			return "", nil
		}
		return mc.BaseMachine.MachineImagePath(p.BaseDir), nil
	}

	if mc.BaseImage != "" {
		return mc.BaseImage, nil
	}

	log.Printf("rundir: neither base_machine nor base_image configured for %s/%s, falling back to machine image", p.Triplet, p.RunnerName)
	return machineImage, nil
}

func selectImage(policy config.SeedBasePolicy, baseImage, machineImage string) (string, error) {
	switch policy {
	case config.SeedBasePolicyAlways:
		return baseImage, nil
	case config.SeedBasePolicyNever:
		return machineImage, nil
	default:
		return pickNewer(baseImage, machineImage)
	}
}

// pickNewer picks the more recently modified of a and b: if both exist,
// the newer mtime wins; if only b exists, b wins; otherwise a wins
// (regardless of whether it exists).
func pickNewer(a, b string) (string, error) {
	modifiedA, okA, err := modTime(a)
	if err != nil {
		return "", err
	}
	modifiedB, okB, err := modTime(b)
	if err != nil {
		return "", err
	}

	switch {
	case okA && okB:
		if modifiedA.After(modifiedB) {
			return a, nil
		}
		return b, nil
	case !okA && okB:
		return b, nil
	default:
		return a, nil
	}
}

func modTime(path string) (time.Time, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// reflinkClone makes a copy-on-write clone of src at dst using the
// Linux FICLONE ioctl, falling back to a plain copy if the underlying
// filesystem does not support reflinks. golang.org/x/sys/unix is the
// teacher-adjacent (kindling) dependency that exposes the raw ioctl; no
// pack example wraps it in a higher-level reflink library.
func reflinkClone(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source image: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create destination image: %w", err)
	}
	defer dstFile.Close()

	err = unix.IoctlFileClone(int(dstFile.Fd()), int(srcFile.Fd()))
	if err == nil {
		return nil
	}

	log.Printf("rundir: reflink clone unsupported (%v), falling back to full copy", err)

	if _, err := srcFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("copy source image: %w", err)
	}
	return nil
}

func growDisk(path string, targetSize uint64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat cloned disk: %w", err)
	}

	if uint64(info.Size()) >= targetSize {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open cloned disk for grow: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(targetSize)); err != nil {
		return fmt.Errorf("truncate cloned disk: %w", err)
	}
	return nil
}

// MaybePersist is called once after the guest has exited. If
// persistenceToken is empty, persistence is not configured for this
// repository and this is a no-op. Otherwise it reads a "persist" file
// from the (now read-only) job-config image; if its contents exactly
// match persistenceToken, disk.img is atomically renamed onto
// machineImagePath, replacing any previous image for this Triplet.
func (r *RunDir) MaybePersist(persistenceToken, machineImagePath string) error {
	if persistenceToken == "" {
		return nil
	}

	content, err := configfs.ReadFile(r.JobConfigImagePath(), "persist")
	if err != nil {
		log.Printf("rundir: no persistence request found in %s: %v", r.path, err)
		return nil
	}

	if string(content) != persistenceToken {
		return fmt.Errorf("rundir: persistence token mismatch in %s", r.path)
	}

	if err := os.MkdirAll(filepath.Dir(machineImagePath), 0o755); err != nil {
		return fmt.Errorf("rundir: create machine image directory: %w", err)
	}

	if err := os.Rename(r.DiskImagePath(), machineImagePath); err != nil {
		return fmt.Errorf("rundir: persist disk image to %s: %w", machineImagePath, err)
	}

	return nil
}

// Close removes disk.img, the largest file in the run directory. The run
// directory itself and any log files the guest wrote are left behind for
// post-mortem inspection.
func (r *RunDir) Close() error {
	err := os.Remove(r.DiskImagePath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rundir: remove disk image: %w", err)
	}
	return nil
}
