// Package configfs synthesizes small FAT filesystem images used to pass
// configuration into a guest VM and to read persistence signals back out
// of one after it exits, grounded on
// _examples/original_source/src/machines/config_fs.rs.
package configfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/fat32"
)

// ConfigFs is a FAT-formatted image file populated from a template
// directory. The backing image file is removed when Close is called.
type ConfigFs struct {
	path string
}

// New creates a FAT filesystem image of size bytes at path, labeled with
// label (truncated/padded to 11 bytes as FAT requires), and populates it
// with every regular file found directly under templateDir. Each file's
// contents are treated as UTF-8 text; every occurrence of "<key>" in
// substitutions is replaced with its value before the file is written
// into the image.
//
// Non-regular entries and files with non-UTF-8 names are skipped with a
// warning logged by the caller (returned in the skipped slice) rather
// than failing the whole build.
func New(path string, size int64, label, templateDir string, substitutions map[string]string) (*ConfigFs, []string, error) {
	volumeLabel := padLabel(label)

	d, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return nil, nil, fmt.Errorf("configfs: create image: %w", err)
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: volumeLabel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("configfs: format fat32: %w", err)
	}

	entries, err := os.ReadDir(templateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("configfs: read template dir %s: %w", templateDir, err)
	}

	var skipped []string

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !utf8.ValidString(entry.Name()) {
			skipped = append(skipped, entry.Name())
			continue
		}

		content, err := os.ReadFile(filepath.Join(templateDir, entry.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("configfs: read template file %s: %w", entry.Name(), err)
		}

		text := string(content)
		for key, value := range substitutions {
			text = strings.ReplaceAll(text, "<"+key+">", value)
		}

		f, err := fs.OpenFile(entry.Name(), os.O_CREATE|os.O_TRUNC|os.O_RDWR)
		if err != nil {
			return nil, nil, fmt.Errorf("configfs: create %s in image: %w", entry.Name(), err)
		}

		if _, err := f.Write([]byte(text)); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("configfs: write %s into image: %w", entry.Name(), err)
		}

		if err := f.Close(); err != nil {
			return nil, nil, fmt.Errorf("configfs: close %s in image: %w", entry.Name(), err)
		}
	}

	return &ConfigFs{path: path}, skipped, nil
}

func padLabel(label string) string {
	if len(label) > 11 {
		label = label[:11]
	}
	return label + strings.Repeat(" ", 11-len(label))
}

// Close removes the backing image file from disk.
func (c *ConfigFs) Close() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("configfs: remove image %s: %w", c.path, err)
	}
	return nil
}

// ReadFile opens the image at path read-only and returns the contents of
// the file name in its root directory. Used by the persistence handshake to look for a
// "persist" file after the guest has exited and is no longer writing to
// the image.
func ReadFile(path, name string) ([]byte, error) {
	d, err := diskfs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("configfs: open image %s: %w", path, err)
	}

	fs, err := d.GetFilesystem(0)
	if err != nil {
		return nil, fmt.Errorf("configfs: read filesystem from %s: %w", path, err)
	}

	f, err := fs.OpenFile(name, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}

	return buf, nil
}
