// Package rundir manages the per-run output directory: the identifier list,
// one PNG per provisioned identifier and the failure log.
package rundir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names inside a run directory.
const (
	IdentifiersFile = "slugs.txt"
	FailuresFile    = "failed.txt"
	ImageExt        = ".png"
)

// maxRunsPerSecond bounds the suffixes tried for runs started in the same
// second.
const maxRunsPerSecond = 100

// ErrRunExists is returned when every candidate name for a second is taken.
var ErrRunExists = errors.New("rundir: run directory already exists")

// ErrInvalidIdentifier is returned for identifiers that cannot be used as a
// file name stem.
var ErrInvalidIdentifier = errors.New("rundir: invalid identifier")

// Dir is a run directory. It is only touched by the pipeline goroutine.
type Dir struct {
	path string
}

// Name returns the directory name for a run started at t,
// formatted run-YYYYMMDDHHMMSS in UTC.
func Name(t time.Time) string {
	return "run-" + t.UTC().Format("20060102150405")
}

// Create makes a fresh run directory under root. The first run of a second
// gets Name(startedAt); later runs in the same second get a -2, -3, ...
// suffix. An existing directory is never reused.
func Create(root string, startedAt time.Time) (*Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("rundir: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("rundir: create %s: %w", root, err)
	}

	base := Name(startedAt)
	for n := 1; n <= maxRunsPerSecond; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s-%d", base, n)
		}

		path := filepath.Join(root, name)
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return &Dir{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("rundir: create %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunExists, base)
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// ID returns the directory base name, used as the run identifier.
func (d *Dir) ID() string {
	return filepath.Base(d.path)
}

// WriteIdentifiers writes all identifiers to slugs.txt, newline separated.
func (d *Dir) WriteIdentifiers(ids []string) error {
	data := []byte(strings.Join(ids, "\n"))
	if err := os.WriteFile(filepath.Join(d.path, IdentifiersFile), data, 0o644); err != nil {
		return fmt.Errorf("rundir: write identifiers: %w", err)
	}
	return nil
}

// WriteImage stores data as <id>.png.
func (d *Dir) WriteImage(id string, data []byte) error {
	path, err := d.ImagePath(id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("rundir: write image: %w", err)
	}
	return nil
}

// ImagePath returns the path of the image for id.
func (d *Dir) ImagePath(id string) (string, error) {
	if err := checkIdentifier(id); err != nil {
		return "", err
	}
	return filepath.Join(d.path, id+ImageExt), nil
}

// AppendFailure appends id to failed.txt, creating the file on first use.
func (d *Dir) AppendFailure(id string) error {
	f, err := os.OpenFile(filepath.Join(d.path, FailuresFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("rundir: open failure log: %w", err)
	}
	if _, err := f.WriteString(id + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("rundir: append failure: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("rundir: close failure log: %w", err)
	}
	return nil
}

// checkIdentifier keeps identifiers from escaping the run directory.
func checkIdentifier(id string) error {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}
