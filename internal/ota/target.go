package ota

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FlashTarget receives a firmware image incrementally. Begin opens the
// target for a declared size (-1 when unknown), Write streams body bytes,
// and Finalize commits. Abort discards everything written so far; the
// running firmware is untouched until Finalize succeeds.
type FlashTarget interface {
	Begin(size int64) error
	Write(p []byte) (int, error)
	Finalize() error
	Abort() error
}

const stagingName = "staging.bin"

// FileTarget stages a firmware image in a directory. The image lands in
// staging.bin and is renamed to firmware_<version>.bin on finalize, so a
// power cut mid-write leaves only the staging file behind.
type FileTarget struct {
	dir      string
	version  string
	f        *os.File
	expected int64
	written  int64
	done     bool
}

// NewFileTarget creates a target staging under dir for the given version.
func NewFileTarget(dir, version string) *FileTarget {
	return &FileTarget{dir: dir, version: version}
}

// Begin opens the staging file. size is the declared image size, or -1
// when the server did not say.
func (t *FileTarget) Begin(size int64) error {
	if t.f != nil {
		return fmt.Errorf("target already begun")
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create firmware dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(t.dir, stagingName), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open staging file: %w", err)
	}

	t.f = f
	t.expected = size
	t.written = 0
	return nil
}

// Write appends image bytes to the staging file.
func (t *FileTarget) Write(p []byte) (int, error) {
	if t.f == nil {
		return 0, fmt.Errorf("target not begun")
	}
	n, err := t.f.Write(p)
	t.written += int64(n)
	return n, err
}

// Finalize commits the staged image: it verifies the declared size when
// one was given, syncs, and renames the staging file into place.
func (t *FileTarget) Finalize() error {
	if t.f == nil {
		return fmt.Errorf("target not begun")
	}
	if t.expected >= 0 && t.written != t.expected {
		return fmt.Errorf("staged %d bytes, expected %d", t.written, t.expected)
	}

	if err := t.f.Sync(); err != nil {
		t.f.Close()
		return fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}
	t.f = nil

	final := filepath.Join(t.dir, fmt.Sprintf("firmware_%s.bin", t.version))
	if err := os.Rename(filepath.Join(t.dir, stagingName), final); err != nil {
		return fmt.Errorf("failed to commit firmware image: %w", err)
	}
	t.done = true

	t.removeOldImages()
	return nil
}

// Abort discards the staging file. It is safe to call more than once and
// after Finalize, where it does nothing.
func (t *FileTarget) Abort() error {
	if t.done {
		return nil
	}
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	err := os.Remove(filepath.Join(t.dir, stagingName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staging file: %w", err)
	}
	return nil
}

// Path returns where the committed image lives after Finalize.
func (t *FileTarget) Path() string {
	return filepath.Join(t.dir, fmt.Sprintf("firmware_%s.bin", t.version))
}

// removeOldImages deletes committed images other than this target's, so
// the directory holds at most one past the staging file.
func (t *FileTarget) removeOldImages() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	keep := fmt.Sprintf("firmware_%s.bin", t.version)
	for _, e := range entries {
		name := e.Name()
		if name == keep || !strings.HasPrefix(name, "firmware_") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		os.Remove(filepath.Join(t.dir, name))
	}
}

// LatestStaged scans dir for committed firmware images and returns the
// highest version found.
func LatestStaged(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var best Version
	found := false
	for _, e := range entries {
		var maj, min, patch int
		if _, err := fmt.Sscanf(e.Name(), "firmware_%d.%d.%d.bin", &maj, &min, &patch); err != nil {
			continue
		}
		v := Version{Major: maj, Minor: min, Patch: patch}
		if !found || v.NewerThan(best) {
			best = v
			found = true
		}
	}

	if !found {
		return "", false
	}
	return best.String(), true
}
