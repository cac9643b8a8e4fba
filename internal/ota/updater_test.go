package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeFetcher serves a canned image, optionally lying about its size or
// cutting the stream short.
type fakeFetcher struct {
	image    []byte
	size     int64 // -1 for unknown
	openErr  error
	truncate int // serve only this many bytes when > 0
	opens    int
}

func (f *fakeFetcher) OpenFirmware(ctx context.Context, downloadURL string) (io.ReadCloser, int64, error) {
	f.opens++
	if f.openErr != nil {
		return nil, 0, f.openErr
	}
	data := f.image
	if f.truncate > 0 && f.truncate < len(data) {
		data = data[:f.truncate]
	}
	return io.NopCloser(strings.NewReader(string(data))), f.size, nil
}

func setupUpdater(t *testing.T, current string, fetcher *fakeFetcher) (*Updater, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ota-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	u := New(Config{Dir: dir, CurrentVersion: current}, fetcher)
	return u, dir
}

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		latest  string
		current string
		newer   bool
	}{
		{"1.0.1", "1.0.0", true},
		{"1.1.0", "1.0.9", true},
		{"2.0.0", "1.9.9", true},
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "1.0.1", false},
		{"0.9.9", "1.0.0", false},
		{"not-a-version", "1.0.0", false},
		{"1.0.1", "dev-20260301", false},
	}

	for _, tt := range tests {
		if got := IsNewer(tt.latest, tt.current); got != tt.newer {
			t.Errorf("IsNewer(%q, %q) = %v, want %v", tt.latest, tt.current, got, tt.newer)
		}
	}
}

func TestParseVersionRoundTrip(t *testing.T) {
	v, err := ParseVersion("2.14.3")
	if err != nil {
		t.Fatalf("ParseVersion failed: %v", err)
	}
	if v.Major != 2 || v.Minor != 14 || v.Patch != 3 {
		t.Errorf("got %+v", v)
	}
	if v.String() != "2.14.3" {
		t.Errorf("String() = %q", v.String())
	}

	if _, err := ParseVersion("garbage"); err == nil {
		t.Error("expected error for unparseable version")
	}
}

func TestApplyStagesImage(t *testing.T) {
	image := []byte("new-firmware-image")
	fetcher := &fakeFetcher{image: image, size: int64(len(image))}
	u, dir := setupUpdater(t, "1.0.0", fetcher)

	var staged string
	u.SetStagedCallback(func(version string) { staged = version })

	if err := u.Apply(context.Background(), "1.1.0", "/fw.bin"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if staged != "1.1.0" {
		t.Errorf("staged callback got %q, want 1.1.0", staged)
	}

	got, err := os.ReadFile(filepath.Join(dir, "firmware_1.1.0.bin"))
	if err != nil {
		t.Fatalf("committed image missing: %v", err)
	}
	if string(got) != string(image) {
		t.Error("committed image differs from stream")
	}

	// The staging file is gone after commit.
	if _, err := os.Stat(filepath.Join(dir, "staging.bin")); !os.IsNotExist(err) {
		t.Error("staging file left behind after finalize")
	}
}

func TestApplySkipsWhenCurrent(t *testing.T) {
	fetcher := &fakeFetcher{image: []byte("x"), size: 1}
	u, dir := setupUpdater(t, "1.1.0", fetcher)

	if err := u.Apply(context.Background(), "1.1.0", "/fw.bin"); err != nil {
		t.Fatalf("Apply returned %v for same version", err)
	}
	if fetcher.opens != 0 {
		t.Errorf("fetcher opened %d times for a non-update", fetcher.opens)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("files appeared for a skipped update: %v", entries)
	}
}

func TestApplyFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{openErr: errors.New("connection refused")}
	u, dir := setupUpdater(t, "1.0.0", fetcher)

	err := u.Apply(context.Background(), "1.1.0", "/fw.bin")
	var otaErr *Error
	if !errors.As(err, &otaErr) {
		t.Fatalf("got %T %v, want ota.Error", err, err)
	}
	if otaErr.Stage != StageFetch {
		t.Errorf("stage = %q, want fetch", otaErr.Stage)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("files appeared after failed fetch: %v", entries)
	}
}

func TestApplyShortBodyAborts(t *testing.T) {
	image := []byte("full-firmware-image")
	// Declared size is the full image but the stream cuts off early.
	fetcher := &fakeFetcher{image: image, size: int64(len(image)), truncate: 5}
	u, dir := setupUpdater(t, "1.0.0", fetcher)

	err := u.Apply(context.Background(), "1.1.0", "/fw.bin")
	var otaErr *Error
	if !errors.As(err, &otaErr) {
		t.Fatalf("got %T %v, want ota.Error", err, err)
	}
	if otaErr.Stage != StageWrite {
		t.Errorf("stage = %q, want write", otaErr.Stage)
	}

	// Abort removed the partial staging file; no image committed.
	if _, err := os.Stat(filepath.Join(dir, "staging.bin")); !os.IsNotExist(err) {
		t.Error("partial staging file left behind")
	}
	if _, err := os.Stat(filepath.Join(dir, "firmware_1.1.0.bin")); !os.IsNotExist(err) {
		t.Error("short image was committed")
	}
}

func TestApplyUnknownSizeSucceeds(t *testing.T) {
	image := []byte("chunked-firmware-image")
	fetcher := &fakeFetcher{image: image, size: -1}
	u, dir := setupUpdater(t, "1.0.0", fetcher)

	if err := u.Apply(context.Background(), "1.0.1", "/fw.bin"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "firmware_1.0.1.bin")); err != nil {
		t.Errorf("committed image missing: %v", err)
	}
}

func TestApplyExclusive(t *testing.T) {
	fetcher := &fakeFetcher{image: []byte("img"), size: 3}
	u, _ := setupUpdater(t, "1.0.0", fetcher)

	// Simulate an in-flight update.
	u.mu.Lock()
	u.inFlight = true
	u.mu.Unlock()

	err := u.Apply(context.Background(), "1.1.0", "/fw.bin")
	var otaErr *Error
	if !errors.As(err, &otaErr) {
		t.Fatalf("got %T %v, want ota.Error", err, err)
	}
	if otaErr.Stage != StageBegin {
		t.Errorf("stage = %q, want begin", otaErr.Stage)
	}
	if fetcher.opens != 0 {
		t.Error("second update fetched despite one in flight")
	}
}

func TestApplyCommitsReplaceOlderImages(t *testing.T) {
	image := []byte("image-two")
	fetcher := &fakeFetcher{image: image, size: int64(len(image))}
	u, dir := setupUpdater(t, "1.0.0", fetcher)

	// An image from a previous update cycle is already committed.
	if err := os.WriteFile(filepath.Join(dir, "firmware_1.0.5.bin"), []byte("old"), 0o644); err != nil {
		t.Fatalf("seeding old image failed: %v", err)
	}

	if err := u.Apply(context.Background(), "1.1.0", "/fw.bin"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "firmware_1.0.5.bin")); !os.IsNotExist(err) {
		t.Error("older committed image not cleaned up")
	}
	if _, err := os.Stat(filepath.Join(dir, "firmware_1.1.0.bin")); err != nil {
		t.Errorf("new image missing: %v", err)
	}
}

func TestFileTargetAbortIdempotent(t *testing.T) {
	dir, err := os.MkdirTemp("", "ota-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	target := NewFileTarget(dir, "1.2.3")
	if err := target.Begin(-1); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := target.Write([]byte("partial")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := target.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := target.Abort(); err != nil {
		t.Fatalf("second Abort failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("files left after abort: %v", entries)
	}
}

func TestFileTargetFinalizeSizeMismatch(t *testing.T) {
	dir, err := os.MkdirTemp("", "ota-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	target := NewFileTarget(dir, "1.2.3")
	if err := target.Begin(100); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := target.Write([]byte("only-a-little")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := target.Finalize(); err == nil {
		t.Error("Finalize accepted a short image")
	}
}

func TestLatestStaged(t *testing.T) {
	dir, err := os.MkdirTemp("", "ota-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	if _, ok := LatestStaged(dir); ok {
		t.Error("empty dir reported a staged image")
	}

	for _, name := range []string{"firmware_1.0.0.bin", "firmware_1.2.0.bin", "firmware_1.1.9.bin", "staging.bin", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seeding %s failed: %v", name, err)
		}
	}

	got, ok := LatestStaged(dir)
	if !ok || got != "1.2.0" {
		t.Errorf("LatestStaged = (%q, %v), want (1.2.0, true)", got, ok)
	}
}

func TestOtaErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("disk full")
	err := &Error{Stage: StageWrite, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("Unwrap lost the inner error")
	}
	if err.Error() != "ota write failed: disk full" {
		t.Errorf("Error() = %q", err.Error())
	}
}
