// Package ota stages firmware updates pulled from the control plane. An
// update either commits completely or leaves the running firmware
// untouched; there is no partial state to recover and no retry loop, the
// next scheduled check simply tries again.
package ota

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/florasys/field-agent/internal/logging"
)

// Update stages, named in the order an update moves through them.
const (
	StageFetch    = "fetch"
	StageBegin    = "begin"
	StageWrite    = "write"
	StageFinalize = "finalize"
)

// Error wraps an update failure with the stage it died in.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ota %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Version is a parsed semantic firmware version.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	var v Version
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch); err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

// String formats the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// NewerThan reports whether v is strictly newer than other.
func (v Version) NewerThan(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch > other.Patch
}

// IsNewer reports whether latest is strictly newer than current. Versions
// that do not parse (development builds) never trigger an update.
func IsNewer(latest, current string) bool {
	lv, err := ParseVersion(latest)
	if err != nil {
		return false
	}
	cv, err := ParseVersion(current)
	if err != nil {
		return false
	}
	return lv.NewerThan(cv)
}

// Fetcher opens the firmware stream named by an update check.
type Fetcher interface {
	OpenFirmware(ctx context.Context, downloadURL string) (io.ReadCloser, int64, error)
}

// Config holds updater settings.
type Config struct {
	Dir            string // staging directory
	CurrentVersion string // compiled-in version of the running firmware
}

// Updater pulls firmware images and stages them for the next boot.
type Updater struct {
	cfg     Config
	fetcher Fetcher

	mu        sync.Mutex
	inFlight  bool
	newTarget func(version string) FlashTarget
	onStaged  func(version string)
}

// New creates an updater staging into cfg.Dir.
func New(cfg Config, fetcher Fetcher) *Updater {
	u := &Updater{
		cfg:     cfg,
		fetcher: fetcher,
	}
	u.newTarget = func(version string) FlashTarget {
		return NewFileTarget(cfg.Dir, version)
	}
	return u
}

// SetStagedCallback registers the function invoked after an image commits,
// typically to trigger the reboot that applies it.
func (u *Updater) SetStagedCallback(cb func(version string)) {
	u.mu.Lock()
	u.onStaged = cb
	u.mu.Unlock()
}

// CurrentVersion returns the running firmware version.
func (u *Updater) CurrentVersion() string {
	return u.cfg.CurrentVersion
}

// Apply fetches and stages the given version. It returns nil without
// doing anything when latestVersion is not newer than the running
// firmware. At most one update runs at a time.
func (u *Updater) Apply(ctx context.Context, latestVersion, downloadURL string) error {
	if !IsNewer(latestVersion, u.cfg.CurrentVersion) {
		logging.Debug("Firmware already current",
			zap.String("current", u.cfg.CurrentVersion),
			zap.String("latest", latestVersion),
		)
		return nil
	}

	u.mu.Lock()
	if u.inFlight {
		u.mu.Unlock()
		return &Error{Stage: StageBegin, Err: fmt.Errorf("update already in progress")}
	}
	u.inFlight = true
	newTarget := u.newTarget
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.inFlight = false
		u.mu.Unlock()
	}()

	logging.Info("Starting firmware update",
		zap.String("current", u.cfg.CurrentVersion),
		zap.String("latest", latestVersion),
	)

	rc, size, err := u.fetcher.OpenFirmware(ctx, downloadURL)
	if err != nil {
		return &Error{Stage: StageFetch, Err: err}
	}
	defer rc.Close()

	target := newTarget(latestVersion)
	if err := target.Begin(size); err != nil {
		return &Error{Stage: StageBegin, Err: err}
	}

	written, err := io.Copy(target, rc)
	if err != nil {
		target.Abort()
		return &Error{Stage: StageWrite, Err: err}
	}
	if size >= 0 && written != size {
		target.Abort()
		return &Error{Stage: StageWrite, Err: fmt.Errorf("short body: %d of %d bytes", written, size)}
	}

	if err := target.Finalize(); err != nil {
		target.Abort()
		return &Error{Stage: StageFinalize, Err: err}
	}

	logging.Info("Firmware update staged",
		zap.String("version", latestVersion),
		zap.Int64("bytes", written),
	)

	u.mu.Lock()
	cb := u.onStaged
	u.mu.Unlock()
	if cb != nil {
		cb(latestVersion)
	}
	return nil
}
