package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cxhealth/cxhealth/pkg/utils"
)

// DiskTier stores encoded payloads as files under
// <dir>/<version>/<namespace>/<key>.<ext>. A file older than MaxAge, judged by
// its modification time, is treated as absent and removed.
type DiskTier struct {
	directory string
	maxAge    time.Duration
	clock     clockwork.Clock
}

// NewDiskTier creates the tier and its root directory.
func NewDiskTier(directory string, maxAge time.Duration, clock clockwork.Clock) (*DiskTier, error) {
	if directory == "" {
		return nil, fmt.Errorf("disk cache directory is required")
	}
	if err := os.MkdirAll(directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DiskTier{directory: directory, maxAge: maxAge, clock: clock}, nil
}

// Directory returns the root directory.
func (d *DiskTier) Directory() string { return d.directory }

// Path returns the file for one entry.
func (d *DiskTier) Path(version, namespace, key, ext string) (string, error) {
	return utils.SecureJoin(d.directory,
		utils.SafeSegment(version),
		utils.SafeSegment(namespace),
		utils.SafeSegment(key)+"."+ext)
}

// Read returns the payload for an entry. Missing and expired entries report false.
func (d *DiskTier) Read(version, namespace, key, ext string) ([]byte, bool, error) {
	path, err := d.Path(version, namespace, key, ext)
	if err != nil {
		return nil, false, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if d.expired(info.ModTime()) {
		_ = os.Remove(path)
		return nil, false, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is confined by SecureJoin
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Write replaces an entry atomically.
func (d *DiskTier) Write(version, namespace, key, ext string, data []byte) error {
	path, err := d.Path(version, namespace, key, ext)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	// Age is measured against the tier clock.
	now := d.clock.Now()
	return os.Chtimes(path, now, now)
}

// Remove deletes one entry.
func (d *DiskTier) Remove(version, namespace, key, ext string) error {
	path, err := d.Path(version, namespace, key, ext)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveNamespace deletes every entry of a namespace and returns the file count.
func (d *DiskTier) RemoveNamespace(version, namespace string) (int, error) {
	dir, err := utils.SecureJoin(d.directory, utils.SafeSegment(version), utils.SafeSegment(namespace))
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, os.RemoveAll(dir)
}

// Clear deletes every version and namespace under the root.
func (d *DiskTier) Clear() error {
	entries, err := os.ReadDir(d.directory)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.directory, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiskTier) expired(mtime time.Time) bool {
	if d.maxAge <= 0 {
		return false
	}
	return d.clock.Now().Sub(mtime) > d.maxAge
}
