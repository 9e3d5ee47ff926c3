// Package pidfile writes and removes the daemon's pid-file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrNotRegularFile is returned when a pid-file path already exists and is
// not a regular file (e.g. a directory, device, or symlink to one), so the
// usual O_EXCL-failure fallback does not apply.
var ErrNotRegularFile = errors.New("pidfile: existing path is not a regular file")

// Write creates path containing the decimal PID of the calling process and
// nothing else. If path already exists, Write only proceeds when it is a
// regular file, in which case it is truncated and overwritten; any other
// existing file type fails with ErrNotRegularFile.
func Write(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("pidfile: create %s: %w", path, err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			return fmt.Errorf("pidfile: stat %s: %w", path, statErr)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("pidfile: %s: %w", path, ErrNotRegularFile)
		}

		f, err = os.OpenFile(path, os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("pidfile: truncate %s: %w", path, err)
		}
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes the pid-file, ignoring a not-exist error since Stop may
// run after a failed or partial Start.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("pidfile: remove %s: %w", path, err)
	}
	return nil
}
