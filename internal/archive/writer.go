package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName returns the canonical archive filename for a channel's minute
// starting at minuteStartUTC, truncated to minute resolution.
func FileName(channel string, minuteStartUTC time.Time) string {
	return fmt.Sprintf("%s_%s.wwva", channel, minuteStartUTC.UTC().Format("20060102T150400Z"))
}

// WriteAtomic serializes f and writes it to dir/FileName(...), following
// the teacher's temp-file-then-rename pattern
// (cwskimmer_metrics_summary.go's saveSummary) with an added fsync before
// rename so a crash between write and rename never leaves a corrupt file
// visible under the final name.
func WriteAtomic(dir string, minuteStartUTC time.Time, f File) (string, error) {
	data, err := Encode(f)
	if err != nil {
		return "", fmt.Errorf("archive: encode: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}

	finalPath := filepath.Join(dir, FileName(f.Header.Channel, minuteStartUTC))
	tempPath := finalPath + ".tmp"

	fh, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("archive: open temp file: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("archive: fsync temp file: %w", err)
	}
	if err := fh.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("archive: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("archive: rename into place: %w", err)
	}
	return finalPath, nil
}

// ReadFile reads and decodes the archive at path, quarantining it (moving
// it to dir/quarantine/) on any schema violation, per spec.md §9.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("archive: read %s: %w", path, err)
	}
	f, err := Decode(data)
	if err != nil {
		if qerr := quarantine(path); qerr != nil {
			return File{}, fmt.Errorf("archive: %s failed validation (%v) and could not be quarantined: %w", path, err, qerr)
		}
		return File{}, fmt.Errorf("archive: %s failed validation and was quarantined: %w", path, err)
	}
	return f, nil
}

func quarantine(path string) error {
	dir := filepath.Dir(path)
	qdir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(qdir, 0755); err != nil {
		return fmt.Errorf("mkdir quarantine dir: %w", err)
	}
	dest := filepath.Join(qdir, filepath.Base(path))
	return os.Rename(path, dest)
}
