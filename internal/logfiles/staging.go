package logfiles

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Staged is a working copy of a log that is safe to read while the server
// keeps writing the original
type Staged struct {
	Source string
	Path   string
	Info   Info
	Size   int64
}

// Stage copies src into dir, unzipping single-member archives. An existing
// copy is reused unless force is set or the log is today's, which may
// still be growing.
func Stage(src, dir string, today time.Time, force bool) (*Staged, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %s: %w", dir, err)
	}

	info := ParseName(src)
	target := filepath.Join(dir, info.BaseName())

	if fi, err := os.Stat(target); err == nil && !needsRefresh(info, today, force) {
		return &Staged{Source: src, Path: target, Info: info, Size: fi.Size()}, nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat staged copy %s: %w", target, err)
	}

	// Write next to the target and rename so readers never see a half copy.
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if info.Zipped {
		err = extractSingleMember(src, tmp)
	} else {
		err = copyFile(src, tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, fmt.Errorf("failed to move staged copy into place: %w", err)
	}

	fi, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to stat staged copy %s: %w", target, err)
	}
	return &Staged{Source: src, Path: target, Info: info, Size: fi.Size()}, nil
}

func needsRefresh(info Info, today time.Time, force bool) bool {
	if force {
		return true
	}
	if !info.HasStamp() {
		return false
	}
	y, m, d := today.Date()
	iy, im, id := info.Stamp.Date()
	return y == iy && m == im && d == id
}

func copyFile(src string, dst *os.File) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if _, err := io.Copy(dst, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if fi, err := in.Stat(); err == nil {
		_ = os.Chtimes(dst.Name(), fi.ModTime(), fi.ModTime())
	}
	return nil
}

func extractSingleMember(src string, dst io.Writer) error {
	archive, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", src, err)
	}
	defer archive.Close()

	var members []*zip.File
	for _, f := range archive.File {
		if !strings.HasSuffix(f.Name, "/") {
			members = append(members, f)
		}
	}
	switch len(members) {
	case 0:
		return fmt.Errorf("archive %s contains no files", src)
	case 1:
	default:
		return fmt.Errorf("archive %s contains %d members, expected one", src, len(members))
	}

	rc, err := members[0].Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in %s: %w", members[0].Name, src, err)
	}
	defer rc.Close()
	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("failed to extract %s: %w", src, err)
	}
	return nil
}

// DefaultRetention is how long staged copies are kept by Prune
const DefaultRetention = 14 * 24 * time.Hour

// PruneReport summarizes one Prune pass
type PruneReport struct {
	Scanned  int      `json:"scanned"`
	Removed  int      `json:"removed"`
	Warnings []string `json:"warnings,omitempty"`
}

// Prune removes staged copies older than retention. Age comes from the file's
// modification time, or from the date in its name when the mtime is unset.
// Failures to remove a file become warnings and do not stop the pass.
func Prune(dir string, retention time.Duration, now time.Time) (PruneReport, error) {
	var report PruneReport
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to read staging directory %s: %w", dir, err)
	}

	cutoff := now.Add(-retention)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		report.Scanned++
		path := filepath.Join(dir, entry.Name())

		var modified time.Time
		if fi, err := entry.Info(); err == nil {
			modified = fi.ModTime()
		}
		if modified.IsZero() || modified.Unix() <= 0 {
			modified = ParseName(path).Stamp
		}
		if modified.IsZero() || !modified.Before(cutoff) {
			continue
		}

		if err := os.Remove(path); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("Could not remove %s: %v", path, err))
			continue
		}
		report.Removed++
	}
	return report, nil
}
