// Package logfiles finds SmarterMail log files by kind and date and stages
// them into a private working copy before they are searched.
package logfiles

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// StampLayout is the date format used in log file names
const StampLayout = "2006.01.02"

var namePattern = regexp.MustCompile(`^(\d{4}\.\d{2}\.\d{2})-([A-Za-z]+)\.log(\.zip)?$`)

// Info describes one log file on disk
type Info struct {
	Path string
	// Stamp is zero when the file name carries no date
	Stamp  time.Time
	Kind   string
	Zipped bool
	Size   int64
}

// HasStamp reports whether the file name carried a valid date
func (i Info) HasStamp() bool { return !i.Stamp.IsZero() }

// Label is the date stamp, or the file name when there is none
func (i Info) Label() string {
	if i.HasStamp() {
		return i.Stamp.Format(StampLayout)
	}
	return filepath.Base(i.Path)
}

// BaseName is the file name without a trailing .zip
func (i Info) BaseName() string {
	name := filepath.Base(i.Path)
	if i.Zipped {
		return strings.TrimSuffix(name, ".zip")
	}
	return name
}

// UnknownDateError is returned for stamps that are not YYYY.MM.DD dates
type UnknownDateError struct {
	Value string
}

func (e *UnknownDateError) Error() string {
	return fmt.Sprintf("invalid log date stamp %q, expected YYYY.MM.DD", e.Value)
}

// ParseStamp parses a YYYY.MM.DD date
func ParseStamp(value string) (time.Time, error) {
	t, err := time.Parse(StampLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, &UnknownDateError{Value: value}
	}
	return t, nil
}

// ParseName parses a log file path. Names outside the SmarterMail convention
// come back with an empty Kind so callers can skip them.
func ParseName(path string) Info {
	name := filepath.Base(path)
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return Info{Path: path, Zipped: strings.HasSuffix(name, ".zip")}
	}
	stamp, err := time.Parse(StampLayout, m[1])
	if err != nil {
		// Shaped like a date but not one, e.g. 2024.13.40
		return Info{Path: path, Zipped: m[3] != ""}
	}
	return Info{Path: path, Stamp: stamp, Kind: m[2], Zipped: m[3] != ""}
}

// Discover lists logs of one kind stem (e.g. "smtpLog"), newest first. A
// missing directory yields no logs.
func Discover(dir, stem string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log directory %s: %w", dir, err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info := ParseName(filepath.Join(dir, entry.Name()))
		if info.Kind == "" || !strings.EqualFold(info.Kind, stem) {
			continue
		}
		if fi, err := entry.Info(); err == nil {
			info.Size = fi.Size()
		}
		infos = append(infos, info)
	}

	// Newest first; for one date the plain log sorts before its archive.
	sort.Slice(infos, func(a, b int) bool {
		x, y := infos[a], infos[b]
		if !x.Stamp.Equal(y.Stamp) {
			return x.Stamp.After(y.Stamp)
		}
		if x.Zipped != y.Zipped {
			return !x.Zipped
		}
		return filepath.Base(x.Path) > filepath.Base(y.Path)
	})
	return infos, nil
}

// FindByDate returns the log of a kind for one day, or nil
func FindByDate(dir, stem string, day time.Time) (*Info, error) {
	infos, err := Discover(dir, stem)
	if err != nil {
		return nil, err
	}
	y, m, d := day.Date()
	for _, info := range infos {
		iy, im, id := info.Stamp.Date()
		if info.HasStamp() && iy == y && im == m && id == d {
			return &info, nil
		}
	}
	return nil, nil
}

// Newest returns the most recent log of a kind, or nil
func Newest(dir, stem string) (*Info, error) {
	infos, err := Discover(dir, stem)
	if err != nil || len(infos) == 0 {
		return nil, err
	}
	return &infos[0], nil
}
