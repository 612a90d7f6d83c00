// Package entry defines the naming contract for backup entries inside a
// target directory. An entry name encodes its creation timestamp, which makes
// the directory listing itself the source of truth for retention ordering.
package entry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mhoffm/backupd/pkg/plog"
)

// TimeFormat is the timestamp layout embedded in every entry name. It is
// filesystem-safe (no colons) and sorts lexicographically in time order.
const TimeFormat = "2006-01-02_15-04-05"

// StagingSuffix marks an entry that is still being written. Staged entries
// are invisible to scans and get promoted via an atomic rename on success.
const StagingSuffix = ".partial"

// Archive extensions recognized when parsing entry names, longest first so
// ".tar.gz" is stripped before a hypothetical ".gz" could match.
var archiveExtensions = []string{".tar.zst", ".tar.gz"}

// Entry is a single backup found in the target directory, identified purely
// by its name.
type Entry struct {
	// Name is the full directory or archive file name.
	Name string
	// Time is the creation timestamp parsed out of the name.
	Time time.Time
	// Seq disambiguates entries sharing the same timestamp (0 for the
	// first, 2+ for collision-suffixed siblings).
	Seq int
	// Extension is the archive extension (".tar.gz", ".tar.zst") or empty
	// for an uncompressed snapshot directory.
	Extension string
}

// IsArchive reports whether the entry is a compressed archive file rather
// than a snapshot directory.
func (e Entry) IsArchive() bool {
	return e.Extension != ""
}

// Format builds the entry name for the given timestamp and sequence number.
// Seq values below 2 produce the plain name; 2 and above append a "~N"
// collision suffix.
func Format(prefix string, t time.Time, seq int) string {
	name := prefix + t.Format(TimeFormat)
	if seq >= 2 {
		name += "~" + strconv.Itoa(seq)
	}
	return name
}

// Parse decodes an entry name produced by Format, with an optional archive
// extension. It returns an error for names that do not belong to us, which
// lets scans skip foreign files in a shared target directory.
func Parse(prefix, name string) (Entry, error) {
	e := Entry{Name: name}

	if strings.HasSuffix(name, StagingSuffix) {
		return Entry{}, fmt.Errorf("entry %q is still staged", name)
	}

	rest := name
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(rest, ext) {
			e.Extension = ext
			rest = strings.TrimSuffix(rest, ext)
			break
		}
	}

	if !strings.HasPrefix(rest, prefix) {
		return Entry{}, fmt.Errorf("entry %q does not match prefix %q", name, prefix)
	}
	rest = strings.TrimPrefix(rest, prefix)

	stamp := rest
	if idx := strings.IndexByte(rest, '~'); idx >= 0 {
		stamp = rest[:idx]
		seq, err := strconv.Atoi(rest[idx+1:])
		if err != nil || seq < 2 {
			return Entry{}, fmt.Errorf("entry %q has an invalid collision suffix", name)
		}
		e.Seq = seq
	}

	t, err := time.Parse(TimeFormat, stamp)
	if err != nil {
		return Entry{}, fmt.Errorf("could not parse timestamp from entry %q: %w", name, err)
	}
	e.Time = t

	return e, nil
}

// Scan lists the target directory and returns all entries matching the
// prefix, oldest first. Entries with equal timestamps are ordered by name so
// the result is deterministic. Unparseable names are skipped with a debug
// log rather than failing the scan.
func Scan(targetRoot, prefix string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(targetRoot)
	if err != nil {
		return nil, fmt.Errorf("could not read target directory %q: %w", targetRoot, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e, err := Parse(prefix, de.Name())
		if err != nil {
			plog.Debug("Skipping foreign entry in target directory", "name", de.Name())
			continue
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Time.Before(entries[j].Time)
		}
		return entries[i].Name < entries[j].Name
	})

	return entries, nil
}

// NextName returns an unclaimed base entry name for the given timestamp,
// bumping the collision sequence until no variant of the name exists. A name
// counts as claimed when the bare snapshot directory, an archive with any
// recognized extension, or the staged form of either is present. Callers
// append their archive extension to the returned base name.
func NextName(targetRoot, prefix string, t time.Time) (string, error) {
	for seq := 0; ; seq++ {
		if seq == 1 {
			continue // "~1" is never emitted, the plain name is the first.
		}
		base := Format(prefix, t, seq)
		free, err := nameFree(targetRoot, base)
		if err != nil {
			return "", err
		}
		if free {
			return base, nil
		}
	}
}

func nameFree(targetRoot, base string) (bool, error) {
	variants := []string{base, base + StagingSuffix}
	for _, ext := range archiveExtensions {
		variants = append(variants, base+ext, base+ext+StagingSuffix)
	}
	for _, v := range variants {
		if _, err := os.Lstat(filepath.Join(targetRoot, v)); err == nil {
			return false, nil
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("could not probe entry name %q: %w", v, err)
		}
	}
	return true, nil
}
