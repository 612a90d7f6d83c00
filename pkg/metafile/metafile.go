// Package metafile writes a small JSON descriptor into every snapshot so a
// backup entry is self-describing on disk. The descriptor travels into the
// archive when compression is enabled.
package metafile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mhoffm/backupd/pkg/buildinfo"
	"github.com/mhoffm/backupd/pkg/util"
)

// MetaFileName is the name of the descriptor file inside a snapshot.
const MetaFileName = ".backupd.meta.json"

// Content describes one backup entry.
type Content struct {
	Version           string    `json:"version"`
	UUID              string    `json:"uuid"`
	TimestampUTC      time.Time `json:"timestampUTC"`
	Source            string    `json:"source"`
	Compressed        bool      `json:"compressed"`
	CompressionFormat string    `json:"compressionFormat,omitempty"`
}

// New creates a descriptor for a run started at timestamp.
func New(source string, timestamp time.Time, compressed bool, format string) Content {
	return Content{
		Version:           buildinfo.Version,
		UUID:              uuid.NewString(),
		TimestampUTC:      timestamp.UTC(),
		Source:            source,
		Compressed:        compressed,
		CompressionFormat: format,
	}
}

// Write stores the descriptor inside dirPath.
func Write(dirPath string, content Content) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal metafile content: %w", err)
	}

	absPath := filepath.Join(dirPath, MetaFileName)
	if err := os.WriteFile(absPath, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write metafile %q: %w", absPath, err)
	}
	return nil
}

// Read loads the descriptor from dirPath.
func Read(dirPath string) (Content, error) {
	absPath := filepath.Join(dirPath, MetaFileName)
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Content{}, fmt.Errorf("could not read metafile %q: %w", absPath, err)
	}

	var content Content
	if err := json.Unmarshal(data, &content); err != nil {
		return Content{}, fmt.Errorf("could not parse metafile %q: %w", absPath, err)
	}
	return content, nil
}
