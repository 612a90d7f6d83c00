// Package archive converts a snapshot directory into a single compressed tar
// file. Every stored entry's uid/gid is normalized to the configured owner,
// unlike the snapshot copy which preserves per-file ownership.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/mhoffm/backupd/pkg/metrics"
	"github.com/mhoffm/backupd/pkg/plog"
)

// Archiver compresses snapshot directories. It is safe to reuse across runs.
type Archiver struct {
	format   Format
	level    Level
	ownerUID int
	ownerGID int
	bufSize  int
	metrics  metrics.Metrics
}

// New creates an Archiver. All entries written to an archive carry ownerUID
// and ownerGID regardless of the on-disk ownership.
func New(format Format, level Level, ownerUID, ownerGID, bufferSizeKB int, m metrics.Metrics) *Archiver {
	if bufferSizeKB < 1 {
		bufferSizeKB = 256
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Archiver{
		format:   format,
		level:    level,
		ownerUID: ownerUID,
		ownerGID: ownerGID,
		bufSize:  bufferSizeKB * 1024,
		metrics:  m,
	}
}

// Extension returns the file extension the Archiver produces.
func (a *Archiver) Extension() string {
	return a.format.Extension()
}

// Compress archives dirPath into a sibling file named after the directory
// plus the format extension, then removes the directory. The archive is
// written to a temporary file and renamed only when complete, so a failure
// leaves the uncompressed directory as the valid backup.
func (a *Archiver) Compress(ctx context.Context, dirPath string) (archivePath string, retErr error) {
	archivePath = dirPath + a.format.Extension()
	plog.Notice("COMPRESS", "source", dirPath, "format", a.format.String())

	trgF, err := os.CreateTemp(filepath.Dir(dirPath), "backupd-*.tmp")
	if err != nil {
		return "", fmt.Errorf("could not create temp archive: %w", err)
	}
	tempPath := trgF.Name()

	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempPath)
		}
	}()

	if err := a.writeArchive(ctx, trgF, dirPath); err != nil {
		return "", err
	}

	if err := trgF.Close(); err != nil {
		return "", fmt.Errorf("could not close temp archive: %w", err)
	}
	if err := os.Rename(tempPath, archivePath); err != nil {
		return "", fmt.Errorf("could not rename temp archive to %q: %w", archivePath, err)
	}

	// The directory is now redundant. A failure here leaves both the
	// archive and the directory; the next retention pass cleans the
	// directory up as a regular entry.
	if err := os.RemoveAll(dirPath); err != nil {
		plog.Warn("Failed to remove snapshot directory after archiving", "path", dirPath, "error", err)
	}

	return archivePath, nil
}

// writeArchive streams dirPath's contents into w as a compressed tar.
func (a *Archiver) writeArchive(ctx context.Context, w io.Writer, dirPath string) (retErr error) {
	bufWriter := bufio.NewWriterSize(w, a.bufSize)

	compressedWriter, err := a.newCompressedWriter(bufWriter)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(compressedWriter)

	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	buf := make([]byte, a.bufSize)

	return filepath.WalkDir(dirPath, func(absSrcPath string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}

		relPath, err := filepath.Rel(dirPath, absSrcPath)
		if err != nil {
			return fmt.Errorf("could not get relative path for %q: %w", absSrcPath, err)
		}
		if relPath == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("could not get file info for %q: %w", absSrcPath, err)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			return a.writeSymlink(tw, absSrcPath, relPath, info)
		case info.Mode().IsRegular() || info.IsDir():
			return a.writeEntry(tw, absSrcPath, relPath, info, buf)
		default:
			plog.Notice("SKIP", "type", info.Mode().String(), "path", relPath)
			return nil
		}
	})
}

// newCompressedWriter wraps w in the configured compression codec.
func (a *Archiver) newCompressedWriter(w io.Writer) (io.WriteCloser, error) {
	if a.format == Zstd {
		var encoderLevel zstd.EncoderLevel
		switch a.level {
		case Fastest:
			encoderLevel = zstd.SpeedFastest
		case Best:
			encoderLevel = zstd.SpeedBestCompression
		default:
			encoderLevel = zstd.SpeedDefault
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
		if err != nil {
			return nil, fmt.Errorf("could not create zstd writer: %w", err)
		}
		return zw, nil
	}

	var lvl int
	switch a.level {
	case Fastest:
		lvl = pgzip.BestSpeed
	case Best:
		lvl = pgzip.BestCompression
	default:
		lvl = pgzip.DefaultCompression
	}
	gw, err := pgzip.NewWriterLevel(w, lvl)
	if err != nil {
		return nil, fmt.Errorf("could not create gzip writer: %w", err)
	}
	return gw, nil
}

// header builds a tar header for info with the owner fields normalized.
func (a *Archiver) header(info os.FileInfo, relPath, linkTarget string) (*tar.Header, error) {
	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return nil, fmt.Errorf("could not create tar header for %q: %w", relPath, err)
	}
	header.Name = filepath.ToSlash(relPath)
	if info.IsDir() {
		header.Name += "/"
	}
	header.Uid = a.ownerUID
	header.Gid = a.ownerGID
	header.Uname = ""
	header.Gname = ""
	return header, nil
}

func (a *Archiver) writeSymlink(tw *tar.Writer, absSrcPath, relPath string, info os.FileInfo) error {
	linkTarget, err := os.Readlink(absSrcPath)
	if err != nil {
		return fmt.Errorf("could not read link %q: %w", absSrcPath, err)
	}

	header, err := a.header(info, relPath, linkTarget)
	if err != nil {
		return err
	}
	return tw.WriteHeader(header)
}

func (a *Archiver) writeEntry(tw *tar.Writer, absSrcPath, relPath string, info os.FileInfo, buf []byte) error {
	header, err := a.header(info, relPath, "")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("could not write tar header for %q: %w", relPath, err)
	}
	if info.IsDir() {
		return nil
	}

	f, err := os.Open(absSrcPath)
	if err != nil {
		return fmt.Errorf("could not open file %q: %w", absSrcPath, err)
	}
	defer f.Close()

	written, err := io.CopyBuffer(tw, f, buf)
	if err != nil {
		return fmt.Errorf("could not write file %q to archive: %w", relPath, err)
	}
	a.metrics.AddBytesWritten(written)
	return nil
}
