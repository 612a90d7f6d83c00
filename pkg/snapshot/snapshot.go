// Package snapshot copies the source tree into a new backup entry. The copy
// is staged under a name outside the entry naming convention and renamed into
// place only after the walk completes, so a crashed run never leaves a
// partial copy that looks like a valid backup.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mhoffm/backupd/pkg/entry"
	"github.com/mhoffm/backupd/pkg/metafile"
	"github.com/mhoffm/backupd/pkg/metrics"
	"github.com/mhoffm/backupd/pkg/plog"
	"github.com/mhoffm/backupd/pkg/util"
)

// ErrDestCollision marks a destination entry that already exists. Callers
// resolve it by picking a new collision-suffixed name, never by overwriting.
var ErrDestCollision = errors.New("destination entry already exists")

// Snapshotter copies a source tree into timestamped backup entries. It is
// stateless between runs; per-run state lives in a task.
type Snapshotter struct {
	source       string
	excludes     exclusionSet
	workers      int
	ioBufferPool *sync.Pool
	metrics      metrics.Metrics
}

// New creates a Snapshotter for the given source tree. ignorePatterns use
// shell-glob semantics matched against base names.
func New(source string, ignorePatterns []string, workers, bufferSizeKB int, m metrics.Metrics) *Snapshotter {
	if workers < 1 {
		workers = 1
	}
	if bufferSizeKB < 1 {
		bufferSizeKB = 256
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Snapshotter{
		source:   source,
		excludes: makeExclusionSet(ignorePatterns),
		workers:  workers,
		ioBufferPool: &sync.Pool{
			New: func() any {
				buf := make([]byte, bufferSizeKB*1024)
				return &buf
			},
		},
		metrics: m,
	}
}

// fileTask holds the metadata a worker needs to copy one file without
// re-fetching filesystem stats.
type fileTask struct {
	relPath   string
	mode      os.FileMode
	size      int64
	modTime   time.Time
	isSymlink bool
	uid, gid  int
	hasOwner  bool
}

// dirFixup records the source metadata of a directory, applied after all
// files are copied. Directories are created traversable first so read-only
// source permissions cannot lock the copy out of its own staging tree.
type dirFixup struct {
	relPath  string
	mode     os.FileMode
	modTime  time.Time
	uid, gid int
	hasOwner bool
}

// task holds the mutable state for a single snapshot copy.
type task struct {
	*Snapshotter

	stagePath string
	tasksChan chan *fileTask
	fixups    []dirFixup
}

// Copy creates the backup entry at destPath. The copy is written to
// destPath plus the staging suffix and renamed after it completes. meta is
// stored inside the entry before the rename. A single unreadable file is
// logged and skipped; an unreadable source root fails the whole copy.
func (s *Snapshotter) Copy(ctx context.Context, destPath string, meta metafile.Content) error {
	if _, err := os.Lstat(destPath); err == nil {
		return fmt.Errorf("destination %q: %w", destPath, ErrDestCollision)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("could not probe destination %q: %w", destPath, err)
	}

	t := &task{
		Snapshotter: s,
		stagePath:   destPath + entry.StagingSuffix,
		tasksChan:   make(chan *fileTask, 64),
	}

	// A leftover staging directory from a crashed run is worthless.
	if err := os.RemoveAll(t.stagePath); err != nil {
		return fmt.Errorf("could not remove leftover staging directory %q: %w", t.stagePath, err)
	}

	if err := t.execute(ctx, meta); err != nil {
		if rmErr := os.RemoveAll(t.stagePath); rmErr != nil {
			plog.Warn("Failed to clean up staging directory after copy error", "path", t.stagePath, "error", rmErr)
		}
		return err
	}

	if err := os.Rename(t.stagePath, destPath); err != nil {
		_ = os.RemoveAll(t.stagePath)
		return fmt.Errorf("could not promote staged snapshot to %q: %w", destPath, err)
	}

	plog.Notice("SNAPSHOT", "from", s.source, "to", destPath)
	return nil
}

// execute runs the copy pipeline: one producer walking the source tree,
// a pool of workers copying files.
func (t *task) execute(ctx context.Context, meta metafile.Content) error {
	g, gctx := errgroup.WithContext(ctx)

	for range t.workers {
		g.Go(func() error { return t.copyWorker(gctx) })
	}
	g.Go(func() error { return t.produce(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}

	if err := metafile.Write(t.stagePath, meta); err != nil {
		return err
	}

	return t.applyDirFixups()
}

// produce walks the source tree. It creates directories in the staging area
// itself (WalkDir visits parents before children) and feeds file tasks to
// the workers.
func (t *task) produce(ctx context.Context) error {
	defer close(t.tasksChan)

	err := filepath.WalkDir(t.source, func(absSrcPath string, d fs.DirEntry, err error) error {
		relPath, relErr := filepath.Rel(t.source, absSrcPath)
		if relErr != nil {
			return fmt.Errorf("could not get relative path for %q: %w", absSrcPath, relErr)
		}

		if err != nil {
			if relPath == "." {
				// An unreadable source root fails the whole run.
				return fmt.Errorf("source root is unreadable: %w", err)
			}
			plog.Warn("SKIP", "reason", "error accessing path", "path", absSrcPath, "error", err)
			t.metrics.AddFilesSkipped(1)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if relPath != "." && t.excludes.matches(d.Name()) {
			plog.Debug("EXCL", "path", relPath)
			if d.IsDir() {
				return filepath.SkipDir
			}
			t.metrics.AddFilesExcluded(1)
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			plog.Warn("SKIP", "reason", "failed to get file info", "path", absSrcPath, "error", infoErr)
			t.metrics.AddFilesSkipped(1)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		uid, gid, hasOwner := ownerIDs(absSrcPath)

		if d.IsDir() {
			return t.createStageDir(relPath, info, uid, gid, hasOwner)
		}

		isSymlink := info.Mode()&os.ModeSymlink != 0
		if !isSymlink && !info.Mode().IsRegular() {
			// Named pipes, sockets and devices are not backed up.
			plog.Notice("SKIP", "type", info.Mode().String(), "path", relPath)
			return nil
		}

		ft := &fileTask{
			relPath:   relPath,
			mode:      info.Mode(),
			size:      info.Size(),
			modTime:   info.ModTime(),
			isSymlink: isSymlink,
			uid:       uid,
			gid:       gid,
			hasOwner:  hasOwner,
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case t.tasksChan <- ft:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("snapshot walk failed: %w", err)
	}
	return nil
}

// createStageDir creates one directory in the staging area and records its
// source metadata for the fixup pass.
func (t *task) createStageDir(relPath string, info os.FileInfo, uid, gid int, hasOwner bool) error {
	absTrgPath := filepath.Join(t.stagePath, relPath)

	// Ensure the copy can always descend into and write to its own staging
	// directories; the exact source permissions are restored afterwards.
	createPerm := util.WithUserExecutePermission(util.WithUserWritePermission(info.Mode().Perm()))
	if err := os.MkdirAll(absTrgPath, createPerm); err != nil {
		return fmt.Errorf("could not create staging directory %q: %w", absTrgPath, err)
	}

	t.fixups = append(t.fixups, dirFixup{
		relPath:  relPath,
		mode:     info.Mode(),
		modTime:  info.ModTime(),
		uid:      uid,
		gid:      gid,
		hasOwner: hasOwner,
	})

	if relPath != "." {
		t.metrics.AddDirsCreated(1)
	}
	return nil
}

// copyWorker consumes file tasks until the channel closes. Per-file errors
// are logged and skipped; they never fail the run.
func (t *task) copyWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ft, ok := <-t.tasksChan:
			if !ok {
				return nil
			}

			var err error
			if ft.isSymlink {
				err = t.copySymlink(ft)
			} else {
				err = t.copyFile(ft)
			}
			if err != nil {
				plog.Warn("SKIP", "reason", "copy failed", "path", ft.relPath, "error", err)
				t.metrics.AddFilesSkipped(1)
				continue
			}
			t.metrics.AddFilesCopied(1)
		}
	}
}

// copyFile copies one regular file into the staging area, preserving
// permission bits, ownership and modification time.
func (t *task) copyFile(ft *fileTask) error {
	absSrcPath := filepath.Join(t.source, ft.relPath)
	absTrgPath := filepath.Join(t.stagePath, ft.relPath)

	in, err := os.Open(absSrcPath)
	if err != nil {
		return fmt.Errorf("could not open source file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(absTrgPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("could not create destination file: %w", err)
	}

	bufPtr := t.ioBufferPool.Get().(*[]byte)
	buf := *bufPtr
	buf = buf[:cap(buf)]
	written, err := io.CopyBuffer(out, in, buf)
	t.ioBufferPool.Put(bufPtr)
	if err != nil {
		out.Close()
		_ = os.Remove(absTrgPath)
		return fmt.Errorf("could not copy content: %w", err)
	}
	t.metrics.AddBytesWritten(written)

	// Chmod after the write so the exact source bits survive the umask,
	// even for read-only files.
	if err := out.Chmod(ft.mode.Perm()); err != nil {
		out.Close()
		return fmt.Errorf("could not set permissions: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("could not close destination file: %w", err)
	}

	t.applyOwner(absTrgPath, ft.relPath, ft.uid, ft.gid, ft.hasOwner)

	if err := os.Chtimes(absTrgPath, ft.modTime, ft.modTime); err != nil {
		return fmt.Errorf("could not set timestamps: %w", err)
	}
	return nil
}

// copySymlink recreates a symlink in the staging area without following it.
func (t *task) copySymlink(ft *fileTask) error {
	absSrcPath := filepath.Join(t.source, ft.relPath)
	absTrgPath := filepath.Join(t.stagePath, ft.relPath)

	target, err := os.Readlink(absSrcPath)
	if err != nil {
		return fmt.Errorf("could not read source symlink: %w", err)
	}
	if err := os.Symlink(target, absTrgPath); err != nil {
		return fmt.Errorf("could not create symlink: %w", err)
	}

	t.applyOwner(absTrgPath, ft.relPath, ft.uid, ft.gid, ft.hasOwner)
	return nil
}

// applyOwner restores uid/gid on a copied entry. Failing is expected for
// unprivileged runs copying foreign-owned files and only logged.
func (t *task) applyOwner(absPath, relPath string, uid, gid int, hasOwner bool) {
	if !hasOwner {
		return
	}
	if err := os.Lchown(absPath, uid, gid); err != nil {
		plog.Debug("Could not preserve ownership", "path", relPath, "uid", uid, "gid", gid, "error", err)
	}
}

// applyDirFixups restores the exact directory metadata, children before
// parents so restoring a read-only permission never blocks later writes.
func (t *task) applyDirFixups() error {
	var firstErr error
	for i := len(t.fixups) - 1; i >= 0; i-- {
		f := t.fixups[i]
		absPath := filepath.Join(t.stagePath, f.relPath)

		t.applyOwner(absPath, f.relPath, f.uid, f.gid, f.hasOwner)
		if err := os.Chmod(absPath, f.mode.Perm()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not restore permissions on %q: %w", f.relPath, err)
		}
		if err := os.Chtimes(absPath, f.modTime, f.modTime); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not restore timestamps on %q: %w", f.relPath, err)
		}
	}
	return firstErr
}
