package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mhoffm/backupd/pkg/config"
	"github.com/mhoffm/backupd/pkg/metafile"
	"github.com/mhoffm/backupd/pkg/notify"
)

var runStamp = time.Date(2024, 3, 15, 4, 30, 0, 0, time.Local)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	source := t.TempDir()
	target := t.TempDir()

	if err := os.WriteFile(filepath.Join(source, "a.txt"), []byte("alpha"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(source, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "sub", "b.txt"), []byte("bravo"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.NewDefault()
	cfg.Source = source
	cfg.TargetRoot = target
	cfg.Compression.Enabled = false
	cfg.Performance.CopyWorkers = 2
	cfg.Performance.DeleteWorkers = 1
	cfg.Performance.BufferSizeKB = 64
	return cfg
}

type fakeSnapshotter struct {
	err    error
	called bool
}

func (f *fakeSnapshotter) Copy(ctx context.Context, destPath string, meta metafile.Content) error {
	f.called = true
	if f.err != nil {
		return f.err
	}
	return os.MkdirAll(destPath, 0755)
}

type fakeArchiver struct {
	err error
}

func (f *fakeArchiver) Extension() string { return ".tar.gz" }

func (f *fakeArchiver) Compress(ctx context.Context, dirPath string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	archivePath := dirPath + f.Extension()
	if err := os.WriteFile(archivePath, []byte("archive"), 0644); err != nil {
		return "", err
	}
	return archivePath, os.RemoveAll(dirPath)
}

type fakePruner struct {
	err     error
	called  bool
	deleted []string
}

func (f *fakePruner) Prune(ctx context.Context, targetRoot string, keep int) ([]string, error) {
	f.called = true
	return f.deleted, f.err
}

type recordingNotifier struct {
	report notify.RunReport
	called bool
}

func (r *recordingNotifier) NotifyRunFinished(ctx context.Context, report notify.RunReport) error {
	r.called = true
	r.report = report
	return nil
}

func TestExecuteUncompressedRun(t *testing.T) {
	cfg := testConfig(t)
	notifier := &recordingNotifier{}
	e := New(cfg, notifier)

	result := e.Execute(context.Background(), runStamp)
	if result.Err != nil {
		t.Fatalf("Execute failed: %v", result.Err)
	}
	if !result.Success() {
		t.Error("Success() should be true")
	}
	if result.Compressed {
		t.Error("run should not be compressed")
	}

	wantName := "backup-2024-03-15_04-30-00"
	if result.EntryName != wantName {
		t.Errorf("EntryName = %q, want %q", result.EntryName, wantName)
	}

	entryPath := filepath.Join(cfg.TargetRoot, wantName)
	data, err := os.ReadFile(filepath.Join(entryPath, "a.txt"))
	if err != nil {
		t.Fatalf("snapshot content missing: %v", err)
	}
	if string(data) != "alpha" {
		t.Errorf("snapshot content = %q, want %q", data, "alpha")
	}

	meta, err := metafile.Read(entryPath)
	if err != nil {
		t.Fatalf("metafile missing: %v", err)
	}
	if meta.Compressed {
		t.Error("metafile should record compressed=false")
	}
	if meta.CompressionFormat != "" {
		t.Errorf("metafile format = %q, want empty", meta.CompressionFormat)
	}

	if !notifier.called {
		t.Fatal("notifier was not called")
	}
	if !notifier.report.Success {
		t.Error("notification should report success")
	}
	if notifier.report.EntryName != wantName {
		t.Errorf("notification entry = %q, want %q", notifier.report.EntryName, wantName)
	}
	if notifier.report.FilesCopied != 2 {
		t.Errorf("notification filesCopied = %d, want 2", notifier.report.FilesCopied)
	}
}

func TestExecuteCompressedRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compression.Enabled = true
	cfg.Compression.Format = "gzip"
	e := New(cfg, nil)

	result := e.Execute(context.Background(), runStamp)
	if result.Err != nil {
		t.Fatalf("Execute failed: %v", result.Err)
	}
	if !result.Compressed {
		t.Error("run should be compressed")
	}

	wantName := "backup-2024-03-15_04-30-00.tar.gz"
	if result.EntryName != wantName {
		t.Errorf("EntryName = %q, want %q", result.EntryName, wantName)
	}
	if _, err := os.Stat(filepath.Join(cfg.TargetRoot, wantName)); err != nil {
		t.Errorf("archive missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.TargetRoot, "backup-2024-03-15_04-30-00")); !os.IsNotExist(err) {
		t.Error("snapshot directory should be removed after compression")
	}
}

func TestExecutePreflightFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source = filepath.Join(cfg.Source, "does-not-exist")
	snapshotter := &fakeSnapshotter{}
	pruner := &fakePruner{}
	e := New(cfg, nil)
	e.snapshotter = snapshotter
	e.pruner = pruner

	result := e.Execute(context.Background(), runStamp)
	if result.Err == nil {
		t.Fatal("Execute should fail for a missing source")
	}
	if result.FailedStage != StagePreflight {
		t.Errorf("FailedStage = %q, want %q", result.FailedStage, StagePreflight)
	}
	if snapshotter.called {
		t.Error("snapshotter must not run after a failed preflight")
	}
	if pruner.called {
		t.Error("pruner must not run after a failed preflight")
	}
}

func TestExecuteCopyFailureAbortsRun(t *testing.T) {
	cfg := testConfig(t)
	pruner := &fakePruner{}
	notifier := &recordingNotifier{}
	e := New(cfg, notifier)
	e.snapshotter = &fakeSnapshotter{err: errors.New("disk on fire")}
	e.pruner = pruner

	result := e.Execute(context.Background(), runStamp)
	if result.Err == nil {
		t.Fatal("Execute should fail when the copy fails")
	}
	if result.FailedStage != StageCopy {
		t.Errorf("FailedStage = %q, want %q", result.FailedStage, StageCopy)
	}
	if result.EntryName != "" {
		t.Errorf("EntryName = %q, want empty for a failed copy", result.EntryName)
	}
	if pruner.called {
		t.Error("pruner must not run after a failed copy")
	}
	if notifier.report.Success {
		t.Error("notification should report failure")
	}
	if !strings.Contains(notifier.report.ErrorMessage, "disk on fire") {
		t.Errorf("notification error = %q, want the copy error", notifier.report.ErrorMessage)
	}
}

func TestExecuteCompressFailureDegrades(t *testing.T) {
	cfg := testConfig(t)
	pruner := &fakePruner{}
	e := New(cfg, nil)
	e.archiver = &fakeArchiver{err: errors.New("no space for archive")}
	e.pruner = pruner

	result := e.Execute(context.Background(), runStamp)
	if result.Err != nil {
		t.Fatalf("a failed compression must not fail the run: %v", result.Err)
	}
	if result.Compressed {
		t.Error("run should not be marked compressed")
	}

	wantName := "backup-2024-03-15_04-30-00"
	if result.EntryName != wantName {
		t.Errorf("EntryName = %q, want the uncompressed snapshot", result.EntryName)
	}
	if _, err := os.Stat(filepath.Join(cfg.TargetRoot, wantName)); err != nil {
		t.Errorf("snapshot directory missing: %v", err)
	}
	if !pruner.called {
		t.Error("retention must still run after a degraded compression")
	}
}

func TestExecutePruneFailureNonFatal(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg, nil)
	e.pruner = &fakePruner{err: errors.New("listing failed")}

	result := e.Execute(context.Background(), runStamp)
	if result.Err != nil {
		t.Fatalf("a failed retention pass must not fail the run: %v", result.Err)
	}
	if result.EntryName == "" {
		t.Error("EntryName should still name the new entry")
	}
}

func TestExecuteCollisionSuffix(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg, nil)

	first := e.Execute(context.Background(), runStamp)
	if first.Err != nil {
		t.Fatalf("first run failed: %v", first.Err)
	}
	second := e.Execute(context.Background(), runStamp)
	if second.Err != nil {
		t.Fatalf("second run failed: %v", second.Err)
	}

	wantName := "backup-2024-03-15_04-30-00~2"
	if second.EntryName != wantName {
		t.Errorf("EntryName = %q, want %q", second.EntryName, wantName)
	}
	if _, err := os.Stat(filepath.Join(cfg.TargetRoot, wantName)); err != nil {
		t.Errorf("collision entry missing: %v", err)
	}
}

func TestExecuteRetentionDeletesOldEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.RunsToKeep = 2
	e := New(cfg, nil)

	stamps := []time.Time{
		runStamp,
		runStamp.Add(24 * time.Hour),
		runStamp.Add(48 * time.Hour),
	}
	var last RunResult
	for _, stamp := range stamps {
		last = e.Execute(context.Background(), stamp)
		if last.Err != nil {
			t.Fatalf("run at %v failed: %v", stamp, last.Err)
		}
	}

	if len(last.Deleted) != 1 {
		t.Fatalf("Deleted = %v, want exactly the oldest entry", last.Deleted)
	}
	if last.Deleted[0] != "backup-2024-03-15_04-30-00" {
		t.Errorf("Deleted = %v, want the oldest entry", last.Deleted)
	}
	if _, err := os.Stat(filepath.Join(cfg.TargetRoot, "backup-2024-03-15_04-30-00")); !os.IsNotExist(err) {
		t.Error("oldest entry should be deleted")
	}
}
