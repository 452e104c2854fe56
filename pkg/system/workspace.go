package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/archive"
)

// Names inside every archive.
const (
	storeEntryDir      = "store"
	storeEntryName     = "ledger.db"
	attachmentEntryDir = "attachments"
)

// workspace is the private temp tree of one pipeline run. Its root is
// registered with the run's PipelineState so cleanup can find it no matter
// which stage failed.
type workspace struct {
	root string
}

func newWorkspace(tmpRoot string, prefix string, state *ledgerbox.PipelineState) (*workspace, error) {
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return nil, ledgerbox.IOError("create tmp dir", err)
	}
	root, err := os.MkdirTemp(tmpRoot, prefix)
	if err != nil {
		return nil, ledgerbox.IOError("create workspace", err)
	}
	state.AddTempDir(root)
	return &workspace{root: root}, nil
}

func (w *workspace) storePath() string {
	return filepath.Join(w.root, storeEntryDir, storeEntryName)
}

func (w *workspace) attachmentDir() string {
	return filepath.Join(w.root, attachmentEntryDir)
}

// collect reads every regular file under the workspace as archive entries,
// named by their slash separated path relative to the root, sorted.
func (w *workspace) collect() ([]ledgerbox.ArchiveFile, error) {
	var files []ledgerbox.ArchiveFile
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, ledgerbox.ArchiveFile{Name: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, ledgerbox.IOError("collect staged files", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// unpack writes decoded archive entries below the workspace root.
func (w *workspace) unpack(files []ledgerbox.ArchiveFile) error {
	for _, f := range files {
		if err := archive.ValidateEntryName(f.Name); err != nil {
			return fmt.Errorf("%w: %w", ledgerbox.ErrInvalidArchiveFormat, err)
		}
		dest := filepath.Join(w.root, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, w.root+string(filepath.Separator)) {
			return fmt.Errorf("%w: entry %q escapes the workspace", ledgerbox.ErrInvalidArchiveFormat, f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return ledgerbox.IOError("unpack "+f.Name, err)
		}
		if err := os.WriteFile(dest, f.Data, 0o644); err != nil {
			return ledgerbox.IOError("unpack "+f.Name, err)
		}
	}
	return nil
}

// cleanupTempDirs removes every temp dir recorded in state. It is safe to
// call any number of times. Failures are logged and reported as
// ErrPartialWriteLeftover, never escalated.
func cleanupTempDirs(state *ledgerbox.PipelineState, log logrus.FieldLogger) error {
	var errs []error
	for _, dir := range state.TempDirs() {
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Warn("failed to remove temp dir")
			errs = append(errs, err)
			continue
		}
		state.ForgetTempDir(dir)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ledgerbox.ErrPartialWriteLeftover, errors.Join(errs...))
	}
	return nil
}

// preflight refuses to start when any of dirs has less than minFree bytes
// available. A zero minimum disables the check.
func preflight(ctx context.Context, minFree uint64, dirs ...string) error {
	if minFree == 0 {
		return nil
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ledgerbox.IOError("create "+dir, err)
		}
		usage, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			return ledgerbox.IOError("disk usage of "+dir, err)
		}
		if usage.Free < minFree {
			return ledgerbox.IOError(fmt.Sprintf("only %d bytes free in %s, need %d", usage.Free, dir, minFree), nil)
		}
	}
	return nil
}
