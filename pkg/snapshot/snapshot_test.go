package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

// fakeStore records pause/resume calls against plain files.
type fakeStore struct {
	primary  string
	paused   bool
	pauses   int
	resumes  int
	pauseErr error
}

func (f *fakeStore) FlushAndPause(ctx context.Context) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = true
	f.pauses++
	return nil
}

func (f *fakeStore) Resume(ctx context.Context) error {
	f.paused = false
	f.resumes++
	return nil
}

func (f *fakeStore) PrimaryFilePath() string     { return f.primary }
func (f *fakeStore) CompanionSuffixes() []string { return []string{"-wal", "-shm"} }

func mustWriteFile(t *testing.T, path string, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestExportCopiesPrimaryAndPresentCompanions(t *testing.T) {
	live := filepath.Join(t.TempDir(), "ledger.db")
	mustWriteFile(t, live, "main")
	mustWriteFile(t, live+"-wal", "wal")
	store := &fakeStore{primary: live}

	dest := filepath.Join(t.TempDir(), "store", "ledger.db")
	require.NoError(t, Export(context.Background(), store, dest, "1.2.3"))

	assert.Equal(t, "main", readFile(t, dest))
	assert.Equal(t, "wal", readFile(t, dest+"-wal"))
	assert.NoFileExists(t, dest+"-shm")

	stamp, err := ReadStamp(filepath.Join(filepath.Dir(dest), VersionStampName))
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", stamp.AppVersion)
	assert.False(t, stamp.ExportedAt.IsZero())

	assert.Equal(t, 1, store.pauses)
	assert.Equal(t, 1, store.resumes)
	assert.False(t, store.paused)
}

func TestExportMissingPrimaryResumes(t *testing.T) {
	store := &fakeStore{primary: filepath.Join(t.TempDir(), "missing.db")}

	err := Export(context.Background(), store, filepath.Join(t.TempDir(), "out.db"), "1.0.0")
	assert.ErrorIs(t, err, ledgerbox.ErrFileNotFound)
	assert.False(t, store.paused)
}

func TestExportFlushFailure(t *testing.T) {
	store := &fakeStore{primary: "unused", pauseErr: errors.New("locked")}

	err := Export(context.Background(), store, filepath.Join(t.TempDir(), "out.db"), "1.0.0")
	assert.ErrorIs(t, err, ledgerbox.ErrStoreAccess)
	assert.Equal(t, 0, store.resumes)
}

func TestImportReplacesLiveFiles(t *testing.T) {
	liveDir := t.TempDir()
	live := filepath.Join(liveDir, "ledger.db")
	mustWriteFile(t, live, "old")
	mustWriteFile(t, live+"-wal", "stale wal")
	mustWriteFile(t, live+"-shm", "stale shm")

	src := filepath.Join(t.TempDir(), "ledger.db")
	mustWriteFile(t, src, "new")
	mustWriteFile(t, src+"-wal", "new wal")

	store := &fakeStore{primary: live}
	require.NoError(t, Import(context.Background(), src, store))

	assert.Equal(t, "new", readFile(t, live))
	assert.Equal(t, "new wal", readFile(t, live+"-wal"))
	assert.NoFileExists(t, live+"-shm")
	assert.False(t, store.paused)
}

func TestImportMissingSourceLeavesStoreAlone(t *testing.T) {
	live := filepath.Join(t.TempDir(), "ledger.db")
	mustWriteFile(t, live, "old")
	store := &fakeStore{primary: live}

	err := Import(context.Background(), filepath.Join(t.TempDir(), "nope.db"), store)
	assert.ErrorIs(t, err, ledgerbox.ErrFileNotFound)
	assert.False(t, ledgerbox.IsFatalStoreError(err))
	assert.Equal(t, 0, store.pauses)
	assert.Equal(t, "old", readFile(t, live))
}

func TestImportFailureAfterDeleteIsFatal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "ledger.db")
	mustWriteFile(t, src, "new")

	// the live location sits under a regular file, so nothing there can be replaced
	blocker := filepath.Join(t.TempDir(), "blocker")
	mustWriteFile(t, blocker, "x")
	store := &fakeStore{primary: filepath.Join(blocker, "ledger.db")}

	err := Import(context.Background(), src, store)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgerbox.ErrStoreAccess)
	assert.True(t, ledgerbox.IsFatalStoreError(err))
	assert.True(t, store.paused, "store stays detached after a failed replace")
}

func TestImportRecoversStoreLeftPaused(t *testing.T) {
	live := filepath.Join(t.TempDir(), "ledger.db")
	mustWriteFile(t, live, "half restored")
	src := filepath.Join(t.TempDir(), "ledger.db")
	mustWriteFile(t, src, "good")

	store := &fakeStore{primary: live, paused: true, pauseErr: fmt.Errorf("detached: %w", ledgerbox.ErrStorePaused)}
	require.NoError(t, Import(context.Background(), src, store))

	assert.Equal(t, "good", readFile(t, live))
	assert.Equal(t, 1, store.resumes)
	assert.False(t, store.paused)
}

func TestReadStampCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), VersionStampName)
	mustWriteFile(t, path, "{not json")
	_, err := ReadStamp(path)
	assert.ErrorIs(t, err, ledgerbox.ErrInvalidArchiveFormat)
}
