// Package snapshot copies the live store's files to and from a staging
// location. The store is paused for the whole copy so the files on disk
// form one consistent point in time.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/utils"
)

// VersionStampName is written next to an exported primary file.
const VersionStampName = "version.json"

type VersionStamp struct {
	AppVersion string    `json:"appVersion"`
	ExportedAt time.Time `json:"exportedAt"`
}

// Export flushes the store and copies its primary file to destPath and
// every present companion to destPath+suffix. The store is resumed before
// returning, whether or not the copy succeeded.
func Export(ctx context.Context, store ledgerbox.StoreHandle, destPath string, appVersion string) (err error) {
	if err := store.FlushAndPause(ctx); err != nil {
		return fmt.Errorf("%w: flush before export: %w", ledgerbox.ErrStoreAccess, err)
	}
	defer func() {
		if resumeErr := store.Resume(ctx); resumeErr != nil && err == nil {
			err = fmt.Errorf("%w: resume after export: %w", ledgerbox.ErrStoreAccess, resumeErr)
		}
	}()

	primary := store.PrimaryFilePath()
	if _, statErr := os.Stat(primary); statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ledgerbox.ErrFileNotFound, primary)
		}
		return ledgerbox.IOError("stat "+primary, statErr)
	}
	if err := utils.CopyFile(primary, destPath); err != nil {
		return ledgerbox.IOError("copy store file", err)
	}

	for _, suffix := range store.CompanionSuffixes() {
		src := primary + suffix
		if _, statErr := os.Stat(src); errors.Is(statErr, fs.ErrNotExist) {
			continue
		}
		if err := utils.CopyFile(src, destPath+suffix); err != nil {
			return ledgerbox.IOError("copy store companion "+suffix, err)
		}
	}

	stamp := VersionStamp{AppVersion: appVersion, ExportedAt: time.Now().UTC()}
	if err := writeStamp(filepath.Join(filepath.Dir(destPath), VersionStampName), stamp); err != nil {
		return err
	}
	return nil
}

// Import replaces the live store with the snapshot at sourcePath.
//
// Once the live files start being removed a failure is not rolled back and
// the store is left paused. Such errors are returned as a *StageError with
// Mutated set. A store already left paused that way is replaced as it is,
// which is how a later restore recovers it.
func Import(ctx context.Context, sourcePath string, store ledgerbox.StoreHandle) error {
	if _, err := os.Stat(sourcePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ledgerbox.ErrFileNotFound, sourcePath)
		}
		return ledgerbox.IOError("stat "+sourcePath, err)
	}

	if err := store.FlushAndPause(ctx); err != nil && !errors.Is(err, ledgerbox.ErrStorePaused) {
		return fmt.Errorf("%w: detach store: %w", ledgerbox.ErrStoreAccess, err)
	}

	primary := store.PrimaryFilePath()
	suffixes := store.CompanionSuffixes()

	for _, path := range append([]string{primary}, withSuffixes(primary, suffixes)...) {
		if err := utils.RemoveIfExists(path); err != nil {
			return mutated(fmt.Errorf("%w: remove %s: %w", ledgerbox.ErrStoreAccess, path, err))
		}
	}

	if err := utils.CopyFile(sourcePath, primary); err != nil {
		return mutated(fmt.Errorf("%w: copy snapshot into place: %w", ledgerbox.ErrStoreAccess, err))
	}
	for _, suffix := range suffixes {
		src := sourcePath + suffix
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := utils.CopyFile(src, primary+suffix); err != nil {
			return mutated(fmt.Errorf("%w: copy companion %s: %w", ledgerbox.ErrStoreAccess, suffix, err))
		}
	}

	if err := store.Resume(ctx); err != nil {
		return mutated(fmt.Errorf("%w: reopen store: %w", ledgerbox.ErrStoreAccess, err))
	}
	return nil
}

func withSuffixes(path string, suffixes []string) []string {
	out := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		out = append(out, path+s)
	}
	return out
}

func mutated(err error) error {
	return &ledgerbox.StageError{Stage: ledgerbox.StageImportStore, Err: err, Mutated: true}
}

func writeStamp(path string, stamp VersionStamp) error {
	data, err := json.MarshalIndent(stamp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal version stamp: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ledgerbox.IOError("write version stamp", err)
	}
	return nil
}

// ReadStamp reads the version stamp written by Export.
func ReadStamp(path string) (VersionStamp, error) {
	var stamp VersionStamp
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stamp, fmt.Errorf("%w: %s", ledgerbox.ErrFileNotFound, path)
		}
		return stamp, ledgerbox.IOError("read version stamp", err)
	}
	if err := json.Unmarshal(data, &stamp); err != nil {
		return stamp, fmt.Errorf("%w: version stamp: %w", ledgerbox.ErrInvalidArchiveFormat, err)
	}
	return stamp, nil
}
