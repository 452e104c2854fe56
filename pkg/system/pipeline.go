package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/archive"
	"github.com/dogeorg/ledgerbox/pkg/attachments"
	"github.com/dogeorg/ledgerbox/pkg/catalog"
	"github.com/dogeorg/ledgerbox/pkg/snapshot"
	"github.com/dogeorg/ledgerbox/pkg/version"
)

// ProgressListener receives a copy of the run state after every change.
type ProgressListener func(ledgerbox.PipelineSnapshot)

// step is one stage of a run. run either succeeds, letting the driver move
// on, or returns the error that ends the run in that stage.
type step struct {
	stage ledgerbox.Stage
	done  float64
	run   func(ctx context.Context) error
}

// run is one create or restore execution. It owns its PipelineState and
// every temp dir registered there.
type run struct {
	svc      *BackupService
	state    *ledgerbox.PipelineState
	log      logrus.FieldLogger
	listener ProgressListener
}

func (s *BackupService) newRun(kind string, listener ProgressListener) *run {
	return &run{
		svc:      s,
		state:    ledgerbox.NewPipelineState(),
		log:      s.log.WithField("run", kind),
		listener: listener,
	}
}

func (r *run) notify() {
	if r.listener != nil {
		r.listener(r.state.Snapshot())
	}
}

// report maps a sub-progress fraction of the current stage onto [from, to].
func (r *run) report(from, to float64) ledgerbox.ProgressFunc {
	return func(f float64) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		r.state.SetProgress(from + (to-from)*f)
		r.notify()
	}
}

// drive runs steps in order and stops at the first failure. Temp dirs are
// removed whatever the outcome.
func (r *run) drive(ctx context.Context, steps []step) error {
	defer r.Cleanup()

	for _, s := range steps {
		r.state.Advance(s.stage, r.state.Progress())
		r.log.WithField("stage", s.stage).Debug("stage started")
		r.notify()

		if err := s.run(ctx); err != nil {
			return r.fail(s.stage, err)
		}

		r.state.SetProgress(s.done)
		r.notify()
	}

	r.state.Advance(ledgerbox.StageDone, 1)
	r.notify()
	return nil
}

func (r *run) fail(stage ledgerbox.Stage, err error) error {
	se := &ledgerbox.StageError{Stage: stage, Err: err}

	var inner *ledgerbox.StageError
	if errors.As(err, &inner) {
		se.Err = inner.Err
		se.Mutated = inner.Mutated
	}
	// once attachments are being rewritten the store has already been replaced
	if stage == ledgerbox.StageImportAttachments {
		se.Mutated = true
	}

	r.state.Advance(ledgerbox.StageFailed, r.state.Progress())
	r.notify()

	entry := r.log.WithError(se.Err).WithField("stage", stage)
	if se.Mutated {
		entry.Error("restore failed after the live store was modified, data store is in an inconsistent state")
	} else {
		entry.Error("pipeline failed")
	}
	return se
}

// Cleanup removes the run's temp dirs. Calling it again is harmless.
func (r *run) Cleanup() error {
	return cleanupTempDirs(r.state, r.log)
}

/* Create */

func (r *run) create(ctx context.Context, opts ledgerbox.CreateBackup) (ledgerbox.BackupInfo, error) {
	cfg := r.svc.config
	method := opts.Compression
	if method == "" {
		m, err := ledgerbox.ParseCompressionMethod(cfg.Compression)
		if err != nil {
			return ledgerbox.BackupInfo{}, err
		}
		method = m
	}
	codec, err := archive.NewCodec(method)
	if err != nil {
		return ledgerbox.BackupInfo{}, err
	}
	if opts.Upload && r.svc.remote == nil {
		return ledgerbox.BackupInfo{}, errors.New("upload requested but no remote is configured")
	}

	var (
		ws        *workspace
		files     []ledgerbox.ArchiveFile
		manifest  ledgerbox.ArchiveManifest
		data      []byte
		published ledgerbox.BackupInfo
	)

	steps := []step{
		{ledgerbox.StageExportStore, ledgerbox.ProgressStoreExported, func(ctx context.Context) error {
			if err := preflight(ctx, cfg.MinFreeBytes, cfg.TmpDir, cfg.BackupDir); err != nil {
				return err
			}
			var err error
			if ws, err = newWorkspace(cfg.TmpDir, "create-", r.state); err != nil {
				return err
			}
			return snapshot.Export(ctx, r.svc.store, ws.storePath(), r.svc.appVersion)
		}},
		{ledgerbox.StageExportAttachments, ledgerbox.ProgressAttachmentsStaged, func(ctx context.Context) error {
			n, err := attachments.Export(ctx, r.svc.records, ws.attachmentDir())
			if err != nil {
				return err
			}
			r.log.WithField("count", n).Info("attachments staged")
			return nil
		}},
		{ledgerbox.StagePackaging, ledgerbox.ProgressPackaged, func(ctx context.Context) error {
			var err error
			if files, err = ws.collect(); err != nil {
				return err
			}
			manifest = ledgerbox.ArchiveManifest{
				FormatVersion: r.svc.appVersion,
				CreatedAt:     r.svc.now().UTC(),
			}
			return nil
		}},
		{ledgerbox.StageArchiving, ledgerbox.ProgressPackaged, func(ctx context.Context) error {
			var err error
			data, err = codec.Encode(manifest, files)
			return err
		}},
		{ledgerbox.StagePublishing, ledgerbox.ProgressPublished, func(ctx context.Context) error {
			var err error
			if published, err = r.svc.catalog.Publish(data, manifest.CreatedAt); err != nil {
				return err
			}
			published.AppVersion = manifest.FormatVersion
			if !opts.Upload {
				return nil
			}
			name := catalog.FileName(published.ID)
			if err := r.svc.remote.Upload(ctx, name, data, r.report(ledgerbox.ProgressPackaged, ledgerbox.ProgressPublished)); err != nil {
				return fmt.Errorf("upload %s: %w", name, err)
			}
			r.log.WithField("name", name).Info("backup uploaded")
			return nil
		}},
	}

	if err := r.drive(ctx, steps); err != nil {
		return ledgerbox.BackupInfo{}, err
	}
	r.log.WithFields(logrus.Fields{"id": published.ID, "files": len(files), "size": published.Size}).Info("backup created")
	return published, nil
}

/* Restore */

func (r *run) restore(ctx context.Context, opts ledgerbox.RestoreBackup) (ledgerbox.ArchiveManifest, error) {
	if err := validateRestoreSource(opts); err != nil {
		return ledgerbox.ArchiveManifest{}, err
	}
	if opts.RemoteName != "" && r.svc.remote == nil {
		return ledgerbox.ArchiveManifest{}, errors.New("remote restore requested but no remote is configured")
	}
	cfg := r.svc.config

	var (
		ws       *workspace
		data     []byte
		manifest ledgerbox.ArchiveManifest
	)

	steps := []step{
		{ledgerbox.StageFetching, ledgerbox.ProgressFetched, func(ctx context.Context) error {
			if err := preflight(ctx, cfg.MinFreeBytes, cfg.TmpDir); err != nil {
				return err
			}
			var err error
			data, err = r.fetch(ctx, opts)
			return err
		}},
		{ledgerbox.StageUnpacking, ledgerbox.ProgressUnpacked, func(ctx context.Context) error {
			m, files, err := archive.Decode(data)
			if err != nil {
				return err
			}
			manifest = m
			data = nil
			if ws, err = newWorkspace(cfg.TmpDir, "restore-", r.state); err != nil {
				return err
			}
			return ws.unpack(files)
		}},
		{ledgerbox.StageValidating, ledgerbox.ProgressValidated, func(ctx context.Context) error {
			if err := version.CheckCompatible(manifest.FormatVersion, r.svc.appVersion); err != nil {
				return err
			}
			if _, err := os.Stat(ws.storePath()); err != nil {
				return fmt.Errorf("%w: archive holds no store snapshot", ledgerbox.ErrInvalidArchiveFormat)
			}
			if err := r.checkStamp(ws); err != nil {
				return err
			}
			if v, ok := r.svc.store.(ledgerbox.SnapshotValidator); ok {
				if err := v.ValidateSnapshot(ctx, ws.storePath()); err != nil {
					return fmt.Errorf("%w: %w", ledgerbox.ErrInvalidArchiveFormat, err)
				}
			}
			return nil
		}},
		{ledgerbox.StageImportStore, ledgerbox.ProgressStoreImported, func(ctx context.Context) error {
			return snapshot.Import(ctx, ws.storePath(), r.svc.store)
		}},
		{ledgerbox.StageImportAttachments, ledgerbox.ProgressAttachmentsImported, func(ctx context.Context) error {
			res, err := attachments.Import(ctx, ws.attachmentDir(), r.svc.sink)
			if err != nil {
				return err
			}
			r.log.WithFields(logrus.Fields{"imported": res.Imported, "skipped": res.Skipped}).Info("attachments restored")
			return nil
		}},
	}

	if err := r.drive(ctx, steps); err != nil {
		return ledgerbox.ArchiveManifest{}, err
	}
	r.log.WithFields(logrus.Fields{"source": opts.Source(), "version": manifest.FormatVersion}).Info("restore complete")
	return manifest, nil
}

// checkStamp gates on the version that exported the snapshot. Archives
// written without a stamp are accepted on the manifest version alone.
func (r *run) checkStamp(ws *workspace) error {
	stamp, err := snapshot.ReadStamp(filepath.Join(filepath.Dir(ws.storePath()), snapshot.VersionStampName))
	if errors.Is(err, ledgerbox.ErrFileNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := version.CheckCompatible(stamp.AppVersion, r.svc.appVersion); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (r *run) fetch(ctx context.Context, opts ledgerbox.RestoreBackup) ([]byte, error) {
	switch {
	case opts.ID != "":
		return r.svc.catalog.Open(opts.ID)
	case opts.SourcePath != "":
		data, err := os.ReadFile(opts.SourcePath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ledgerbox.ErrFileNotFound, opts.SourcePath)
		}
		if err != nil {
			return nil, ledgerbox.IOError("read "+opts.SourcePath, err)
		}
		return data, nil
	default:
		return r.svc.remote.Download(ctx, opts.RemoteName, r.report(ledgerbox.ProgressStart, ledgerbox.ProgressFetched))
	}
}

func validateRestoreSource(opts ledgerbox.RestoreBackup) error {
	set := 0
	for _, s := range []string{opts.ID, opts.SourcePath, opts.RemoteName} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one of backup id, file path or remote name is required")
	}
	return nil
}

func defaultNow() time.Time {
	return time.Now()
}
