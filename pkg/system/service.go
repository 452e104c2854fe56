package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/catalog"
)

/*
BackupService is the single long lived owner of the backup pipeline.

It is built once at startup and handed to whatever needs to start or
observe runs (CLI, REST API). At most one create or restore run holds the
live store at any time; any other request is refused with ErrPipelineBusy
rather than queued.
*/
type BackupService struct {
	config     ledgerbox.ServerConfig
	store      ledgerbox.StoreHandle
	records    ledgerbox.RecordSource
	sink       ledgerbox.RecordSink
	catalog    *catalog.Catalog
	remote     ledgerbox.RemoteBlobStore
	jobs       *ledgerbox.JobManager
	appVersion string
	log        logrus.FieldLogger
	now        func() time.Time

	busy    atomic.Bool
	current atomic.Pointer[ledgerbox.PipelineState]

	queue chan ledgerbox.Job

	subMu       sync.Mutex
	subscribers map[int]chan ledgerbox.Change
	nextSub     int
	seq         atomic.Uint64
}

type ServiceOptions struct {
	Config     ledgerbox.ServerConfig
	Store      ledgerbox.StoreHandle
	Records    ledgerbox.RecordSource
	Sink       ledgerbox.RecordSink
	Catalog    *catalog.Catalog
	Remote     ledgerbox.RemoteBlobStore // optional
	StateDB    *ledgerbox.StoreManager   // optional, enables job records
	AppVersion string
	Log        logrus.FieldLogger
}

func NewBackupService(opts ServiceOptions) (*BackupService, error) {
	if opts.Store == nil || opts.Records == nil || opts.Sink == nil || opts.Catalog == nil {
		return nil, fmt.Errorf("backup service needs a store, record source, record sink and catalog")
	}
	if opts.AppVersion == "" {
		return nil, fmt.Errorf("backup service needs an application version")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &BackupService{
		config:      opts.Config,
		store:       opts.Store,
		records:     opts.Records,
		sink:        opts.Sink,
		catalog:     opts.Catalog,
		remote:      opts.Remote,
		appVersion:  opts.AppVersion,
		log:         log.WithField("component", "backup"),
		now:         defaultNow,
		queue:       make(chan ledgerbox.Job, 1),
		subscribers: map[int]chan ledgerbox.Change{},
	}

	if opts.StateDB != nil {
		jm, err := ledgerbox.NewJobManager(opts.StateDB, s.publish)
		if err != nil {
			return nil, err
		}
		if n, err := jm.ClearOrphanedJobs(); err != nil {
			s.log.WithError(err).Warn("failed to clear orphaned jobs")
		} else if n > 0 {
			s.log.WithField("count", n).Warn("marked interrupted jobs as failed")
		}
		s.jobs = jm
	}
	return s, nil
}

func (s *BackupService) Catalog() *catalog.Catalog {
	return s.catalog
}

func (s *BackupService) Jobs() *ledgerbox.JobManager {
	return s.jobs
}

func (s *BackupService) HasRemote() bool {
	return s.remote != nil
}

func (s *BackupService) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return ledgerbox.ErrPipelineBusy
	}
	return nil
}

func (s *BackupService) release() {
	s.busy.Store(false)
}

// Busy reports whether a run is in flight.
func (s *BackupService) Busy() bool {
	return s.busy.Load()
}

// State returns the state of the in-flight run, or idle.
func (s *BackupService) State() ledgerbox.PipelineSnapshot {
	if st := s.current.Load(); st != nil {
		return st.Snapshot()
	}
	return ledgerbox.PipelineSnapshot{Stage: ledgerbox.StageIdle}
}

// CreateBackup runs the create pipeline on the calling goroutine.
func (s *BackupService) CreateBackup(ctx context.Context, opts ledgerbox.CreateBackup, onProgress ProgressListener) (ledgerbox.BackupInfo, error) {
	if err := s.acquire(); err != nil {
		return ledgerbox.BackupInfo{}, err
	}
	defer s.release()
	return s.runCreate(ctx, opts, s.logStages("backup-create", onProgress))
}

// RestoreBackup runs the restore pipeline on the calling goroutine.
func (s *BackupService) RestoreBackup(ctx context.Context, opts ledgerbox.RestoreBackup, onProgress ProgressListener) (ledgerbox.ArchiveManifest, error) {
	if err := s.acquire(); err != nil {
		return ledgerbox.ArchiveManifest{}, err
	}
	defer s.release()
	return s.runRestore(ctx, opts, s.logStages("backup-restore", onProgress))
}

// logStages logs each stage of a run that is not tracked as a job, then
// forwards the snapshot to next.
func (s *BackupService) logStages(step string, next ProgressListener) ProgressListener {
	l := ledgerbox.NewConsoleSubLogger(s.log, step)
	last := ledgerbox.StageIdle
	return func(snap ledgerbox.PipelineSnapshot) {
		if snap.Stage != last {
			last = snap.Stage
			l.Progress(int(snap.Progress*100)).Logf("%s", snap.Stage)
		}
		if next != nil {
			next(snap)
		}
	}
}

func (s *BackupService) runCreate(ctx context.Context, opts ledgerbox.CreateBackup, onProgress ProgressListener) (ledgerbox.BackupInfo, error) {
	r := s.newRun("create", onProgress)
	s.current.Store(r.state)
	defer s.current.Store(nil)
	return r.create(ctx, opts)
}

func (s *BackupService) runRestore(ctx context.Context, opts ledgerbox.RestoreBackup, onProgress ProgressListener) (ledgerbox.ArchiveManifest, error) {
	r := s.newRun("restore", onProgress)
	s.current.Store(r.state)
	defer s.current.Store(nil)
	return r.restore(ctx, opts)
}

// StartCreate queues a create run on the worker and returns its job id.
// It fails immediately with ErrPipelineBusy if a run is in flight.
func (s *BackupService) StartCreate(opts ledgerbox.CreateBackup) (string, error) {
	return s.start(opts)
}

// StartRestore is StartCreate for restores.
func (s *BackupService) StartRestore(opts ledgerbox.RestoreBackup) (string, error) {
	if err := validateRestoreSource(opts); err != nil {
		return "", err
	}
	return s.start(opts)
}

func (s *BackupService) start(a ledgerbox.Action) (string, error) {
	if err := s.acquire(); err != nil {
		return "", err
	}

	j := ledgerbox.Job{
		A:     a,
		ID:    uuid.NewString(),
		Start: s.now(),
	}
	j.Logger = ledgerbox.NewActionLogger(j, s.log, s.jobProgress)

	if s.jobs != nil {
		if _, err := s.jobs.CreateJobRecord(j); err != nil {
			s.release()
			return "", err
		}
	}

	// the busy gate admits one job at a time, so this never blocks
	s.queue <- j
	return j.ID, nil
}

func (s *BackupService) jobProgress(p ledgerbox.ActionProgress) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.UpdateJobProgress(p); err != nil {
		s.log.WithError(err).WithField("job", p.ActionID).Warn("failed to record job progress")
	}
}

// Run starts the worker goroutine that executes queued jobs. A run that is
// in flight when stop arrives is finished before stopped is signalled.
func (s *BackupService) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					s.abandonQueued()
					return
				case j := <-s.queue:
					s.execute(context.Background(), j)
				}
			}
		}()
		started <- true
		<-stop
		cancel()
		<-done
		stopped <- true
	}()
	return nil
}

var errStopped = errors.New("backup service stopped before the job started")

// abandonQueued fails every job still waiting when the worker stops, so the
// busy gate is not left held by a run that will never happen.
func (s *BackupService) abandonQueued() {
	for {
		select {
		case j := <-s.queue:
			s.log.WithField("job", j.ID).Warn("dropping queued job on shutdown")
			s.finish(j, "", errStopped)
		default:
			return
		}
	}
}

func (s *BackupService) execute(ctx context.Context, j ledgerbox.Job) {
	var lastStage ledgerbox.Stage
	listener := func(snap ledgerbox.PipelineSnapshot) {
		s.publish(ledgerbox.Change{
			ID:     j.ID,
			Type:   "progress",
			Update: ledgerbox.ProgressUpdate{JobID: j.ID, Stage: snap.Stage, Fraction: snap.Progress},
		})
		if snap.Stage != lastStage {
			lastStage = snap.Stage
			j.Logger.Step(string(snap.Stage)).Progress(int(snap.Progress * 100)).Logf("%s", snap.Stage)
		}
	}

	var (
		backupID string
		err      error
	)
	switch a := j.A.(type) {
	case ledgerbox.CreateBackup:
		var info ledgerbox.BackupInfo
		info, err = s.runCreate(ctx, a, listener)
		backupID = info.ID
		j.Success = info
	case ledgerbox.RestoreBackup:
		_, err = s.runRestore(ctx, a, listener)
		backupID = a.ID
	default:
		err = fmt.Errorf("unknown action %q", j.A.ActionName())
	}

	s.finish(j, backupID, err)
}

// finish records the outcome of j, releases the busy gate and announces the
// result to subscribers.
func (s *BackupService) finish(j ledgerbox.Job, backupID string, err error) {
	if err != nil {
		j.Err = ledgerbox.UserMessage(err)
		var se *ledgerbox.StageError
		if errors.As(err, &se) {
			j.Stage = se.Stage
		}
	}
	if s.jobs != nil {
		if cerr := s.jobs.CompleteJob(j.ID, backupID, err); cerr != nil {
			s.log.WithError(cerr).WithField("job", j.ID).Warn("failed to complete job record")
		}
	}
	s.release()
	s.publish(ledgerbox.Change{ID: j.ID, Type: j.A.ActionName(), Error: j.Err, Update: j.Success})
}

// Subscribe returns a channel of every change published by the service and
// a function that ends the subscription. Slow subscribers miss changes
// rather than stalling a run.
func (s *BackupService) Subscribe() (<-chan ledgerbox.Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan ledgerbox.Change, 64)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subscribers, id)
			close(ch)
		})
	}
}

func (s *BackupService) publish(c ledgerbox.Change) {
	c.Seq = s.seq.Add(1)
	c.TS = s.now().UnixMilli()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}
