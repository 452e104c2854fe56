package ledgerbox

import (
	"fmt"
	"sync"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobRecord is a persisted pipeline run
type JobRecord struct {
	ID             string     `json:"id"`
	Started        time.Time  `json:"started"`
	Finished       *time.Time `json:"finished"` // nil if not finished
	DisplayName    string     `json:"displayName"`
	Progress       int        `json:"progress"` // 0-100
	Status         JobStatus  `json:"status"`
	Stage          Stage      `json:"stage"`
	SummaryMessage string     `json:"summaryMessage"`
	ErrorMessage   string     `json:"errorMessage"`
	Retryable      bool       `json:"retryable"`
	BackupID       string     `json:"backupID,omitempty"`
}

// JobManager handles job persistence and state management
type JobManager struct {
	store      *TypeStore[JobRecord]
	activeJobs map[string]*JobRecord // in-memory cache of active jobs
	jobsMutex  sync.RWMutex
	publish    func(Change)
}

func NewJobManager(sm *StoreManager, publish func(Change)) (*JobManager, error) {
	store, err := GetTypeStore[JobRecord](sm)
	if err != nil {
		return nil, err
	}
	return &JobManager{
		store:      store,
		activeJobs: make(map[string]*JobRecord),
		publish:    publish,
	}, nil
}

// CreateJobRecord creates a new job record from a Job
func (jm *JobManager) CreateJobRecord(j Job) (*JobRecord, error) {
	jm.jobsMutex.Lock()
	defer jm.jobsMutex.Unlock()

	record := &JobRecord{
		ID:             j.ID,
		Started:        j.Start,
		DisplayName:    jm.getDisplayName(j),
		Status:         JobStatusQueued,
		Stage:          StageIdle,
		SummaryMessage: "Job queued",
	}

	if err := jm.store.Set(j.ID, *record); err != nil {
		return nil, fmt.Errorf("failed to store job record: %w", err)
	}
	jm.activeJobs[j.ID] = record

	jm.emit("job:created", record)
	return record, nil
}

// UpdateJobProgress updates job progress from ActionProgress
func (jm *JobManager) UpdateJobProgress(ap ActionProgress) error {
	jm.jobsMutex.Lock()
	defer jm.jobsMutex.Unlock()

	record, ok := jm.activeJobs[ap.ActionID]
	if !ok {
		recordValue, err := jm.store.Get(ap.ActionID)
		if err != nil {
			return fmt.Errorf("job not found: %s", ap.ActionID)
		}
		record = &recordValue
		jm.activeJobs[ap.ActionID] = record
	}

	if ap.Progress > record.Progress {
		record.Progress = ap.Progress
	}
	if record.Status == JobStatusQueued {
		record.Status = JobStatusInProgress
	}
	if ap.Step != "" {
		record.Stage = Stage(ap.Step)
	}
	record.SummaryMessage = ap.Msg
	if ap.Error {
		record.ErrorMessage = ap.Msg
	}

	if err := jm.store.Set(record.ID, *record); err != nil {
		return err
	}
	jm.emit("job:updated", record)
	return nil
}

// CompleteJob marks a job as finished. A nil err means success.
func (jm *JobManager) CompleteJob(jobID string, backupID string, err error) error {
	jm.jobsMutex.Lock()
	defer jm.jobsMutex.Unlock()

	record, ok := jm.activeJobs[jobID]
	if !ok {
		recordValue, loadErr := jm.store.Get(jobID)
		if loadErr != nil {
			return fmt.Errorf("job not found: %s", jobID)
		}
		record = &recordValue
	}

	now := time.Now()
	record.Finished = &now
	record.BackupID = backupID

	if err != nil {
		record.Status = JobStatusFailed
		record.ErrorMessage = err.Error()
		record.SummaryMessage = UserMessage(err)
		record.Retryable = Retryable(err)
		record.Stage = StageFailed
	} else {
		record.Status = JobStatusCompleted
		record.Progress = 100
		record.Stage = StageDone
		record.SummaryMessage = "Job completed successfully"
	}

	delete(jm.activeJobs, jobID)

	if storeErr := jm.store.Set(record.ID, *record); storeErr != nil {
		return storeErr
	}

	eventType := "job:completed"
	if err != nil {
		eventType = "job:failed"
	}
	jm.emit(eventType, record)
	return nil
}

// GetJob retrieves a job record by ID
func (jm *JobManager) GetJob(jobID string) (*JobRecord, error) {
	jm.jobsMutex.RLock()
	defer jm.jobsMutex.RUnlock()

	if record, ok := jm.activeJobs[jobID]; ok {
		copied := *record
		return &copied, nil
	}

	record, err := jm.store.Get(jobID)
	if err != nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return &record, nil
}

// IsJobActive returns true if the job has not completed yet
func (jm *JobManager) IsJobActive(jobID string) bool {
	jm.jobsMutex.RLock()
	defer jm.jobsMutex.RUnlock()
	_, ok := jm.activeJobs[jobID]
	return ok
}

// GetAllJobs retrieves all job records, newest first
func (jm *JobManager) GetAllJobs() ([]JobRecord, error) {
	query := fmt.Sprintf("SELECT value FROM %s ORDER BY json_extract(value, '$.started') DESC", jm.store.Table)
	return jm.store.Exec(query)
}

// GetRecentJobs retrieves recent completed/failed jobs
func (jm *JobManager) GetRecentJobs(limit int) ([]JobRecord, error) {
	query := fmt.Sprintf("SELECT value FROM %s WHERE json_extract(value, '$.status') IN ('completed', 'failed') ORDER BY json_extract(value, '$.finished') DESC LIMIT ?", jm.store.Table)
	return jm.store.Exec(query, limit)
}

// ClearCompletedJobs removes completed/failed jobs older than the specified duration
func (jm *JobManager) ClearCompletedJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Format(time.RFC3339Nano)
	query := fmt.Sprintf(`DELETE FROM %s
		WHERE json_extract(value, '$.status') IN ('completed', 'failed')
		  AND json_extract(value, '$.finished') IS NOT NULL
		  AND json_extract(value, '$.finished') < ?`, jm.store.Table)

	count, err := jm.store.ExecWrite(query, cutoff)
	return int(count), err
}

// ClearOrphanedJobs marks jobs left queued/in_progress by a previous
// process as failed. A run cannot survive a restart.
func (jm *JobManager) ClearOrphanedJobs() (int, error) {
	jm.jobsMutex.Lock()
	defer jm.jobsMutex.Unlock()

	query := fmt.Sprintf(`UPDATE %s SET value = json_set(json_set(json_set(value, '$.status', 'failed'), '$.errorMessage', 'Job was interrupted by a restart'), '$.finished', ?) WHERE json_extract(value, '$.status') IN ('queued', 'in_progress')`, jm.store.Table)
	count, err := jm.store.ExecWrite(query, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	jm.activeJobs = make(map[string]*JobRecord)
	return int(count), nil
}

func (jm *JobManager) getDisplayName(j Job) string {
	switch a := j.A.(type) {
	case CreateBackup:
		if a.Upload {
			return "Create and upload backup"
		}
		return "Create backup"
	case RestoreBackup:
		return fmt.Sprintf("Restore %s", a.Source())
	default:
		return "Backup operation"
	}
}

func (jm *JobManager) emit(changeType string, record *JobRecord) {
	if jm.publish == nil {
		return
	}
	copied := *record
	jm.publish(Change{ID: "internal", Type: changeType, Update: copied})
}
