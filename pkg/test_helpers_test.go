package ledgerbox

import (
	"fmt"
	"sync"
	"time"
)

// changeRecorder collects published changes for assertions
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) publish(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Type)
	}
	return out
}

// setupTestJobManager creates a JobManager backed by an in-memory database
func setupTestJobManager() (*JobManager, *changeRecorder, error) {
	sm, err := NewStoreManager(":memory:")
	if err != nil {
		return nil, nil, err
	}
	rec := &changeRecorder{}
	jm, err := NewJobManager(sm, rec.publish)
	if err != nil {
		return nil, nil, err
	}
	return jm, rec, nil
}

// createTestJob creates a test Job with the specified action type
func createTestJob(actionType string) Job {
	job := Job{
		ID:    fmt.Sprintf("test-job-%d", time.Now().UnixNano()),
		Start: time.Now(),
	}

	switch actionType {
	case "CreateBackup":
		job.A = CreateBackup{Compression: CompressionLZGeneric}
	case "UploadBackup":
		job.A = CreateBackup{Compression: CompressionLZGeneric, Upload: true}
	case "RestoreBackup":
		job.A = RestoreBackup{ID: "1700000000"}
	}
	return job
}

func createTestActionProgress(jobID string, progress int, step string, msg string) ActionProgress {
	return ActionProgress{
		ActionID: jobID,
		Progress: progress,
		Step:     step,
		Msg:      msg,
	}
}
