package ledgerbox

import "time"

// A Job is created when an Action is accepted by the BackupService.
// Jobs run on the service worker and result in a Change being
// published to subscribers.
type Job struct {
	A       Action
	ID      string
	Err     string
	Stage   Stage // failing stage when Err is set
	Success any
	Start   time.Time // set when the job is first created, for calculating duration
	Logger  *actionLogger
}

// A Change can be the result of a Job (same ID) or
// represent an internal change originating elsewhere,
// such as progress of an inflight run.
type Change struct {
	ID string `json:"id"`
	// Seq is a monotonically increasing sequence number for ordering changes on the client.
	Seq    uint64 `json:"seq"`
	TS     int64  `json:"ts"`
	Error  string `json:"error"`
	Type   string `json:"type"`
	Update Update `json:"update"`
}

// Represents some information about an action underway
type ActionProgress struct {
	ActionID  string        `json:"actionID"`
	Progress  int           `json:"progress"` // 0-100
	Step      string        `json:"step"`     // the pipeline stage we're up to
	Msg       string        `json:"msg"`
	Error     bool          `json:"error"`
	StepTaken time.Duration `json:"step_taken"`
}

/* Actions are passed to the BackupService and represent
 * runs of the backup pipeline. All Actions must implement
 * ActionName() to provide a string identifier.
 */
type Action interface {
	ActionName() string
}

// CreateBackup runs the create pipeline.
type CreateBackup struct {
	Compression CompressionMethod
	Upload      bool // also publish to the configured remote
}

func (CreateBackup) ActionName() string { return "backup-create" }

// RestoreBackup runs the restore pipeline. Exactly one source is set.
type RestoreBackup struct {
	ID         string // catalog id
	SourcePath string // an archive file anywhere on disk
	RemoteName string // object name on the configured remote
}

func (RestoreBackup) ActionName() string { return "backup-restore" }

func (r RestoreBackup) Source() string {
	switch {
	case r.ID != "":
		return "backup " + r.ID
	case r.SourcePath != "":
		return r.SourcePath
	default:
		return "remote " + r.RemoteName
	}
}

/* Updates are responses to Actions or internal state
 * changes, wrapped in a Change. They need to be
 * json-marshalable.
 */
type Update any

type ProgressUpdate struct {
	JobID    string  `json:"jobID"`
	Stage    Stage   `json:"stage"`
	Fraction float64 `json:"fraction"`
}
