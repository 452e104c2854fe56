package ledgerbox

import (
	"sort"
	"sync"
)

type Stage string

const (
	StageIdle Stage = "idle"

	// create
	StageExportStore       Stage = "exporting-store"
	StageExportAttachments Stage = "exporting-attachments"
	StagePackaging         Stage = "packaging"
	StageArchiving         Stage = "archiving"
	StagePublishing        Stage = "publishing"

	// restore, in the order they run
	StageFetching          Stage = "restoring-fetch"
	StageUnpacking         Stage = "restoring-unpack"
	StageValidating        Stage = "restoring-validate"
	StageImportStore       Stage = "restoring-store"
	StageImportAttachments Stage = "restoring-attachments"

	StageDone   Stage = "done"
	StageFailed Stage = "failed"
)

// Progress checkpoints reported when a stage completes.
const (
	ProgressStart             = 0.0
	ProgressStoreExported     = 0.3
	ProgressAttachmentsStaged = 0.6
	ProgressPackaged          = 0.7
	ProgressPublished         = 1.0

	ProgressFetched             = 0.3
	ProgressUnpacked            = 0.4
	ProgressValidated           = 0.5
	ProgressStoreImported       = 0.8
	ProgressAttachmentsImported = 1.0
)

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Mutating reports whether a failure in this stage may leave the live store
// partially replaced.
func (s Stage) Mutating() bool {
	return s == StageImportStore || s == StageImportAttachments
}

// PipelineState is owned by exactly one in-flight run.
type PipelineState struct {
	mu       sync.Mutex
	stage    Stage
	progress float64
	tempDirs map[string]struct{}
}

func NewPipelineState() *PipelineState {
	return &PipelineState{stage: StageIdle, tempDirs: map[string]struct{}{}}
}

// Advance moves to stage s. Progress never goes backwards.
func (p *PipelineState) Advance(s Stage, progress float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = s
	if progress > p.progress {
		p.progress = progress
	}
}

func (p *PipelineState) SetProgress(progress float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if progress > 1 {
		progress = 1
	}
	if progress > p.progress {
		p.progress = progress
	}
	return p.progress
}

func (p *PipelineState) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

func (p *PipelineState) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *PipelineState) AddTempDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tempDirs[dir] = struct{}{}
}

func (p *PipelineState) TempDirs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.tempDirs))
	for d := range p.tempDirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (p *PipelineState) ForgetTempDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tempDirs, dir)
}

// Snapshot is a copy of the state safe to hand to other goroutines.
type PipelineSnapshot struct {
	Stage    Stage   `json:"stage"`
	Progress float64 `json:"progress"`
}

func (p *PipelineState) Snapshot() PipelineSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PipelineSnapshot{Stage: p.stage, Progress: p.progress}
}
