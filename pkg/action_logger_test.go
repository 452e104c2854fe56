package ledgerbox

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(buf)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return log, buf
}

type progressRecorder struct {
	mu    sync.Mutex
	lines []ActionProgress
}

func (r *progressRecorder) sink(p ActionProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, p)
}

// ============================================================================
// Test Suite: Basic Logging
// ============================================================================

func TestActionLoggerCreation(t *testing.T) {
	job := createTestJob("CreateBackup")
	logger := NewActionLogger(job, nil, nil)

	assert.NotNil(t, logger)
	assert.Equal(t, job.ID, logger.Job.ID)
	assert.Empty(t, logger.Steps)
}

func TestActionLoggerLogMessage(t *testing.T) {
	log, buf := newTestLogger()
	rec := &progressRecorder{}
	job := createTestJob("CreateBackup")
	logger := NewActionLogger(job, log, rec.sink)

	logger.Step(string(StageExportStore)).Progress(30).Logf("Exported %d files", 2)

	require.Len(t, rec.lines, 1)
	line := rec.lines[0]
	assert.Equal(t, job.ID, line.ActionID)
	assert.Equal(t, 30, line.Progress)
	assert.Equal(t, string(StageExportStore), line.Step)
	assert.Equal(t, "Exported 2 files", line.Msg)
	assert.False(t, line.Error)

	out := buf.String()
	assert.Contains(t, out, "Exported 2 files")
	assert.Contains(t, out, "job="+job.ID)
	assert.Contains(t, out, "progress=30")
}

func TestActionLoggerLogError(t *testing.T) {
	log, buf := newTestLogger()
	rec := &progressRecorder{}
	logger := NewActionLogger(createTestJob("CreateBackup"), log, rec.sink)

	logger.Step("packaging").Errf("failed: %s", "boom")

	require.Len(t, rec.lines, 1)
	assert.True(t, rec.lines[0].Error)
	assert.Contains(t, buf.String(), "level=error")
}

// ============================================================================
// Test Suite: Step Management
// ============================================================================

func TestActionLoggerSameStepReturnsSameInstance(t *testing.T) {
	logger := NewActionLogger(createTestJob("CreateBackup"), nil, nil)

	a := logger.Step("archiving")
	b := logger.Step("archiving")
	assert.Same(t, a, b)
	assert.Len(t, logger.Steps, 1)
}

func TestActionLoggerProgressClamped(t *testing.T) {
	logger := NewActionLogger(createTestJob("CreateBackup"), nil, nil)

	step := logger.Step("publishing")
	step.Progress(150)
	assert.Equal(t, 100, step.progress)
	step.Progress(-5)
	assert.Equal(t, 0, step.progress)
}

func TestConsoleSubLogger(t *testing.T) {
	log, buf := newTestLogger()
	l := NewConsoleSubLogger(log, "catalog")
	l.Progress(10).Log("listing")
	l.Err("bad archive")

	out := buf.String()
	assert.Contains(t, out, "step=catalog")
	assert.Contains(t, out, "listing")
	assert.Contains(t, out, "bad archive")
}
