package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/system"
)

// ============================================================================
// Test Suite: Progress display
// ============================================================================

func TestProgressModelTracksSnapshots(t *testing.T) {
	var m tea.Model = newProgressModel("Creating backup")

	m, cmd := m.Update(snapshotMsg{Stage: ledgerbox.StagePackaging, Progress: 0.6})
	assert.Nil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "Creating backup")
	assert.Contains(t, view, "Packaging")

	m, cmd = m.Update(finishedMsg{})
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "Done")
	assert.NoError(t, m.(progressModel).err)
}

func TestProgressModelShowsFailure(t *testing.T) {
	var m tea.Model = newProgressModel("Restoring backup 1")
	m, _ = m.Update(finishedMsg{err: ledgerbox.ErrVersionIncompatible})
	assert.Contains(t, m.View(), ledgerbox.UserMessage(ledgerbox.ErrVersionIncompatible))
	assert.ErrorIs(t, m.(progressModel).err, ledgerbox.ErrVersionIncompatible)
}

func TestPlainProgressPrintsEachStageOnce(t *testing.T) {
	var out bytes.Buffer
	err := withPlainProgress(&out, "Creating backup", func(l system.ProgressListener) error {
		l(ledgerbox.PipelineSnapshot{Stage: ledgerbox.StageExportStore, Progress: 0})
		l(ledgerbox.PipelineSnapshot{Stage: ledgerbox.StageExportStore, Progress: 0.3})
		l(ledgerbox.PipelineSnapshot{Stage: ledgerbox.StagePublishing, Progress: 0.7})
		l(ledgerbox.PipelineSnapshot{Stage: ledgerbox.StageDone, Progress: 1})
		return nil
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Creating backup", lines[0])
	assert.Contains(t, lines[1], "Exporting ledger")
	assert.Contains(t, lines[2], "[ 70%] Publishing")
	assert.Contains(t, lines[3], "[100%] Complete")
}

func TestPlainProgressReturnsRunError(t *testing.T) {
	var out bytes.Buffer
	boom := errors.New("boom")
	err := withPlainProgress(&out, "x", func(system.ProgressListener) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestStageLabels(t *testing.T) {
	for _, s := range []ledgerbox.Stage{
		ledgerbox.StageExportStore, ledgerbox.StageExportAttachments, ledgerbox.StagePackaging,
		ledgerbox.StageArchiving, ledgerbox.StagePublishing, ledgerbox.StageFetching,
		ledgerbox.StageUnpacking, ledgerbox.StageValidating, ledgerbox.StageImportStore,
		ledgerbox.StageImportAttachments, ledgerbox.StageDone, ledgerbox.StageFailed,
	} {
		assert.NotEqual(t, string(s), stageLabel(s), s)
	}
}

// ============================================================================
// Test Suite: Commands
// ============================================================================

func TestRestoreOptionsNeedOneSource(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{}
		c.Flags().String("file", "", "")
		c.Flags().String("remote", "", "")
		return c
	}

	c := newCmd()
	opts, err := restoreOptions(c, []string{"1700000000"})
	require.NoError(t, err)
	assert.Equal(t, "1700000000", opts.ID)

	c = newCmd()
	require.NoError(t, c.Flags().Set("file", "/tmp/shared.archive"))
	opts, err = restoreOptions(c, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/shared.archive", opts.SourcePath)

	c = newCmd()
	_, err = restoreOptions(c, nil)
	assert.Error(t, err)

	c = newCmd()
	require.NoError(t, c.Flags().Set("remote", "backup_1.archive"))
	_, err = restoreOptions(c, []string{"1700000000"})
	assert.Error(t, err)
}

func TestPrintBackups(t *testing.T) {
	var out bytes.Buffer
	printBackups(&out, nil)
	assert.Contains(t, out.String(), "No backups found")

	out.Reset()
	printBackups(&out, []ledgerbox.BackupInfo{
		{ID: "1700000000", Date: time.Unix(1700000000, 0), AppVersion: "1.2.0", Size: 2048},
	})
	assert.Contains(t, out.String(), "1700000000")
	assert.Contains(t, out.String(), "1.2.0")
	assert.Contains(t, out.String(), "VERSION")
}

// ============================================================================
// Test Suite: Configuration
// ============================================================================

func TestLoadConfigFromEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	t.Setenv("LEDGERBOX_DATA_DIR", dir)
	t.Setenv("LEDGERBOX_REMOTE_KIND", "http")
	t.Setenv("LEDGERBOX_REMOTE_BASE_URL", "https://blobs.example.com")
	t.Setenv("LEDGERBOX_MIN_FREE_BYTES", "1024")

	setDefaults()
	viper.SetEnvPrefix("LEDGERBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, dir+"/backups", cfg.BackupDir)
	assert.Equal(t, ledgerbox.RemoteHTTP, cfg.Remote.Kind)
	assert.Equal(t, "https://blobs.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, uint64(1024), cfg.MinFreeBytes)
	assert.Equal(t, "lz", cfg.Compression)
	assert.Equal(t, 8090, cfg.Port)
}

func TestNewLoggerLevels(t *testing.T) {
	log, err := newLogger(ledgerbox.ServerConfig{LogLevel: "debug"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.Level)

	_, err = newLogger(ledgerbox.ServerConfig{LogLevel: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

// ============================================================================
// Test Suite: Service lifecycle
// ============================================================================

type fakeService struct {
	events *[]string
	name   string
}

func (f fakeService) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		*f.events = append(*f.events, "start "+f.name)
		started <- true
		<-stop
		*f.events = append(*f.events, "stop "+f.name)
		stopped <- true
	}()
	return nil
}

func TestServicesStopInReverseOrder(t *testing.T) {
	log, _ := test.NewNullLogger()
	var events []string

	running, err := startServices(log, []namedService{
		{"backup", fakeService{&events, "backup"}},
		{"web", fakeService{&events, "web"}},
	})
	require.NoError(t, err)
	stopServices(log, running, time.Second)

	assert.Equal(t, []string{"start backup", "start web", "stop web", "stop backup"}, events)
}
