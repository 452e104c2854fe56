package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/system"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	stageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// snapshotMsg carries one pipeline update into the program.
type snapshotMsg ledgerbox.PipelineSnapshot

// finishedMsg ends the program once the run returns.
type finishedMsg struct{ err error }

// progressModel renders a single create or restore run.
type progressModel struct {
	title string
	bar   progress.Model
	snap  ledgerbox.PipelineSnapshot
	err   error
	done  bool
}

func newProgressModel(title string) progressModel {
	return progressModel{
		title: title,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		snap:  ledgerbox.PipelineSnapshot{Stage: ledgerbox.StageIdle},
	}
}

func (m progressModel) Init() tea.Cmd {
	return nil
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = ledgerbox.PipelineSnapshot(msg)
	case finishedMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case tea.WindowSizeMsg:
		if w := msg.Width - 10; w > 10 && w < 80 {
			m.bar.Width = w
		}
	case tea.KeyMsg:
		// a run cannot be interrupted safely, keys are ignored
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n  ")
	b.WriteString(m.bar.ViewAs(m.snap.Progress))
	b.WriteString("\n  ")
	b.WriteString(stageStyle.Render(stageLabel(m.snap.Stage)))
	b.WriteString("\n")
	if m.done {
		if m.err != nil {
			b.WriteString("\n" + errStyle.Render(ledgerbox.UserMessage(m.err)) + "\n")
		} else {
			b.WriteString("\n" + okStyle.Render("Done") + "\n")
		}
	}
	return b.String()
}

func stageLabel(s ledgerbox.Stage) string {
	switch s {
	case ledgerbox.StageIdle:
		return "Waiting"
	case ledgerbox.StageExportStore:
		return "Exporting ledger"
	case ledgerbox.StageExportAttachments:
		return "Exporting attachments"
	case ledgerbox.StagePackaging:
		return "Packaging"
	case ledgerbox.StageArchiving:
		return "Writing archive"
	case ledgerbox.StagePublishing:
		return "Publishing"
	case ledgerbox.StageFetching:
		return "Fetching archive"
	case ledgerbox.StageUnpacking:
		return "Unpacking"
	case ledgerbox.StageValidating:
		return "Validating"
	case ledgerbox.StageImportStore:
		return "Replacing ledger"
	case ledgerbox.StageImportAttachments:
		return "Restoring attachments"
	case ledgerbox.StageDone:
		return "Complete"
	case ledgerbox.StageFailed:
		return "Failed"
	}
	return string(s)
}

// withProgress runs fn and shows its progress: a live bar on a terminal,
// one line per stage otherwise.
func withProgress(title string, plain bool, fn func(system.ProgressListener) error) error {
	if plain || !isTerminal(os.Stdout) {
		return withPlainProgress(os.Stdout, title, fn)
	}

	p := tea.NewProgram(newProgressModel(title))
	go func() {
		err := fn(func(s ledgerbox.PipelineSnapshot) { p.Send(snapshotMsg(s)) })
		p.Send(finishedMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("failed to run progress display: %w", err)
	}
	return final.(progressModel).err
}

func withPlainProgress(w io.Writer, title string, fn func(system.ProgressListener) error) error {
	fmt.Fprintln(w, title)
	var last ledgerbox.Stage
	return fn(func(s ledgerbox.PipelineSnapshot) {
		if s.Stage == last {
			return
		}
		last = s.Stage
		fmt.Fprintf(w, "  [%3d%%] %s\n", int(s.Progress*100), stageLabel(s.Stage))
	})
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}
