// Package tui is the `courier watch` monitor: recent runs, their step
// attempts, and queue depth, refreshed while anything is active.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/storage"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
)

const (
	listLimit       = 30
	refreshInterval = 2 * time.Second
)

type App struct {
	source Source

	view        View
	runs        []storage.RunSummary
	counts      map[models.Stage]int
	selectedIdx int
	detail      *models.WorkflowRun
	notice      string

	spinner  spinner.Model
	viewport viewport.Model

	width  int
	height int
	err    error
}

func NewApp(source Source) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	return &App{
		source:   source,
		view:     ViewRunList,
		spinner:  sp,
		viewport: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.spinner.Tick, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if !run.State.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-detailChrome, 3)
		return a, nil

	case runsLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.runs = msg.runs
			a.counts = msg.counts
			if a.selectedIdx >= len(a.runs) {
				a.selectedIdx = max(len(a.runs)-1, 0)
			}
		}
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{a.tickCmd()}
		switch {
		case a.view == ViewRunDetail && a.detail != nil && !a.detail.State.Terminal():
			cmds = append(cmds, a.loadRunDetail(a.detail.RunID))
		case a.view == ViewRunList:
			// Idle lists still refresh to pick up runs started elsewhere.
			cmds = append(cmds, a.loadRuns)
		}
		return a, tea.Batch(cmds...)

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.detail = msg.run
			a.viewport.SetContent(a.renderAttempts(msg.run))
			a.view = ViewRunDetail
		}
		return a, nil

	case cancelRequestedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("Cancel requested for %s.", msg.runID)
		}
		return a, a.loadRuns

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run, ok := a.selected(); ok {
			return a, a.loadRunDetail(run.RunID)
		}

	case "r":
		a.notice = ""
		return a, a.loadRuns

	case "x":
		if run, ok := a.selected(); ok && !run.State.Terminal() {
			return a, a.requestCancel(run.RunID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.detail = nil
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "x":
		if a.detail != nil && !a.detail.State.Terminal() {
			return a, a.requestCancel(a.detail.RunID)
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) selected() (storage.RunSummary, bool) {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.runs) {
		return storage.RunSummary{}, false
	}
	return a.runs[a.selectedIdx], true
}

// Messages

type runsLoadedMsg struct {
	runs   []storage.RunSummary
	counts map[models.Stage]int
	err    error
}

type runDetailMsg struct {
	run *models.WorkflowRun
	err error
}

type cancelRequestedMsg struct {
	runID string
	err   error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.source.ListRuns(listLimit)
	if err != nil {
		return runsLoadedMsg{err: err}
	}
	counts, err := a.source.QueueCounts()
	return runsLoadedMsg{runs: runs, counts: counts, err: err}
}

func (a *App) loadRunDetail(runID string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.source.ReadRun(runID)
		return runDetailMsg{run: run, err: err}
	}
}

func (a *App) requestCancel(runID string) tea.Cmd {
	return func() tea.Msg {
		return cancelRequestedMsg{runID: runID, err: a.source.RequestCancel(runID)}
	}
}
