package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/narraforge/core/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	stageStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "live-watch a job's progress events",
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			jobID, err := uuid.Parse(c.Args().First())
			if err != nil {
				return fmt.Errorf("watch: invalid job id: %w", err)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			program := tea.NewProgram(newWatchModel(jobID))

			watchCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				_ = a.Manager.Subscribe(watchCtx, jobID, func(e domain.JobEvent) {
					program.Send(eventMsg{e})
				})
			}()

			_, err = program.Run()
			return err
		},
	}
}

// eventMsg wraps one domain.JobEvent as a bubbletea message, the bridge
// between Manager.Subscribe's callback style and the Elm-architecture
// Update loop.
type eventMsg struct{ event domain.JobEvent }

type watchModel struct {
	jobID    uuid.UUID
	progress progress.Model
	log      []string
	stage    int
	terminal bool
	failed   bool
	message  string
}

func newWatchModel(jobID uuid.UUID) watchModel {
	return watchModel{
		jobID:    jobID,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

func (m watchModel) Init() tea.Cmd { return nil }

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case eventMsg:
		e := msg.event
		if e.Stage > 0 {
			m.stage = e.Stage
		}
		line := fmt.Sprintf("[%s] stage=%d progress=%d%% %s", e.Kind, e.Stage, e.Progress, e.Message)
		m.log = append(m.log, line)
		if len(m.log) > 20 {
			m.log = m.log[len(m.log)-20:]
		}
		switch e.Kind {
		case domain.EventJobComplete:
			m.terminal = true
			m.message = "production complete"
			return m, tea.Quit
		case domain.EventJobFailed:
			m.terminal = true
			m.failed = true
			m.message = e.Message
			return m, tea.Quit
		case domain.EventJobCancelled:
			m.terminal = true
			m.message = "cancelled"
			return m, tea.Quit
		}
		cmd := m.progress.SetPercent(float64(e.Progress) / 100)
		return m, cmd
	case progress.FrameMsg:
		updated, cmd := m.progress.Update(msg)
		m.progress = updated.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	header := headerStyle.Render(fmt.Sprintf("narraforge job %s — stage %d/10", m.jobID, m.stage))
	bar := m.progress.View()
	var footer string
	switch {
	case m.terminal && m.failed:
		footer = errorStyle.Render("FAILED: " + m.message)
	case m.terminal:
		footer = doneStyle.Render(m.message)
	default:
		footer = stageStyle.Render("press q to detach (the job keeps running)")
	}

	body := ""
	for _, line := range m.log {
		body += stageStyle.Render(line) + "\n"
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s\n%s\n", header, bar, body, footer)
}
