package main

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#58a6ff"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#3fb950"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f85149"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e"))
)

// maxLogLines is how many recent per-feed lines the monitor keeps on screen.
const maxLogLines = 10

type eventMsg wireEvent

// streamDoneMsg is sent when the SSE stream ends.
type streamDoneMsg struct {
	err error
}

// monitorModel renders one bulk refresh as it streams.
type monitorModel struct {
	spinner  spinner.Model
	bar      progress.Model
	total    int
	done     int
	success  int
	errors   int
	lines    []string
	finished bool
	err      error
	stats    *wireEvent
	width    int
}

func newMonitor() monitorModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = titleStyle
	return monitorModel{
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient()),
		width:   80,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(msg.Width-4, 60)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		return m.applyEvent(wireEvent(msg))

	case streamDoneMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m monitorModel) applyEvent(ev wireEvent) (tea.Model, tea.Cmd) {
	switch ev.Type {
	case "start":
		m.total = ev.TotalFeeds
		m.push(dimStyle.Render(fmt.Sprintf("refreshing %d feeds (op %s)", ev.TotalFeeds, ev.OperationID)))
	case "feed_refreshing":
		m.push(dimStyle.Render("… " + ev.Title))
	case "feed_complete":
		m.done++
		m.success++
		m.push(okStyle.Render("✓ ") + fmt.Sprintf("%s (%d new)", ev.Title, ev.NewArticles))
	case "feed_error":
		m.done++
		m.errors++
		m.push(errStyle.Render("✗ ") + fmt.Sprintf("%s: %s", ev.Title, ev.Error))
	case "complete":
		m.stats = &ev
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *monitorModel) push(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
}

func (m monitorModel) View() string {
	if m.finished {
		return ""
	}

	header := titleStyle.Render("syndicate refresh")
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}
	status := fmt.Sprintf("%s %d/%d  %s  %s",
		m.spinner.View(), m.done, m.total,
		okStyle.Render(fmt.Sprintf("%d ok", m.success)),
		errStyle.Render(fmt.Sprintf("%d failed", m.errors)))

	out := header + "\n\n" + m.bar.ViewAs(pct) + "\n" + status + "\n\n"
	for _, line := range m.lines {
		out += line + "\n"
	}
	return out
}

func runRefresh(c *client, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}

	resp, err := openStream(c, ids)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	p := tea.NewProgram(newMonitor())

	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		err := readEvents(scanner, func(ev wireEvent) bool {
			p.Send(eventMsg(ev))
			return ev.Type != "complete"
		})
		p.Send(streamDoneMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}

	m := final.(monitorModel)
	if m.err != nil {
		return m.err
	}
	if m.stats == nil || m.stats.Stats == nil {
		return fmt.Errorf("stream ended without a complete event")
	}

	st := m.stats.Stats
	fmt.Printf("refreshed: %d ok, %d failed\n", st.Success, st.Errors)
	for _, f := range st.FailedFeeds {
		fmt.Printf("  %s: %s\n", f.Title, f.Error)
	}
	return nil
}
