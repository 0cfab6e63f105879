// Package tui renders a live scan's progress in the terminal, fed by the
// gateway's SSE event stream.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/CosmoTheDev/webscan-engine/internal/events"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// findingFeedMax bounds the finding feed so long scans don't grow the
// view without bound.
const findingFeedMax = 12

type moduleRow struct {
	name     string
	status   models.SubScanStatus
	findings int
}

type findingRow struct {
	severity string
	title    string
	location string
}

type streamClosedMsg struct{}

// WatchModel is the bubbletea model behind `webscan watch`.
type WatchModel struct {
	scanID string
	stream <-chan any

	target     string
	phase      string
	status     string
	progress   float64
	completed  int
	total      int
	currentURL string
	counters   models.SeverityCounts
	modules    map[string]*moduleRow
	order      []string
	findings   []findingRow
	dropped    int
	streamErr  error
	done       bool

	width  int
	height int
}

// Watch connects to the gateway and runs the live view until the scan
// finishes or the user quits.
func Watch(ctx context.Context, gatewayURL, scanID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := OpenStream(ctx, gatewayURL, scanID)
	if err != nil {
		return err
	}

	m := WatchModel{
		scanID:  scanID,
		stream:  stream,
		phase:   models.PhaseInitializing,
		status:  string(models.ScanRunning),
		modules: make(map[string]*moduleRow),
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return m.waitForEvent()
}

// waitForEvent blocks on the SSE channel and feeds the next frame back
// into Update.
func (m WatchModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.stream
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case streamClosedMsg:
		m.done = true
		return m, nil

	case StreamError:
		m.streamErr = msg.Err
		m.done = true
		return m, nil

	case Envelope:
		m.apply(msg)
		return m, m.waitForEvent()
	}
	return m, nil
}

// apply folds one event into the model.
func (m *WatchModel) apply(evt Envelope) {
	switch evt.Type {
	case events.TypeScanStarted:
		var d events.ScanStartedData
		if json.Unmarshal(evt.Data, &d) == nil {
			m.target = d.Target
			m.total = d.TotalModules
		}

	case events.TypeScanPhase:
		var d events.ScanPhaseData
		if json.Unmarshal(evt.Data, &d) == nil {
			m.phase = d.Phase
		}

	case events.TypeScanProgress:
		var d events.ScanProgressData
		if json.Unmarshal(evt.Data, &d) == nil {
			m.progress = d.Progress
			m.completed = d.CompletedModules
			m.total = d.TotalModules
		}

	case events.TypeModuleStatus:
		var d events.ModuleStatusData
		if json.Unmarshal(evt.Data, &d) == nil {
			row, ok := m.modules[d.Name]
			if !ok {
				row = &moduleRow{name: d.Name}
				m.modules[d.Name] = row
				m.order = append(m.order, d.Name)
				sort.Strings(m.order)
			}
			row.status = d.Status
			if d.FindingsCount != nil {
				row.findings = *d.FindingsCount
			}
		}

	case events.TypeNewFinding:
		var d events.NewFindingData
		if json.Unmarshal(evt.Data, &d) == nil {
			m.counters.Add(d.Finding.Severity)
			m.findings = append(m.findings, findingRow{
				severity: string(d.Finding.Severity),
				title:    d.Finding.Title,
				location: d.Finding.Location,
			})
			if len(m.findings) > findingFeedMax {
				m.findings = m.findings[len(m.findings)-findingFeedMax:]
			}
		}

	case events.TypeCurrentTargetURL:
		var d events.CurrentTargetURLData
		if json.Unmarshal(evt.Data, &d) == nil {
			m.currentURL = d.URL
		}

	case events.TypeScanCompleted:
		var d events.ScanCompletedData
		if json.Unmarshal(evt.Data, &d) == nil {
			m.status = string(d.Summary.Status)
			m.counters = d.Counters
			m.progress = 100
			m.completed = d.Summary.ModulesCompleted
			m.total = d.Summary.ModulesTotal
		}

	case events.TypeLagged:
		var d events.LaggedData
		if json.Unmarshal(evt.Data, &d) == nil {
			m.dropped += d.Dropped
		}
	}
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.width == 0 {
		return "Connecting..."
	}
	w := m.width - 4
	if w < 40 {
		w = 40
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress(w))
	sections = append(sections, m.renderModules(w))
	if len(m.findings) > 0 {
		sections = append(sections, m.renderFindings(w))
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m WatchModel) renderHeader() string {
	target := m.target
	if target == "" {
		target = m.scanID
	}
	row := lipgloss.JoinHorizontal(lipgloss.Left,
		titleStyle.Render("webscan"),
		"  ",
		panelHeaderStyle.Render(target),
		"  ",
		statusStyle(m.status).Render(m.status),
	)
	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(line).
		Width(m.width).
		Padding(0, 1).
		Render(row)
}

func (m WatchModel) renderProgress(w int) string {
	barWidth := w - 10
	if barWidth < 10 {
		barWidth = 10
	}
	filled := int(m.progress / 100 * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}
	bar := barFillStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", barWidth-filled))

	lines := []string{
		panelHeaderStyle.Render(m.phase),
		fmt.Sprintf("%s %5.1f%%  %d/%d modules", bar, m.progress, m.completed, m.total),
	}
	if m.currentURL != "" {
		lines = append(lines, dimStyle.Render("probing "+truncate(m.currentURL, w-10)))
	}
	lines = append(lines, m.renderCounters())
	return panelStyle.Width(w).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m WatchModel) renderCounters() string {
	parts := []string{
		criticalStyle.Render(fmt.Sprintf("crit %d", m.counters.Critical)),
		highStyle.Render(fmt.Sprintf("high %d", m.counters.High)),
		mediumStyle.Render(fmt.Sprintf("med %d", m.counters.Medium)),
		lowStyle.Render(fmt.Sprintf("low %d", m.counters.Low)),
		dimStyle.Render(fmt.Sprintf("info %d", m.counters.Info)),
	}
	return strings.Join(parts, "  ")
}

func (m WatchModel) renderModules(w int) string {
	if len(m.order) == 0 {
		return panelStyle.Width(w).Render(dimStyle.Render("Waiting for module activity..."))
	}
	lines := []string{panelHeaderStyle.Render("Modules")}
	for _, name := range m.order {
		row := m.modules[name]
		status := statusStyle(string(row.status)).Render(fmt.Sprintf("%-10s", row.status))
		count := ""
		if row.findings > 0 {
			count = fmt.Sprintf("%d findings", row.findings)
		}
		lines = append(lines, fmt.Sprintf("  %-14s %s %s", row.name, status, dimStyle.Render(count)))
	}
	return panelStyle.Width(w).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m WatchModel) renderFindings(w int) string {
	lines := []string{panelHeaderStyle.Render("Findings")}
	for _, f := range m.findings {
		sev := severityStyle(f.severity).Render(fmt.Sprintf("%-8s", f.severity))
		lines = append(lines, fmt.Sprintf("  %s %s", sev, truncate(f.title+"  "+f.location, w-14)))
	}
	return panelStyle.Width(w).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m WatchModel) renderFooter() string {
	note := "q quit"
	if m.done {
		note = "stream ended — q quit"
	}
	if m.dropped > 0 {
		note += fmt.Sprintf("  (%d events dropped)", m.dropped)
	}
	if m.streamErr != nil {
		note += "  stream error: " + m.streamErr.Error()
	}
	return lipgloss.NewStyle().
		Width(m.width).
		Padding(0, 1).
		Foreground(slateDim).
		Render(note)
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
