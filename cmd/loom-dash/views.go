package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"loom/pkg/protocol"
)

// View implements tea.Model.
func (m Model) View() string {
	if m.report == nil && m.statusErr == nil {
		return fmt.Sprintf("\n  %s connecting to %s...\n", m.spinner.View(), m.baseURL)
	}

	sections := []string{
		m.renderStatusBar(),
		m.renderPools(),
		m.renderProviders(),
		m.styles.SectionTitle.Render("Events"),
	}
	if m.feedReady {
		sections = append(sections, m.feed.View())
	} else {
		sections = append(sections, m.renderFeedContent())
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// panelHeight is how many terminal rows the panels above the feed occupy.
func (m Model) panelHeight() int {
	// Status bar, section titles, separators and rows. Recomputed from the
	// rendered panels so the viewport fills the remainder exactly.
	top := lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatusBar(),
		m.renderPools(),
		m.renderProviders(),
		m.styles.SectionTitle.Render("Events"),
	)
	return lipgloss.Height(top)
}

// renderStatusBar renders daemon health, pause state and bus drop counters.
func (m Model) renderStatusBar() string {
	var daemonStatus string
	switch {
	case m.statusErr != nil:
		daemonStatus = m.styles.Error.Render("daemon: offline")
	case m.report.Status == "ready" && !m.report.Paused:
		daemonStatus = m.styles.Success.Render("daemon: ready")
	case m.report.Paused:
		daemonStatus = m.styles.Warning.Render("daemon: paused")
	default:
		daemonStatus = m.styles.Warning.Render("daemon: " + m.report.Status)
	}

	stream := m.styles.Muted.Render("stream: off")
	if m.connected {
		stream = m.styles.Success.Render("stream: live")
	}

	parts := []string{m.styles.Title.Render("loom"), daemonStatus, stream}
	if m.report != nil && m.report.Bus.Dropped > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("dropped: %d", m.report.Bus.Dropped)))
	}
	return strings.Join(parts, "  ")
}

// renderPools renders the per-stage worker pool table.
func (m Model) renderPools() string {
	title := m.styles.SectionTitle.Render("Stage Pools")
	if m.report == nil || len(m.report.Pools) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, m.styles.Muted.Render("  no pools"))
	}

	var sb strings.Builder
	header := fmt.Sprintf("  %-12s %8s %6s %8s", "STAGE", "WORKERS", "BUSY", "QUEUED")
	sb.WriteString(m.styles.Muted.Render(header))
	sb.WriteString("\n")
	for _, p := range m.report.Pools {
		line := fmt.Sprintf("  %-12s %8d %6d %8d", truncate(p.Stage, 12), p.Workers, p.Busy, p.Queued)
		if p.Workers > 0 && p.Busy >= p.Workers && p.Queued > 0 {
			line = m.styles.Warning.Render(line)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.TrimRight(sb.String(), "\n"))
}

// renderProviders renders breaker states and token window utilization bars.
func (m Model) renderProviders() string {
	title := m.styles.SectionTitle.Render("Providers")
	if m.report == nil || (len(m.report.Breakers) == 0 && len(m.report.Utilization) == 0) {
		return lipgloss.JoinVertical(lipgloss.Left, title, m.styles.Muted.Render("  no providers"))
	}

	var sb strings.Builder

	names := make([]string, 0, len(m.report.Breakers))
	for name := range m.report.Breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := m.report.Breakers[name]
		state := string(st.State)
		switch st.State {
		case "closed":
			state = m.styles.Success.Render(state)
		case "half_open":
			state = m.styles.Warning.Render(state)
		default:
			state = m.styles.Error.Render(state)
		}
		sb.WriteString(fmt.Sprintf("  %-12s breaker %s", truncate(name, 12), state))
		if st.ConsecutiveFailures > 0 {
			sb.WriteString(m.styles.Muted.Render(fmt.Sprintf("  failures: %d", st.ConsecutiveFailures)))
		}
		sb.WriteString("\n")
	}

	for _, u := range m.report.Utilization {
		label := fmt.Sprintf("%s/%s %s", u.Provider, u.Model, u.Window)
		sb.WriteString(fmt.Sprintf("  %-28s %s %5.1f%%\n", truncate(label, 28), m.utilBar(u.Ratio, 20), u.Ratio*100))
	}

	return lipgloss.JoinVertical(lipgloss.Left, title, strings.TrimRight(sb.String(), "\n"))
}

// utilBar renders a fixed-width utilization bar colored by threshold.
func (m Model) utilBar(ratio float64, width int) string {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	switch {
	case ratio >= 0.95:
		return m.styles.Error.Render(bar)
	case ratio >= 0.80:
		return m.styles.Warning.Render(bar)
	default:
		return m.styles.Success.Render(bar)
	}
}

// renderFeedContent renders the scrolling event feed, oldest first.
func (m Model) renderFeedContent() string {
	if len(m.events) == 0 {
		return m.styles.Muted.Render("  waiting for events...")
	}
	lines := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		lines = append(lines, m.eventLine(ev))
	}
	return strings.Join(lines, "\n")
}

// eventLine formats one event for the feed.
func (m Model) eventLine(ev protocol.Event) string {
	ts := m.styles.Muted.Render(ev.Timestamp.Format("15:04:05"))
	typ := ev.Type
	switch ev.Severity {
	case protocol.SeverityError:
		typ = m.styles.Error.Render(typ)
	case protocol.SeverityWarning:
		typ = m.styles.Warning.Render(typ)
	default:
		typ = m.styles.Success.Render(typ)
	}

	line := fmt.Sprintf("  %s %s", ts, typ)
	if ev.StoryID != "" {
		line += m.styles.Muted.Render(" story=" + truncate(ev.StoryID, 12))
	}
	if ev.JobID != "" {
		line += m.styles.Muted.Render(" job=" + truncate(ev.JobID, 12))
	}
	if stage, ok := ev.Metadata["stage"]; ok {
		line += m.styles.Muted.Render(" stage=" + stage)
	}
	return line
}

// truncate shortens s to max characters with an ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
