package main

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"loom/pkg/protocol"
)

// maxFeedEvents bounds the in-memory event feed.
const maxFeedEvents = 200

// tickMsg is sent by Bubble Tea on every tick interval.
// Used to trigger periodic readiness refresh from the daemon.
type tickMsg time.Time

// statusMsg carries the fetched readiness report.
// A nil report with a non-nil err means the daemon is unreachable.
type statusMsg struct {
	report *StatusReport
	err    error
}

// watcherMsg carries the result of a websocket dial attempt.
type watcherMsg struct {
	watcher *eventWatcher
	err     error
}

// eventMsg carries one event from the websocket stream.
type eventMsg protocol.Event

// streamClosedMsg signals the websocket stream dropped.
type streamClosedMsg struct{}

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStatusCmd returns a tea.Cmd that fetches the readiness report.
func fetchStatusCmd(baseURL string) tea.Cmd {
	return func() tea.Msg {
		report, err := fetchStatus(context.Background(), baseURL)
		return statusMsg{report: report, err: err}
	}
}

// connectCmd returns a tea.Cmd that dials the daemon's event stream.
func connectCmd(baseURL string) tea.Cmd {
	return func() tea.Msg {
		w, err := openEventWatcher(baseURL)
		return watcherMsg{watcher: w, err: err}
	}
}

// waitForEventCmd returns a tea.Cmd that blocks until the next stream event.
func waitForEventCmd(w *eventWatcher) tea.Cmd {
	return func() tea.Msg {
		ev, ok := w.Next()
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Model is the Bubble Tea model for the loom dashboard.
type Model struct {
	baseURL string

	report    *StatusReport
	statusErr error

	watcher   *eventWatcher
	connected bool
	events    []protocol.Event

	spinner spinner.Model
	feed    viewport.Model

	width     int
	height    int
	feedReady bool

	styles Styles
}

// newModel creates a new Model pointed at the given daemon base URL.
func newModel(baseURL string) Model {
	styles := NewStyles(DefaultTheme())
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.SectionTitle

	return Model{
		baseURL: baseURL,
		spinner: sp,
		styles:  styles,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchStatusCmd(m.baseURL),
		connectCmd(m.baseURL),
		tickCmd(),
	)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m = m.resizeFeed()

	case tickMsg:
		cmds := []tea.Cmd{fetchStatusCmd(m.baseURL), tickCmd()}
		if m.watcher == nil {
			cmds = append(cmds, connectCmd(m.baseURL))
		}
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.report = msg.report
		m.statusErr = msg.err

	case watcherMsg:
		if msg.err != nil {
			m.connected = false
			return m, nil
		}
		m.watcher = msg.watcher
		m.connected = true
		return m, waitForEventCmd(m.watcher)

	case eventMsg:
		m = m.appendEvent(protocol.Event(msg))
		return m, waitForEventCmd(m.watcher)

	case streamClosedMsg:
		m.watcher = nil
		m.connected = false

	case spinner.TickMsg:
		if m.report == nil && m.statusErr == nil {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}

	return m, nil
}

// handleKeyPress processes keyboard input and returns updated model with optional command.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.watcher != nil {
			m.watcher.Close()
		}
		return m, tea.Quit
	case "up", "k", "down", "j", "pgup", "pgdown":
		var cmd tea.Cmd
		m.feed, cmd = m.feed.Update(msg)
		return m, cmd
	}
	return m, nil
}

// appendEvent adds an event to the feed, trimming the oldest past the cap.
func (m Model) appendEvent(ev protocol.Event) Model {
	m.events = append(m.events, ev)
	if len(m.events) > maxFeedEvents {
		m.events = m.events[len(m.events)-maxFeedEvents:]
	}
	if m.feedReady {
		atBottom := m.feed.AtBottom()
		m.feed.SetContent(m.renderFeedContent())
		if atBottom {
			m.feed.GotoBottom()
		}
	}
	return m
}

// resizeFeed (re)sizes the event feed viewport below the panels.
func (m Model) resizeFeed() Model {
	height := m.height - m.panelHeight()
	if height < 3 {
		height = 3
	}
	if !m.feedReady {
		m.feed = viewport.New(m.width, height)
		m.feedReady = true
	} else {
		m.feed.Width = m.width
		m.feed.Height = height
	}
	m.feed.SetContent(m.renderFeedContent())
	m.feed.GotoBottom()
	return m
}
