// Package ui is the interactive terminal front end: a status line, a
// progress bar and a timestamped log driven by console events, with keys
// for the Connect, Flash and Disconnect actions.
package ui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/bigbag/trackbot-flasher/internal/console"
	"github.com/bigbag/trackbot-flasher/internal/serial"
)

const (
	maxLogLines   = 500
	defaultWidth  = 80
	defaultHeight = 24
	// Lines taken by title, status, progress and help.
	chromeHeight = 9
)

type keyMap struct {
	Connect    key.Binding
	Flash      key.Binding
	Disconnect key.Binding
	Quit       key.Binding
	Up         key.Binding
	Down       key.Binding
	Choose     key.Binding
	Cancel     key.Binding
}

var keys = keyMap{
	Connect:    key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "connect")),
	Flash:      key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "flash")),
	Disconnect: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "disconnect")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Up:         key.NewBinding(key.WithKeys("up", "k")),
	Down:       key.NewBinding(key.WithKeys("down", "j")),
	Choose:     key.NewBinding(key.WithKeys("enter")),
	Cancel:     key.NewBinding(key.WithKeys("esc", "ctrl+c")),
}

type (
	eventMsg      console.Event
	pickMsg       pickRequest
	actionDoneMsg struct {
		result *console.Result
		err    error
	}
)

// picker is the in-UI port chooser.
type picker struct {
	req    pickRequest
	cursor int
}

// Model is the bubbletea model of the flasher UI.
type Model struct {
	ctx     context.Context
	console *console.Console
	bridge  *Bridge

	status    string
	level     console.Level
	connected bool
	percent   float64
	label     string
	logs      []console.Event
	busy      bool
	command   string

	picker   *picker
	progress progress.Model
	width    int
	height   int
}

// New creates the UI model. c must report to b.Observe and select ports
// through b.Selector.
func New(ctx context.Context, c *console.Console, b *Bridge) *Model {
	return &Model{
		ctx:      ctx,
		console:  c,
		bridge:   b,
		status:   "Not connected",
		progress: progress.New(progress.WithDefaultGradient()),
		width:    defaultWidth,
		height:   defaultHeight,
	}
}

// Run shows the UI until the user quits.
func Run(ctx context.Context, c *console.Console, b *Bridge) error {
	defer b.Close()
	_, err := tea.NewProgram(New(ctx, c, b), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(waitEvent(m.bridge.events), waitPick(m.bridge.picks))
}

func waitEvent(ch <-chan console.Event) tea.Cmd {
	return func() tea.Msg { return eventMsg(<-ch) }
}

func waitPick(ch <-chan pickRequest) tea.Cmd {
	return func() tea.Msg { return pickMsg(<-ch) }
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(min(msg.Width-4, 60), 10)
		return m, nil

	case eventMsg:
		m.apply(console.Event(msg))
		return m, waitEvent(m.bridge.events)

	case pickMsg:
		m.picker = &picker{req: pickRequest(msg)}
		return m, nil

	case actionDoneMsg:
		m.busy = false
		if msg.result != nil && msg.result.Manual {
			m.command = console.EsptoolCommand(m.portName(), msg.result.Parts)
		}
		return m, nil

	case tea.KeyMsg:
		if m.picker != nil {
			return m.handlePickerKey(msg)
		}
		return m.handleKey(msg)
	}

	return m, nil
}

func (m *Model) apply(e console.Event) {
	switch e.Kind {
	case console.KindLog:
		m.logs = append(m.logs, e)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
	case console.KindStatus:
		m.status = e.Message
		m.level = e.Level
		m.connected = e.Connected
	case console.KindProgress:
		m.percent = e.Percent
		m.label = e.Message
	}
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Connect):
		return m.start(func(ctx context.Context) actionDoneMsg {
			return actionDoneMsg{err: m.console.Connect(ctx)}
		})
	case key.Matches(msg, keys.Flash):
		m.command = ""
		return m.start(func(ctx context.Context) actionDoneMsg {
			res, err := m.console.Flash(ctx)
			return actionDoneMsg{result: res, err: err}
		})
	case key.Matches(msg, keys.Disconnect):
		return m.start(func(ctx context.Context) actionDoneMsg {
			return actionDoneMsg{err: m.console.Disconnect(ctx)}
		})
	}
	return m, nil
}

// start runs an action off the UI goroutine. Its events arrive through the
// bridge; the returned message only clears the busy flag.
func (m *Model) start(action func(context.Context) actionDoneMsg) (tea.Model, tea.Cmd) {
	if m.busy {
		m.logs = append(m.logs, console.Event{Kind: console.KindLog, Level: console.LevelWarn, Message: console.ErrBusy.Error()})
		return m, nil
	}
	m.busy = true
	ctx := m.ctx
	return m, func() tea.Msg { return action(ctx) }
}

func (m *Model) handlePickerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	p := m.picker
	switch {
	case key.Matches(msg, keys.Up):
		if p.cursor > 0 {
			p.cursor--
		}
	case key.Matches(msg, keys.Down):
		if p.cursor < len(p.req.ports)-1 {
			p.cursor++
		}
	case key.Matches(msg, keys.Choose):
		p.req.reply <- pickReply{name: p.req.ports[p.cursor].Name}
		m.picker = nil
		return m, waitPick(m.bridge.picks)
	case key.Matches(msg, keys.Cancel):
		p.req.reply <- pickReply{err: errSelectCanceled}
		m.picker = nil
		return m, waitPick(m.bridge.picks)
	}
	return m, nil
}

func (m *Model) portName() string {
	if m.console == nil {
		return ""
	}
	return m.console.PortName()
}

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Tracked Robot Flasher"))
	b.WriteString("\n\n")

	status := statusIcon(m.connected, m.level) + " " + LevelStyle(m.level).Render(m.status)
	b.WriteString(statusBox.Render(status))
	b.WriteString("\n")

	b.WriteString(m.progress.ViewAs(m.percent / 100))
	if m.label != "" {
		b.WriteString(" " + m.label)
	}
	b.WriteString("\n\n")

	if m.picker != nil {
		b.WriteString(m.pickerView())
		b.WriteString("\n")
	}

	for _, line := range m.visibleLogs() {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.command != "" {
		b.WriteString("\n")
		b.WriteString(runewidth.Truncate(m.command, max(m.width, 20), "…"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.helpLine()))

	return b.String()
}

func (m *Model) visibleLogs() []string {
	room := m.height - chromeHeight
	if m.picker != nil {
		room -= len(m.picker.req.ports) + 3
	}
	room = max(room, 3)

	logs := m.logs
	if len(logs) > room {
		logs = logs[len(logs)-room:]
	}

	width := max(m.width, 20)
	lines := make([]string, len(logs))
	for i, e := range logs {
		lines[i] = LevelStyle(e.Level).Render(runewidth.Truncate(e.Line(), width, "…"))
	}
	return lines
}

func (m *Model) pickerView() string {
	var b strings.Builder
	b.WriteString(pickerTitle.Render("Select serial port"))
	for i, p := range m.picker.req.ports {
		b.WriteString("\n")
		if i == m.picker.cursor {
			b.WriteString(pickerCurrent.Render("> " + serial.Describe(p)))
		} else {
			b.WriteString(pickerOption.Render("  " + serial.Describe(p)))
		}
	}
	return pickerBorder.Render(b.String())
}

func (m *Model) helpLine() string {
	if m.picker != nil {
		return "↑/↓ move • enter choose • esc cancel"
	}
	parts := []string{
		keys.Connect.Help().Key + " " + keys.Connect.Help().Desc,
		keys.Flash.Help().Key + " " + keys.Flash.Help().Desc,
		keys.Disconnect.Help().Key + " " + keys.Disconnect.Help().Desc,
		keys.Quit.Help().Key + " " + keys.Quit.Help().Desc,
	}
	line := strings.Join(parts, " • ")
	if m.busy {
		line += " • working..."
	}
	return line
}
