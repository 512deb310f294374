package ui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/bigbag/trackbot-flasher/internal/console"
	"github.com/bigbag/trackbot-flasher/internal/romtest"
	"github.com/bigbag/trackbot-flasher/internal/serial"
)

var testPorts = []*enumerator.PortDetails{
	{Name: "/dev/ttyS0"},
	{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60", Product: "CP2102"},
}

func newTestModel(t *testing.T) (*Model, *Bridge) {
	t.Helper()
	b := NewBridge()
	b.list = func() ([]*enumerator.PortDetails, error) { return testPorts, nil }
	t.Cleanup(b.Close)

	session := serial.NewSession(func(string, int) (serial.Line, error) { return romtest.New(), nil }, nil)
	c := console.New(console.Options{Session: session, Selector: b.Selector()}, b.Observe)
	return New(context.Background(), c, b), b
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModel_AppliesEvents(t *testing.T) {
	m, _ := newTestModel(t)
	at := time.Date(2024, 1, 1, 9, 30, 5, 0, time.UTC)

	m.Update(eventMsg{Kind: console.KindStatus, Message: "Connected to ESP32", Connected: true})
	m.Update(eventMsg{Kind: console.KindProgress, Percent: 20, Message: "Manifest loaded"})
	m.Update(eventMsg{Kind: console.KindLog, Time: at, Message: "Manifest loaded: v1.0"})

	assert.True(t, m.connected)
	assert.InDelta(t, 20, m.percent, 1e-9)

	view := m.View()
	assert.Contains(t, view, "Connected to ESP32")
	assert.Contains(t, view, "Manifest loaded")
	assert.Contains(t, view, "[09:30:05] Manifest loaded: v1.0")
}

func TestModel_LogIsBounded(t *testing.T) {
	m, _ := newTestModel(t)
	for i := 0; i < maxLogLines+10; i++ {
		m.apply(console.Event{Kind: console.KindLog, Message: "line"})
	}
	assert.Len(t, m.logs, maxLogLines)
}

func TestModel_TruncatesLongLines(t *testing.T) {
	m, _ := newTestModel(t)
	m.Update(tea.WindowSizeMsg{Width: 30, Height: 40})
	m.apply(console.Event{Kind: console.KindLog, Message: "a very long log line that does not fit in thirty columns"})

	lines := m.visibleLogs()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "…")
	assert.NotContains(t, lines[0], "thirty columns")
}

func TestModel_PickerChoosesPort(t *testing.T) {
	m, b := newTestModel(t)

	got := make(chan pickReply, 1)
	go func() {
		name, err := b.Selector().Select(context.Background())
		got <- pickReply{name: name, err: err}
	}()

	m.Update(pickMsg(<-b.picks))
	require.NotNil(t, m.picker)
	assert.Contains(t, m.View(), "Select serial port")
	assert.Contains(t, m.View(), "/dev/ttyUSB0 [10C4:EA60] CP2102")

	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "/dev/ttyUSB0", r.name)
	assert.Nil(t, m.picker)
}

func TestModel_PickerCancel(t *testing.T) {
	m, b := newTestModel(t)

	got := make(chan error, 1)
	go func() {
		_, err := b.Selector().Select(context.Background())
		got <- err
	}()

	m.Update(pickMsg(<-b.picks))
	m.Update(tea.KeyMsg{Type: tea.KeyEsc})

	assert.ErrorIs(t, <-got, errSelectCanceled)
}

func TestBridge_NoPorts(t *testing.T) {
	b := NewBridge()
	defer b.Close()
	b.list = func() ([]*enumerator.PortDetails, error) { return nil, nil }

	_, err := b.Selector().Select(context.Background())
	assert.ErrorContains(t, err, "no serial ports found")
}

func TestBridge_ClosedUnblocksObserver(t *testing.T) {
	b := NewBridge()
	b.Close()
	b.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Observe(console.Event{Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked after Close")
	}
}

func TestModel_KeysStartActions(t *testing.T) {
	m, _ := newTestModel(t)

	_, cmd := m.Update(keyRunes("d"))
	require.NotNil(t, cmd)
	assert.True(t, m.busy)

	// A second action while one runs is refused locally.
	_, again := m.Update(keyRunes("f"))
	assert.Nil(t, again)
	assert.Equal(t, console.ErrBusy.Error(), m.logs[len(m.logs)-1].Message)

	m.Update(actionDoneMsg{})
	assert.False(t, m.busy)

	_, quit := m.Update(keyRunes("q"))
	require.NotNil(t, quit)
	assert.IsType(t, tea.QuitMsg{}, quit())
}
