package serial

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

type fakeLine struct {
	calls    []string
	closes   int
	closeErr error
	dtrErr   error
	readErr  error
}

func (f *fakeLine) Read(p []byte) (int, error)         { return 0, f.readErr }
func (f *fakeLine) Write(p []byte) (int, error)        { return len(p), nil }
func (f *fakeLine) SetReadTimeout(time.Duration) error { return nil }
func (f *fakeLine) ResetInputBuffer() error            { return nil }

func (f *fakeLine) Close() error {
	f.closes++
	return f.closeErr
}

func (f *fakeLine) SetDTR(v bool) error {
	if f.dtrErr != nil {
		return f.dtrErr
	}
	f.calls = append(f.calls, fmt.Sprintf("dtr=%t", v))
	return nil
}

func (f *fakeLine) SetRTS(v bool) error {
	f.calls = append(f.calls, fmt.Sprintf("rts=%t", v))
	return nil
}

type atomicLine struct {
	fakeLine
	modem []Signals
}

func (a *atomicLine) SetModemLines(dtr, rts *bool) error {
	a.modem = append(a.modem, Signals{DTR: dtr, RTS: rts})
	return nil
}

func newTestSession(lines map[string]*fakeLine) (*Session, *[]string) {
	var opened []string
	open := func(name string, baud int) (Line, error) {
		l, ok := lines[name]
		if !ok {
			return nil, errors.New("no such device")
		}
		opened = append(opened, fmt.Sprintf("%s@%d", name, baud))
		return l, nil
	}
	return NewSession(open, nil), &opened
}

func TestSession_OpenUsesFixedBaudRate(t *testing.T) {
	s, opened := newTestSession(map[string]*fakeLine{"/dev/ttyUSB0": {}})

	port, err := s.Open(context.Background(), Fixed("/dev/ttyUSB0"))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", port.Name())
	assert.Equal(t, 115200, port.BaudRate())
	assert.Equal(t, []string{"/dev/ttyUSB0@115200"}, *opened)
	assert.Same(t, port, s.Port())
}

func TestSession_OpenWhileOpenIsRejected(t *testing.T) {
	first := &fakeLine{}
	s, opened := newTestSession(map[string]*fakeLine{"/dev/ttyUSB0": first, "/dev/ttyUSB1": {}})

	port, err := s.Open(context.Background(), Fixed("/dev/ttyUSB0"))
	require.NoError(t, err)

	_, err = s.Open(context.Background(), Fixed("/dev/ttyUSB1"))
	require.ErrorIs(t, err, ErrAlreadyOpen)
	assert.ErrorIs(t, err, ErrPortUnavailable)

	assert.Same(t, port, s.Port(), "active connection must be untouched")
	assert.Zero(t, first.closes)
	assert.Len(t, *opened, 1)
}

func TestSession_OpenAfterCloseSucceeds(t *testing.T) {
	s, _ := newTestSession(map[string]*fakeLine{"/dev/ttyUSB0": {}, "/dev/ttyUSB1": {}})

	_, err := s.Open(context.Background(), Fixed("/dev/ttyUSB0"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	port, err := s.Open(context.Background(), Fixed("/dev/ttyUSB1"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", port.Name())
}

func TestSession_SelectionCancelled(t *testing.T) {
	s, opened := newTestSession(nil)

	cancelled := SelectorFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("user cancelled")
	})

	_, err := s.Open(context.Background(), cancelled)
	require.ErrorIs(t, err, ErrPortUnavailable)
	assert.Empty(t, *opened)
	assert.Nil(t, s.Port())
}

func TestSession_DeviceBusy(t *testing.T) {
	s, _ := newTestSession(map[string]*fakeLine{})

	_, err := s.Open(context.Background(), Fixed("/dev/ttyUSB9"))
	require.ErrorIs(t, err, ErrPortUnavailable)
	assert.Contains(t, err.Error(), "no such device")
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	line := &fakeLine{}
	s, _ := newTestSession(map[string]*fakeLine{"/dev/ttyUSB0": line})

	_, err := s.Open(context.Background(), Fixed("/dev/ttyUSB0"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, line.closes)
	assert.Nil(t, s.Port())
}

func TestSession_CloseWithoutOpen(t *testing.T) {
	s := NewSession(nil, nil)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestPort_CloseTwice(t *testing.T) {
	line := &fakeLine{}
	p := NewPort(line, "/dev/ttyUSB0", DefaultBaudRate)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, line.closes)

	var nilPort *Port
	assert.NoError(t, nilPort.Close())
}

func TestPort_CloseFailureIsIOError(t *testing.T) {
	line := &fakeLine{closeErr: errors.New("EIO")}
	p := NewPort(line, "/dev/ttyUSB0", DefaultBaudRate)

	err := p.Close()
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "close", ioErr.Op)
}

func TestPort_SetSignalsLeavesUnsetLinesAlone(t *testing.T) {
	line := &fakeLine{}
	p := NewPort(line, "/dev/ttyUSB0", DefaultBaudRate)

	require.NoError(t, p.SetSignals(Signals{DTR: Bool(false), RTS: Bool(true)}))
	require.NoError(t, p.SetSignals(Signals{DTR: Bool(true)}))
	require.NoError(t, p.SetSignals(Signals{}))

	assert.Equal(t, []string{"dtr=false", "rts=true", "dtr=true"}, line.calls)
}

func TestPort_SetSignalsPrefersAtomicUpdate(t *testing.T) {
	line := &atomicLine{}
	p := NewPort(line, "/dev/ttyUSB0", DefaultBaudRate)

	require.NoError(t, p.SetSignals(Signals{DTR: Bool(true), RTS: Bool(false)}))

	require.Len(t, line.modem, 1)
	assert.True(t, *line.modem[0].DTR)
	assert.False(t, *line.modem[0].RTS)
	assert.Empty(t, line.calls)
}

func TestPort_SetSignalsFailure(t *testing.T) {
	line := &fakeLine{dtrErr: errors.New("EPIPE")}
	p := NewPort(line, "/dev/ttyUSB0", DefaultBaudRate)

	err := p.SetSignals(Signals{DTR: Bool(true), RTS: Bool(false)})
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "set DTR", ioErr.Op)
	assert.Empty(t, line.calls, "RTS must not change after DTR failed")
}

func TestPort_OperationsAfterClose(t *testing.T) {
	p := NewPort(&fakeLine{}, "/dev/ttyUSB0", DefaultBaudRate)
	require.NoError(t, p.Close())

	err := p.SetSignals(Signals{DTR: Bool(true)})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = p.Write([]byte{0xC0})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_UnpluggedDeviceAllowsReconnect(t *testing.T) {
	line := &fakeLine{readErr: syscall.EIO}
	s, opened := newTestSession(map[string]*fakeLine{"/dev/ttyUSB0": line})

	p, err := s.Open(context.Background(), Fixed("/dev/ttyUSB0"))
	require.NoError(t, err)

	_, err = p.Read(make([]byte, 16))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.True(t, p.Closed())
	assert.Equal(t, 1, line.closes, "the line is released")
	assert.Nil(t, s.Port())

	line.readErr = nil
	_, err = s.Open(context.Background(), Fixed("/dev/ttyUSB0"))
	require.NoError(t, err)
	assert.Len(t, *opened, 2)

	require.NoError(t, p.Close())
	assert.Equal(t, 1, line.closes, "the stale port does not close the line again")
}

func TestPort_TimeoutIsNotDisconnect(t *testing.T) {
	line := &fakeLine{readErr: errors.New("resource temporarily unavailable")}
	p := NewPort(line, "/dev/ttyUSB0", DefaultBaudRate)

	_, err := p.Read(make([]byte, 16))
	require.Error(t, err)
	assert.False(t, p.Closed())
	assert.Zero(t, line.closes)
}

func TestSignals_String(t *testing.T) {
	assert.Equal(t, "dtr=off rts=on", Signals{DTR: Bool(false), RTS: Bool(true)}.String())
	assert.Equal(t, "dtr=off rts=-", Signals{DTR: Bool(false)}.String())
}

func TestFixed_EmptyName(t *testing.T) {
	_, err := Fixed("").Select(context.Background())
	assert.ErrorIs(t, err, ErrPortUnavailable)
}

func TestPickUSB(t *testing.T) {
	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60"},
	}

	name, ok := pickUSB(ports)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB0", name, "known ESP32 bridge wins")

	name, ok = pickUSB(ports[:2])
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyACM0", name)

	_, ok = pickUSB(ports[:1])
	assert.False(t, ok)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "/dev/ttyS0", Describe(&enumerator.PortDetails{Name: "/dev/ttyS0"}))
	assert.Equal(t, "/dev/ttyUSB0 [10C4:EA60] CP2102",
		Describe(&enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60", Product: "CP2102"}))
}
