package serial

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the fixed line speed used to talk to the ROM bootloader.
const DefaultBaudRate = 115200

// DefaultReadTimeout is restored after every ReadWithTimeout call.
const DefaultReadTimeout = 100 * time.Millisecond

var (
	// ErrPortUnavailable is returned when no device could be selected or opened.
	ErrPortUnavailable = errors.New("serial port unavailable")

	// ErrAlreadyOpen is returned by Session.Open while a connection is active.
	ErrAlreadyOpen = fmt.Errorf("%w: a connection is already open", ErrPortUnavailable)

	// ErrClosed is wrapped by operations attempted on a closed port.
	ErrClosed = errors.New("port closed")
)

// IOError reports a failed read, write, signal or close on an open port.
type IOError struct {
	Op   string
	Port string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Port, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Line is the subset of go.bug.st/serial.Port the tool relies on.
type Line interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// modemLineSetter is implemented by lines that can change DTR and RTS in a
// single operation.
type modemLineSetter interface {
	SetModemLines(dtr, rts *bool) error
}

// Opener opens a named device at the given baud rate.
type Opener func(name string, baudRate int) (Line, error)

// Signals is the requested state of the DTR and RTS control lines.
// A nil field leaves that line unchanged.
type Signals struct {
	DTR *bool
	RTS *bool
}

// Bool returns a pointer to v, for building Signals literals.
func Bool(v bool) *bool {
	return &v
}

func (s Signals) String() string {
	return fmt.Sprintf("dtr=%s rts=%s", fmtLine(s.DTR), fmtLine(s.RTS))
}

func fmtLine(v *bool) string {
	if v == nil {
		return "-"
	}
	if *v {
		return "on"
	}
	return "off"
}

// Port is an open serial connection to an ESP32 device.
type Port struct {
	line     Line
	portName string
	baudRate int
	closed   atomic.Bool
}

// OpenNative opens a device with go.bug.st/serial in 8N1 mode.
func OpenNative(portName string, baudRate int) (Line, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return port, nil
}

// Open opens portName with the native backend.
func Open(portName string, baudRate int) (*Port, error) {
	return OpenWith(OpenNative, portName, baudRate)
}

// OpenWith opens portName through the given opener.
func OpenWith(open Opener, portName string, baudRate int) (*Port, error) {
	line, err := open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	return NewPort(line, portName, baudRate), nil
}

// NewPort wraps an already open line.
func NewPort(line Line, portName string, baudRate int) *Port {
	return &Port{
		line:     line,
		portName: portName,
		baudRate: baudRate,
	}
}

// Close closes the port. Closing an already closed or nil port is a no-op.
func (p *Port) Close() error {
	if p == nil || p.line == nil {
		return nil
	}
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.line.Close(); err != nil {
		return &IOError{Op: "close", Port: p.portName, Err: err}
	}
	return nil
}

// Closed reports whether the port was closed, explicitly or because the
// device went away.
func (p *Port) Closed() bool {
	return p.closed.Load()
}

// SetSignals drives the DTR and RTS lines. DTR is applied before RTS unless
// the line can change both at once.
func (p *Port) SetSignals(s Signals) error {
	if p.Closed() {
		return &IOError{Op: "set signals", Port: p.portName, Err: ErrClosed}
	}

	if ml, ok := p.line.(modemLineSetter); ok {
		if err := ml.SetModemLines(s.DTR, s.RTS); err != nil {
			return p.ioErr("set signals", err)
		}
		return nil
	}

	if s.DTR != nil {
		if err := p.line.SetDTR(*s.DTR); err != nil {
			return p.ioErr("set DTR", err)
		}
	}
	if s.RTS != nil {
		if err := p.line.SetRTS(*s.RTS); err != nil {
			return p.ioErr("set RTS", err)
		}
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	if p.Closed() {
		return 0, &IOError{Op: "write", Port: p.portName, Err: ErrClosed}
	}
	n, err := p.line.Write(data)
	if err != nil {
		return n, p.ioErr("write", err)
	}
	return n, nil
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	if p.Closed() {
		return 0, &IOError{Op: "read", Port: p.portName, Err: ErrClosed}
	}
	n, err := p.line.Read(buf)
	if err != nil {
		return n, p.ioErr("read", err)
	}
	return n, nil
}

// ReadWithTimeout reads data with a specific timeout.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if p.Closed() {
		return 0, &IOError{Op: "read", Port: p.portName, Err: ErrClosed}
	}
	if err := p.line.SetReadTimeout(timeout); err != nil {
		return 0, p.ioErr("set read timeout", err)
	}
	defer p.line.SetReadTimeout(DefaultReadTimeout)

	return p.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	if p.Closed() {
		return &IOError{Op: "flush", Port: p.portName, Err: ErrClosed}
	}
	if err := p.line.ResetInputBuffer(); err != nil {
		return p.ioErr("flush", err)
	}
	return nil
}

// ioErr wraps err and marks the port closed when the line was closed
// underneath it or the device was unplugged.
func (p *Port) ioErr(op string, err error) error {
	var pe *serial.PortError
	if (errors.As(err, &pe) && pe.Code() == serial.PortClosed) || deviceGone(err) {
		p.closed.Store(true)
		p.line.Close()
	}
	return &IOError{Op: op, Port: p.portName, Err: err}
}

// Name returns the port name.
func (p *Port) Name() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// ListDetailed returns the available ports with their USB identifiers.
func ListDetailed() ([]*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
