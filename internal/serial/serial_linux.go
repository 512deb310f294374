//go:build linux

package serial

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

var rawBaudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// RawPort is a serial line driven directly through termios ioctls. Some
// USB bridges glitch DTR/RTS when they are changed one at a time; RawPort
// updates both lines with a single TIOCMSET.
type RawPort struct {
	fd       int
	portName string
}

// OpenRaw opens portName in raw 8N1 mode.
func OpenRaw(portName string, baudRate int) (Line, error) {
	fd, err := unix.Open(portName, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	// Blocking reads from here on, bounded by VTIME.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to clear O_NONBLOCK: %w", err)
	}

	p := &RawPort{fd: fd, portName: portName}
	if err := p.configure(baudRate); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return p, nil
}

func (p *RawPort) configure(baudRate int) error {
	code, ok := rawBaudRates[baudRate]
	if !ok {
		return fmt.Errorf("unsupported baud rate: %d", baudRate)
	}

	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tcgetattr failed: %w", err)
	}

	// cfmakeraw
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | code
	t.Ispeed = code
	t.Ospeed = code

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = uint8(DefaultReadTimeout / (100 * time.Millisecond))

	if err := unix.IoctlSetTermios(p.fd, unix.TCSETSW, t); err != nil {
		return fmt.Errorf("tcsetattr failed: %w", err)
	}
	return nil
}

// Close closes the file descriptor.
func (p *RawPort) Close() error {
	return unix.Close(p.fd)
}

// Write writes data and waits for it to be transmitted.
func (p *RawPort) Write(data []byte) (int, error) {
	n, err := unix.Write(p.fd, data)
	if err != nil {
		return n, err
	}
	// tcdrain
	if err := unix.IoctlSetInt(p.fd, unix.TCSBRK, 1); err != nil {
		return n, err
	}
	return n, nil
}

// Read reads whatever arrives before VTIME expires.
func (p *RawPort) Read(buf []byte) (int, error) {
	n, err := unix.Read(p.fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

// SetReadTimeout sets VTIME, in tenths of a second, clamped to 1..255.
func (p *RawPort) SetReadTimeout(timeout time.Duration) error {
	vtime := timeout.Milliseconds() / 100
	if vtime < 1 {
		vtime = 1
	}
	if vtime > 255 {
		vtime = 255
	}

	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Cc[unix.VTIME] = uint8(vtime)
	return unix.IoctlSetTermios(p.fd, unix.TCSETSW, t)
}

// ResetInputBuffer discards unread input.
func (p *RawPort) ResetInputBuffer() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH)
}

// SetDTR sets the DTR line.
func (p *RawPort) SetDTR(value bool) error {
	return p.SetModemLines(&value, nil)
}

// SetRTS sets the RTS line.
func (p *RawPort) SetRTS(value bool) error {
	return p.SetModemLines(nil, &value)
}

// SetModemLines updates DTR and RTS with one TIOCMSET; nil leaves a line
// as it is.
func (p *RawPort) SetModemLines(dtr, rts *bool) error {
	bits, err := unix.IoctlGetInt(p.fd, unix.TIOCMGET)
	if err != nil {
		return err
	}

	bits = applyBit(bits, unix.TIOCM_DTR, dtr)
	bits = applyBit(bits, unix.TIOCM_RTS, rts)

	return unix.IoctlSetPointerInt(p.fd, unix.TIOCMSET, bits)
}

func applyBit(bits, mask int, v *bool) int {
	switch {
	case v == nil:
		return bits
	case *v:
		return bits | mask
	default:
		return bits &^ mask
	}
}

// deviceGone reports errors a line returns after its device was unplugged.
func deviceGone(err error) bool {
	return errors.Is(err, unix.EIO) || errors.Is(err, unix.ENXIO) || errors.Is(err, unix.ENODEV)
}
