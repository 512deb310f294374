// Package romtest provides an in-memory ESP32 ROM loader behind a serial
// line, for tests of code that talks to a device.
package romtest

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/bigbag/trackbot-flasher/internal/protocol"
	"github.com/bigbag/trackbot-flasher/internal/slip"
)

// ESP32Magic is the chip magic register value of an original ESP32.
const ESP32Magic = 0x00F01D83

// Device emulates the ROM loader. It implements serial.Line.
//
// Each SYNC is answered three times, as the real ROM does. FLASH_DATA
// blocks with a bad checksum are rejected with ErrInvalidCRC.
type Device struct {
	// Magic is returned for READ_REG of the chip magic register.
	Magic uint32
	// StatusLen is the number of status bytes closing each response.
	StatusLen int
	// FailCmd makes the given command answer with ErrFailedToAct.
	FailCmd byte
	// Corrupt flips a bit of every MD5 digest.
	Corrupt bool
	// Silent drops every request.
	Silent bool

	mu      sync.Mutex
	in      slip.Buffer
	out     bytes.Buffer
	cmds    []byte
	signals []string
	flash   []byte
	base    uint32
	closed  bool
}

// New returns an ESP32 with an erased 4MB flash.
func New() *Device {
	return &Device{
		Magic:     ESP32Magic,
		StatusLen: protocol.StatusLenROM,
		flash:     bytes.Repeat([]byte{0xFF}, protocol.DefaultFlashSize),
	}
}

// Read returns pending response bytes. An empty read is a timeout.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out.Len() == 0 {
		return 0, nil
	}
	return d.out.Read(p)
}

// Write feeds request bytes to the loader.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Silent {
		return len(p), nil
	}
	d.in.Write(p)
	for {
		frame, ok := d.in.Next()
		if !ok {
			break
		}
		if len(frame) >= 8 && frame[0] == protocol.DirRequest {
			d.handle(frame)
		}
	}
	return len(p), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) SetDTR(v bool) error { return d.signal("dtr", v) }
func (d *Device) SetRTS(v bool) error { return d.signal("rts", v) }

func (d *Device) SetReadTimeout(time.Duration) error { return nil }

// ResetInputBuffer drops responses not yet read.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out.Reset()
	return nil
}

func (d *Device) signal(name string, v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := "off"
	if v {
		state = "on"
	}
	d.signals = append(d.signals, name+"="+state)
	return nil
}

// Commands returns the commands received so far.
func (d *Device) Commands() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.cmds...)
}

// Count returns how many times cmd was received.
func (d *Device) Count(cmd byte) int {
	n := 0
	for _, c := range d.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

// Signals returns the control-line changes so far, e.g. "dtr=on".
func (d *Device) Signals() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.signals...)
}

// Closed reports whether the line was closed.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Flash returns a copy of size bytes of flash at addr.
func (d *Device) Flash(addr, size int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.flash[addr:addr+size]...)
}

func (d *Device) handle(frame []byte) {
	cmd := frame[1]
	data := frame[8:]
	d.cmds = append(d.cmds, cmd)

	if cmd == d.FailCmd {
		d.reply(cmd, 0, nil, protocol.ErrFailedToAct)
		return
	}

	switch cmd {
	case protocol.CmdSync:
		for i := 0; i < 3; i++ {
			d.reply(cmd, 0, nil, 0)
		}
	case protocol.CmdReadReg:
		d.reply(cmd, d.Magic, nil, 0)
	case protocol.CmdFlashBegin:
		d.base = binary.LittleEndian.Uint32(data[12:16])
		d.reply(cmd, 0, nil, 0)
	case protocol.CmdFlashData:
		size := binary.LittleEndian.Uint32(data[0:4])
		seq := binary.LittleEndian.Uint32(data[4:8])
		payload := data[16 : 16+size]
		if binary.LittleEndian.Uint32(frame[4:8]) != protocol.Checksum(payload) {
			d.reply(cmd, 0, nil, protocol.ErrInvalidCRC)
			return
		}
		copy(d.flash[d.base+seq*protocol.FlashBlockSize:], payload)
		d.reply(cmd, 0, nil, 0)
	case protocol.CmdSpiFlashMD5:
		addr := binary.LittleEndian.Uint32(data[0:4])
		size := binary.LittleEndian.Uint32(data[4:8])
		sum := md5.Sum(d.flash[addr : addr+size])
		digest := []byte(hex.EncodeToString(sum[:]))
		if d.Corrupt {
			digest[0] ^= 1
		}
		d.reply(cmd, 0, digest, 0)
	case protocol.CmdFlashEnd:
		// The ROM leaves the loader without answering.
	default:
		d.reply(cmd, 0, nil, 0)
	}
}

func (d *Device) reply(cmd byte, value uint32, data []byte, code byte) {
	status := make([]byte, d.StatusLen)
	if code != 0 {
		status[0] = 1
		status[1] = code
	}

	size := len(data) + len(status)
	raw := make([]byte, 8, 8+size)
	raw[0] = protocol.DirResponse
	raw[1] = cmd
	binary.LittleEndian.PutUint16(raw[2:4], uint16(size))
	binary.LittleEndian.PutUint32(raw[4:8], value)
	raw = append(raw, data...)
	raw = append(raw, status...)
	d.out.Write(slip.Encode(raw))
}
