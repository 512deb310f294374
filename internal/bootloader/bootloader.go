// Package bootloader drives the DTR/RTS auto-reset circuit found on most
// ESP32 development boards.
//
// On those boards RTS pulls EN (reset) low and DTR pulls IO0 (boot strap)
// low through a pair of transistors. Holding IO0 low while EN is released
// makes the chip start its ROM serial bootloader, which then waits for the
// SLIP-framed SYNC handshake.
package bootloader

import (
	"fmt"
	"time"

	"github.com/bigbag/trackbot-flasher/internal/serial"
)

// Hold times of the reset sequence. They are fixed by the auto-reset
// circuit, not configurable.
const (
	ResetHold = 100 * time.Millisecond
	StrapHold = 50 * time.Millisecond
)

// State is the position of the sequencer in the reset sequence.
type State int

const (
	Idle State = iota
	ResetAsserted
	StrapAsserted
	Released
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResetAsserted:
		return "reset asserted"
	case StrapAsserted:
		return "strap asserted"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SignalSetter is the part of a serial port the sequencer drives.
type SignalSetter interface {
	SetSignals(serial.Signals) error
}

// step is one control-line change followed by a hold time.
type step struct {
	signals serial.Signals
	next    State
	hold    time.Duration
}

// enterSequence is the classic esptool reset: EN low with IO0 high, then
// EN high with IO0 low, then IO0 released.
var enterSequence = []step{
	{serial.Signals{DTR: serial.Bool(false), RTS: serial.Bool(true)}, ResetAsserted, ResetHold},
	{serial.Signals{DTR: serial.Bool(true), RTS: serial.Bool(false)}, StrapAsserted, StrapHold},
	{serial.Signals{DTR: serial.Bool(false)}, Released, 0},
}

// Sequencer forces a device into its ROM bootloader.
type Sequencer struct {
	state    State
	sleep    func(time.Duration)
	observer func(State)
}

// NewSequencer creates a sequencer in the Idle state. observer, if not nil,
// is called after every state transition.
func NewSequencer(observer func(State)) *Sequencer {
	return &Sequencer{
		sleep:    time.Sleep,
		observer: observer,
	}
}

// State returns the last state reached.
func (s *Sequencer) State() State {
	return s.state
}

// Enter runs the reset sequence on port. It always starts from Idle. A
// failed signal change aborts immediately and leaves the strap lines as
// they were at that point.
func (s *Sequencer) Enter(port SignalSetter) error {
	s.state = Idle

	for _, st := range enterSequence {
		if err := port.SetSignals(st.signals); err != nil {
			return fmt.Errorf("failed to reset into bootloader (%s): %w", st.next, err)
		}
		s.transition(st.next)
		if st.hold > 0 {
			s.sleep(st.hold)
		}
	}

	return nil
}

func (s *Sequencer) transition(next State) {
	s.state = next
	if s.observer != nil {
		s.observer(next)
	}
}

// HardReset pulses EN with IO0 released so the device boots its
// application.
func HardReset(port SignalSetter) error {
	if err := port.SetSignals(serial.Signals{DTR: serial.Bool(false), RTS: serial.Bool(true)}); err != nil {
		return fmt.Errorf("failed to assert reset: %w", err)
	}
	time.Sleep(ResetHold)
	if err := port.SetSignals(serial.Signals{RTS: serial.Bool(false)}); err != nil {
		return fmt.Errorf("failed to release reset: %w", err)
	}
	return nil
}
