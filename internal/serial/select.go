package serial

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"go.bug.st/serial/enumerator"
)

// Selector chooses the device a Session should open.
type Selector interface {
	Select(ctx context.Context) (string, error)
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(ctx context.Context) (string, error)

// Select calls f(ctx).
func (f SelectorFunc) Select(ctx context.Context) (string, error) {
	return f(ctx)
}

// Fixed always selects portName.
func Fixed(portName string) Selector {
	return SelectorFunc(func(ctx context.Context) (string, error) {
		if portName == "" {
			return "", fmt.Errorf("%w: no port name given", ErrPortUnavailable)
		}
		return portName, nil
	})
}

// USB-UART bridges found on ESP32 boards, in order of preference.
var knownBridgeVIDs = []string{
	"303A", // Espressif native USB
	"10C4", // Silicon Labs CP210x
	"1A86", // WCH CH340/CH9102
	"0403", // FTDI
}

// FirstUSB selects the first USB serial adapter, preferring bridges
// commonly fitted to ESP32 boards.
func FirstUSB() Selector {
	return SelectorFunc(func(ctx context.Context) (string, error) {
		ports, err := ListDetailed()
		if err != nil {
			return "", fmt.Errorf("%w: failed to list ports: %w", ErrPortUnavailable, err)
		}
		name, ok := pickUSB(ports)
		if !ok {
			return "", fmt.Errorf("%w: no USB serial device found", ErrPortUnavailable)
		}
		return name, nil
	})
}

func pickUSB(ports []*enumerator.PortDetails) (string, bool) {
	for _, vid := range knownBridgeVIDs {
		for _, p := range ports {
			if p.IsUSB && strings.EqualFold(p.VID, vid) {
				return p.Name, true
			}
		}
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, true
		}
	}
	return "", false
}

// Describe formats a port for listings and pickers.
func Describe(p *enumerator.PortDetails) string {
	if !p.IsUSB {
		return p.Name
	}
	label := fmt.Sprintf("%s [%s:%s]", p.Name, strings.ToUpper(p.VID), strings.ToUpper(p.PID))
	if p.Product != "" {
		label += " " + p.Product
	}
	return label
}

// Prompt asks the user to pick a port in the terminal.
func Prompt() Selector {
	return SelectorFunc(func(ctx context.Context) (string, error) {
		ports, err := ListDetailed()
		if err != nil {
			return "", fmt.Errorf("%w: failed to list ports: %w", ErrPortUnavailable, err)
		}
		if len(ports) == 0 {
			return "", fmt.Errorf("%w: no serial ports found", ErrPortUnavailable)
		}

		options := make([]huh.Option[string], 0, len(ports))
		for _, p := range ports {
			options = append(options, huh.NewOption(Describe(p), p.Name))
		}

		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select the ESP32 serial port").
				Options(options...).
				Value(&choice),
		))
		if err := form.RunWithContext(ctx); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return "", fmt.Errorf("%w: selection cancelled", ErrPortUnavailable)
			}
			return "", fmt.Errorf("%w: %w", ErrPortUnavailable, err)
		}
		return choice, nil
	})
}
