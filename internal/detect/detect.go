// Package detect probes serial ports for an ESP ROM loader.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigbag/trackbot-flasher/internal/bootloader"
	"github.com/bigbag/trackbot-flasher/internal/flasher"
	"github.com/bigbag/trackbot-flasher/internal/protocol"
	"github.com/bigbag/trackbot-flasher/internal/serial"
)

// ErrNotFound is returned when no port answers as an ESP loader.
var ErrNotFound = errors.New("no ESP32 device found")

// Result represents a detected ESP32 device.
type Result struct {
	Port     string
	Magic    uint32
	Chip     protocol.Chip
	ChipName string
}

// Detector opens ports one at a time and asks each for its chip id.
type Detector struct {
	open serial.Opener
	list func() ([]string, error)
	log  *slog.Logger
}

// New creates a detector. A nil opener uses the native serial backend.
func New(open serial.Opener, log *slog.Logger) *Detector {
	if open == nil {
		open = serial.OpenNative
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{open: open, list: serial.ListPorts, log: log}
}

// First returns the first port that answers as an ESP loader.
func (d *Detector) First(ctx context.Context) (*Result, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no serial ports found", ErrNotFound)
	}

	var lastErr error
	for _, name := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := d.Probe(ctx, name)
		if err != nil {
			d.log.Debug("probe failed", "port", name, "error", err)
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w (last error: %w)", ErrNotFound, lastErr)
}

// Scan probes every port and returns all devices that answered.
func (d *Detector) Scan(ctx context.Context) ([]Result, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, name := range ports {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := d.Probe(ctx, name)
		if err != nil {
			d.log.Debug("probe failed", "port", name, "error", err)
			continue
		}
		results = append(results, *result)
	}

	return results, nil
}

// Probe resets the device on portName into its bootloader, identifies the
// chip and resets it back into its application.
func (d *Detector) Probe(ctx context.Context, portName string) (*Result, error) {
	port, err := serial.OpenWith(d.open, portName, serial.DefaultBaudRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", serial.ErrPortUnavailable, err)
	}
	defer port.Close()

	if err := bootloader.NewSequencer(nil).Enter(port); err != nil {
		return nil, err
	}

	f := flasher.New(port, d.log)
	if err := f.Sync(ctx); err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}

	result := &Result{Port: portName, ChipName: "ESP32 (unknown variant)"}
	chip, magic, err := f.DetectChip(ctx)
	if err != nil {
		// Sync worked, so it is a loader even without a chip id.
		d.log.Debug("chip id unavailable", "port", portName, "error", err)
	} else {
		result.Chip = chip
		result.Magic = magic
		result.ChipName = chip.String()
	}

	if err := bootloader.HardReset(port); err != nil {
		d.log.Warn("failed to reset device", "port", portName, "error", err)
	}

	return result, nil
}
