// Package console implements the three user actions of the flasher,
// Connect, Flash and Disconnect, as a stream of log, status and progress
// events that the CLI and the terminal UI render.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigbag/trackbot-flasher/internal/bootloader"
	"github.com/bigbag/trackbot-flasher/internal/flasher"
	"github.com/bigbag/trackbot-flasher/internal/manifest"
	"github.com/bigbag/trackbot-flasher/internal/serial"
	"github.com/bigbag/trackbot-flasher/internal/stage"
)

var (
	// ErrBusy is returned when an action starts while another is running.
	ErrBusy = errors.New("another action is in progress")

	// ErrNotConnected is returned by Flash without an open connection.
	ErrNotConnected = errors.New("not connected to a device")

	// ErrProtocolUnimplemented is reported, not returned, when the staged
	// firmware is left for the user to write with esptool.
	ErrProtocolUnimplemented = errors.New("full flashing requires the ROM loader protocol; run with --write or use esptool")
)

// Options configures a Console.
type Options struct {
	Session  *serial.Session
	Selector serial.Selector
	Fetcher  manifest.Fetcher
	// Manifest is the name of the manifest to fetch through Fetcher.
	Manifest string
	// Write makes Flash write the staged images through the ROM loader
	// instead of printing manual instructions.
	Write  bool
	Verify bool
	Logger *slog.Logger
}

// Result describes a completed Flash.
type Result struct {
	Version string
	Parts   []stage.BinaryPart
	// Manual is set when the images were staged but not written.
	Manual       bool
	Instructions string
	Chip         string
}

// Console runs actions one at a time and reports them to an observer.
type Console struct {
	mu       sync.Mutex
	opts     Options
	selector serial.Selector
	observer Observer
	log      *slog.Logger
	now      func() time.Time
}

// New creates a console. observer may be nil.
func New(opts Options, observer Observer) *Console {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Session == nil {
		opts.Session = serial.NewSession(nil, log)
	}
	return &Console{
		opts:     opts,
		selector: opts.Selector,
		observer: observer,
		log:      log,
		now:      time.Now,
	}
}

// SetSelector replaces the port selector used by Connect.
func (c *Console) SetSelector(sel serial.Selector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selector = sel
}

// Connected reports whether a port is open.
func (c *Console) Connected() bool {
	return c.opts.Session.Port() != nil
}

// PortName returns the name of the open port, or "".
func (c *Console) PortName() string {
	if p := c.opts.Session.Port(); p != nil {
		return p.Name()
	}
	return ""
}

// Connect asks for a port and opens it.
func (c *Console) Connect(ctx context.Context) error {
	if !c.mu.TryLock() {
		return ErrBusy
	}
	defer c.mu.Unlock()

	c.logf(LevelInfo, "Requesting serial port...")

	if c.selector == nil {
		err := fmt.Errorf("%w: no port selector", serial.ErrPortUnavailable)
		c.logf(LevelError, "Connection failed: %v", err)
		c.status(LevelError, "Connection failed", false)
		return err
	}

	port, err := c.opts.Session.Open(ctx, c.selector)
	if err != nil {
		c.logf(LevelError, "Connection failed: %v", err)
		c.status(LevelError, "Connection failed", false)
		return err
	}

	c.status(LevelSuccess, "Connected to ESP32", true)
	c.logf(LevelSuccess, "Connected to %s at %d baud", port.Name(), port.BaudRate())
	return nil
}

// Disconnect closes the open port. It succeeds when nothing is open.
func (c *Console) Disconnect(ctx context.Context) error {
	if !c.mu.TryLock() {
		return ErrBusy
	}
	defer c.mu.Unlock()

	if err := c.opts.Session.Close(); err != nil {
		c.logf(LevelError, "Disconnect error: %v", err)
		c.status(LevelError, "Disconnect failed", c.Connected())
		return err
	}

	c.status(LevelInfo, "Disconnected", false)
	c.logf(LevelInfo, "Disconnected")
	return nil
}

// Flash resets the device into its bootloader, downloads the manifest and
// its images, then either writes them or reports how to write them by hand.
func (c *Console) Flash(ctx context.Context) (*Result, error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	res, err := c.flash(ctx)
	if err != nil {
		c.logf(LevelError, "Flash failed: %v", err)
		c.status(LevelError, "Flash failed", c.Connected())
		return nil, err
	}
	return res, nil
}

func (c *Console) flash(ctx context.Context) (*Result, error) {
	port := c.opts.Session.Port()
	if port == nil {
		return nil, ErrNotConnected
	}

	c.progress(0, "Starting...")
	c.logf(LevelInfo, "Starting firmware flash...")
	c.status(LevelInfo, "Flashing...", true)

	c.logf(LevelInfo, "Resetting ESP32 into bootloader mode...")
	seq := bootloader.NewSequencer(func(s bootloader.State) {
		c.log.Debug("bootloader sequence", "state", s.String())
	})
	if err := seq.Enter(port); err != nil {
		return nil, err
	}
	c.logf(LevelInfo, "Bootloader mode activated")
	c.progress(10, "Bootloader ready")

	c.logf(LevelInfo, "Downloading firmware manifest...")
	m, err := manifest.Load(ctx, c.opts.Fetcher, c.opts.Manifest)
	if err != nil {
		return nil, err
	}
	c.logf(LevelSuccess, "Manifest loaded: v%s", m.Version)
	c.progress(20, "Manifest loaded")

	parts, err := m.Parts()
	if err != nil {
		return nil, err
	}

	c.logf(LevelInfo, "Downloading firmware binaries...")
	stager := stage.New(c.opts.Fetcher, c.log)
	stager.SetProgressCallback(func(i, n int, p stage.BinaryPart) {
		c.logf(LevelInfo, "Downloaded: %s (%s)", p.Path, FormatSize(len(p.Data)))
		c.progress(20+float64(i+1)/float64(n)*30, fmt.Sprintf("Downloaded %d/%d", i+1, n))
	})
	staged, err := stager.Stage(ctx, parts)
	if err != nil {
		return nil, err
	}
	c.logf(LevelSuccess, "All binaries downloaded")

	for _, pair := range stage.Overlaps(staged) {
		c.logf(LevelWarn, "%s (0x%X-0x%X) overlaps %s (0x%X-0x%X)",
			pair[0].Path, pair[0].Offset, pair[0].End(),
			pair[1].Path, pair[1].Offset, pair[1].End())
	}
	c.progress(50, "Ready to flash")

	res := &Result{Version: m.Version, Parts: staged}
	if !c.opts.Write {
		c.manual(res, port.Name())
		return res, nil
	}

	if err := c.write(ctx, port, res); err != nil {
		return nil, err
	}
	return res, nil
}

// manual reports that the images were staged only.
func (c *Console) manual(res *Result, portName string) {
	res.Manual = true
	res.Instructions = Instructions(res.Version, portName, res.Parts)

	c.logf(LevelError, "%s", ErrProtocolUnimplemented)
	c.logf(LevelInfo, "Please use esptool manually for now")
	c.logf(LevelInfo, "Flash offsets:")
	for _, p := range res.Parts {
		c.logf(LevelInfo, "%s", offsetLine(p.Offset, p.Path))
	}

	c.progress(100, "Manual flash required")
	c.status(LevelWarn, "See instructions below", true)
}

// write sends the staged images through the ROM loader the device is
// waiting in, then resets it into the new firmware.
func (c *Console) write(ctx context.Context, port *serial.Port, res *Result) error {
	f := flasher.New(port, c.log)

	c.logf(LevelInfo, "Syncing with ROM loader...")
	chip, err := f.Connect(ctx)
	if err != nil {
		return err
	}
	res.Chip = chip.String()
	c.logf(LevelSuccess, "Detected chip: %s", chip)

	regions := make([]flasher.FlashRegion, len(res.Parts))
	for i, p := range res.Parts {
		regions[i] = flasher.FlashRegion{Address: uint32(p.Offset), Data: p.Data, Name: p.Path}
		c.logf(LevelInfo, "Writing %s at 0x%X (%s)", p.Path, p.Offset, FormatSize(len(p.Data)))
	}

	f.SetProgressCallback(func(current, total int) {
		pct := float64(current) / float64(total) * 100
		c.progress(50+pct/2, fmt.Sprintf("Writing %.0f%%", pct))
	})
	if err := f.FlashMultiple(ctx, regions, c.opts.Verify); err != nil {
		return err
	}
	if c.opts.Verify {
		c.logf(LevelSuccess, "Verified %d images", len(regions))
	}

	if err := f.Reboot(); err != nil {
		c.log.Debug("flash end failed", "error", err)
	}
	if err := bootloader.HardReset(port); err != nil {
		c.logf(LevelWarn, "Reset failed, power cycle the device: %v", err)
	}

	c.progress(100, "Flash complete")
	c.status(LevelSuccess, "Flash complete", true)
	c.logf(LevelSuccess, "Firmware v%s written", res.Version)
	return nil
}

func (c *Console) emit(e Event) {
	e.Time = c.now()
	if c.observer != nil {
		c.observer(e)
	}
}

func (c *Console) logf(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.log.Debug("console event", "level", level.String(), "message", msg)
	c.emit(Event{Kind: KindLog, Level: level, Message: msg})
}

func (c *Console) status(level Level, text string, connected bool) {
	c.emit(Event{Kind: KindStatus, Level: level, Message: text, Connected: connected})
}

func (c *Console) progress(percent float64, label string) {
	c.emit(Event{Kind: KindProgress, Percent: percent, Message: label})
}
