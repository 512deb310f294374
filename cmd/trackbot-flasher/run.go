package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bigbag/trackbot-flasher/embedded"
	"github.com/bigbag/trackbot-flasher/internal/bootloader"
	"github.com/bigbag/trackbot-flasher/internal/config"
	"github.com/bigbag/trackbot-flasher/internal/console"
	"github.com/bigbag/trackbot-flasher/internal/detect"
	"github.com/bigbag/trackbot-flasher/internal/fetch"
	"github.com/bigbag/trackbot-flasher/internal/manifest"
	"github.com/bigbag/trackbot-flasher/internal/serial"
	"github.com/bigbag/trackbot-flasher/internal/stage"
	"github.com/bigbag/trackbot-flasher/internal/ui"
)

// uiLogFile keeps diagnostics out of the full-screen UI.
const uiLogFile = "trackbot-flasher.log"

// settings merges the config file with the flags given on the command line.
func settings(cmd *cobra.Command) (config.Config, error) {
	if err := config.LoadDotEnv(envFlag); err != nil {
		return config.Config{}, fmt.Errorf("failed to load %s: %w", envFlag, err)
	}

	cfg, err := config.Load(configFlag)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = portFlag
	}
	if flags.Changed("manifest") {
		cfg.Manifest = manifestFlag
	}
	if flags.Changed("write") {
		cfg.Write = writeFlag
	}
	if flags.Changed("verify") {
		cfg.Verify = verifyFlag
	}
	if flags.Changed("raw") {
		cfg.Raw = rawFlag
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevelFlag
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFileFlag
	}

	return cfg, cfg.Validate()
}

func opener(cfg config.Config) serial.Opener {
	if cfg.Raw {
		return serial.OpenRaw
	}
	return serial.OpenNative
}

// selector picks the port: the configured one, else an interactive list on
// a terminal, else the first likely ESP32 USB bridge.
func selector(cfg config.Config) serial.Selector {
	switch {
	case cfg.Port != "":
		return serial.Fixed(cfg.Port)
	case term.IsTerminal(int(os.Stdin.Fd())):
		return serial.Prompt()
	default:
		return serial.FirstUSB()
	}
}

func newConsole(cfg config.Config, observer console.Observer, fallbackLog string) (*console.Console, func(), error) {
	log, closeLog, err := newLogger(cfg, fallbackLog)
	if err != nil {
		return nil, nil, err
	}

	fetcher, name, err := fetch.ForManifest(cfg.Manifest)
	if err != nil {
		closeLog()
		return nil, nil, err
	}

	c := console.New(console.Options{
		Session:  serial.NewSession(opener(cfg), log),
		Selector: selector(cfg),
		Fetcher:  fetcher,
		Manifest: name,
		Write:    cfg.Write,
		Verify:   cfg.Verify,
		Logger:   log,
	}, observer)
	return c, closeLog, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg, err := settings(cmd)
	if err != nil {
		return err
	}

	out := newPrinter(cmd.OutOrStdout())
	c, closeLog, err := newConsole(cfg, out.Observe, "")
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect(context.WithoutCancel(ctx))

	res, err := c.Flash(ctx)
	if err != nil {
		return err
	}

	if res.Manual {
		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(res.Instructions))
	}
	return nil
}

func runUI(cmd *cobra.Command, args []string) error {
	cfg, err := settings(cmd)
	if err != nil {
		return err
	}

	bridge := ui.NewBridge()
	c, closeLog, err := newConsole(cfg, bridge.Observe, uiLogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Port == "" {
		c.SetSelector(bridge.Selector())
	}

	runErr := ui.Run(cmd.Context(), c, bridge)
	if err := c.Disconnect(context.WithoutCancel(cmd.Context())); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := settings(cmd)
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg, "")
	if err != nil {
		return err
	}
	defer closeLog()

	d := detect.New(opener(cfg), log)
	ctx := cmd.Context()

	if cfg.Port != "" {
		result, err := d.Probe(ctx, cfg.Port)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", cfg.Port, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for ESP32 devices...")
	if firstFlag {
		result, err := d.First(ctx)
		if err != nil {
			return err
		}
		printDeviceInfo(result)
		return nil
	}

	devices, err := d.Scan(ctx)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No ESP32 devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, dev := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&dev)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Chip:     %s\n", d.ChipName)
	if d.Magic != 0 {
		fmt.Printf("  Magic:    0x%08X\n", d.Magic)
	}
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := settings(cmd)
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg, "")
	if err != nil {
		return err
	}
	defer closeLog()

	session := serial.NewSession(opener(cfg), log)
	port, err := session.Open(cmd.Context(), selector(cfg))
	if err != nil {
		return err
	}
	defer session.Close()

	if bootloaderFlag {
		seq := bootloader.NewSequencer(nil)
		if err := seq.Enter(port); err != nil {
			return err
		}
		fmt.Printf("%s is in its ROM bootloader\n", port.Name())
		return nil
	}

	if err := bootloader.HardReset(port); err != nil {
		return err
	}
	fmt.Printf("%s reset\n", port.Name())
	return nil
}

func runManifest(cmd *cobra.Command, args []string) error {
	if templateFlag {
		_, err := cmd.OutOrStdout().Write(embedded.Manifest())
		return err
	}

	cfg, err := settings(cmd)
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg, "")
	if err != nil {
		return err
	}
	defer closeLog()

	ref := cfg.Manifest
	if len(args) == 1 {
		ref = args[0]
	}

	fetcher, name, err := fetch.ForManifest(ref)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	m, err := manifest.Load(ctx, fetcher, name)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	parts, err := m.Parts()
	if err != nil {
		return err
	}

	title := m.Name
	if title == "" {
		title = ref
	}
	fmt.Printf("%s v%s\n", title, m.Version)
	for _, p := range parts {
		fmt.Printf("  0x%-8X %-28s %s\n", p.Offset, p.Path, manifest.Describe(p.Offset))
	}

	if !fetchFlag {
		return nil
	}

	fmt.Println()
	stager := stage.New(fetcher, log)
	stager.SetProgressCallback(func(i, n int, p stage.BinaryPart) {
		fmt.Printf("  [%d/%d] %s: %s\n", i+1, n, p.Path, console.FormatSize(len(p.Data)))
	})
	staged, err := stager.Stage(ctx, parts)
	if err != nil {
		return err
	}

	for _, pair := range stage.Overlaps(staged) {
		fmt.Printf("Warning: %s (0x%X-0x%X) overlaps %s at 0x%X\n",
			pair[0].Path, pair[0].Offset, pair[0].End(), pair[1].Path, pair[1].Offset)
	}
	fmt.Println("All parts downloaded")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListDetailed()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s\n", serial.Describe(p))
		} else {
			fmt.Printf("  %s\n", p.Name)
		}
	}

	return nil
}
