package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bigbag/trackbot-flasher/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag   string
	envFlag      string
	portFlag     string
	manifestFlag string
	writeFlag    bool
	verifyFlag   bool
	rawFlag      bool
	logLevelFlag string
	logFileFlag  string

	bootloaderFlag bool
	firstFlag      bool
	templateFlag   bool
	fetchFlag      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trackbot-flasher",
		Short: "Flash Tracked Robot firmware to ESP32 boards",
		Long: `Trackbot Flasher downloads the Tracked Robot firmware listed in a
manifest and prepares it for an ESP32 board connected over USB serial.

The board is reset into its ROM bootloader through the DTR/RTS lines. By
default the images are only staged and an esptool command is printed;
use --write to write them through the ROM loader directly.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", config.DefaultPath, "Config file (ignored if missing)")
	rootCmd.PersistentFlags().StringVar(&envFlag, "env", ".env", "Environment file (ignored if missing)")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port (ask if not specified)")
	rootCmd.PersistentFlags().BoolVar(&rawFlag, "raw", false, "Use the raw termios backend (Linux only)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "Write diagnostic logs to this file instead of stderr")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash",
		Short: "Reset the board into its bootloader and flash the firmware",
		Long: `Connect to the board, reset it into its ROM bootloader and download
every image the manifest lists.

Without --write the images are staged only and the flash offsets and an
esptool command are printed. The usual layout is:
  - Bootloader at 0x1000
  - Partition table at 0x8000
  - Application at 0x10000`,
		Args: cobra.NoArgs,
		RunE: runFlash,
	}
	addFlashFlags(flashCmd)

	// UI command
	uiCmd := &cobra.Command{
		Use:   "ui",
		Short: "Interactive terminal UI with Connect, Flash and Disconnect",
		Args:  cobra.NoArgs,
		RunE:  runUI,
	}
	addFlashFlags(uiCmd)

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Reset connected boards into their bootloader and identify the chip.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	infoCmd.Flags().BoolVar(&firstFlag, "first", false, "Stop at the first board that answers")

	// Reset command
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the board",
		Long:  "Pulse the reset line so the board restarts its application, or enter the ROM bootloader with --bootloader.",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}
	resetCmd.Flags().BoolVar(&bootloaderFlag, "bootloader", false, "Reset into the ROM bootloader")

	// Manifest command
	manifestCmd := &cobra.Command{
		Use:   "manifest [path-or-url]",
		Short: "Show the parts a manifest lists",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runManifest,
	}
	manifestCmd.Flags().BoolVar(&templateFlag, "template", false, "Print the built-in manifest template")
	manifestCmd.Flags().BoolVar(&fetchFlag, "fetch", false, "Download every part and report sizes and overlaps")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trackbot-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(flashCmd, uiCmd, infoCmd, resetCmd, manifestCmd, versionCmd, listCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func addFlashFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&manifestFlag, "manifest", "m", config.DefaultManifest, "Manifest path or http(s) URL")
	cmd.Flags().BoolVar(&writeFlag, "write", false, "Write the images through the ROM loader")
	cmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify written images with MD5 (with --write)")
}
