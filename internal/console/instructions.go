package console

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bigbag/trackbot-flasher/internal/manifest"
	"github.com/bigbag/trackbot-flasher/internal/stage"
)

var printer = message.NewPrinter(language.English)

// FormatSize renders a byte count with digit grouping, e.g. "24,576 bytes".
func FormatSize(n int) string {
	return printer.Sprintf("%d bytes", n)
}

// offsetLine is one entry of the "Flash offsets:" listing.
func offsetLine(offset int64, path string) string {
	return fmt.Sprintf("  %-8s- %s", fmt.Sprintf("0x%X", offset), path)
}

// EsptoolCommand returns the esptool invocation that writes parts at their
// offsets. An empty port leaves the port for esptool to find.
func EsptoolCommand(port string, parts []stage.BinaryPart) string {
	args := []string{"esptool.py", "--chip", "esp32"}
	if port != "" {
		args = append(args, "--port", port)
	}
	args = append(args, "--baud", "460800", "write_flash")
	for _, p := range parts {
		args = append(args, fmt.Sprintf("0x%X", p.Offset), p.Path)
	}
	return strings.Join(args, " ")
}

// Instructions returns Markdown telling the user how to write the staged
// parts by hand.
func Instructions(version, port string, parts []stage.BinaryPart) string {
	var b strings.Builder

	b.WriteString("# Manual flash required\n\n")
	if version != "" {
		fmt.Fprintf(&b, "Firmware **v%s** was downloaded but not written to the device. ", version)
	} else {
		b.WriteString("The firmware was downloaded but not written to the device. ")
	}
	b.WriteString("Write it with esptool, or run again with `--write`.\n\n")

	b.WriteString("| Offset | Image | Region | Size |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, p := range parts {
		fmt.Fprintf(&b, "| 0x%X | %s | %s | %s |\n",
			p.Offset, p.Path, manifest.Describe(p.Offset), FormatSize(len(p.Data)))
	}

	b.WriteString("\n```sh\n")
	b.WriteString(EsptoolCommand(port, parts))
	b.WriteString("\n```\n")

	return b.String()
}
