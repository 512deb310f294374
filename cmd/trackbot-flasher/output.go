package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/schollz/progressbar/v3"

	"github.com/bigbag/trackbot-flasher/internal/config"
	"github.com/bigbag/trackbot-flasher/internal/console"
	"github.com/bigbag/trackbot-flasher/internal/ui"
)

// printer writes console events to the terminal: log lines with a
// timestamp, statuses in bold and progress as a bar.
type printer struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) Observe(e console.Event) {
	switch e.Kind {
	case console.KindProgress:
		if p.bar == nil {
			p.bar = progressbar.NewOptions(100,
				progressbar.OptionSetWriter(p.out),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(false),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		p.bar.Describe(e.Message)
		p.bar.Set(int(e.Percent))
		if e.Percent >= 100 {
			p.bar.Finish()
			p.bar = nil
		}
	case console.KindStatus:
		p.clearBar()
		fmt.Fprintln(p.out, ui.LevelStyle(e.Level).Bold(true).Render("» "+e.Message))
	default:
		p.clearBar()
		fmt.Fprintln(p.out, ui.LevelStyle(e.Level).Render(e.Line()))
	}
}

func (p *printer) clearBar() {
	if p.bar != nil {
		p.bar.Clear()
	}
}

// newLogger builds the diagnostic logger. Logs go to the configured file,
// else to fallback when set, else to stderr.
func newLogger(cfg config.Config, fallback string) (*slog.Logger, func(), error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	path := cfg.LogFile
	if path == "" {
		path = fallback
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// renderMarkdown formats text for the terminal with glamour. Falls back to
// plain text if the renderer is unavailable.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}
