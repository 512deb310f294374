package ui

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial/enumerator"

	"github.com/bigbag/trackbot-flasher/internal/console"
	"github.com/bigbag/trackbot-flasher/internal/serial"
)

var (
	errUIClosed       = errors.New("ui closed")
	errSelectCanceled = errors.New("selection cancelled")
)

// pickRequest asks the UI to let the user choose one of ports.
type pickRequest struct {
	ports []*enumerator.PortDetails
	reply chan pickReply
}

type pickReply struct {
	name string
	err  error
}

// Bridge carries console events and port selection requests from action
// goroutines into the bubbletea program. Senders never touch model state.
type Bridge struct {
	events chan console.Event
	picks  chan pickRequest
	done   chan struct{}
	once   sync.Once
	list   func() ([]*enumerator.PortDetails, error)
}

// NewBridge creates a bridge listing ports with the enumerator.
func NewBridge() *Bridge {
	return &Bridge{
		events: make(chan console.Event, 64),
		picks:  make(chan pickRequest),
		done:   make(chan struct{}),
		list:   serial.ListDetailed,
	}
}

// Observe is a console.Observer. It blocks while the UI catches up and
// drops events once the UI has exited.
func (b *Bridge) Observe(e console.Event) {
	select {
	case b.events <- e:
	case <-b.done:
	}
}

// Selector returns a port selector that shows the port list inside the UI.
func (b *Bridge) Selector() serial.Selector {
	return serial.SelectorFunc(b.selectPort)
}

func (b *Bridge) selectPort(ctx context.Context) (string, error) {
	ports, err := b.list()
	if err != nil {
		return "", fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found")
	}

	req := pickRequest{ports: ports, reply: make(chan pickReply, 1)}
	select {
	case b.picks <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.done:
		return "", errUIClosed
	}

	select {
	case r := <-req.reply:
		return r.name, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.done:
		return "", errUIClosed
	}
}

// Close releases goroutines blocked on the UI. It is safe to call twice.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
}
