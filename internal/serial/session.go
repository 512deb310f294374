package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Session owns at most one open Port. Open is rejected while a port is
// active; Close releases it.
type Session struct {
	mu   sync.Mutex
	open Opener
	port *Port
	log  *slog.Logger
}

// NewSession creates a session that opens devices with open.
// A nil opener selects the native backend.
func NewSession(open Opener, log *slog.Logger) *Session {
	if open == nil {
		open = OpenNative
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{open: open, log: log}
}

// Open asks sel for a device and opens it at DefaultBaudRate.
func (s *Session) Open(ctx context.Context, sel Selector) (*Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil && !s.port.Closed() {
		return nil, ErrAlreadyOpen
	}
	s.port = nil

	name, err := sel.Select(ctx)
	if err != nil {
		if errors.Is(err, ErrPortUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPortUnavailable, err)
	}

	line, err := s.open(name, DefaultBaudRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPortUnavailable, err)
	}

	s.port = NewPort(line, name, DefaultBaudRate)
	s.log.Debug("serial port opened", "port", name, "baud", DefaultBaudRate)

	return s.port, nil
}

// Port returns the active port, or nil when nothing is open.
func (s *Session) Port() *Port {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil || s.port.Closed() {
		return nil
	}
	return s.port
}

// Close closes the active port. It is safe to call repeatedly and before
// any Open.
func (s *Session) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	if port == nil {
		return nil
	}

	if err := port.Close(); err != nil {
		return err
	}
	s.log.Debug("serial port closed", "port", port.Name())
	return nil
}
