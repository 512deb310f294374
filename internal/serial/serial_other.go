//go:build !linux

package serial

import (
	"errors"
	"syscall"
)

// OpenRaw is only implemented on Linux; use OpenNative elsewhere.
func OpenRaw(portName string, baudRate int) (Line, error) {
	return nil, errors.New("raw serial backend is only available on linux")
}

// deviceGone reports errors a line returns after its device was unplugged.
func deviceGone(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.ENODEV)
}
