package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenLink opens the serial port at path and returns a Link over it.
func OpenLink(path string, opts PortOptions) (*Link[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	return NewLink[serial.Port](port, path), nil
}
