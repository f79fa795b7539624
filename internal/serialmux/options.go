package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate matches the light controller's USB console.
const DefaultBaudRate = 115200

// PortOptions are the line settings for a light controller attached over
// USB serial instead of WiFi. Zero values select 115200 8N1.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity, "NONE": serial.NoParity,
	"E": serial.EvenParity, "EVEN": serial.EvenParity,
	"O": serial.OddParity, "ODD": serial.OddParity,
}

var parityLetters = map[serial.Parity]string{
	serial.NoParity:   "N",
	serial.EvenParity: "E",
	serial.OddParity:  "O",
}

var stopBits = map[int]serial.StopBits{
	1: serial.OneStopBit,
	2: serial.TwoStopBits,
}

// Normalize fills in 115200 8N1 for unset fields and canonicalises parity
// to a single letter.
func (o PortOptions) Normalize() (PortOptions, error) {
	_, err := o.mode()
	if err != nil {
		return o, err
	}
	return o.withDefaults(), nil
}

// SerialMode returns the go.bug.st/serial mode used to open the port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	return o.mode()
}

func (o PortOptions) withDefaults() PortOptions {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	p := strings.ToUpper(strings.TrimSpace(o.Parity))
	if p == "" {
		p = "N"
	}
	if v, ok := parities[p]; ok {
		p = parityLetters[v]
	}
	o.Parity = p
	return o
}

func (o PortOptions) mode() (*serial.Mode, error) {
	n := o.withDefaults()
	if n.DataBits < 5 || n.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d: must be between 5 and 8", n.DataBits)
	}
	sb, ok := stopBits[n.StopBits]
	if !ok {
		return nil, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", n.StopBits)
	}
	parity, ok := parities[n.Parity]
	if !ok {
		return nil, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return &serial.Mode{BaudRate: n.BaudRate, DataBits: n.DataBits, StopBits: sb, Parity: parity}, nil
}
