package modem

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte stream to the modem. Reads may return 0, nil when
// a read timeout elapses without data.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens a serial port at 8N1.
type SerialDialer struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Dial opens the port and asserts DTR/RTS, which SARA-R5 evaluation boards
// and USB bridges need before the module answers.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("modem: open %s: %w", d.Port, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	if d.ReadTimeout > 0 {
		if err := port.SetReadTimeout(d.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("modem: set read timeout: %w", err)
		}
	}
	return port, nil
}

// Ports lists serial ports present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
