package link

import (
	"bytes"
	"fmt"
	"time"

	"go.bug.st/serial"
)

const maxPending = 1024

// Port is an open line-oriented connection to the sensor.
type Port interface {
	// ReadLine blocks for at most timeout. It returns ErrReadTimeout when no
	// full line arrived and an error wrapping ErrLinkDropped on link failure.
	ReadLine(timeout time.Duration) (string, error)
	Close() error
}

// Opener opens the named port at the given baud rate. Failures wrap
// ErrLinkUnavailable.
type Opener interface {
	Open(name string, baud int) (Port, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(name string, baud int) (Port, error)

func (f OpenerFunc) Open(name string, baud int) (Port, error) {
	return f(name, baud)
}

// SerialOpener opens real serial devices, 8N1.
type SerialOpener struct{}

func (SerialOpener) Open(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrLinkUnavailable, name, reason(err))
	}
	return &serialPort{port: p, buf: make([]byte, 256)}, nil
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

type serialPort struct {
	port    serial.Port
	buf     []byte
	pending []byte
}

func (s *serialPort) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if idx := bytes.IndexByte(s.pending, '\n'); idx >= 0 {
			line := string(bytes.TrimRight(s.pending[:idx], "\r"))
			s.pending = append(s.pending[:0], s.pending[idx+1:]...)
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrReadTimeout
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("%w: set timeout: %v", ErrLinkDropped, err)
		}

		n, err := s.port.Read(s.buf)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrLinkDropped, reason(err))
		}
		if n == 0 {
			return "", ErrReadTimeout
		}
		s.pending = append(s.pending, s.buf[:n]...)
		if len(s.pending) > maxPending {
			// no newline in a full buffer: discard the garbage
			s.pending = s.pending[:0]
		}
	}
}

func (s *serialPort) Close() error {
	return s.port.Close()
}
