package link

import (
	"errors"
	"strings"

	"go.bug.st/serial"
)

var (
	// ErrLinkUnavailable means the port could not be opened. Retried forever.
	ErrLinkUnavailable = errors.New("serial link unavailable")
	// ErrLinkDropped means a read failed on an open port. Triggers a reconnect.
	ErrLinkDropped = errors.New("serial link dropped")
	// ErrReadTimeout means no complete line arrived in time. Not a failure.
	ErrReadTimeout = errors.New("serial read timeout")
)

// Recoverable reports whether err is absorbed by the reconnect loop.
func Recoverable(err error) bool {
	return errors.Is(err, ErrLinkUnavailable) || errors.Is(err, ErrLinkDropped) || errors.Is(err, ErrReadTimeout)
}

// reason gives a short operator-facing description of a serial error.
func reason(err error) string {
	if err == nil {
		return ""
	}
	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortNotFound:
			return "port not found"
		case serial.PortBusy:
			return "port busy"
		case serial.PermissionDenied:
			return "permission denied"
		case serial.PortClosed:
			return "port closed"
		case serial.InvalidSerialPort:
			return "not a serial port"
		case serial.InvalidSpeed:
			return "unsupported baud rate"
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "input/output error"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "device not configured"):
		return "device disconnected"
	case strings.Contains(msg, "no such file"):
		return "port not found"
	}
	return err.Error()
}

func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code(), true
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}
	return 0, false
}
