package link

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// scriptedPort replays lines, then an optional failure, then read timeouts.
type scriptedPort struct {
	mu     sync.Mutex
	lines  []string
	fail   error
	closed atomic.Bool
}

func (p *scriptedPort) ReadLine(timeout time.Duration) (string, error) {
	p.mu.Lock()
	if len(p.lines) > 0 {
		line := p.lines[0]
		p.lines = p.lines[1:]
		p.mu.Unlock()
		return line, nil
	}
	fail := p.fail
	p.fail = nil
	p.mu.Unlock()

	if fail != nil {
		return "", fail
	}
	time.Sleep(timeout)
	return "", ErrReadTimeout
}

func (p *scriptedPort) Close() error {
	p.closed.Store(true)
	return nil
}

// flakyOpener fails the first failures attempts, then hands out ports in order.
type flakyOpener struct {
	mu       sync.Mutex
	failures int
	attempts int
	ports    []*scriptedPort
	opened   []*scriptedPort
}

func (o *flakyOpener) Open(name string, baud int) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	if o.attempts <= o.failures {
		return nil, errors.New("no such file or directory")
	}
	var p *scriptedPort
	if len(o.ports) > 0 {
		p = o.ports[0]
		o.ports = o.ports[1:]
	} else {
		p = &scriptedPort{}
	}
	o.opened = append(o.opened, p)
	return p, nil
}

func (o *flakyOpener) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}
