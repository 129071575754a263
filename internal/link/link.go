// Package link owns the serial connection to the sensor and drives the
// ingestion loop: connect, read a line, decode it, and fan the reading out
// to the live window, the ledger, the alert evaluator and the event relay.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/event"
	"github.com/doridoridoriand/envmon/internal/log"
	"github.com/doridoridoriand/envmon/internal/reading"
	"github.com/doridoridoriand/envmon/internal/window"
)

const (
	DefaultBaud        = 9600
	DefaultReadTimeout = 1 * time.Second
	DefaultBackoff     = 3 * time.Second
	DefaultResetDelay  = 2 * time.Second
)

// StoppedMessage is the status text published when a session ends.
const StoppedMessage = "Monitoring stopped."

// Config describes the physical link and loop timing.
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	Backoff     time.Duration
	ResetDelay  time.Duration
}

// Appender persists readings.
type Appender interface {
	Append(r reading.Reading) error
}

// Deps are the per-session collaborators the loop writes to.
type Deps struct {
	Window     *window.Window
	Ledger     Appender
	Evaluator  *alert.Evaluator
	Thresholds *alert.Thresholds
	Relay      *event.Relay
	Logger     *log.Logger
	Now        func() time.Time
}

// Stats are cumulative loop counters.
type Stats struct {
	Ingested            uint64
	DroppedLines        uint64
	PersistenceFailures uint64
	OpenFailures        uint64
	Reconnects          uint64
}

// Link runs the connect/read loop for one session.
type Link struct {
	cfg    Config
	opener Opener
	deps   Deps

	mu    sync.RWMutex
	state State

	lastInvalid string

	ingested     atomic.Uint64
	droppedLines atomic.Uint64
	persistFails atomic.Uint64
	openFails    atomic.Uint64
	reconnects   atomic.Uint64
}

// New constructs a link in StateDisconnected.
func New(cfg Config, opener Opener, deps Deps) *Link {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ResetDelay < 0 {
		cfg.ResetDelay = 0
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Link{cfg: cfg, opener: opener, deps: deps, state: StateDisconnected}
}

// Run loops until ctx is cancelled. Link failures are retried indefinitely;
// the open port is always closed before Run returns.
func (l *Link) Run(ctx context.Context) error {
	var port Port
	defer func() {
		if port != nil {
			if err := port.Close(); err != nil {
				l.deps.Logger.LogError("link", err, map[string]interface{}{"port": l.cfg.Port})
			}
		}
		l.stop()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if port == nil {
			p, ok := l.connect(ctx)
			if !ok {
				continue
			}
			port = p
			continue
		}

		line, err := port.ReadLine(l.cfg.ReadTimeout)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			if cerr := port.Close(); cerr != nil {
				l.deps.Logger.Debug("close after drop failed", map[string]interface{}{"error": cerr.Error()})
			}
			port = nil
			l.reconnects.Add(1)
			l.transition(StateLost, "Connection Lost! Reconnecting...", err)
			continue
		}

		l.ingest(line)
	}
}

// connect performs one open attempt. On failure it waits out the backoff.
func (l *Link) connect(ctx context.Context) (Port, bool) {
	l.transition(StateConnecting, fmt.Sprintf("Connecting to %s...", l.cfg.Port), nil)

	p, err := l.opener.Open(l.cfg.Port, l.cfg.Baud)
	if err != nil {
		if !errors.Is(err, ErrLinkUnavailable) {
			err = fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
		}
		l.openFails.Add(1)
		l.transition(StateDisconnected,
			fmt.Sprintf("Port %s unavailable, retrying in %s", l.cfg.Port, l.cfg.Backoff), err)
		sleepWithContext(ctx, l.cfg.Backoff)
		return nil, false
	}

	// the sensor board resets when the port opens
	if !sleepWithContext(ctx, l.cfg.ResetDelay) {
		if cerr := p.Close(); cerr != nil {
			l.deps.Logger.Debug("close during shutdown failed", map[string]interface{}{"error": cerr.Error()})
		}
		return nil, false
	}

	l.transition(StateConnected, "Connected and Monitoring...", nil)
	return p, true
}

func (l *Link) ingest(line string) {
	temp, hum, ok := reading.ParseLine(line)
	if !ok {
		l.droppedLines.Add(1)
		l.deps.Logger.Debug("line dropped", map[string]interface{}{"line": line})
		return
	}

	r := reading.New(l.deps.Now(), temp, hum)
	l.ingested.Add(1)
	l.deps.Logger.LogReading(r.Temperature, r.Humidity, r.Time)

	if l.deps.Window != nil {
		l.deps.Window.Push(r)
	}
	l.publish(event.Ingested(r))

	if l.deps.Ledger != nil {
		if err := l.deps.Ledger.Append(r); err != nil {
			l.persistFails.Add(1)
			l.deps.Logger.LogError("ledger", err, nil)
			l.publish(event.Persistence(err))
		}
	}

	if l.deps.Evaluator == nil || l.deps.Thresholds == nil {
		return
	}
	tr, err := l.deps.Evaluator.EvaluateWith(r.Temperature, l.deps.Thresholds)
	if err != nil {
		// report each distinct bad value once
		if msg := err.Error(); msg != l.lastInvalid {
			l.lastInvalid = msg
			l.deps.Logger.Warn("alert evaluation skipped", map[string]interface{}{"error": msg})
			l.publish(event.InvalidThreshold(err))
		}
		return
	}
	l.lastInvalid = ""
	if tr != nil {
		l.deps.Logger.Info("alert "+string(tr.Kind), map[string]interface{}{
			"temperature": tr.Temperature,
			"low":         tr.Low,
			"high":        tr.High,
		})
		l.publish(event.Transitioned(*tr))
	}
}

func (l *Link) transition(to State, message string, cause error) {
	l.mu.Lock()
	from := l.state
	if !CanTransition(from, to) {
		l.mu.Unlock()
		l.deps.Logger.Error("illegal link transition", map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		})
		return
	}
	l.state = to
	l.mu.Unlock()

	l.deps.Logger.LogConnection(string(to), l.cfg.Port, cause)
	e := event.Status(string(to), message)
	if cause != nil {
		e.Cause = cause.Error()
	}
	l.publish(e)
}

// stop returns the link to StateDisconnected when Run exits. This is the end
// of the session rather than a machine edge, so it bypasses CanTransition.
func (l *Link) stop() {
	l.mu.Lock()
	l.state = StateDisconnected
	l.mu.Unlock()

	l.deps.Logger.LogConnection(string(StateDisconnected), l.cfg.Port, nil)
	l.publish(event.Status(string(StateDisconnected), StoppedMessage))
}

func (l *Link) publish(e event.Event) {
	if l.deps.Relay != nil {
		l.deps.Relay.Publish(e)
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Stats returns a copy of the loop counters.
func (l *Link) Stats() Stats {
	return Stats{
		Ingested:            l.ingested.Load(),
		DroppedLines:        l.droppedLines.Load(),
		PersistenceFailures: l.persistFails.Load(),
		OpenFailures:        l.openFails.Load(),
		Reconnects:          l.reconnects.Load(),
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
