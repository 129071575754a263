// Package session owns the mutable state of a monitoring run: the live
// window, the alert state and the serial link goroutine.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/event"
	"github.com/doridoridoriand/envmon/internal/link"
	"github.com/doridoridoriand/envmon/internal/log"
	"github.com/doridoridoriand/envmon/internal/window"
)

// ErrAlreadyRunning is returned by Start while a session is active.
var ErrAlreadyRunning = errors.New("session already running")

// Config describes a monitoring session.
type Config struct {
	Link          link.Config
	WindowSize    int
	RelayCapacity int
	AlertLow      string
	AlertHigh     string
}

// Session starts and stops ingestion. The relay and thresholds outlive
// individual runs so consumers and operators keep their handles.
type Session struct {
	cfg        Config
	opener     link.Opener
	ledger     link.Appender
	logger     *log.Logger
	window     *window.Window
	evaluator  *alert.Evaluator
	thresholds *alert.Thresholds
	relay      *event.Relay

	mu     sync.Mutex
	id     string
	link   *link.Link
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an idle session.
func New(cfg Config, opener link.Opener, ledger link.Appender, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Nop()
	}
	return &Session{
		cfg:        cfg,
		opener:     opener,
		ledger:     ledger,
		logger:     logger,
		window:     window.New(cfg.WindowSize),
		evaluator:  alert.NewEvaluator(),
		thresholds: alert.NewThresholds(cfg.AlertLow, cfg.AlertHigh),
		relay:      event.NewRelay(cfg.RelayCapacity),
	}
}

// Start resets the live window and alert state and launches the ingestion
// goroutine. It returns immediately.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyRunning
		}
	}

	s.id = uuid.NewString()
	s.relay.SetSession(s.id)
	s.window.Reset()
	s.evaluator.Reset()

	logger := s.logger.With(map[string]interface{}{"session": s.id})
	s.link = link.New(s.cfg.Link, s.opener, link.Deps{
		Window:     s.window,
		Ledger:     s.ledger,
		Evaluator:  s.evaluator,
		Thresholds: s.thresholds,
		Relay:      s.relay,
		Logger:     logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	logger.Info("session started", map[string]interface{}{
		"port": s.cfg.Link.Port,
		"baud": s.cfg.Link.Baud,
	})
	l := s.link
	go func() {
		defer close(done)
		_ = l.Run(runCtx)
		logger.Info("session stopped", nil)
	}()
	return nil
}

// Stop requests termination and returns without waiting. The loop exits
// within one read timeout or backoff interval and releases the port itself.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the ingestion goroutine exits or timeout elapses. It
// reports whether the goroutine exited; on false the goroutine is abandoned
// and will still release the port on its own.
func (s *Session) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// Running reports whether the ingestion goroutine is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// ID returns the identifier of the current or last run.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the link state of the current run.
func (s *Session) State() link.State {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return link.StateDisconnected
	}
	return l.State()
}

// Stats returns the loop counters of the current run.
func (s *Session) Stats() link.Stats {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return link.Stats{}
	}
	return l.Stats()
}

func (s *Session) Window() *window.Window        { return s.window }
func (s *Session) Relay() *event.Relay           { return s.relay }
func (s *Session) Thresholds() *alert.Thresholds { return s.thresholds }
func (s *Session) AlertState() alert.State       { return s.evaluator.State() }
func (s *Session) Config() Config                { return s.cfg }
