package link

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/event"
	"github.com/doridoridoriand/envmon/internal/ledger"
	"github.com/doridoridoriand/envmon/internal/reading"
	"github.com/doridoridoriand/envmon/internal/window"
)

func fastConfig() Config {
	return Config{
		Port:        "/dev/ttyTEST",
		Baud:        9600,
		ReadTimeout: 2 * time.Millisecond,
		Backoff:     time.Millisecond,
		ResetDelay:  0,
	}
}

type harness struct {
	link   *Link
	relay  *event.Relay
	window *window.Window
	eval   *alert.Evaluator
	events []event.Event
}

func newHarness(opener Opener, appender Appender, now func() time.Time) *harness {
	h := &harness{
		relay:  event.NewRelay(4096),
		window: window.New(30),
		eval:   alert.NewEvaluator(),
	}
	h.link = New(fastConfig(), opener, Deps{
		Window:     h.window,
		Ledger:     appender,
		Evaluator:  h.eval,
		Thresholds: alert.NewThresholds("18", "30"),
		Relay:      h.relay,
		Now:        now,
	})
	return h
}

// waitFor drains the relay until cond holds or the deadline passes.
func (h *harness) waitFor(t *testing.T, cond func([]event.Event) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.events = append(h.events, h.relay.Drain()...)
		if cond(h.events) {
			return
		}
		select {
		case <-h.relay.Ready():
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out; events so far: %s", describe(h.events))
		}
	}
}

func describe(events []event.Event) string {
	parts := make([]string, 0, len(events))
	for _, e := range events {
		parts = append(parts, fmt.Sprintf("%s/%s", e.Kind, e.State))
	}
	return strings.Join(parts, ", ")
}

func statuses(events []event.Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == event.ConnectionStatusChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func hasState(state State) func([]event.Event) bool {
	return func(events []event.Event) bool {
		for _, s := range statuses(events) {
			if s == string(state) {
				return true
			}
		}
		return false
	}
}

func runLink(t *testing.T, l *Link) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("link did not stop")
		}
	})
	return cancel, done
}

func TestLinkRetriesUntilConnected(t *testing.T) {
	opener := &flakyOpener{failures: 2}
	h := newHarness(opener, nil, nil)
	runLink(t, h.link)

	h.waitFor(t, hasState(StateConnected))

	want := []string{"CONNECTING", "DISCONNECTED", "CONNECTING", "DISCONNECTED", "CONNECTING", "CONNECTED"}
	got := statuses(h.events)
	if len(got) < len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if opener.Attempts() != 3 {
		t.Fatalf("expected 3 open attempts, got %d", opener.Attempts())
	}
	for _, e := range h.events {
		if e.State == "DISCONNECTED" && !strings.Contains(e.Cause, ErrLinkUnavailable.Error()) {
			t.Fatalf("expected unavailable cause, got %q", e.Cause)
		}
	}
	if stats := h.link.Stats(); stats.OpenFailures != 2 {
		t.Fatalf("expected 2 open failures, got %d", stats.OpenFailures)
	}
	if h.link.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", h.link.State())
	}
}

func TestLinkEndToEndReading(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	path := filepath.Join(t.TempDir(), "data.csv")
	port := &scriptedPort{lines: []string{"Temperature: 23.50, Humidity: 55.10"}}
	opener := &flakyOpener{ports: []*scriptedPort{port}}
	h := newHarness(opener, ledger.New(path), func() time.Time { return ts })
	runLink(t, h.link)

	h.waitFor(t, func(events []event.Event) bool {
		for _, e := range events {
			if e.Kind == event.ReadingIngested {
				return true
			}
		}
		return false
	})

	var got *reading.Reading
	for _, e := range h.events {
		switch e.Kind {
		case event.ReadingIngested:
			got = e.Reading
		case event.AlertTransitioned:
			t.Fatalf("unexpected alert transition: %+v", e.Alert)
		}
	}
	if got == nil || !got.Time.Equal(ts) || got.Temperature != 23.5 || got.Humidity != 55.1 {
		t.Fatalf("unexpected reading: %+v", got)
	}
	if h.window.Len() != 1 {
		t.Fatalf("expected window length 1, got %d", h.window.Len())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	want := "Timestamp,Temperature_C,Humidity_Percent\n2026-03-01 10:00:00,23.50,55.10\n"
	if string(data) != want {
		t.Fatalf("unexpected ledger contents:\n%s", data)
	}
}

func TestLinkDropsMalformedLines(t *testing.T) {
	port := &scriptedPort{lines: []string{
		"Failed to read from DHT sensor!",
		"Temperature: 21.00",
		"",
		"Temperature: 22.00°C  |  Humidity: 40.00%",
	}}
	h := newHarness(&flakyOpener{ports: []*scriptedPort{port}}, nil, nil)
	runLink(t, h.link)

	h.waitFor(t, func(events []event.Event) bool {
		for _, e := range events {
			if e.Kind == event.ReadingIngested {
				return true
			}
		}
		return false
	})
	stats := h.link.Stats()
	if stats.DroppedLines != 3 || stats.Ingested != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if h.window.Len() != 1 {
		t.Fatalf("expected only the valid reading in the window, got %d", h.window.Len())
	}
}

func TestLinkReconnectsAfterDrop(t *testing.T) {
	first := &scriptedPort{
		lines: []string{"Temperature: 20 Humidity: 50"},
		fail:  fmt.Errorf("%w: device disconnected", ErrLinkDropped),
	}
	second := &scriptedPort{lines: []string{"Temperature: 21 Humidity: 51"}}
	opener := &flakyOpener{ports: []*scriptedPort{first, second}}
	h := newHarness(opener, nil, nil)
	runLink(t, h.link)

	h.waitFor(t, func(events []event.Event) bool {
		n := 0
		for _, e := range events {
			if e.Kind == event.ReadingIngested {
				n++
			}
		}
		return n == 2
	})

	if !first.closed.Load() {
		t.Fatalf("expected dropped port to be closed")
	}
	want := []string{"CONNECTING", "CONNECTED", "LOST", "CONNECTING", "CONNECTED"}
	got := statuses(h.events)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if h.link.Stats().Reconnects != 1 {
		t.Fatalf("expected 1 reconnect, got %d", h.link.Stats().Reconnects)
	}
}

type failingAppender struct{}

func (failingAppender) Append(reading.Reading) error {
	return fmt.Errorf("%w: disk full", ledger.ErrPersistence)
}

func TestLinkPersistenceFailureIsNotFatal(t *testing.T) {
	port := &scriptedPort{lines: []string{
		"Temperature: 35 Humidity: 50",
		"Temperature: 25 Humidity: 50",
	}}
	h := newHarness(&flakyOpener{ports: []*scriptedPort{port}}, failingAppender{}, nil)
	runLink(t, h.link)

	h.waitFor(t, func(events []event.Event) bool {
		for _, e := range events {
			if e.Kind == event.AlertTransitioned && e.Alert.Kind == alert.Cleared {
				return true
			}
		}
		return false
	})

	var kinds []event.Kind
	for _, e := range h.events {
		if e.Kind != event.ConnectionStatusChanged {
			kinds = append(kinds, e.Kind)
		}
	}
	want := []event.Kind{
		event.ReadingIngested, event.PersistenceFailed, event.AlertTransitioned,
		event.ReadingIngested, event.PersistenceFailed, event.AlertTransitioned,
	}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if h.window.Len() != 2 {
		t.Fatalf("expected readings in window despite ledger failure, got %d", h.window.Len())
	}
	if h.link.Stats().PersistenceFailures != 2 {
		t.Fatalf("expected 2 persistence failures, got %d", h.link.Stats().PersistenceFailures)
	}
}

func TestLinkInvalidThresholdReportedOnce(t *testing.T) {
	port := &scriptedPort{lines: []string{
		"Temperature: 35 Humidity: 50",
		"Temperature: 36 Humidity: 50",
		"Temperature: 37 Humidity: 50",
	}}
	h := newHarness(&flakyOpener{ports: []*scriptedPort{port}}, nil, nil)
	h.link.deps.Thresholds.Set("low", "30")
	runLink(t, h.link)

	h.waitFor(t, func(events []event.Event) bool {
		n := 0
		for _, e := range events {
			if e.Kind == event.ReadingIngested {
				n++
			}
		}
		return n == 3
	})

	invalid := 0
	for _, e := range h.events {
		switch e.Kind {
		case event.ThresholdInvalid:
			invalid++
		case event.AlertTransitioned:
			t.Fatalf("alert must not be evaluated with invalid thresholds")
		}
	}
	if invalid != 1 {
		t.Fatalf("expected one invalid threshold event, got %d", invalid)
	}
	if h.eval.Active() {
		t.Fatalf("alert state must be unchanged")
	}
}

func TestLinkReleasesPortOnCancel(t *testing.T) {
	port := &scriptedPort{}
	h := newHarness(&flakyOpener{ports: []*scriptedPort{port}}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.link.Run(ctx) }()

	h.waitFor(t, hasState(StateConnected))
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("link did not observe cancellation")
	}
	if !port.closed.Load() {
		t.Fatalf("expected port to be released on exit")
	}
	if h.link.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED after exit, got %s", h.link.State())
	}

	h.events = append(h.events, h.relay.Drain()...)
	var last event.Event
	for _, e := range h.events {
		if e.Kind == event.ConnectionStatusChanged {
			last = e
		}
	}
	if last.State != string(StateDisconnected) || last.Message != StoppedMessage {
		t.Fatalf("expected final status DISCONNECTED/%q, got %s/%q", StoppedMessage, last.State, last.Message)
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateDisconnected},
		{StateConnected, StateLost},
		{StateLost, StateConnecting},
	}
	for _, edge := range legal {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be legal", edge[0], edge[1])
		}
	}
	illegal := [][2]State{
		{StateDisconnected, StateConnected},
		{StateConnected, StateDisconnected},
		{StateLost, StateConnected},
		{StateConnected, StateConnecting},
	}
	for _, edge := range illegal {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be illegal", edge[0], edge[1])
		}
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(fmt.Errorf("%w: x", ErrLinkUnavailable)) || !Recoverable(ErrLinkDropped) || !Recoverable(ErrReadTimeout) {
		t.Fatalf("expected link errors to be recoverable")
	}
	if Recoverable(errors.New("other")) {
		t.Fatalf("unexpected recoverable error")
	}
	if got := reason(errors.New("read /dev/ttyUSB0: input/output error")); got != "device disconnected" {
		t.Fatalf("unexpected reason %q", got)
	}
}
