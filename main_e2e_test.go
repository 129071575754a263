package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/config"
	"github.com/doridoridoriand/envmon/internal/link"
	"github.com/doridoridoriand/envmon/internal/log"
	"github.com/doridoridoriand/envmon/internal/reading"
	"github.com/doridoridoriand/envmon/internal/state"
)

// mockPort replays scripted lines and then times out.
type mockPort struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (p *mockPort) ReadLine(timeout time.Duration) (string, error) {
	p.mu.Lock()
	if len(p.lines) > 0 {
		line := p.lines[0]
		p.lines = p.lines[1:]
		p.mu.Unlock()
		return line, nil
	}
	p.mu.Unlock()
	time.Sleep(timeout)
	return "", link.ErrReadTimeout
}

func (p *mockPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *mockPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// syncBuffer guards a log buffer shared with background goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "envmon.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}

func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %s", msg)
}

func noEnv(string) (string, bool) { return "", false }

func TestE2E_SerialToDashboardAndLedger(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "data", "data.csv")
	configPath := createTempConfig(t, ""+
		"# envmon: port=/dev/fake0 read_timeout=20ms backoff=20ms reset_delay=0s\n"+
		"alert.low=0 alert.high=30\n"+
		"ui.disable=true\n"+
		"ledger="+ledgerPath+"\n")

	parser := config.EnvmonParser{LookupEnv: noEnv}
	cfg, err := parser.LoadConfig(configPath, config.CLIOverrides{})
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	port := &mockPort{lines: []string{
		"Temperature: 25.00 C, Humidity: 40.00 %",
		"garbage line",
		"Temperature: 35.50 C, Humidity: 42.00 %",
	}}
	var opens int
	var mu sync.Mutex
	opener := link.OpenerFunc(func(name string, baud int) (link.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if name != "/dev/fake0" || baud != 9600 {
			return nil, errors.New("unexpected port settings")
		}
		return port, nil
	})

	var logs syncBuffer
	logger := log.NewLogger(log.LevelInfo)
	logger.SetOutput(&logs)

	a := newApp(cfg, opener, logger)
	a.reloader = func() (*config.Config, error) {
		return parser.LoadConfig(configPath, config.CLIOverrides{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloadCh := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, reloadCh) }()

	waitForCondition(t, func() bool {
		snap := a.store.Snapshot()
		return snap.Ingested == 2 && snap.Alert == alert.StateAlert
	}, 3*time.Second, "two readings and an alert should reach the dashboard model")

	snap := a.store.Snapshot()
	if snap.Connection != string(link.StateConnected) || snap.Status != state.StatusWarn {
		t.Fatalf("expected connected with warning status, got %+v", snap)
	}
	if snap.Latest.Temperature != 35.5 {
		t.Fatalf("expected latest temperature 35.5, got %v", snap.Latest.Temperature)
	}
	if snap.Session == "" || snap.Session != a.session.ID() {
		t.Fatalf("expected session id %q on events, got %q", a.session.ID(), snap.Session)
	}
	if got := a.session.Stats().DroppedLines; got != 1 {
		t.Fatalf("expected 1 dropped line, got %d", got)
	}

	handler := a.metricsServer().Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readings", nil))
	var rows []reading.Reading
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode readings: %v", err)
	}
	if len(rows) != 2 || rows[0].Temperature != 25 || rows[1].Temperature != 35.5 {
		t.Fatalf("unexpected ledger rows %+v", rows)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"envmon_alert_active{", "} 1", `envmon_alert_threshold_celsius{bound="high"} 30`, "envmon_link_lines_dropped_total 1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics:\n%s", want, body)
		}
	}

	// raise the band through a reload
	if err := os.WriteFile(configPath, []byte("alert.low=0 alert.high=40\nui.disable=true\nport=/dev/fake0\nledger="+ledgerPath+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	requestReload(reloadCh)
	waitForCondition(t, func() bool {
		_, high := a.session.Thresholds().Get()
		return high == "40"
	}, 2*time.Second, "reload should apply the new high threshold")

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	if !port.isClosed() {
		t.Fatalf("port should be released on shutdown")
	}
	if a.session.Running() {
		t.Fatalf("session should be stopped")
	}
	if snap := a.store.Snapshot(); snap.Connection != string(link.StateDisconnected) || snap.Message != link.StoppedMessage {
		t.Fatalf("expected stopped status after shutdown, got %s / %q", snap.Connection, snap.Message)
	}

	data, err := os.ReadFile(ledgerPath)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || lines[0] != "Timestamp,Temperature_C,Humidity_Percent" {
		t.Fatalf("unexpected ledger contents:\n%s", data)
	}
	if !strings.HasSuffix(lines[2], ",35.50,42.00") {
		t.Fatalf("unexpected last ledger row %q", lines[2])
	}

	out := logs.String()
	for _, want := range []string{`"message":"reading"`, `"message":"!!! TEMPERATURE ALERT !!!"`, `"message":"thresholds reloaded"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in logs:\n%s", want, out)
		}
	}
}

func TestE2E_UnavailablePortKeepsRetrying(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.UIDisable = true
	cfg.LedgerPath = filepath.Join(t.TempDir(), "data.csv")
	cfg.Backoff = 20 * time.Millisecond
	cfg.ReadTimeout = 20 * time.Millisecond

	var attempts int
	var mu sync.Mutex
	opener := link.OpenerFunc(func(name string, baud int) (link.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return nil, errors.New("no such file or directory")
	})

	a := newApp(&cfg, opener, log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, make(chan struct{})) }()

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 3
	}, 3*time.Second, "opener should be retried")

	waitForCondition(t, func() bool {
		return a.store.Snapshot().Status == state.StatusDown
	}, 2*time.Second, "dashboard should show the link down")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if _, err := os.Stat(cfg.LedgerPath); !os.IsNotExist(err) {
		t.Fatalf("ledger must not be created without readings, stat err=%v", err)
	}
}

func TestShutdownDrainsAfterDispatchExits(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.UIDisable = true
	cfg.LedgerPath = filepath.Join(t.TempDir(), "data.csv")
	cfg.ReadTimeout = 20 * time.Millisecond

	port := &mockPort{lines: []string{"Temperature: 21.00 C, Humidity: 40.00 %"}}
	opener := link.OpenerFunc(func(string, int) (link.Port, error) { return port, nil })
	a := newApp(&cfg, opener, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.dispatch(dispatchCtx)
	}()

	waitForCondition(t, func() bool {
		return a.store.Snapshot().Ingested == 1
	}, 3*time.Second, "reading should be dispatched")

	a.shutdown(stopDispatch, dispatched)

	select {
	case <-dispatched:
	default:
		t.Fatalf("dispatch should have exited before shutdown returned")
	}
	if n := a.session.Relay().Len(); n != 0 {
		t.Fatalf("expected relay drained, %d events left", n)
	}
	snap := a.store.Snapshot()
	if snap.Connection != string(link.StateDisconnected) || snap.Message != link.StoppedMessage {
		t.Fatalf("expected final stopped status, got %s / %q", snap.Connection, snap.Message)
	}
	if snap.Ingested != 1 {
		t.Fatalf("expected 1 reading, got %d", snap.Ingested)
	}
}
