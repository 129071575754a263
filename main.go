package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doridoridoriand/envmon/internal/cli"
	"github.com/doridoridoriand/envmon/internal/config"
	"github.com/doridoridoriand/envmon/internal/event"
	"github.com/doridoridoriand/envmon/internal/ledger"
	"github.com/doridoridoriand/envmon/internal/link"
	"github.com/doridoridoriand/envmon/internal/log"
	"github.com/doridoridoriand/envmon/internal/metrics"
	"github.com/doridoridoriand/envmon/internal/session"
	"github.com/doridoridoriand/envmon/internal/state"
	"github.com/doridoridoriand/envmon/internal/stream"
	"github.com/doridoridoriand/envmon/internal/ui"
)

const (
	version         = "0.1.0"
	dispatchTick    = 250 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flags := cli.Register(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if flags.Version {
		fmt.Fprintf(os.Stdout, "envmon version %s\n", version)
		return
	}
	if flags.ListPorts {
		if err := listPorts(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "failed to list ports: %v\n", err)
			os.Exit(1)
		}
		return
	}

	parser := config.EnvmonParser{DotEnv: flags.DotEnv}
	overrides := flags.Overrides()
	cfg, err := parser.LoadConfig(flags.ConfigPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	if flags.ConfigPath != "" {
		logger.LogConfigLoad(true, flags.ConfigPath, nil)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a := newApp(cfg, link.SerialOpener{}, logger)
	a.reloader = func() (*config.Config, error) {
		return parser.LoadConfig(flags.ConfigPath, overrides)
	}

	reloadCh := make(chan struct{}, 1)
	go watchReload(ctx, reloadCh)

	if err := a.run(ctx, reloadCh); err != nil && !errors.Is(err, context.Canceled) {
		logger.LogError("main", err, nil)
		fmt.Fprintf(os.Stderr, "envmon: %v\n", err)
		os.Exit(1)
	}
}

// app wires a session to its consumers.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	ledger   *ledger.Ledger
	session  *session.Session
	store    *state.StoreImpl
	hub      *stream.Hub
	reloader func() (*config.Config, error)
}

func newApp(cfg *config.Config, opener link.Opener, logger *log.Logger) *app {
	l := ledger.New(cfg.LedgerPath)
	return &app{
		cfg:     cfg,
		logger:  logger,
		ledger:  l,
		session: session.New(sessionConfig(cfg), opener, l, logger),
		store:   state.NewStore(),
		hub:     stream.NewHub(logger),
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Link: link.Config{
			Port:        cfg.Port,
			Baud:        cfg.Baud,
			ReadTimeout: cfg.ReadTimeout,
			Backoff:     cfg.Backoff,
			ResetDelay:  cfg.ResetDelay,
		},
		WindowSize:    cfg.WindowSize,
		RelayCapacity: cfg.RelayCapacity,
		AlertLow:      cfg.AlertLow,
		AlertHigh:     cfg.AlertHigh,
	}
}

// run starts monitoring and blocks until ctx is cancelled or the dashboard
// exits. The session is always stopped before returning.
func (a *app) run(ctx context.Context, reloadCh <-chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.session.Start(ctx); err != nil {
		return err
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.dispatch(dispatchCtx)
	}()
	defer a.shutdown(stopDispatch, dispatched)

	go a.hub.Run(ctx)
	go a.handleReloads(ctx, reloadCh)

	errCh := make(chan error, 1)
	if a.cfg.MetricsListen != "" {
		go func() {
			err := metrics.Serve(ctx, a.cfg.MetricsListen, a.cfg.MetricsMaxConns, a.metricsServer().Handler())
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.LogError("metrics", err, map[string]interface{}{"listen": a.cfg.MetricsListen})
				errCh <- err
			}
		}()
		a.logger.Info("http server listening", map[string]interface{}{"listen": a.cfg.MetricsListen})
	}

	if a.cfg.UIDisable {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		}
	}

	dashboard := ui.New(
		ui.Options{Port: a.cfg.Port, LedgerPath: a.cfg.LedgerPath},
		a.store, a.session.Window(), a.session.Thresholds(), a.session,
	)
	return dashboard.Run(ctx)
}

func (a *app) metricsServer() *metrics.Server {
	return metrics.NewServer(metrics.Sources{
		Store:      a.store,
		Window:     a.session.Window(),
		Ledger:     a.ledger,
		Thresholds: a.session.Thresholds(),
		Stream:     a.hub,
		LinkStats:  a.session.Stats,
		Dropped:    a.session.Relay().Dropped,
		Logger:     a.logger,
	})
}

// shutdown stops the session, then joins the dispatcher before the final drain
// so events reach the store in relay order.
func (a *app) shutdown(stopDispatch context.CancelFunc, dispatched <-chan struct{}) {
	a.session.Stop()
	if !a.session.Wait(shutdownTimeout) {
		a.logger.Warn("session did not stop in time", map[string]interface{}{"timeout": shutdownTimeout.String()})
	}
	stopDispatch()
	<-dispatched
	a.drain()
}

// dispatch drains the relay into the dashboard model and the event stream.
// The tick covers a missed ready signal.
func (a *app) dispatch(ctx context.Context) {
	relay := a.session.Relay()
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-relay.Ready():
		case <-ticker.C:
		}
		a.drain()
	}
}

func (a *app) drain() {
	for _, e := range a.session.Relay().Drain() {
		a.store.Apply(e)
		a.hub.Broadcast(e)
		if a.cfg.UIDisable {
			logEvent(a.logger, e)
		}
	}
}

func (a *app) handleReloads(ctx context.Context, reloadCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadCh:
			a.reload()
		}
	}
}

// reload re-reads configuration and applies the alert band to the running
// session. Other settings take effect on the next start.
func (a *app) reload() {
	if a.reloader == nil {
		return
	}
	cfg, err := a.reloader()
	if err != nil {
		a.logger.LogConfigLoad(false, "", err)
		return
	}
	a.session.Thresholds().Set(cfg.AlertLow, cfg.AlertHigh)
	a.logger.Info("thresholds reloaded", map[string]interface{}{
		"low":  cfg.AlertLow,
		"high": cfg.AlertHigh,
	})
}

// logEvent writes relay events in log-only mode. Connection changes are
// already logged by the link.
func logEvent(logger *log.Logger, e event.Event) {
	fields := map[string]interface{}{"seq": e.Seq, "session": e.Session}
	switch e.Kind {
	case event.ReadingIngested:
		if e.Reading == nil {
			return
		}
		fields["temperature"] = e.Reading.Temperature
		fields["humidity"] = e.Reading.Humidity
		fields["time"] = e.Reading.Time.Format(time.RFC3339)
		logger.Info("reading", fields)
	case event.AlertTransitioned:
		if e.Alert != nil {
			fields["transition"] = string(e.Alert.Kind)
			fields["temperature"] = e.Alert.Temperature
		}
		logger.Warn(e.Message, fields)
	case event.PersistenceFailed:
		fields["error"] = e.Cause
		logger.Error(e.Message, fields)
	case event.ThresholdInvalid:
		fields["error"] = e.Cause
		logger.Warn(e.Message, fields)
	default:
		fields["state"] = e.State
		logger.Debug(e.Message, fields)
	}
}

func newLogger(cfg *config.Config) (*log.Logger, io.Closer, error) {
	level := log.ParseLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		return log.OpenFile(cfg.LogFile, level)
	}
	if !cfg.UIDisable {
		// the dashboard owns the terminal
		return log.Nop(), nil, nil
	}
	return log.NewLogger(level), nil, nil
}

func listPorts(w io.Writer) error {
	ports, err := link.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(w, p)
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func watchReload(ctx context.Context, ch chan<- struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			requestReload(ch)
		}
	}
}

// requestReload queues a reload without blocking; pending requests coalesce.
func requestReload(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
