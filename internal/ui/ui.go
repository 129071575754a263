// Package ui renders the live dashboard with tcell. It only reads the
// consumer-side model and the live window; the single mutation it performs is
// editing alert thresholds and toggling the session.
package ui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/reading"
	"github.com/doridoridoriand/envmon/internal/state"
)

const (
	uiRefreshInterval = 500 * time.Millisecond
	thresholdStep     = 0.5
	minWidth          = 30
	minHeight         = 10
)

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// WindowReader returns the live window oldest first.
type WindowReader interface {
	Snapshot() []reading.Reading
}

// Controller starts and stops monitoring sessions.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

// Options describe what the dashboard shows.
type Options struct {
	Port       string
	LedgerPath string
}

// UI renders a TUI view of the live session.
type UI struct {
	opts       Options
	state      state.Store
	window     WindowReader
	thresholds *alert.Thresholds
	control    Controller

	flash   string
	flashAt time.Time
	now     func() time.Time
}

// New returns a UI instance. control may be nil, which disables start/stop.
func New(opts Options, store state.Store, window WindowReader, thresholds *alert.Thresholds, control Controller) *UI {
	return &UI{
		opts:       opts,
		state:      store,
		window:     window,
		thresholds: thresholds,
		control:    control,
		now:        time.Now,
	}
}

// Run blocks until the context is cancelled or the user quits.
func (u *UI) Run(ctx context.Context) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	screen.HideCursor()
	defer screen.Fini()
	return u.loop(ctx, screen)
}

func (u *UI) loop(parent context.Context, screen tcell.Screen) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	eventCh := make(chan tcell.Event, 1)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case eventCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(uiRefreshInterval)
	defer ticker.Stop()

	u.render(screen)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-eventCh:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if u.handleKey(parent, ev) {
					return context.Canceled
				}
				u.render(screen)
			case *tcell.EventResize:
				screen.Sync()
				u.render(screen)
			}
		case <-ticker.C:
			u.render(screen)
		}
	}
}

// handleKey applies a key press and reports whether the UI should quit.
func (u *UI) handleKey(ctx context.Context, ev *tcell.EventKey) bool {
	if ev.Key() == tcell.KeyCtrlC || ev.Key() == tcell.KeyEscape {
		return true
	}
	switch ev.Rune() {
	case 'q':
		return true
	case 'h':
		u.nudge("low", -thresholdStep)
	case 'H':
		u.nudge("low", thresholdStep)
	case 'l':
		u.nudge("high", -thresholdStep)
	case 'L':
		u.nudge("high", thresholdStep)
	case 's':
		u.toggle(ctx)
	}
	return false
}

func (u *UI) nudge(bound string, delta float64) {
	if u.thresholds == nil {
		return
	}
	if err := u.thresholds.Nudge(bound, delta); err != nil {
		u.setFlash(err.Error())
		return
	}
	low, high := u.thresholds.Get()
	u.setFlash(fmt.Sprintf("thresholds low=%s high=%s", low, high))
}

func (u *UI) toggle(ctx context.Context) {
	if u.control == nil {
		return
	}
	if u.control.Running() {
		u.control.Stop()
		u.setFlash("Monitoring stopped")
		return
	}
	if err := u.control.Start(ctx); err != nil {
		u.setFlash(err.Error())
		return
	}
	u.setFlash("Monitoring started")
}

func (u *UI) setFlash(msg string) {
	u.flash = msg
	u.flashAt = u.now()
}

func (u *UI) render(screen tcell.Screen) {
	screen.Clear()
	width, height := screen.Size()
	if width < minWidth || height < minHeight {
		drawText(screen, 0, 0, width, "window too small", tcell.StyleDefault)
		screen.Show()
		return
	}

	snap := u.state.Snapshot()
	var points []reading.Reading
	if u.window != nil {
		points = u.window.Snapshot()
	}
	low, high := "", ""
	if u.thresholds != nil {
		low, high = u.thresholds.Get()
	}

	header := fmt.Sprintf(" envmon  %s  (q quit, s start/stop, h/H low, l/L high)", u.now().Format(reading.TimeLayout))
	drawText(screen, 0, 0, width, header, tcell.StyleDefault.Bold(true))
	drawText(screen, 0, 1, width, formatInfo(u.opts, snap), tcell.StyleDefault.Foreground(tcell.ColorGray))

	drawText(screen, 0, 2, width, formatStatus(snap), statusStyle(snap.Status))
	drawText(screen, 0, 3, width, formatLatest(snap), alertStyle(snap.Alert))
	drawText(screen, 0, 4, width, formatThresholds(low, high), tcell.StyleDefault)
	drawText(screen, 0, 5, width, formatCounters(snap), tcell.StyleDefault.Foreground(tcell.ColorGray))

	y := 6
	if snap.LastError != "" {
		drawText(screen, 0, y, width, " last error: "+snap.LastError, tcell.StyleDefault.Foreground(tcell.ColorRed))
	}
	y++

	boxHeight := (height - y - 1) / 2
	if boxHeight >= 3 {
		temps, hums := series(points)
		drawSeriesBox(screen, 0, y, width, boxHeight, "Temperature C", temps, alertStyle(snap.Alert))
		drawSeriesBox(screen, 0, y+boxHeight, width, boxHeight, "Humidity %", hums, tcell.StyleDefault.Foreground(tcell.ColorTeal))
	}

	if u.flash != "" && u.now().Sub(u.flashAt) < 5*time.Second {
		drawText(screen, 0, height-1, width, " "+u.flash, tcell.StyleDefault.Reverse(true))
	}
	screen.Show()
}

func drawSeriesBox(screen tcell.Screen, x, y, width, height int, title string, values []float64, style tcell.Style) {
	drawBox(screen, x, y, width, height)
	label := fmt.Sprintf(" %s %s ", title, formatRange(values))
	drawText(screen, x+2, y, width-4, label, tcell.StyleDefault.Bold(true))
	inner := width - 2
	drawText(screen, x+1, y+1, inner, sparkline(values, inner), style)
	if height > 3 && len(values) > 0 {
		drawText(screen, x+1, y+2, inner, fmt.Sprintf("last=%.2f", values[len(values)-1]), tcell.StyleDefault)
	}
}

func series(points []reading.Reading) (temps, hums []float64) {
	temps = make([]float64, len(points))
	hums = make([]float64, len(points))
	for i, p := range points {
		temps[i] = p.Temperature
		hums[i] = p.Humidity
	}
	return temps, hums
}

// sparkline renders the most recent values that fit in width, scaled between
// their own min and max.
func sparkline(values []float64, width int) string {
	if width <= 0 || len(values) == 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	top := len(sparkRunes) - 1
	out := make([]rune, len(values))
	for i, v := range values {
		idx := top / 2
		if hi > lo {
			idx = int(math.Round((v - lo) / (hi - lo) * float64(top)))
		}
		out[i] = sparkRunes[idx]
	}
	return string(out)
}

func formatRange(values []float64) string {
	if len(values) == 0 {
		return "(no data)"
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return fmt.Sprintf("min=%.2f max=%.2f n=%d", lo, hi, len(values))
}

func formatInfo(opts Options, snap state.Snapshot) string {
	session := snap.Session
	if len(session) > 8 {
		session = session[:8]
	}
	if session == "" {
		session = "-"
	}
	return fmt.Sprintf(" port=%s  ledger=%s  session=%s", opts.Port, opts.LedgerPath, session)
}

func formatStatus(snap state.Snapshot) string {
	return fmt.Sprintf(" %-7s %-12s %s", snap.Status, snap.Connection, snap.Message)
}

func formatLatest(snap state.Snapshot) string {
	if !snap.HasReading {
		return " Temp: --.-- C  Humidity: --.-- %"
	}
	line := fmt.Sprintf(" Temp: %.2f C  Humidity: %.2f %%  at %s",
		snap.Latest.Temperature, snap.Latest.Humidity, snap.Latest.Time.Format("15:04:05"))
	if snap.Alert == alert.StateAlert {
		line += "  !!! TEMPERATURE ALERT !!!"
	}
	return line
}

func formatThresholds(low, high string) string {
	return fmt.Sprintf(" Alert band: low=%s high=%s", displayBound(low), displayBound(high))
}

func displayBound(v string) string {
	if strings.TrimSpace(v) == "" {
		return "(empty)"
	}
	return v
}

func formatCounters(snap state.Snapshot) string {
	return fmt.Sprintf(" readings=%d  transitions=%d  persist_failures=%d  invalid_thresholds=%d",
		snap.Ingested, snap.Transitions, snap.PersistenceFailures, snap.InvalidThresholds)
}

func drawBox(screen tcell.Screen, x, y, width, height int) {
	if width < 2 || height < 2 {
		return
	}
	right := x + width - 1
	bottom := y + height - 1

	setCell(screen, x, y, '+', tcell.StyleDefault)
	setCell(screen, right, y, '+', tcell.StyleDefault)
	setCell(screen, x, bottom, '+', tcell.StyleDefault)
	setCell(screen, right, bottom, '+', tcell.StyleDefault)

	for col := x + 1; col < right; col++ {
		setCell(screen, col, y, '-', tcell.StyleDefault)
		setCell(screen, col, bottom, '-', tcell.StyleDefault)
	}
	for row := y + 1; row < bottom; row++ {
		setCell(screen, x, row, '|', tcell.StyleDefault)
		setCell(screen, right, row, '|', tcell.StyleDefault)
	}
}

// drawText writes text clipped to width and pads the rest with spaces.
func drawText(screen tcell.Screen, x, y, width int, text string, style tcell.Style) {
	if width <= 0 {
		return
	}
	col := x
	for _, r := range text {
		if col >= x+width {
			return
		}
		setCell(screen, col, y, r, style)
		col++
	}
	for col < x+width {
		setCell(screen, col, y, ' ', tcell.StyleDefault)
		col++
	}
}

func setCell(screen tcell.Screen, x, y int, r rune, style tcell.Style) {
	screen.SetContent(x, y, r, nil, style)
}

func statusStyle(status state.Status) tcell.Style {
	switch status {
	case state.StatusOK:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	case state.StatusWarn:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case state.StatusDown:
		return tcell.StyleDefault.Foreground(tcell.ColorRed)
	default:
		return tcell.StyleDefault.Foreground(tcell.ColorGray)
	}
}

func alertStyle(s alert.State) tcell.Style {
	if s == alert.StateAlert {
		return tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
	}
	return tcell.StyleDefault.Foreground(tcell.ColorGreen)
}
