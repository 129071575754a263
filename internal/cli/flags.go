package cli

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doridoridoriand/envmon/internal/config"
)

// OptionalDuration records a duration flag and whether it was set.
type OptionalDuration struct {
	value time.Duration
	set   bool
}

func (o *OptionalDuration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalDuration) String() string {
	if !o.set {
		return ""
	}
	return o.value.String()
}

func (o *OptionalDuration) Value() (time.Duration, bool) {
	return o.value, o.set
}

// OptionalInt records an int flag and whether it was set.
type OptionalInt struct {
	value int
	set   bool
}

func (o *OptionalInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalInt) String() string {
	if !o.set {
		return ""
	}
	return strconv.Itoa(o.value)
}

func (o *OptionalInt) Value() (int, bool) {
	return o.value, o.set
}

// OptionalString records a string flag and whether it was set.
type OptionalString struct {
	value string
	set   bool
}

func (o *OptionalString) Set(s string) error {
	o.value = s
	o.set = true
	return nil
}

func (o *OptionalString) String() string {
	if !o.set {
		return ""
	}
	return o.value
}

func (o *OptionalString) Value() (string, bool) {
	return o.value, o.set
}

// OptionalBool records a bool flag and whether it was set.
type OptionalBool struct {
	value bool
	set   bool
}

func (o *OptionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalBool) String() string {
	if !o.set {
		return ""
	}
	if o.value {
		return "true"
	}
	return "false"
}

func (o *OptionalBool) IsBoolFlag() bool {
	return true
}

func (o *OptionalBool) Value() (bool, bool) {
	return o.value, o.set
}

// OptionalLevel records a log level flag and whether it was set.
type OptionalLevel struct {
	value string
	set   bool
}

func (o *OptionalLevel) Set(s string) error {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q (valid values: debug, info, warn, error)", s)
	}
	o.value = v
	o.set = true
	return nil
}

func (o *OptionalLevel) String() string {
	if !o.set {
		return ""
	}
	return o.value
}

func (o *OptionalLevel) Value() (string, bool) {
	return o.value, o.set
}

// Flags is the set of command line options accepted by envmon.
type Flags struct {
	ConfigPath string
	DotEnv     string
	ListPorts  bool
	Version    bool

	Port          OptionalString
	Baud          OptionalInt
	Window        OptionalInt
	AlertLow      OptionalString
	AlertHigh     OptionalString
	ReadTimeout   OptionalDuration
	Backoff       OptionalDuration
	Ledger        OptionalString
	MetricsListen OptionalString
	NoUI          OptionalBool
	LogLevel      OptionalLevel
}

// Register binds every option to fs.
func Register(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "", "path to config file")
	fs.StringVar(&f.DotEnv, "env-file", ".env", "dotenv file loaded before ENVMON_* variables")
	fs.BoolVar(&f.ListPorts, "list-ports", false, "list serial ports and exit")
	fs.BoolVar(&f.Version, "version", false, "print version and exit")

	fs.Var(&f.Port, "port", "serial port device (e.g. /dev/ttyUSB0)")
	fs.Var(&f.Baud, "baud", "serial baud rate")
	fs.Var(&f.Window, "window", "number of readings kept in the live window")
	fs.Var(&f.AlertLow, "alert-low", "low temperature threshold")
	fs.Var(&f.AlertHigh, "alert-high", "high temperature threshold")
	fs.Var(&f.ReadTimeout, "read-timeout", "serial read timeout (e.g. 1s)")
	fs.Var(&f.Backoff, "backoff", "delay between reconnection attempts")
	fs.Var(&f.Ledger, "ledger", "CSV ledger path")
	fs.Var(&f.MetricsListen, "metrics-listen", "HTTP listen address for metrics, readings and events")
	fs.Var(&f.NoUI, "no-ui", "disable TUI and log events instead")
	fs.Var(&f.LogLevel, "log-level", "log level (debug, info, warn, error)")
	return f
}

// Overrides converts the flags that were set into config overrides.
func (f *Flags) Overrides() config.CLIOverrides {
	var o config.CLIOverrides
	if v, ok := f.Port.Value(); ok {
		o.Port = &v
	}
	if v, ok := f.Baud.Value(); ok {
		o.Baud = &v
	}
	if v, ok := f.Window.Value(); ok {
		o.WindowSize = &v
	}
	if v, ok := f.AlertLow.Value(); ok {
		o.AlertLow = &v
	}
	if v, ok := f.AlertHigh.Value(); ok {
		o.AlertHigh = &v
	}
	if v, ok := f.ReadTimeout.Value(); ok {
		o.ReadTimeout = &v
	}
	if v, ok := f.Backoff.Value(); ok {
		o.Backoff = &v
	}
	if v, ok := f.Ledger.Value(); ok {
		o.LedgerPath = &v
	}
	if v, ok := f.MetricsListen.Value(); ok {
		o.MetricsListen = &v
	}
	if v, ok := f.NoUI.Value(); ok {
		o.UIDisable = &v
	}
	if v, ok := f.LogLevel.Value(); ok {
		o.LogLevel = &v
	}
	return o
}
