package config

import "time"

// Config holds every runtime setting after defaults, the config file, the
// environment and CLI overrides have been applied, in that order.
type Config struct {
	Port        string
	Baud        int
	WindowSize  int
	AlertLow    string
	AlertHigh   string
	ReadTimeout time.Duration
	Backoff     time.Duration
	ResetDelay  time.Duration

	LedgerPath    string
	RelayCapacity int

	MetricsListen   string
	MetricsMaxConns int

	UIDisable bool
	LogLevel  string
	LogFile   string
}

// CLIOverrides holds optional CLI values that override all other sources.
type CLIOverrides struct {
	Port          *string
	Baud          *int
	WindowSize    *int
	AlertLow      *string
	AlertHigh     *string
	ReadTimeout   *time.Duration
	Backoff       *time.Duration
	LedgerPath    *string
	MetricsListen *string
	UIDisable     *bool
	LogLevel      *string
}

// Parser defines config parsing behavior.
type Parser interface {
	LoadConfig(path string, overrides CLIOverrides) (*Config, error)
	ParseDirective(line string) (map[string]string, error)
}
