package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	directivePrefix = "envmon:"
	envPrefix       = "ENVMON_"
)

// keys lists every recognised setting, in the order they are documented.
var keys = []string{
	"port", "baud", "window", "alert.low", "alert.high",
	"read_timeout", "backoff", "reset_delay",
	"ledger", "relay.capacity",
	"metrics.listen", "metrics.max_conns",
	"ui.disable", "log.level", "log.file",
}

// EnvmonParser implements the Parser interface.
type EnvmonParser struct {
	// DotEnv is loaded into the process environment before ENVMON_*
	// variables are read. Missing files are ignored.
	DotEnv string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// DefaultConfig returns baseline settings used before any source is applied.
func DefaultConfig() Config {
	return Config{
		Port:            "/dev/ttyUSB0",
		Baud:            9600,
		WindowSize:      30,
		AlertLow:        "0",
		AlertHigh:       "40",
		ReadTimeout:     1 * time.Second,
		Backoff:         3 * time.Second,
		ResetDelay:      2 * time.Second,
		LedgerPath:      "data/data.csv",
		RelayCapacity:   256,
		MetricsListen:   "",
		MetricsMaxConns: 16,
		UIDisable:       false,
		LogLevel:        "info",
		LogFile:         "",
	}
}

// LoadConfig builds the configuration. An empty path skips the file.
func (p EnvmonParser) LoadConfig(path string, overrides CLIOverrides) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := p.loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := p.ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	applyCLIOverrides(&cfg, overrides)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p EnvmonParser) loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "# "+directivePrefix) {
				pairs, err := p.ParseDirective(line)
				if err != nil {
					return fmt.Errorf("%s:%d: %w", path, lineNo, err)
				}
				if err := applyDirective(cfg, pairs); err != nil {
					return fmt.Errorf("%s:%d: %w", path, lineNo, err)
				}
			}
			continue
		}

		pairs, err := p.ParseDirective(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if err := applyDirective(cfg, pairs); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

// ParseDirective extracts key=value pairs from a line. The line may carry a
// leading "# envmon:" or "envmon:" marker.
func (p EnvmonParser) ParseDirective(line string) (map[string]string, error) {
	payload := strings.TrimSpace(line)
	if strings.HasPrefix(payload, "#") {
		payload = strings.TrimSpace(strings.TrimPrefix(payload, "#"))
		if !strings.HasPrefix(payload, directivePrefix) {
			return nil, fmt.Errorf("directive line must start with '# envmon:' or 'envmon:': %q", line)
		}
	}
	payload = strings.TrimSpace(strings.TrimPrefix(payload, directivePrefix))
	if payload == "" {
		return map[string]string{}, nil
	}

	pairs := make(map[string]string)
	for _, token := range strings.Fields(payload) {
		kv := strings.SplitN(token, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("invalid directive token: %q", token)
		}
		pairs[kv[0]] = kv[1]
	}
	return pairs, nil
}

// ApplyEnv overlays ENVMON_* variables, after loading DotEnv if set. A key
// such as alert.low is read from ENVMON_ALERT_LOW.
func (p EnvmonParser) ApplyEnv(cfg *Config) error {
	if p.DotEnv != "" {
		// godotenv never overwrites variables that are already set
		_ = godotenv.Load(p.DotEnv)
	}
	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	pairs := make(map[string]string)
	for _, key := range keys {
		if v, ok := lookup(EnvName(key)); ok && strings.TrimSpace(v) != "" {
			pairs[key] = strings.TrimSpace(v)
		}
	}
	if err := applyDirective(cfg, pairs); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// EnvName returns the environment variable for a config key.
func EnvName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return envPrefix + strings.ToUpper(r.Replace(key))
}

func applyDirective(cfg *Config, pairs map[string]string) error {
	for key, val := range pairs {
		switch key {
		case "port":
			cfg.Port = val
		case "baud":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid baud: %w", err)
			}
			cfg.Baud = n
		case "window":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid window: %w", err)
			}
			cfg.WindowSize = n
		case "alert.low":
			cfg.AlertLow = val
		case "alert.high":
			cfg.AlertHigh = val
		case "read_timeout":
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid read_timeout: %w", err)
			}
			cfg.ReadTimeout = d
		case "backoff":
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid backoff: %w", err)
			}
			cfg.Backoff = d
		case "reset_delay":
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid reset_delay: %w", err)
			}
			cfg.ResetDelay = d
		case "ledger":
			cfg.LedgerPath = val
		case "relay.capacity":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid relay.capacity: %w", err)
			}
			cfg.RelayCapacity = n
		case "metrics.listen":
			if isDigits(val) {
				cfg.MetricsListen = ":" + val
			} else {
				cfg.MetricsListen = val
			}
		case "metrics.max_conns":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid metrics.max_conns: %w", err)
			}
			cfg.MetricsMaxConns = n
		case "ui.disable":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid ui.disable: %w", err)
			}
			cfg.UIDisable = b
		case "log.level":
			cfg.LogLevel = val
		case "log.file":
			cfg.LogFile = val
		default:
			// Ignore unknown keys for forward compatibility.
		}
	}
	return nil
}

func applyCLIOverrides(cfg *Config, overrides CLIOverrides) {
	if overrides.Port != nil {
		cfg.Port = *overrides.Port
	}
	if overrides.Baud != nil {
		cfg.Baud = *overrides.Baud
	}
	if overrides.WindowSize != nil {
		cfg.WindowSize = *overrides.WindowSize
	}
	if overrides.AlertLow != nil {
		cfg.AlertLow = *overrides.AlertLow
	}
	if overrides.AlertHigh != nil {
		cfg.AlertHigh = *overrides.AlertHigh
	}
	if overrides.ReadTimeout != nil {
		cfg.ReadTimeout = *overrides.ReadTimeout
	}
	if overrides.Backoff != nil {
		cfg.Backoff = *overrides.Backoff
	}
	if overrides.LedgerPath != nil {
		cfg.LedgerPath = *overrides.LedgerPath
	}
	if overrides.MetricsListen != nil {
		val := *overrides.MetricsListen
		if isDigits(val) {
			val = ":" + val
		}
		cfg.MetricsListen = val
	}
	if overrides.UIDisable != nil {
		cfg.UIDisable = *overrides.UIDisable
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
	}
}

func validate(cfg Config) error {
	switch {
	case strings.TrimSpace(cfg.Port) == "":
		return fmt.Errorf("port must not be empty")
	case cfg.Baud <= 0:
		return fmt.Errorf("baud must be positive, got %d", cfg.Baud)
	case cfg.WindowSize <= 0:
		return fmt.Errorf("window must be positive, got %d", cfg.WindowSize)
	case cfg.ReadTimeout <= 0:
		return fmt.Errorf("read_timeout must be positive, got %s", cfg.ReadTimeout)
	case cfg.Backoff <= 0:
		return fmt.Errorf("backoff must be positive, got %s", cfg.Backoff)
	case cfg.ResetDelay < 0:
		return fmt.Errorf("reset_delay must not be negative, got %s", cfg.ResetDelay)
	case strings.TrimSpace(cfg.LedgerPath) == "":
		return fmt.Errorf("ledger must not be empty")
	}
	return nil
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
