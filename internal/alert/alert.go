// Package alert tracks whether temperature is outside the configured band
// and reports transitions only when that changes.
package alert

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// State is the alert state of a session.
type State string

const (
	StateNormal State = "NORMAL"
	StateAlert  State = "ALERT"
)

// Kind distinguishes entering from clearing an alert.
type Kind string

const (
	Entered Kind = "entered"
	Cleared Kind = "cleared"
)

// ErrInvalidThreshold is returned when a bound is not a finite number.
var ErrInvalidThreshold = errors.New("invalid alert threshold")

// ThresholdError names the offending bound.
type ThresholdError struct {
	Bound string
	Value string
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("invalid alert threshold %s=%q", e.Bound, e.Value)
}

func (e *ThresholdError) Unwrap() error {
	return ErrInvalidThreshold
}

// Transition is emitted when the alert predicate flips.
type Transition struct {
	Kind        Kind    `json:"kind"`
	Temperature float64 `json:"temperature"`
	Low         float64 `json:"low"`
	High        float64 `json:"high"`
}

// Thresholds holds the alert band as raw text so it can be edited while a
// session runs; values are validated on every evaluation.
type Thresholds struct {
	mu   sync.RWMutex
	low  string
	high string
}

// NewThresholds returns a band with the given bounds.
func NewThresholds(low, high string) *Thresholds {
	return &Thresholds{low: low, high: high}
}

// Set replaces both bounds.
func (t *Thresholds) Set(low, high string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.low = low
	t.high = high
}

// Get returns the current raw bounds.
func (t *Thresholds) Get() (low, high string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.low, t.high
}

// Nudge shifts a numeric bound by delta. It fails when the bound is not numeric.
func (t *Thresholds) Nudge(bound string, delta float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := &t.low
	if bound == "high" {
		target = &t.high
	}
	v, err := parseBound(bound, *target)
	if err != nil {
		return err
	}
	*target = strconv.FormatFloat(v+delta, 'f', -1, 64)
	return nil
}

// Evaluator is the per-session alert state machine. It must be driven by a
// single producer.
type Evaluator struct {
	mu     sync.RWMutex
	active bool
}

// NewEvaluator returns an evaluator in StateNormal.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate applies the band [low, high] to temperature. It returns a
// transition only when the out-of-band predicate differs from the previous
// evaluation. Malformed bounds return an error wrapping ErrInvalidThreshold
// and leave the state untouched.
func (e *Evaluator) Evaluate(temperature float64, low, high string) (*Transition, error) {
	lo, err := parseBound("low", low)
	if err != nil {
		return nil, err
	}
	hi, err := parseBound("high", high)
	if err != nil {
		return nil, err
	}

	outside := temperature < lo || temperature > hi

	e.mu.Lock()
	defer e.mu.Unlock()
	if outside == e.active {
		return nil, nil
	}
	e.active = outside

	tr := &Transition{Kind: Cleared, Temperature: temperature, Low: lo, High: hi}
	if outside {
		tr.Kind = Entered
	}
	return tr, nil
}

// EvaluateWith reads the current bounds from t and evaluates temperature.
func (e *Evaluator) EvaluateWith(temperature float64, t *Thresholds) (*Transition, error) {
	low, high := t.Get()
	return e.Evaluate(temperature, low, high)
}

// State reports the current alert state.
func (e *Evaluator) State() State {
	if e.Active() {
		return StateAlert
	}
	return StateNormal
}

func (e *Evaluator) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Reset returns the evaluator to StateNormal at session start.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
}

func parseBound(bound, value string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ThresholdError{Bound: bound, Value: value}
	}
	return v, nil
}
