// Package reading defines the timestamped sensor sample and the decoder for
// the sensor's line protocol.
package reading

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the ledger timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

// Header is the ledger column header.
var Header = []string{"Timestamp", "Temperature_C", "Humidity_Percent"}

// ErrMalformedRow is returned by ParseRow for rows that are not readings.
var ErrMalformedRow = errors.New("malformed ledger row")

// Reading is one timestamped temperature/humidity sample.
type Reading struct {
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// New builds a Reading stamped at ts.
func New(ts time.Time, temperature, humidity float64) Reading {
	return Reading{Time: ts, Temperature: temperature, Humidity: humidity}
}

// Row renders the reading as a ledger record.
func (r Reading) Row() []string {
	return []string{
		r.Time.Format(TimeLayout),
		strconv.FormatFloat(r.Temperature, 'f', 2, 64),
		strconv.FormatFloat(r.Humidity, 'f', 2, 64),
	}
}

// String returns the comma-joined ledger row.
func (r Reading) String() string {
	return strings.Join(r.Row(), ",")
}

// ParseRow decodes a ledger record. Timestamps are interpreted in loc.
func ParseRow(row []string, loc *time.Location) (Reading, error) {
	if len(row) < 3 {
		return Reading{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedRow, len(row))
	}
	if loc == nil {
		loc = time.Local
	}
	ts, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(row[0]), loc)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedRow, err)
	}
	temp, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: temperature: %v", ErrMalformedRow, err)
	}
	hum, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: humidity: %v", ErrMalformedRow, err)
	}
	return New(ts, temp, hum), nil
}
