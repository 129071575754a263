// Package ledger persists readings to an append-only CSV file. The header row
// is written only when the file is new or empty, so any number of sessions and
// process restarts can append to the same file.
//
// File format:
//
//	Timestamp,Temperature_C,Humidity_Percent
//	2026-03-01 09:05:07,23.50,55.10
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doridoridoriand/envmon/internal/reading"
)

// ErrPersistence wraps every failure to append a record.
var ErrPersistence = errors.New("ledger persistence failure")

// Ledger is a single-writer append-only record of readings.
type Ledger struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
	open func(path string) (appendFile, error)
}

// appendFile is the part of *os.File that Append uses.
type appendFile interface {
	io.Writer
	Stat() (os.FileInfo, error)
	Close() error
}

func openAppend(path string) (appendFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// New returns a ledger backed by path. The file is created lazily on the
// first Append.
func New(path string) *Ledger {
	return &Ledger{path: path, loc: time.Local, open: openAppend}
}

// SetLocation sets the zone used to interpret stored timestamps when reading.
func (l *Ledger) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	l.mu.Lock()
	l.loc = loc
	l.mu.Unlock()
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one record, preceded by the header when the file is empty.
func (l *Ledger) Append(r reading.Reading) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create dir: %v", ErrPersistence, err)
		}
	}

	f, err := l.open(l.path)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrPersistence, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close: %v", ErrPersistence, cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", ErrPersistence, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(reading.Header); err != nil {
			return fmt.Errorf("%w: header: %v", ErrPersistence, err)
		}
	}
	if err := w.Write(r.Row()); err != nil {
		return fmt.Errorf("%w: write: %v", ErrPersistence, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrPersistence, err)
	}
	return nil
}

// ReadAll returns every persisted reading in file order. A missing file is
// an empty ledger. Rows that cannot be decoded are skipped.
func (l *Ledger) ReadAll() ([]reading.Reading, error) {
	return l.read(func(reading.Reading) bool { return true })
}

// ReadRange returns readings with start <= Time <= end. A zero bound is open.
func (l *Ledger) ReadRange(start, end time.Time) ([]reading.Reading, error) {
	return l.read(func(r reading.Reading) bool {
		if !start.IsZero() && r.Time.Before(start) {
			return false
		}
		if !end.IsZero() && r.Time.After(end) {
			return false
		}
		return true
	})
}

func (l *Ledger) read(keep func(reading.Reading) bool) ([]reading.Reading, error) {
	l.mu.Lock()
	loc := l.loc
	l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	var out []reading.Reading
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		r, err := reading.ParseRow(row, loc)
		if err != nil {
			continue
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
