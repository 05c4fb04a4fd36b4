// Package journal keeps an append-only audit trail of instance deletions.
// Entries are JSON lines in one file per UTC day.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yairfalse/pcw/pkg/resource"
)

// Type is the outcome recorded by an entry.
type Type string

const (
	TypeRequested Type = "requested"
	TypeDeferred  Type = "deferred"
	TypeFailed    Type = "failed"
)

// Trigger says who asked for a deletion.
type Trigger string

const (
	TriggerAuto Trigger = "auto"
	TriggerAPI  Trigger = "api"
)

const (
	filePrefix = "pcw-"
	fileSuffix = ".journal"
	dayLayout  = "20060102"
)

// DefaultRetention is how long day files are kept.
const DefaultRetention = 30 * 24 * time.Hour

// Entry is one journal line.
type Entry struct {
	Time       time.Time     `json:"time"`
	Sequence   int64         `json:"sequence"`
	Type       Type          `json:"type"`
	Trigger    Trigger       `json:"trigger"`
	RowID      uint64        `json:"row_id"`
	Namespace  string        `json:"namespace"`
	Provider   resource.Kind `json:"provider"`
	InstanceID string        `json:"instance_id"`
	Region     string        `json:"region,omitempty"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Recorder accepts journal entries.
type Recorder interface {
	Record(e Entry) error
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(Entry) error { return nil }

// Option configures a Journal.
type Option func(*Journal)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithRetention sets how long day files are kept; zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(j *Journal) { j.retention = d }
}

// Journal appends entries to the file of the current day.
type Journal struct {
	dir       string
	now       func() time.Time
	retention time.Duration

	mu       sync.Mutex
	day      string
	file     *os.File
	writer   *bufio.Writer
	sequence int64
}

var _ Recorder = (*Journal)(nil)

// Open creates dir if needed, continues the sequence of the newest file and
// removes files past the retention.
func Open(dir string, opts ...Option) (*Journal, error) {
	j := &Journal{
		dir:       dir,
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	seq, err := lastSequence(dir)
	if err != nil {
		return nil, err
	}
	j.sequence = seq

	if _, err := j.prune(); err != nil {
		return nil, err
	}
	return j, nil
}

// Record appends e, stamping time and sequence. Each entry is flushed and
// synced before Record returns.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()
	if err := j.rotate(now); err != nil {
		return err
	}

	j.sequence++
	e.Time = now
	e.Sequence = j.sequence

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return j.file.Sync()
}

func (j *Journal) rotate(now time.Time) error {
	day := now.Format(dayLayout)
	if j.file != nil && day == j.day {
		return nil
	}
	if err := j.closeFile(); err != nil {
		return err
	}

	path := filepath.Join(j.dir, filePrefix+day+fileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	j.file = f
	j.writer = bufio.NewWriter(f)
	j.day = day

	_, err = j.prune()
	return err
}

// prune removes day files older than the retention. The current day is
// never removed.
func (j *Journal) prune() (int, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	files, err := Files(j.dir)
	if err != nil {
		return 0, err
	}
	cutoff := j.now().UTC().Add(-j.retention).Format(dayLayout)
	removed := 0
	for _, path := range files {
		day := dayOf(path)
		if day >= cutoff || day == j.day {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

func (j *Journal) closeFile() error {
	if j.file == nil {
		return nil
	}
	err := errors.Join(j.writer.Flush(), j.file.Close())
	j.file, j.writer = nil, nil
	return err
}

// Close flushes and closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeFile()
}

// Files lists the day files of dir, oldest first.
func Files(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("list journal files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func dayOf(path string) string {
	return strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), filePrefix), fileSuffix)
}

func lastSequence(dir string) (int64, error) {
	files, err := Files(dir)
	if err != nil || len(files) == 0 {
		return 0, err
	}
	var last int64
	err = readFile(files[len(files)-1], func(e Entry) error {
		last = e.Sequence
		return nil
	})
	return last, err
}

// Replay calls fn for every entry recorded at or after since, oldest first.
func Replay(dir string, since time.Time, fn func(Entry) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}
	first := since.UTC().Format(dayLayout)
	for _, path := range files {
		if dayOf(path) < first {
			continue
		}
		err := readFile(path, func(e Entry) error {
			if e.Time.Before(since) {
				return nil
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func readFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return decode(f, fn)
}

func decode(r io.Reader, fn func(Entry) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("decode journal entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}
