// Package stamps persists the time each job last completed.
package stamps

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

// DateLayout is the human-readable column written after each stamp.
const DateLayout = "2006-01-02 15:04:05 MST"

// Entry is one ledger line.
type Entry struct {
	Job   string
	Stamp float64
}

// Time returns the stamp as a wall-clock time.
func (e Entry) Time() time.Time {
	return Time(e.Stamp)
}

// Time converts epoch seconds to a time.
func Time(stamp float64) time.Time {
	sec := int64(stamp)
	return time.Unix(sec, int64((stamp-float64(sec))*1e9))
}

// FromTime converts t to epoch seconds at microsecond precision, the
// precision the ledger file keeps.
func FromTime(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FormatStamp renders a stamp with six decimals, or with as many digits as
// needed when six would not read back to the same value.
func FormatStamp(stamp float64) string {
	s := strconv.FormatFloat(stamp, 'f', 6, 64)
	if v, err := strconv.ParseFloat(s, 64); err == nil && v == stamp {
		return s
	}
	return strconv.FormatFloat(stamp, 'f', -1, 64)
}

// Ledger maps job names to stamps. All methods are safe for concurrent use;
// every write rewrites the whole file through a ".tmp" sibling.
type Ledger struct {
	mu      sync.Mutex
	path    string
	logger  *logging.Logger
	entries []Entry
	pending map[string]struct{}
}

// Open loads the ledger at path. A missing file yields an empty ledger. A
// leftover ".tmp" file from an interrupted write is promoted when the
// primary file is missing and discarded otherwise.
func Open(path string, logger *logging.Logger) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
	if err := l.recover(); err != nil {
		return nil, types.NewError(types.KindLedger, "recover", err).WithPath(path)
	}
	entries, err := l.read()
	if err != nil {
		return nil, types.NewError(types.KindLedger, "read", err).WithPath(path)
	}
	l.entries = entries
	return l, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) tmpPath() string {
	return l.path + ".tmp"
}

func (l *Ledger) recover() error {
	tmp := l.tmpPath()
	if _, err := os.Stat(tmp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
		l.logger.Warning("Recovering stamp file %s from interrupted write", l.path)
		return os.Rename(tmp, l.path)
	}
	l.logger.Debug("Discarding stale %s", tmp)
	return os.Remove(tmp)
}

func (l *Ledger) read() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			l.logger.Warning("%s:%d: malformed stamp line ignored", l.path, lineNo)
			continue
		}
		stamp, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			l.logger.Warning("%s:%d: bad stamp %q ignored", l.path, lineNo, fields[1])
			continue
		}
		entries = put(entries, Entry{Job: fields[0], Stamp: stamp})
	}
	return entries, scanner.Err()
}

// put replaces any entry for e.Job and appends e.
func put(entries []Entry, e Entry) []Entry {
	out := entries[:0]
	for _, existing := range entries {
		if existing.Job != e.Job {
			out = append(out, existing)
		}
	}
	return append(out, e)
}

// Lookup returns the stamp recorded for job, or 0 when there is none.
func (l *Ledger) Lookup(job string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Job == job {
			return e.Stamp
		}
	}
	return 0
}

// Record stores stamp for job and rewrites the file. When the write fails
// the in-memory value still stands and the error is returned; a later
// Flush retries the write.
func (l *Ledger) Record(job string, stamp float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = put(l.entries, Entry{Job: job, Stamp: stamp})
	l.pending[job] = struct{}{}
	return l.persistLocked()
}

// Flush rewrites the file if some records have not been persisted yet.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	return l.persistLocked()
}

// Dirty reports whether records are waiting to be written.
func (l *Ledger) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) > 0
}

// Reload re-reads the file, keeping records that were not yet persisted.
func (l *Ledger) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return types.NewError(types.KindLedger, "reload", err).WithPath(l.path)
	}
	for _, e := range l.entries {
		if _, ok := l.pending[e.Job]; ok {
			entries = put(entries, e)
		}
	}
	l.entries = entries
	return nil
}

// Close flushes outstanding records.
func (l *Ledger) Close() error {
	return l.Flush()
}

// Entries returns a copy of the ledger in file order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Ledger) persistLocked() error {
	if err := l.writeLocked(); err != nil {
		l.logger.Warning("Cannot write stamp file %s: %v", l.path, err)
		return types.NewError(types.KindLedger, "write", err).WithPath(l.path)
	}
	clear(l.pending)
	return nil
}

func (l *Ledger) writeLocked() (err error) {
	var b bytes.Buffer
	for _, e := range l.entries {
		fmt.Fprintf(&b, "%s\t\t\t%s\t\t%s\n", e.Job, FormatStamp(e.Stamp), e.Time().Format(DateLayout))
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.tmpPath()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(b.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
