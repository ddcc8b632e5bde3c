// Package eventlog implements durable, append-only JSONL event streams with
// per-stream monotonic event ids, size-based rotation, and cursor-based
// forward iteration plus reverse-windowed pagination for UI queries.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/amonhq/amon/internal/amonerr"
	"github.com/amonhq/amon/internal/model"
)

// DefaultRotateBytes is the default rotation threshold (64 MiB).
const DefaultRotateBytes int64 = 64 * 1024 * 1024

// Log is one append-only JSONL stream, identified by a base file path. On
// rotation, numbered suffixes (".1", ".2", ...) are created and remain
// readable through the same iterator.
type Log struct {
	mu          sync.Mutex
	basePath    string
	rotateBytes int64
	fsyncEvery  int
	nextID      int64
	file        *os.File
	writer      *bufio.Writer
	writesSince int
}

// Options configures a Log.
type Options struct {
	// Path is the base JSONL file path (e.g. ".amon/runs/<run_id>/events.jsonl").
	Path string
	// RotateBytes overrides DefaultRotateBytes when non-zero.
	RotateBytes int64
	// FsyncEvery batches fsync calls; 0 means fsync on every Append so the
	// stream stays crash-consistent at every batch boundary.
	FsyncEvery int
}

// Open opens (creating if necessary) the log at opts.Path, scanning any
// existing content to recover the next monotonic event id.
func Open(opts Options) (*Log, error) {
	if opts.RotateBytes == 0 {
		opts.RotateBytes = DefaultRotateBytes
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "eventlog mkdir", err)
	}
	l := &Log{basePath: opts.Path, rotateBytes: opts.RotateBytes, fsyncEvery: opts.FsyncEvery}
	if err := l.recoverNextID(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, amonerr.Wrap(amonerr.IOError, "", "eventlog open", err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return l, nil
}

// recoverNextID scans the stream's files (rotated first, then the base
// file), tolerating a truncated final line left by a crash mid-write, to
// find the highest persisted event_id. Rotated files must be included: a
// restart right after rotation sees an empty base file, but ids continue
// from where the rotated history left off.
func (l *Log) recoverNextID() error {
	var maxID int64
	for _, path := range l.allFiles() {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return amonerr.Wrap(amonerr.IOError, "", "eventlog recover", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		var goodEnd int64
		truncated := false
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				goodEnd++
				continue
			}
			var evt model.Event
			if err := json.Unmarshal(line, &evt); err != nil {
				// Truncated final line from a crash mid-write: stop here;
				// the base file is cut back to the last complete line so
				// the next Append starts from a clean append position.
				truncated = true
				break
			}
			goodEnd += int64(len(line)) + 1
			if evt.EventID > maxID {
				maxID = evt.EventID
			}
		}
		_ = f.Close()
		if truncated && path == l.basePath {
			if err := os.Truncate(path, goodEnd); err != nil {
				return amonerr.Wrap(amonerr.IOError, "", "eventlog recover truncate", err)
			}
		}
	}
	l.nextID = maxID + 1
	return nil
}

// Append writes event to the stream, assigning it the next monotonic
// event_id. It fsyncs per opts.FsyncEvery (default: every call) so the
// logical operation is never left half-durable.
func (l *Log) Append(evt model.Event) (model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	evt.EventID = l.nextID
	l.nextID++

	b, err := json.Marshal(evt)
	if err != nil {
		return evt, amonerr.Wrap(amonerr.IOError, "", "eventlog marshal", err)
	}
	b = append(b, '\n')
	if _, err := l.writer.Write(b); err != nil {
		return evt, amonerr.Wrap(amonerr.IOError, "", "eventlog write", err)
	}
	l.writesSince++
	if err := l.writer.Flush(); err != nil {
		return evt, amonerr.Wrap(amonerr.IOError, "", "eventlog flush", err)
	}
	if l.fsyncEvery <= 1 || l.writesSince >= l.fsyncEvery {
		if err := l.file.Sync(); err != nil {
			return evt, amonerr.Wrap(amonerr.IOError, "", "eventlog fsync", err)
		}
		l.writesSince = 0
	}

	if err := l.rotateIfNeededLocked(); err != nil {
		return evt, err
	}
	return evt, nil
}

// rotateIfNeededLocked renames the base file to the next numeric suffix
// once it exceeds rotateBytes, then reopens a fresh base file. Caller must
// hold l.mu.
func (l *Log) rotateIfNeededLocked() error {
	info, err := l.file.Stat()
	if err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "eventlog stat", err)
	}
	if info.Size() < l.rotateBytes {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	n := nextRotationSuffix(l.basePath)
	if err := os.Rename(l.basePath, fmt.Sprintf("%s.%d", l.basePath, n)); err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "eventlog rotate", err)
	}
	f, err := os.OpenFile(l.basePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return amonerr.Wrap(amonerr.IOError, "", "eventlog reopen", err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return nil
}

func nextRotationSuffix(base string) int {
	dir := filepath.Dir(base)
	prefix := filepath.Base(base) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// allFiles returns every rotation file for this stream ordered oldest
// first, followed by the active base file.
func (l *Log) allFiles() []string {
	dir := filepath.Dir(l.basePath)
	prefix := filepath.Base(l.basePath) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{l.basePath}
	}
	type numbered struct {
		n    int
		path string
	}
	var rotated []numbered
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err == nil {
			rotated = append(rotated, numbered{n: n, path: filepath.Join(dir, name)})
		}
	}
	sort.Slice(rotated, func(i, j int) bool { return rotated[i].n < rotated[j].n })
	files := make([]string, 0, len(rotated)+1)
	for _, r := range rotated {
		files = append(files, r.path)
	}
	return append(files, l.basePath)
}

// Since returns every event with event_id > sinceEventID, in ascending
// order, reading across rotated files transparently.
func (l *Log) Since(sinceEventID int64) ([]model.Event, error) {
	l.mu.Lock()
	if err := l.writer.Flush(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	files := l.allFiles()
	l.mu.Unlock()

	var out []model.Event
	for _, path := range files {
		evts, err := readEvents(path)
		if err != nil {
			continue
		}
		for _, e := range evts {
			if e.EventID > sinceEventID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Page returns a reverse-windowed page of events for UI queries: the most
// recent pageSize events at most `page` pages back.
func (l *Log) Page(page, pageSize int) ([]model.Event, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	all, err := l.Since(0)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EventID > all[j].EventID })
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// Reader is a read-only view over a stream's files, for consumers (stream
// resume, UI queries) that must not contend for the writer's append handle.
type Reader struct {
	basePath string
}

// NewReader builds a read-only Reader over the stream at basePath.
func NewReader(basePath string) *Reader { return &Reader{basePath: basePath} }

// Since returns every event with event_id > sinceEventID across rotated
// files, in ascending order.
func (r *Reader) Since(sinceEventID int64) ([]model.Event, error) {
	l := &Log{basePath: r.basePath}
	files := l.allFiles()
	var out []model.Event
	for _, path := range files {
		evts, err := readEvents(path)
		if err != nil {
			continue
		}
		for _, e := range evts {
			if e.EventID > sinceEventID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Page returns a reverse-windowed page, mirroring Log.Page.
func (r *Reader) Page(page, pageSize int) ([]model.Event, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	all, err := r.Since(0)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EventID > all[j].EventID })
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func readEvents(path string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var out []model.Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e model.Event
		if err := json.Unmarshal(line, &e); err != nil {
			break
		}
		out = append(out, e)
	}
	return out, nil
}
