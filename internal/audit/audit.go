package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Scrubber rewrites an args summary before it is committed. Implemented by
// redact.Redactor.
type Scrubber interface {
	Scrub(summary string) string
}

// Options configures an ActionLog.
type Options struct {
	// LogPath is the live JSONL file. Required.
	LogPath string

	// MaxFileBytes is the rotation threshold. Zero means
	// DefaultMaxFileBytes, negative disables rotation.
	MaxFileBytes int64

	// IndexPath is the SQLite query index. Empty disables the index;
	// Query and Tail then scan the files.
	IndexPath string

	// Redactor, when set, scrubs every ArgsSummary before it is hashed.
	Redactor Scrubber

	// Now overrides the clock used for ts and segment names.
	Now func() time.Time
}

// QueryParams filters entries. Empty fields mean "no filter".
type QueryParams struct {
	RunID       string
	SessionID   string
	ToolName    string
	ActionClass string
	Outcome     string
	Since       string // Timestamp or Go duration ("1h", "24h").
	Limit       int
}

// IndexedEntry is an entry together with where it lives.
type IndexedEntry struct {
	Entry
	Segment string `json:"segment"` // Archive segment name, "" for the live file.
	Line    int    `json:"line"`    // 1-indexed line within the segment.
}

// ActionLog is the orchestrator: it owns the live file, the chain state,
// the rotation policy, the background archiver, and the optional index.
//
// Thread-safe. The rotation check, the append, and the head advance run
// under one mutex, so concurrent callers cannot chain two entries to the
// same head.
type ActionLog struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64 // Bytes in the live file.
	lines    int   // Entries in the live file.
	policy   RotationPolicy
	chain    *ChainState
	archiver *archiver
	lock     *os.File // Advisory writer lock; nil when read-only.
	nextSeq  int      // Sequence number of the next rotated segment.
	readOnly bool
	index    *sqliteIndex
	redactor Scrubber
	now      func() time.Time
	closed   bool
	broken   error // First write-path failure; the log refuses further writes.
}

// Open opens or creates the audit log at opts.LogPath for writing. The
// chain head is recovered from the last line of the live file, or from the
// newest archive segment when the live file is empty. Any failure here is
// fatal: there is no degraded mode.
//
// The opening process becomes the log's only writer: it holds an advisory
// lock on "<LogPath>.lock" until Close, and a second Open fails with
// ErrLocked. Use OpenReadOnly to inspect a log another process owns.
func Open(opts Options) (*ActionLog, error) {
	if opts.LogPath == "" {
		return nil, errors.New("audit: log path is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating log directory: %w", ErrIO, err)
	}

	lock, err := lockFile(opts.LogPath + ".lock")
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, opts.LogPath)
		}
		return nil, fmt.Errorf("%w: locking log: %w", ErrIO, err)
	}
	opened := false
	defer func() {
		if !opened {
			unlockFile(lock)
		}
	}()

	head, lines, err := recoverHead(opts.LogPath)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log %s: %w", ErrIO, opts.LogPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat log %s: %w", ErrIO, opts.LogPath, err)
	}

	nextSeq, err := nextSegmentSeq(opts.LogPath)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	l := &ActionLog{
		path:     opts.LogPath,
		file:     f,
		size:     info.Size(),
		lines:    lines,
		policy:   RotationPolicy{MaxFileBytes: opts.MaxFileBytes},
		chain:    NewChainState(head),
		archiver: newArchiver(),
		lock:     lock,
		nextSeq:  nextSeq,
		redactor: opts.Redactor,
		now:      opts.Now,
	}

	if err := l.archiver.resumeStaged(l.path); err != nil {
		l.archiver.stop()
		f.Close()
		return nil, err
	}

	if opts.IndexPath != "" {
		idx, err := openIndex(opts.IndexPath)
		if err != nil {
			l.archiver.stop()
			f.Close()
			return nil, fmt.Errorf("opening audit index: %w", err)
		}
		l.index = idx

		// The files are the source of truth; rebuild when the index has
		// not seen the current head (crash between append and insert,
		// or a fresh index over an existing log).
		if head != GenesisHash && !idx.hasHash(head) {
			if err := l.reindexLocked(); err != nil {
				slog.Error("audit index rebuild failed", "error", err)
			}
		}
	}

	opened = true
	slog.Info("audit log opened", "path", l.path, "head", head, "entries", lines, "max_file_bytes", l.policy.Limit())
	return l, nil
}

// OpenReadOnly opens the log for inspection without taking ownership. It
// never writes the live file, never touches the archive directory, and
// never rebuilds the index, so it is safe while another process holds the
// log open with Open. Writes and Reindex fail with ErrReadOnly.
//
// The index is used only if it already contains the current head;
// otherwise Query and Tail scan the files.
func OpenReadOnly(opts Options) (*ActionLog, error) {
	if opts.LogPath == "" {
		return nil, errors.New("audit: log path is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	head, lines, err := recoverHead(opts.LogPath)
	if err != nil {
		return nil, err
	}

	l := &ActionLog{
		path:     opts.LogPath,
		lines:    lines,
		policy:   RotationPolicy{MaxFileBytes: opts.MaxFileBytes},
		chain:    NewChainState(head),
		readOnly: true,
		now:      opts.Now,
	}
	if info, err := os.Stat(opts.LogPath); err == nil {
		l.size = info.Size()
	}

	if opts.IndexPath != "" && exists(opts.IndexPath) {
		idx, err := openIndex(opts.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("opening audit index: %w", err)
		}
		if head != GenesisHash && !idx.hasHash(head) {
			slog.Debug("audit index is behind the log; scanning files", "index", opts.IndexPath)
			idx.close()
		} else {
			l.index = idx
		}
	}
	return l, nil
}

// recoverHead returns the hash of the last committed entry and the number
// of entries in the live file.
func recoverHead(logPath string) (string, int, error) {
	last, lines, err := lastLine(logPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", 0, fmt.Errorf("%w: reading existing log: %w", ErrIO, err)
	}
	if last != nil {
		e, err := Decode(last)
		if err != nil {
			return "", 0, fmt.Errorf("recovering chain head from %s line %d: %w", logPath, lines, err)
		}
		return e.IntegrityHash, lines, nil
	}

	segments, err := ListArchives(logPath)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if len(segments) == 0 {
		return GenesisHash, 0, nil
	}
	newest := segments[len(segments)-1]
	last, n, err := lastLine(newest.Path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: reading archive %s: %w", ErrIO, newest.Path, err)
	}
	if last == nil {
		return GenesisHash, 0, nil
	}
	e, err := Decode(last)
	if err != nil {
		return "", 0, fmt.Errorf("recovering chain head from %s line %d: %w", newest.Path, n, err)
	}
	return e.IntegrityHash, 0, nil
}

// lastLine returns the final non-empty line of a (possibly gzipped) file
// and the number of lines read.
func lastLine(path string) ([]byte, int, error) {
	rc, err := OpenSegment(path)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	var last []byte
	n := 0
	err = eachLine(rc, func(line []byte) error {
		n++
		last = append(last[:0], line...)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if len(bytes.TrimSpace(last)) == 0 {
		return nil, n, nil
	}
	return last, n, nil
}

// eachLine calls fn for every line of r without its newline. Unlike
// bufio.Scanner it has no line length limit.
func eachLine(r io.Reader, fn func(line []byte) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if ferr := fn(bytes.TrimSuffix(line, []byte{'\n'})); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// LogAction validates rec, rotates the live file when the policy says so,
// appends the chained entry, syncs it to disk, and advances the head.
// Every failure is returned; nothing is dropped silently. After a write
// failure the log refuses further writes.
func (l *ActionLog) LogAction(ctx context.Context, rec Record) error {
	_, err := l.Append(ctx, rec)
	return err
}

// Append is LogAction that also returns the integrity hash of the entry it
// committed.
func (l *ActionLog) Append(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if l.redactor != nil {
		rec.ArgsSummary = l.redactor.Scrub(rec.ArgsSummary)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}
	if l.readOnly {
		return "", ErrReadOnly
	}
	if l.broken != nil {
		return "", fmt.Errorf("%w: log unusable after earlier failure: %w", ErrIO, l.broken)
	}

	ts := l.now()
	line, hash, err := Encode(l.chain.Head(), rec, ts)
	if err != nil {
		return "", err
	}

	if l.policy.ShouldRotate(l.size, int64(len(line))) {
		if err := l.rotateLocked(); err != nil {
			return "", err
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		l.broken = err
		return "", fmt.Errorf("%w: writing entry: %w", ErrIO, err)
	}
	if err := l.file.Sync(); err != nil {
		l.broken = err
		return "", fmt.Errorf("%w: syncing entry: %w", ErrIO, err)
	}

	l.lines++
	l.chain.Advance(hash)

	if l.index != nil {
		l.index.insert(&IndexedEntry{
			Entry: Entry{Record: rec, Timestamp: ts.UTC().Format(TimestampFormat), IntegrityHash: hash},
			Line:  l.lines,
		})
	}
	return hash, nil
}

// rotateLocked seals the live file, stages it into the archive directory,
// recreates an empty live file, and hands the staged segment to the
// background archiver. Caller holds l.mu.
func (l *ActionLog) rotateLocked() error {
	archiveDir := ArchiveDir(l.path)
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return fmt.Errorf("%w: creating archive directory: %w", ErrIO, err)
	}

	if err := l.file.Sync(); err != nil {
		l.broken = err
		return fmt.Errorf("%w: syncing live file before rotation: %w", ErrIO, err)
	}
	if err := l.file.Close(); err != nil {
		l.broken = err
		return fmt.Errorf("%w: closing live file for rotation: %w", ErrIO, err)
	}

	name, seq := reserveSegment(archiveDir, l.path, l.nextSeq, l.now())
	staged := filepath.Join(archiveDir, name+segmentExt)
	if err := os.Rename(l.path, staged); err != nil {
		// Put the live file back in service; rotation did not happen.
		f, reopenErr := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o600)
		if reopenErr != nil {
			l.broken = reopenErr
		} else {
			l.file = f
		}
		return fmt.Errorf("%w: staging live file for archival: %w", ErrIO, err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		l.broken = err
		return fmt.Errorf("%w: recreating live file: %w", ErrIO, err)
	}
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		slog.Warn("audit rotation: directory sync failed", "dir", filepath.Dir(l.path), "error", err)
	}

	sealed := l.lines
	l.nextSeq = seq + 1
	l.file = f
	l.size = 0
	l.lines = 0

	if l.index != nil {
		l.index.moveLive(name)
	}
	l.archiver.enqueue(staged)

	slog.Info("audit log rotated", "segment", name, "entries", sealed, "head", l.chain.Head())
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// ChainHead returns the hash of the most recently committed entry, or
// GenesisHash before the first write.
func (l *ActionLog) ChainHead() string {
	return l.chain.Head()
}

// Flush waits for pending background archival. Every LogAction already
// performs a synchronous durable write, so there is nothing else to flush.
// Safe to call at any time, including after Close.
func (l *ActionLog) Flush() {
	if l.archiver != nil {
		l.archiver.wait()
	}
}

// SetMaxFileBytes changes the rotation threshold for subsequent writes.
func (l *ActionLog) SetMaxFileBytes(n int64) {
	l.mu.Lock()
	l.policy.MaxFileBytes = n
	limit := l.policy.Limit()
	l.mu.Unlock()
	slog.Info("audit rotation threshold updated", "max_file_bytes", limit)
}

// Path returns the live log path.
func (l *ActionLog) Path() string { return l.path }

// Segments lists the archived segments, oldest first.
func (l *ActionLog) Segments() ([]Segment, error) {
	return ListArchives(l.path)
}

// Close syncs and closes the live file, waits for the archiver, closes the
// index, and releases the writer lock. Safe to call more than once.
func (l *ActionLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true

	var errs []error
	if l.file != nil {
		if err := l.file.Sync(); err != nil && l.broken == nil {
			errs = append(errs, err)
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.mu.Unlock()

	if l.archiver != nil {
		l.archiver.stop()
	}

	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.lock != nil {
		if err := unlockFile(l.lock); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing audit log: %w", errors.Join(errs...))
	}
	return nil
}

// Tail returns the n most recent entries, newest first.
func (l *ActionLog) Tail(n int) ([]IndexedEntry, error) {
	if l.index != nil {
		return l.index.tail(n)
	}
	entries, err := l.Query(QueryParams{Limit: n})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Query returns entries matching params, newest first.
func (l *ActionLog) Query(params QueryParams) ([]IndexedEntry, error) {
	since, err := ParseSince(params.Since, l.now())
	if err != nil {
		return nil, err
	}
	params.Since = since

	if l.index != nil {
		return l.index.query(params)
	}
	return l.readAllEntriesFiltered(params)
}

// ParseSince converts a Go duration into a timestamp relative to now, and
// normalises an RFC 3339 timestamp into TimestampFormat. An empty since
// yields "".
func ParseSince(since string, now time.Time) (string, error) {
	if since == "" {
		return "", nil
	}
	if t, err := time.Parse(time.RFC3339Nano, since); err == nil {
		return t.UTC().Format(TimestampFormat), nil
	}
	d, err := time.ParseDuration(since)
	if err != nil {
		return "", fmt.Errorf("invalid since %q: want a duration (1h) or RFC 3339 timestamp", since)
	}
	return now.UTC().Add(-d).Format(TimestampFormat), nil
}

// Reindex rebuilds the SQLite index from the archives and the live file.
func (l *ActionLog) Reindex() (int, error) {
	if l.readOnly {
		return 0, ErrReadOnly
	}
	if l.index == nil {
		return 0, errors.New("audit: index disabled")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reindexLocked(); err != nil {
		return 0, err
	}
	return l.index.count(), nil
}

func (l *ActionLog) reindexLocked() error {
	entries, err := l.readAllEntries()
	if err != nil {
		return err
	}
	if err := l.index.rebuild(entries); err != nil {
		return err
	}
	slog.Info("audit index rebuilt", "entries", len(entries))
	return nil
}

// readAllEntries decodes every entry in the archives (oldest first) and the
// live file. Malformed lines are skipped; VerifyAll reports them.
func (l *ActionLog) readAllEntries() ([]IndexedEntry, error) {
	segments, err := ListArchives(l.path)
	if err != nil {
		return nil, err
	}

	var all []IndexedEntry
	read := func(path, segment string) error {
		rc, err := OpenSegment(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		defer rc.Close()
		n := 0
		return eachLine(rc, func(line []byte) error {
			n++
			e, err := Decode(line)
			if err != nil {
				slog.Warn("skipping malformed audit entry", "file", path, "line", n, "error", err)
				return nil
			}
			all = append(all, IndexedEntry{Entry: e, Segment: segment, Line: n})
			return nil
		})
	}

	for _, s := range segments {
		if err := read(s.Path, s.Name); err != nil {
			return nil, fmt.Errorf("reading archive %s: %w", s.Path, err)
		}
	}
	if err := read(l.path, ""); err != nil {
		return nil, fmt.Errorf("reading live log: %w", err)
	}
	return all, nil
}

// readAllEntriesFiltered is the scan fallback used when the index is
// disabled. Returns newest first, like the index.
func (l *ActionLog) readAllEntriesFiltered(params QueryParams) ([]IndexedEntry, error) {
	l.mu.Lock()
	entries, err := l.readAllEntries()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []IndexedEntry
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if params.RunID != "" && e.RunID != params.RunID {
			continue
		}
		if params.SessionID != "" && e.SessionID != params.SessionID {
			continue
		}
		if params.ToolName != "" && e.ToolName != params.ToolName {
			continue
		}
		if params.ActionClass != "" && e.ActionClass != params.ActionClass {
			continue
		}
		if params.Outcome != "" && e.Outcome != params.Outcome {
			continue
		}
		if params.Since != "" && e.Timestamp < params.Since {
			continue
		}
		out = append(out, e)
		if params.Limit > 0 && len(out) == params.Limit {
			break
		}
	}
	return out, nil
}

// Export writes every entry, oldest first, in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func (l *ActionLog) Export(w io.Writer, format string) error {
	l.mu.Lock()
	entries, err := l.readAllEntries()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []IndexedEntry{}
		}
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"segment", "line", "ts", "run_id", "session_id", "action_class", "tool_name", "args_summary", "outcome", "reversible", "operator_authorized", "integrity_hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				e.Segment,
				strconv.Itoa(e.Line),
				e.Timestamp,
				e.RunID,
				e.SessionID,
				e.ActionClass,
				e.ToolName,
				e.ArgsSummary,
				e.Outcome,
				strconv.FormatBool(e.Reversible),
				strconv.FormatBool(e.OperatorAuthorized),
				e.IntegrityHash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e.Entry); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
