package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	segmentExt      = ".jsonl"
	compressedExt   = ".jsonl.gz"
	tempExt         = ".tmp"
	segmentStampFmt = "20060102T150405.000000000Z"
	segmentSeqWidth = 6
)

// Segment is one rotated-out file in the archive directory.
//
// Segment names are "<stem>-<seq>-<UTC stamp>". Seq increases by one per
// rotation and alone defines chain order; the stamp is informational and
// may go backwards with the wall clock.
type Segment struct {
	Name       string `json:"name"`       // File name without extension.
	Seq        int    `json:"seq"`        // Rotation sequence number.
	Path       string `json:"path"`       // File to read: .jsonl.gz, or the staged .jsonl while pending.
	Compressed bool   `json:"compressed"` // False while compression is still pending.
	Size       int64  `json:"size"`
}

// ArchiveDir returns the archive directory colocated with logPath:
// "<dir>/<name without extension>_archive".
func ArchiveDir(logPath string) string {
	return filepath.Join(filepath.Dir(logPath), logStem(logPath)+"_archive")
}

func logStem(logPath string) string {
	base := filepath.Base(logPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func segmentName(stem string, seq int, t time.Time) string {
	return fmt.Sprintf("%s-%0*d-%s", stem, segmentSeqWidth, seq, t.UTC().Format(segmentStampFmt))
}

// parseSegmentSeq returns the sequence number encoded in a segment name,
// or false when name was not produced by segmentName for this stem.
func parseSegmentSeq(stem, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, stem+"-")
	if !ok {
		return 0, false
	}
	digits, stamp, ok := strings.Cut(rest, "-")
	if !ok || len(digits) < segmentSeqWidth {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	if _, err := time.Parse(segmentStampFmt, stamp); err != nil {
		return 0, false
	}
	seq, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// nextSegmentSeq returns one past the highest sequence number already in
// the archive directory of logPath, or 1 when there is none.
func nextSegmentSeq(logPath string) (int, error) {
	segments, err := ListArchives(logPath)
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 1, nil
	}
	return segments[len(segments)-1].Seq + 1, nil
}

// reserveSegment returns the name for a rotation with sequence seq at t,
// skipping forward past any sequence number already taken on disk. The
// sequence actually used is returned with the name.
func reserveSegment(archiveDir, logPath string, seq int, t time.Time) (string, int) {
	stem := logStem(logPath)
	for ; ; seq++ {
		name := segmentName(stem, seq, t)
		if !seqTaken(archiveDir, stem, seq) {
			return name, seq
		}
	}
}

// seqTaken reports whether any staged, compressed, or partial file in
// archiveDir already carries seq.
func seqTaken(archiveDir, stem string, seq int) bool {
	dirEntries, err := os.ReadDir(archiveDir)
	if err != nil {
		return false
	}
	for _, de := range dirEntries {
		name := de.Name()
		if i := strings.Index(name, segmentExt); i > 0 {
			name = name[:i]
		}
		if got, ok := parseSegmentSeq(stem, name); ok && got == seq {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// ListArchives returns the segments under the archive directory of logPath
// in chain order (ascending Seq). A missing archive directory yields no
// segments. Files that do not follow the segment naming are skipped.
func ListArchives(logPath string) ([]Segment, error) {
	dir := ArchiveDir(logPath)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading archive directory %s: %w", dir, err)
	}

	stem := logStem(logPath)
	byName := make(map[string]Segment)
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		fname := de.Name()
		var seg Segment
		switch {
		case strings.HasSuffix(fname, compressedExt):
			seg = Segment{Name: strings.TrimSuffix(fname, compressedExt), Compressed: true}
		case strings.HasSuffix(fname, segmentExt):
			seg = Segment{Name: strings.TrimSuffix(fname, segmentExt)}
		default:
			continue
		}
		seq, ok := parseSegmentSeq(stem, seg.Name)
		if !ok {
			slog.Warn("audit archive: ignoring unrecognised file", "dir", dir, "file", fname)
			continue
		}
		seg.Seq = seq
		// A finished .gz wins over a leftover staged copy.
		if prev, ok := byName[seg.Name]; ok && prev.Compressed {
			continue
		}
		seg.Path = filepath.Join(dir, fname)
		if info, err := de.Info(); err == nil {
			seg.Size = info.Size()
		}
		byName[seg.Name] = seg
	}

	segments := make([]Segment, 0, len(byName))
	for _, s := range byName {
		segments = append(segments, s)
	}
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].Seq != segments[j].Seq {
			return segments[i].Seq < segments[j].Seq
		}
		return segments[i].Name < segments[j].Name
	})
	return segments, nil
}

// OpenSegment opens path for reading, transparently decompressing .gz files.
func OpenSegment(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	ferr := g.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

// CompressFile gzips src into dst byte-for-byte. dst appears atomically:
// the data is written to dst+".tmp", synced, then renamed.
func CompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening segment %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + tempExt
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating archive %s: %w", tmp, err)
	}

	zw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	zw.Name = filepath.Base(src)

	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("compressing %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("finishing gzip stream: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing archive %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing archive %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing archive %s: %w", dst, err)
	}
	return nil
}

// archiver compresses staged segments off the write path. Jobs are handled
// one at a time in rotation order. The queue is unbounded so enqueue never
// waits on compression.
type archiver struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	closed  bool
	pending sync.WaitGroup
	stopped chan struct{}

	work func(staged string)
}

func newArchiver() *archiver {
	a := &archiver{stopped: make(chan struct{})}
	a.cond = sync.NewCond(&a.mu)
	a.work = a.compress
	go a.run()
	return a
}

// enqueue schedules compression of a staged .jsonl segment.
func (a *archiver) enqueue(staged string) {
	a.pending.Add(1)
	a.mu.Lock()
	a.queue = append(a.queue, staged)
	a.mu.Unlock()
	a.cond.Signal()
}

// wait blocks until every enqueued segment has been processed.
func (a *archiver) wait() {
	a.pending.Wait()
}

// stop drains the queue and terminates the worker.
func (a *archiver) stop() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cond.Broadcast()
	<-a.stopped
}

// next blocks for the next job; false once stopped and drained.
func (a *archiver) next() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.queue) == 0 && !a.closed {
		a.cond.Wait()
	}
	if len(a.queue) == 0 {
		return "", false
	}
	staged := a.queue[0]
	a.queue = a.queue[1:]
	return staged, true
}

func (a *archiver) run() {
	defer close(a.stopped)
	for {
		staged, ok := a.next()
		if !ok {
			return
		}
		a.work(staged)
		a.pending.Done()
	}
}

func (a *archiver) compress(staged string) {
	dst := strings.TrimSuffix(staged, segmentExt) + compressedExt
	start := time.Now()
	if err := CompressFile(staged, dst); err != nil {
		// The staged plain segment stays in place and is picked up again
		// by resumeStaged on the next Open.
		slog.Error("audit archive compression failed", "segment", staged, "error", err)
		return
	}
	if err := os.Remove(staged); err != nil {
		slog.Warn("audit archive: removing staged segment failed", "segment", staged, "error", err)
	}
	slog.Info("audit segment archived", "archive", dst, "duration", time.Since(start))
}

// resumeStaged re-enqueues staged segments left behind by a crash, drops
// staged copies whose compressed twin is already complete, and removes
// partial .tmp archives. Only the process that owns the log may call it.
func (a *archiver) resumeStaged(logPath string) error {
	dir := ArchiveDir(logPath)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading archive directory %s: %w", dir, err)
	}

	stem := logStem(logPath)
	type stagedSegment struct {
		path string
		seq  int
	}
	var staged []stagedSegment
	for _, de := range dirEntries {
		name := de.Name()
		switch {
		case strings.HasSuffix(name, compressedExt+tempExt):
			os.Remove(filepath.Join(dir, name))
		case strings.HasSuffix(name, segmentExt):
			seq, ok := parseSegmentSeq(stem, strings.TrimSuffix(name, segmentExt))
			if !ok {
				continue
			}
			staged = append(staged, stagedSegment{path: filepath.Join(dir, name), seq: seq})
		}
	}
	sort.Slice(staged, func(i, j int) bool { return staged[i].seq < staged[j].seq })

	for _, seg := range staged {
		path := seg.path
		if exists(strings.TrimSuffix(path, segmentExt) + compressedExt) {
			os.Remove(path)
			continue
		}
		slog.Info("audit archive: resuming compression", "segment", path)
		a.enqueue(path)
	}
	return nil
}
