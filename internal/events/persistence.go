// Copyright 2025 James Ross
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
)

// PersistenceConfig controls the write-ahead log's on-disk layout and
// rotation/retention policy (§6's "Configuration" surface).
type PersistenceConfig struct {
	BasePath            string `mapstructure:"base_path"`
	WalDir               string `mapstructure:"wal_dir"`
	DlqDir               string `mapstructure:"dlq_dir"`
	OffsetsDir           string `mapstructure:"offsets_dir"`
	MaxFileSizeMB        int    `mapstructure:"max_file_size_mb"`
	MaxLinesPerFile      int    `mapstructure:"max_lines_per_file"`
	MaxSegmentsPerTopic  int    `mapstructure:"max_segments_per_topic"`
	BufferSize           int    `mapstructure:"buffer_size"`
	FsyncEnabled         bool   `mapstructure:"fsync_enabled"`
	AsyncWrites          bool   `mapstructure:"async_writes"`
	WriteBatchSize       int    `mapstructure:"write_batch_size"`
	RetentionDays        int    `mapstructure:"retention_days"`
	CleanupEnabled       bool   `mapstructure:"cleanup_enabled"`
	RedactionEnabled     bool   `mapstructure:"redaction_enabled"`
	SpaceScopedPaths     bool   `mapstructure:"space_scoped_paths"`
}

// DefaultPersistenceConfig mirrors the Python source's PersistenceConfig
// defaults.
func DefaultPersistenceConfig(basePath string) PersistenceConfig {
	return PersistenceConfig{
		BasePath:            basePath,
		WalDir:              "wal",
		DlqDir:              "dlq",
		OffsetsDir:          "offsets",
		MaxFileSizeMB:       64,
		MaxLinesPerFile:     100_000,
		MaxSegmentsPerTopic: 10_000,
		BufferSize:          64 * 1024,
		FsyncEnabled:        false,
		AsyncWrites:         true,
		WriteBatchSize:      100,
		RetentionDays:       30,
		CleanupEnabled:      true,
		RedactionEnabled:    false,
		SpaceScopedPaths:    false,
	}
}

func (c PersistenceConfig) walPath() string     { return filepath.Join(c.BasePath, c.WalDir) }
func (c PersistenceConfig) dlqPath() string     { return filepath.Join(c.BasePath, c.DlqDir) }
func (c PersistenceConfig) offsetsPath() string { return filepath.Join(c.BasePath, c.OffsetsDir) }

// WALEntry is a single persisted record (§3's "WAL segment").
type WALEntry struct {
	Offset    int64     `json:"offset"`
	Meta      Envelope  `json:"meta"`
	Payload   map[string]interface{} `json:"payload"`
	WrittenAt time.Time `json:"written_at"`
	SegmentID int       `json:"segment_id"`
}

// OffsetInfo is the committed-offset record for a (topic, group) pair.
type OffsetInfo struct {
	Committed int64     `json:"committed"`
	Segment   int       `json:"segment"`
	Ts        time.Time `json:"ts"`
	Group     string    `json:"group"`
	Topic     string    `json:"topic"`
}

// dlqRecord is a single line of a topic's DLQ file.
type dlqRecord struct {
	OriginalTopic string    `json:"original_topic"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failed_at"`
	Event         Envelope  `json:"event"`
}

type topicState struct {
	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	segmentID   int
	lineCount   int
	nextOffset  int64 // -1 means "not yet recovered"
	recovered   bool
}

// Persistence is the JSONL write-ahead log described in §4.1, grounded on
// the teacher's producer-backpressure Controller (per-resource mutex,
// lazily-created per-key state) and the original source's
// JSONLPersistence.
type Persistence struct {
	cfg     PersistenceConfig
	logger  Logger
	metrics MetricsSink

	mu     sync.RWMutex // guards the topics map itself, not its contents
	topics map[Topic]*topicState

	closeMu sync.Mutex
	closed  bool
}

// NewPersistence creates the WAL directories and returns a ready
// Persistence. Per-topic offset/segment recovery happens lazily on first
// touch, as specified in §4.1.
func NewPersistence(cfg PersistenceConfig, logger Logger, metrics MetricsSink) (*Persistence, error) {
	if logger == nil {
		logger = NewNopLogger()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	for _, dir := range []string{cfg.walPath(), cfg.dlqPath(), cfg.offsetsPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &PersistenceError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return &Persistence{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		topics:  make(map[Topic]*topicState),
	}, nil
}

func topicFileStem(topic Topic) string {
	return strings.ToLower(string(topic))
}

func (p *Persistence) stateFor(topic Topic) *topicState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.topics[topic]
	if !ok {
		st = &topicState{nextOffset: -1}
		p.topics[topic] = st
	}
	return st
}

// recover scans existing segment files for topic and sets the offset and
// segment counters to the maximum observed (§4.1 "Crash recovery on
// startup"). Caller must hold st.mu.
func (p *Persistence) recover(topic Topic, st *topicState) error {
	if st.recovered {
		return nil
	}
	matches, err := p.listSegments(topic)
	if err != nil {
		return &ReplayError{Topic: string(topic), Err: err}
	}

	maxOffset := int64(-1)
	maxSegment := -1
	for _, m := range matches {
		segID := segmentIDFromName(m)
		if segID > maxSegment {
			maxSegment = segID
		}
		f, err := openSegmentForRead(m)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		lines := 0
		for scanner.Scan() {
			lines++
			var entry WALEntry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				continue
			}
			if entry.Offset > maxOffset {
				maxOffset = entry.Offset
			}
		}
		f.Close()
		// A compressed segment is never the active one, so it can only
		// ever be the max when the topic has rotated off it entirely;
		// lineCount for the active segment is still tracked correctly
		// because compressed segments are, by construction, sealed.
		if segID == maxSegment && !strings.HasSuffix(m, ".gz") {
			st.lineCount = lines
		}
	}

	st.nextOffset = maxOffset + 1
	if maxSegment < 0 {
		maxSegment = 0
	}
	st.segmentID = maxSegment
	st.recovered = true
	return nil
}

// openSegmentForRead opens a WAL segment, transparently gzip-decoding it
// if the retention sweep has compressed it (segment.jsonl.gz). The
// returned closer closes both the gzip reader and the underlying file.
func openSegmentForRead(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzipReadCloser{gr: gr, f: f}, nil
}

// gzipReadCloser closes the gzip reader before the backing file so the
// gzip footer checksum is validated before the descriptor goes away.
type gzipReadCloser struct {
	gr *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gr.Read(p) }
func (g *gzipReadCloser) Close() error {
	gzErr := g.gr.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

func segmentIDFromName(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".gz")
	parts := strings.Split(base, ".")
	if len(parts) < 3 {
		return 0
	}
	n, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0
	}
	return n
}

// listSegments returns every segment file for topic, compressed or not,
// sorted by segment id (the zero-padded numeric component sorts
// correctly as a plain string regardless of a trailing .gz).
func (p *Persistence) listSegments(topic Topic) ([]string, error) {
	stem := topicFileStem(topic)
	plain, err := doublestar.FilepathGlob(filepath.Join(p.cfg.walPath(), stem+".*.jsonl"))
	if err != nil {
		return nil, err
	}
	gz, err := doublestar.FilepathGlob(filepath.Join(p.cfg.walPath(), stem+".*.jsonl.gz"))
	if err != nil {
		return nil, err
	}
	matches := append(plain, gz...)
	sort.Strings(matches)
	return matches, nil
}

func (p *Persistence) segmentFileName(topic Topic, segmentID int) string {
	return filepath.Join(p.cfg.walPath(), fmt.Sprintf("%s.%08d.jsonl", topicFileStem(topic), segmentID))
}

// ensureWriter opens (or rotates into) the active segment file for topic.
// Caller must hold st.mu.
func (p *Persistence) ensureWriter(topic Topic, st *topicState) error {
	if st.file != nil {
		info, err := st.file.Stat()
		needRotate := st.lineCount >= p.cfg.MaxLinesPerFile
		if err == nil && p.cfg.MaxFileSizeMB > 0 {
			if info.Size() >= int64(p.cfg.MaxFileSizeMB)*1024*1024 {
				needRotate = true
			}
		}
		if !needRotate {
			return nil
		}
		st.writer.Flush()
		st.file.Close()
		st.file = nil
		st.segmentID++
		st.lineCount = 0
		if st.segmentID >= p.cfg.MaxSegmentsPerTopic {
			return &RotationError{Topic: string(topic), Err: fmt.Errorf("max_segments_per_topic (%d) exceeded", p.cfg.MaxSegmentsPerTopic)}
		}
	}

	path := p.segmentFileName(topic, st.segmentID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &PersistenceError{Op: "open-segment", Path: path, Err: err}
	}
	st.file = f
	bufSize := p.cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	st.writer = bufio.NewWriterSize(f, bufSize)
	return nil
}

// AppendEvent reserves the next offset for topic, appends the event, and
// returns the assigned offset (§4.1).
func (p *Persistence) AppendEvent(event Event, topic Topic) (int64, error) {
	offsets, err := p.AppendEventsBatch([]Event{event}, topic)
	if err != nil {
		return 0, err
	}
	return offsets[0], nil
}

// AppendEventsBatch reserves a dense range of offsets for topic, appends
// all events, and returns the assigned offsets. On failure the in-memory
// offset counter is rolled back by the batch length (§4.1).
func (p *Persistence) AppendEventsBatch(evs []Event, topic Topic) ([]int64, error) {
	if len(evs) == 0 {
		return []int64{}, nil
	}
	p.closeMu.Lock()
	closed := p.closed
	p.closeMu.Unlock()
	if closed {
		return nil, &PersistenceError{Op: "append", Path: string(topic), Err: fmt.Errorf("persistence closed")}
	}

	st := p.stateFor(topic)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := p.recover(topic, st); err != nil {
		return nil, err
	}

	start := st.nextOffset
	offsets := make([]int64, len(evs))
	for i := range evs {
		offsets[i] = start + int64(i)
	}

	// Reserve up front so concurrent callers on other topics are
	// unaffected and this topic's sequence stays gap-free even if the
	// write below fails partway.
	st.nextOffset = start + int64(len(evs))

	for i, ev := range evs {
		if err := p.ensureWriter(topic, st); err != nil {
			st.nextOffset = start // rollback
			return nil, err
		}
		env := ev.ToEnvelope()
		metaOnly := env
		metaOnly.Payload = nil
		entry := WALEntry{
			Offset:    offsets[i],
			Meta:      metaOnly,
			Payload:   env.Payload,
			WrittenAt: time.Now().UTC(),
			SegmentID: st.segmentID,
		}
		line, err := json.Marshal(entry)
		if err != nil {
			st.nextOffset = start
			return nil, &PersistenceError{Op: "marshal", Path: string(topic), Err: err}
		}
		if _, err := st.writer.Write(line); err != nil {
			st.nextOffset = start
			return nil, &PersistenceError{Op: "write", Path: p.segmentFileName(topic, st.segmentID), Err: err}
		}
		if _, err := st.writer.WriteString("\n"); err != nil {
			st.nextOffset = start
			return nil, &PersistenceError{Op: "write", Path: p.segmentFileName(topic, st.segmentID), Err: err}
		}
		st.lineCount++
	}

	if err := st.writer.Flush(); err != nil {
		st.nextOffset = start
		return nil, &PersistenceError{Op: "flush", Path: p.segmentFileName(topic, st.segmentID), Err: err}
	}
	if p.cfg.FsyncEnabled {
		if err := st.file.Sync(); err != nil {
			st.nextOffset = start
			return nil, &PersistenceError{Op: "fsync", Path: p.segmentFileName(topic, st.segmentID), Err: err}
		}
	}

	p.metrics.IncCounter("wal_events_appended_total", map[string]string{"topic": string(topic)})
	return offsets, nil
}

// GetLatestOffset returns the highest assigned offset for topic, or -1 if
// none has been assigned.
func (p *Persistence) GetLatestOffset(topic Topic) (int64, error) {
	st := p.stateFor(topic)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := p.recover(topic, st); err != nil {
		return -1, err
	}
	return st.nextOffset - 1, nil
}

// ReplayEvents lazily scans every segment matching the topic in offset
// order, invoking yield for each entry; it stops early if yield returns
// false. Corrupt lines are skipped and counted, not fatal (§4.1).
func (p *Persistence) ReplayEvents(topic Topic, fromOffset int64, toOffset *int64, limit *int, yield func(WALEntry) bool) (corrupted int, err error) {
	matches, err := p.listSegments(topic)
	if err != nil {
		return 0, &ReplayError{Topic: string(topic), Err: err}
	}

	delivered := 0
	for _, m := range matches {
		f, openErr := openSegmentForRead(m)
		if openErr != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var entry WALEntry
			if jsonErr := json.Unmarshal(scanner.Bytes(), &entry); jsonErr != nil {
				corrupted++
				continue
			}
			if entry.Offset < fromOffset {
				continue
			}
			if toOffset != nil && entry.Offset > *toOffset {
				continue
			}
			entry.Meta.Payload = entry.Payload
			if !yield(entry) {
				f.Close()
				return corrupted, nil
			}
			delivered++
			if limit != nil && delivered >= *limit {
				f.Close()
				return corrupted, nil
			}
		}
		f.Close()
	}
	return corrupted, nil
}

// CommitOffset atomically persists the committed offset for (topic, group)
// via temp-file-then-rename.
func (p *Persistence) CommitOffset(topic Topic, group string, offset int64, segment int) error {
	info := OffsetInfo{
		Committed: offset,
		Segment:   segment,
		Ts:        time.Now().UTC(),
		Group:     group,
		Topic:     string(topic),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return &PersistenceError{Op: "marshal-offset", Path: group, Err: err}
	}

	finalPath := filepath.Join(p.cfg.offsetsPath(), fmt.Sprintf("%s__%s.json", topicFileStem(topic), group))
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return &PersistenceError{Op: "write-offset-tmp", Path: tmpPath, Err: err}
	}
	if p.cfg.FsyncEnabled {
		if f, openErr := os.OpenFile(tmpPath, os.O_WRONLY, 0o644); openErr == nil {
			f.Sync()
			f.Close()
		}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Op: "rename-offset", Path: finalPath, Err: err}
	}
	return nil
}

// GetOffsetInfo reads the committed-offset record for (topic, group), if
// any.
func (p *Persistence) GetOffsetInfo(topic Topic, group string) (*OffsetInfo, error) {
	finalPath := filepath.Join(p.cfg.offsetsPath(), fmt.Sprintf("%s__%s.json", topicFileStem(topic), group))
	data, err := os.ReadFile(finalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "read-offset", Path: finalPath, Err: err}
	}
	var info OffsetInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &PersistenceError{Op: "parse-offset", Path: finalPath, Err: err}
	}
	return &info, nil
}

// AppendToDLQ appends a single JSON line recording a failed event to the
// topic's DLQ file (§3, §6).
func (p *Persistence) AppendToDLQ(event Event, topic Topic, errMsg string) error {
	path := filepath.Join(p.cfg.dlqPath(), topicFileStem(topic)+".dlq.jsonl")
	rec := dlqRecord{
		OriginalTopic: string(topic),
		Error:         errMsg,
		FailedAt:      time.Now().UTC(),
		Event:         event.ToEnvelope(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return &PersistenceError{Op: "marshal-dlq", Path: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &PersistenceError{Op: "open-dlq", Path: path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &PersistenceError{Op: "write-dlq", Path: path, Err: err}
	}
	p.metrics.IncCounter("wal_dlq_appended_total", map[string]string{"topic": string(topic)})
	return nil
}

// HealthCheck writes and removes a temp file under the base path to verify
// the filesystem is writable.
func (p *Persistence) HealthCheck() bool {
	probe := filepath.Join(p.cfg.BasePath, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

// Close flushes and closes every open segment writer.
func (p *Persistence) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, st := range p.topics {
		st.mu.Lock()
		if st.writer != nil {
			st.writer.Flush()
		}
		if st.file != nil {
			if err := st.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			st.file = nil
			st.writer = nil
		}
		st.mu.Unlock()
	}
	return firstErr
}
