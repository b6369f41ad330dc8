package usagedb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultRetention     = 30 * 24 * time.Hour
	defaultSegmentMaxAge = 6 * time.Hour
	summaryBucketSize    = 5 * time.Minute
	pruneInterval        = time.Hour
)

const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeExhausted = "exhausted"
)

// Event is one upstream attempt made by the dispatcher, or a terminal
// exhaustion marker with an empty endpoint.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Endpoint         string    `json:"endpoint,omitempty"`
	Model            string    `json:"model,omitempty"`
	Shape            string    `json:"shape,omitempty"`
	Outcome          string    `json:"outcome"`
	Attempt          int       `json:"attempt,omitempty"`
	StatusCode       int       `json:"status_code,omitempty"`
	ErrorClass       string    `json:"error_class,omitempty"`
	Intent           string    `json:"intent,omitempty"`
	TokenLimit       int       `json:"token_limit,omitempty"`
	TimeoutMS        int64     `json:"timeout_ms,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
}

type Bucket struct {
	StartAt     time.Time `json:"start_at"`
	SlotSeconds int       `json:"slot_seconds"`
	Endpoint    string    `json:"endpoint"`
	Requests    int       `json:"requests"`
	Failures    int       `json:"failures"`
	TotalTokens int       `json:"total_tokens"`
}

type EndpointSummary struct {
	Requests     int     `json:"requests"`
	Failures     int     `json:"failures"`
	TotalTokens  int     `json:"total_tokens"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`

	latencySum int64
}

type Summary struct {
	PeriodSeconds    int64                       `json:"period_seconds"`
	Requests         int                         `json:"requests"`
	Failures         int                         `json:"failures"`
	Exhausted        int                         `json:"exhausted"`
	PromptTokens     int                         `json:"prompt_tokens"`
	CompletionTokens int                         `json:"completion_tokens"`
	TotalTokens      int                         `json:"total_tokens"`
	AvgLatencyMS     float64                     `json:"avg_latency_ms"`
	PerEndpoint      map[string]*EndpointSummary `json:"per_endpoint"`
	PerIntent        map[string]int              `json:"per_intent"`
	Buckets          []Bucket                    `json:"buckets"`
}

type Settings struct {
	Retention     time.Duration
	SegmentMaxAge time.Duration
}

// Store is an append-only ledger of zstd compressed JSONL segments, one
// directory per hour.
type Store struct {
	mu           sync.Mutex
	dir          string
	settings     Settings
	rawWriter    *segmentWriter
	rawWriterDir string
	lastPrune    time.Time
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

func New(dir string, settings Settings) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("usage db dir is empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, "raw"), 0o700); err != nil {
		return nil, fmt.Errorf("create usage db dir: %w", err)
	}
	if settings.Retention <= 0 {
		settings.Retention = defaultRetention
	}
	if settings.SegmentMaxAge <= 0 {
		settings.SegmentMaxAge = defaultSegmentMaxAge
	}
	return &Store{dir: dir, settings: settings}, nil
}

func (s *Store) Append(evt Event) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	} else {
		evt.Timestamp = evt.Timestamp.UTC()
	}
	evt.Endpoint = strings.TrimSpace(evt.Endpoint)
	evt.Outcome = strings.TrimSpace(evt.Outcome)
	if evt.Outcome == "" {
		evt.Outcome = OutcomeSuccess
	}
	if err := s.openRawWriterLocked(evt.Timestamp); err != nil {
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := s.rawWriter.writeLine(line, evt.Timestamp); err != nil {
		return err
	}
	if s.rawWriter.shouldRotate(s.settings.SegmentMaxAge) {
		return s.closeRawWriterLocked()
	}
	return nil
}

// Summary aggregates the events of the trailing period ending at now.
func (s *Store) Summary(period time.Duration, now time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if err := s.closeRawWriterLocked(); err != nil {
		return Summary{}, err
	}
	if err := s.pruneLocked(now); err != nil {
		slog.Warn("usage db prune failed", "err", err)
	}

	cutoff := now.Add(-period)
	summary := Summary{
		PeriodSeconds: int64(period.Seconds()),
		PerEndpoint:   map[string]*EndpointSummary{},
		PerIntent:     map[string]int{},
	}
	slot := summaryBucketSize
	if period <= time.Hour {
		slot = time.Minute
	}
	buckets := map[string]*Bucket{}
	var latencySum int64

	segs, err := listSegments(filepath.Join(s.dir, "raw"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Summary{}, err
	}
	for _, seg := range segs {
		if seg.max.Before(cutoff.Truncate(time.Second)) || seg.min.After(now) {
			continue
		}
		err := scanEvents(seg.path, cutoff, now, func(e Event) {
			if e.Outcome == OutcomeExhausted {
				summary.Exhausted++
				return
			}
			failed := e.Outcome == OutcomeFailure
			summary.Requests++
			summary.PromptTokens += e.PromptTokens
			summary.CompletionTokens += e.CompletionTokens
			summary.TotalTokens += e.TotalTokens
			latencySum += e.LatencyMS
			if failed {
				summary.Failures++
			}
			if e.Intent != "" {
				summary.PerIntent[e.Intent]++
			}
			ep := summary.PerEndpoint[e.Endpoint]
			if ep == nil {
				ep = &EndpointSummary{}
				summary.PerEndpoint[e.Endpoint] = ep
			}
			ep.Requests++
			ep.TotalTokens += e.TotalTokens
			ep.latencySum += e.LatencyMS
			if failed {
				ep.Failures++
			}

			start := e.Timestamp.UTC().Truncate(slot)
			k := start.Format(time.RFC3339) + "|" + e.Endpoint
			b := buckets[k]
			if b == nil {
				b = &Bucket{StartAt: start, SlotSeconds: int(slot.Seconds()), Endpoint: e.Endpoint}
				buckets[k] = b
			}
			b.Requests++
			b.TotalTokens += e.TotalTokens
			if failed {
				b.Failures++
			}
		})
		if err != nil {
			return Summary{}, err
		}
	}

	if summary.Requests > 0 {
		summary.AvgLatencyMS = float64(latencySum) / float64(summary.Requests)
	}
	for _, ep := range summary.PerEndpoint {
		if ep.Requests > 0 {
			ep.AvgLatencyMS = float64(ep.latencySum) / float64(ep.Requests)
		}
	}
	summary.Buckets = make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		summary.Buckets = append(summary.Buckets, *b)
	}
	sort.Slice(summary.Buckets, func(i, j int) bool {
		a, b := summary.Buckets[i], summary.Buckets[j]
		if a.StartAt.Equal(b.StartAt) {
			return a.Endpoint < b.Endpoint
		}
		return a.StartAt.Before(b.StartAt)
	})
	return summary, nil
}

func (s *Store) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeRawWriterLocked()
}

// pruneLocked removes segments that ended before the retention window.
func (s *Store) pruneLocked(now time.Time) error {
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneInterval {
		return nil
	}
	cutoff := now.Add(-s.settings.Retention)
	segs, err := listSegments(filepath.Join(s.dir, "raw"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	pruned := 0
	for _, seg := range segs {
		if !seg.max.Before(cutoff) {
			continue
		}
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		pruned++
	}
	if pruned > 0 {
		slog.Info("usage db pruned segments", "segments", pruned, "cutoff", cutoff.Format(time.RFC3339))
	}
	s.lastPrune = now
	return nil
}

func (s *Store) openRawWriterLocked(ts time.Time) error {
	hourDir := filepath.Join(s.dir, "raw", ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
	if s.rawWriter != nil && s.rawWriterDir == hourDir {
		return nil
	}
	if err := s.closeRawWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(hourDir)
	if err != nil {
		return err
	}
	s.rawWriter = w
	s.rawWriterDir = hourDir
	return nil
}

func (s *Store) closeRawWriterLocked() error {
	if s.rawWriter == nil {
		return nil
	}
	err := s.rawWriter.close()
	s.rawWriter = nil
	s.rawWriterDir = ""
	return err
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(append(line, '\n')); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) shouldRotate(maxAge time.Duration) bool {
	return w != nil && maxAge > 0 && time.Since(w.openedAt) >= maxAge
}

// close finalizes the segment as <min>-<max>-<seq>.jsonl.zst so readers can
// skip it by name.
func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst", w.minTs.UTC().Unix(), w.maxTs.UTC().Unix(), w.seq))
	return os.Rename(w.pathTmp, final)
}

func listSegments(root string) ([]segmentMeta, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	out := []segmentMeta{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			return nil
		}
		parts := strings.Split(strings.TrimSuffix(name, ".jsonl.zst"), "-")
		if len(parts) < 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].path < out[j].path
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func scanEvents(path string, from, to time.Time, fn func(Event)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		ts := evt.Timestamp.UTC()
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		fn(evt)
	}
	return sc.Err()
}
