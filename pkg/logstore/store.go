package logstore

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-logfmt/logfmt"
)

const (
	defaultMaxLines = 2000
	maxListLimit    = 2000
)

type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Line      string    `json:"line"`
}

type ListFilter struct {
	// Level keeps entries at or above it. Empty or "all" keeps everything.
	Level string
	Query string
	Limit int
}

// Store keeps the most recent log lines in memory for the admin surface.
type Store struct {
	mu       sync.RWMutex
	maxLines int
	entries  []Entry
	seq      int64
	now      func() time.Time
}

func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Store{maxLines: maxLines, now: time.Now}
}

func (s *Store) Add(level, message, line string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries = append(s.entries, Entry{
		Seq:       s.seq,
		Timestamp: s.now().UTC(),
		Level:     normalizeLevel(level),
		Message:   message,
		Line:      line,
	})
	if over := len(s.entries) - s.maxLines; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
}

// List returns matching entries, newest first.
func (s *Store) List(filter ListFilter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	minRank := levelRank(normalizeLevel(filter.Level))
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	out := []Entry{}
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if levelRank(e.Level) < minRank {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Line), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Writer returns a sink that splits written bytes into lines. It is
// meant for logutil.SetOutputTee.
func (s *Store) Writer() io.Writer {
	return &sink{store: s}
}

type sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(stripANSI(string(w.buf[:idx])))
		w.buf = w.buf[idx+1:]
		if line == "" {
			continue
		}
		level, msg := parseLine(line)
		w.store.Add(level, msg, line)
	}
	return len(p), nil
}

// parseLine understands the json, logfmt and text output of the process
// logger.
func parseLine(line string) (level, msg string) {
	if strings.HasPrefix(line, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			level, _ = m["level"].(string)
			msg, _ = m["msg"].(string)
			if msg != "" {
				return level, msg
			}
		}
	}
	if strings.Contains(line, "level=") {
		dec := logfmt.NewDecoder(strings.NewReader(line))
		for dec.ScanRecord() {
			for dec.ScanKeyval() {
				switch string(dec.Key()) {
				case "level":
					level = string(dec.Value())
				case "msg":
					msg = string(dec.Value())
				}
			}
		}
		if dec.Err() == nil && msg != "" {
			return level, msg
		}
	}
	// text: "<date> <time> LEVL message key=value..."
	fields := strings.Fields(line)
	for i, f := range fields {
		if i > 2 {
			break
		}
		if lv := normalizeLevel(f); lv != "" && lv != "all" {
			return lv, strings.Join(fields[i+1:], " ")
		}
	}
	return "info", line
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "debu":
		return "debug"
	case "info", "inf":
		return "info"
	case "warn", "warning", "wrn":
		return "warn"
	case "error", "erro", "err":
		return "error"
	case "fatal", "fata":
		return "fatal"
	case "all":
		return "all"
	default:
		return ""
	}
}

func levelRank(level string) int {
	switch level {
	case "debug":
		return 1
	case "info":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal":
		return 5
	default:
		return 0
	}
}

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
