package sanitize

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMinLength = 10
	maxPasses        = 8
)

type Options struct {
	AssistantName string
	// Fallback replaces results shorter than MinLength. Empty means the
	// default greeting for AssistantName.
	Fallback  string
	MinLength int
	// Leaks are verbatim instruction texts, such as the configured system
	// prompt, that must never be echoed back.
	Leaks []string
}

// Sanitizer folds an ordered list of stages over model output until the text
// stops changing.
type Sanitizer struct {
	stages    []Stage
	fallback  string
	minLength int
}

func DefaultFallback(assistantName string) string {
	name := strings.TrimSpace(assistantName)
	if name == "" {
		name = "Tutor"
	}
	return fmt.Sprintf("Hello! I'm %s, your AI learning assistant. How can I help you today?", name)
}

func New(opts Options) *Sanitizer {
	s := &Sanitizer{
		fallback:  strings.TrimSpace(opts.Fallback),
		minLength: opts.MinLength,
	}
	if s.fallback == "" {
		s.fallback = DefaultFallback(opts.AssistantName)
	}
	if s.minLength <= 0 {
		s.minLength = DefaultMinLength
	}
	stages := DefaultStages()
	if leaks := leakStage(opts.Leaks); leaks != nil {
		// after the marker based system leakage stage
		stages = append(stages[:3], append([]Stage{*leaks}, stages[3:]...)...)
	}
	s.stages = stages
	return s
}

func leakStage(leaks []string) *Stage {
	var clean []string
	for _, l := range leaks {
		// short strings would eat ordinary words
		if l = strings.TrimSpace(l); utf8.RuneCountInString(l) >= 20 {
			clean = append(clean, l)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return &Stage{Name: "verbatim-instructions", Apply: func(s string) string {
		for _, l := range clean {
			s = strings.ReplaceAll(s, l, "")
		}
		return s
	}}
}

func (s *Sanitizer) Stages() []Stage {
	return append([]Stage(nil), s.stages...)
}

func (s *Sanitizer) Fallback() string {
	return s.fallback
}

// Sanitize never returns text shorter than the minimum length.
func (s *Sanitizer) Sanitize(raw string) string {
	if raw == s.fallback {
		return raw
	}
	out := raw
	for pass := 0; pass < maxPasses; pass++ {
		next := s.pass(out)
		if next == out {
			break
		}
		out = next
	}
	if utf8.RuneCountInString(out) < s.minLength {
		slog.Warn("sanitized response below minimum length, using fallback", "raw_len", len(raw), "clean_len", len(out))
		return s.fallback
	}
	return out
}

func (s *Sanitizer) pass(text string) string {
	for _, st := range s.stages {
		text = st.Apply(text)
	}
	return text
}

// Trace runs a single pass and reports the text after each stage.
func (s *Sanitizer) Trace(raw string) []StageResult {
	out := make([]StageResult, 0, len(s.stages))
	text := raw
	for _, st := range s.stages {
		next := st.Apply(text)
		out = append(out, StageResult{Stage: st.Name, Output: next, Changed: next != text})
		text = next
	}
	return out
}

type StageResult struct {
	Stage   string `json:"stage"`
	Output  string `json:"output"`
	Changed bool   `json:"changed"`
}
