package usagedb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStoreAppendAndSummary(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "usage-db"), Settings{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)

	events := []Event{
		{Timestamp: now.Add(-3 * time.Minute), Endpoint: "primary", Outcome: OutcomeFailure, StatusCode: 502, LatencyMS: 40},
		{Timestamp: now.Add(-2 * time.Minute), Endpoint: "backup", Outcome: OutcomeSuccess, Intent: "concept", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, LatencyMS: 120},
		{Timestamp: now.Add(-1 * time.Minute), Outcome: OutcomeExhausted},
		{Timestamp: now.Add(-3 * time.Hour), Endpoint: "backup", Outcome: OutcomeSuccess, TotalTokens: 999},
	}
	for _, e := range events {
		if err := s.Append(e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sum, err := s.Summary(time.Hour, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Requests != 2 || sum.Failures != 1 || sum.Exhausted != 1 {
		t.Fatalf("unexpected counts %+v", sum)
	}
	if sum.TotalTokens != 15 {
		t.Fatalf("expected 15 tokens, got %d", sum.TotalTokens)
	}
	if sum.AvgLatencyMS != 80 {
		t.Fatalf("expected avg latency 80, got %v", sum.AvgLatencyMS)
	}
	if got := sum.PerEndpoint["primary"]; got == nil || got.Failures != 1 || got.Requests != 1 {
		t.Fatalf("unexpected primary summary %+v", got)
	}
	if got := sum.PerEndpoint["backup"]; got == nil || got.AvgLatencyMS != 120 {
		t.Fatalf("unexpected backup summary %+v", got)
	}
	if sum.PerIntent["concept"] != 1 {
		t.Fatalf("unexpected intents %+v", sum.PerIntent)
	}
	if len(sum.Buckets) != 2 || sum.Buckets[0].SlotSeconds != 60 || sum.Buckets[0].Endpoint != "primary" {
		t.Fatalf("unexpected buckets %+v", sum.Buckets)
	}

	day, err := s.Summary(24*time.Hour, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if day.TotalTokens != 1014 || day.Buckets[0].SlotSeconds != 300 {
		t.Fatalf("unexpected day summary %+v", day)
	}
}

func TestStoreSummaryIncludesOpenSegment(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "usage-db"), Settings{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	now := time.Now().UTC()
	if err := s.Append(Event{Timestamp: now, Endpoint: "primary", TotalTokens: 7}); err != nil {
		t.Fatalf("append: %v", err)
	}
	sum, err := s.Summary(time.Hour, now.Add(time.Second))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Requests != 1 || sum.TotalTokens != 7 {
		t.Fatalf("expected unflushed event to be visible, got %+v", sum)
	}
}

func TestStoreWritesCompressedSegmentsAndPrunes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "usage-db")
	s, err := New(dir, Settings{Retention: 24 * time.Hour})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)
	if err := s.Append(Event{Timestamp: now.Add(-72 * time.Hour), Endpoint: "old"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(Event{Timestamp: now.Add(-time.Minute), Endpoint: "new"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	segs, err := listSegments(filepath.Join(dir, "raw"))
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	for _, seg := range segs {
		if !strings.HasSuffix(seg.path, ".jsonl.zst") {
			t.Fatalf("unexpected segment name %s", seg.path)
		}
	}
	if _, err := s.Summary(time.Hour, now); err != nil {
		t.Fatalf("summary: %v", err)
	}
	segs, err = listSegments(filepath.Join(dir, "raw"))
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected old segment pruned, got %d", len(segs))
	}
	if _, err := os.Stat(segs[0].path); err != nil {
		t.Fatalf("remaining segment missing: %v", err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.Append(Event{}); err != nil {
		t.Fatalf("nil append: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("nil flush: %v", err)
	}
}
