package logstore

import (
	"testing"
)

func TestStoreRetainsMaxLinesNewestFirst(t *testing.T) {
	s := NewStore(3)
	for _, m := range []string{"one", "two", "three", "four"} {
		s.Add("info", m, "INFO "+m)
	}
	entries := s.List(ListFilter{Level: "all", Limit: 10})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "four" || entries[2].Message != "two" {
		t.Fatalf("unexpected order/messages: %+v", entries)
	}
	if entries[0].Seq != 4 {
		t.Fatalf("expected seq 4, got %d", entries[0].Seq)
	}
}

func TestSinkParsesFormatsAndFilters(t *testing.T) {
	s := NewStore(100)
	w := s.Writer()
	_, _ = w.Write([]byte("2026/01/01 00:00:00 DEBU hello\n"))
	_, _ = w.Write([]byte(`time=2026-01-01T00:00:01Z level=warn msg="endpoint failed" endpoint=primary` + "\n"))
	_, _ = w.Write([]byte(`{"time":"2026-01-01T00:00:02Z","level":"error","msg":"ai request failed"}` + "\n"))
	_, _ = w.Write([]byte("\x1b[1mINFO\x1b[0m part"))
	_, _ = w.Write([]byte("ial line\n"))

	all := s.List(ListFilter{})
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(all), all)
	}
	if all[0].Level != "info" || all[0].Message != "partial line" {
		t.Fatalf("unexpected text entry %+v", all[0])
	}
	if all[1].Level != "error" || all[1].Message != "ai request failed" {
		t.Fatalf("unexpected json entry %+v", all[1])
	}
	if all[2].Level != "warn" || all[2].Message != "endpoint failed" {
		t.Fatalf("unexpected logfmt entry %+v", all[2])
	}
	if all[3].Level != "debug" || all[3].Message != "hello" {
		t.Fatalf("unexpected debug entry %+v", all[3])
	}

	if got := s.List(ListFilter{Level: "warn"}); len(got) != 2 {
		t.Fatalf("expected 2 entries at warn and above, got %d", len(got))
	}
	if got := s.List(ListFilter{Query: "primary"}); len(got) != 1 {
		t.Fatalf("expected 1 query match, got %d", len(got))
	}
}
