package sanitize

import (
	"reflect"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	got := splitSentences(`One. Two! "Three?" Four`)
	want := []string{"One.", "Two!", `"Three?"`, "Four"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := splitSentences("pi is 3.14 exactly."); len(got) != 1 {
		t.Fatalf("decimal point must not split, got %q", got)
	}
}

func TestDropLeadingSentencesAcrossLines(t *testing.T) {
	drop := func(s string) bool { return s == "Skip." }
	got := dropLeadingSentences("Skip.\n\nSkip. Keep this.\nSkip.", drop)
	if got != "Keep this.\nSkip." {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestCapitalizeFirst(t *testing.T) {
	cases := map[string]string{"émile": "Émile", "Already": "Already", "`code`": "`code`", "": ""}
	for in, want := range cases {
		if got := capitalizeFirst(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}
