package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitSentences cuts s after every run of '.', '!' or '?' that is followed
// by whitespace. Terminators stay with their sentence.
func splitSentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		for i < len(s) && (s[i] == '.' || s[i] == '!' || s[i] == '?' || s[i] == '"' || s[i] == '\'' || s[i] == ')') {
			i++
		}
		if i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			if sentence := strings.TrimSpace(s[start:i]); sentence != "" {
				out = append(out, sentence)
			}
			start = i
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func leadingIndent(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// dropSentences removes every sentence matching drop. Lines without a
// dropped sentence are returned untouched so code and lists keep their
// layout; lines emptied by the filter disappear.
func dropSentences(text string, drop func(string) bool) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			out = append(out, line)
			continue
		}
		sentences := splitSentences(line)
		kept := sentences[:0:0]
		for _, s := range sentences {
			if !drop(s) {
				kept = append(kept, s)
			}
		}
		switch {
		case len(kept) == len(sentences):
			out = append(out, line)
		case len(kept) > 0:
			out = append(out, leadingIndent(line)+strings.Join(kept, " "))
		}
	}
	return strings.Join(out, "\n")
}

// dropLeadingSentences removes matching sentences from the start of text
// until the first one that does not match.
func dropLeadingSentences(text string, drop func(string) bool) string {
	rest := strings.TrimLeft(text, " \t\r\n")
	for rest != "" {
		line, after, hasMore := strings.Cut(rest, "\n")
		sentences := splitSentences(line)
		n := 0
		for n < len(sentences) && drop(sentences[n]) {
			n++
		}
		if n == 0 {
			return rest
		}
		if n < len(sentences) {
			remaining := strings.Join(sentences[n:], " ")
			if hasMore {
				return remaining + "\n" + after
			}
			return remaining
		}
		if !hasMore {
			return ""
		}
		rest = strings.TrimLeft(after, " \t\r\n")
	}
	return ""
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
