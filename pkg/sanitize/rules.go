package sanitize

import (
	"regexp"
	"strings"
)

// Stage is one named step of the cleaning pipeline.
type Stage struct {
	Name  string
	Apply func(string) string
}

func replaceStage(name string, rules ...rule) Stage {
	return Stage{Name: name, Apply: func(s string) string {
		for _, r := range rules {
			s = r.re.ReplaceAllString(s, r.repl)
		}
		return s
	}}
}

func dropStage(name string, re *regexp.Regexp) Stage {
	return Stage{Name: name, Apply: func(s string) string {
		return dropSentences(s, re.MatchString)
	}}
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

var (
	responseCue = regexp.MustCompile(`(?is)^(.*)\b(?:respond with|reply with|answer with|say|produce)\s*:\s*`)
	cueHint     = regexp.MustCompile(`(?i)\b(we need|we must|we should|the user|let's|let me|i need to|i should|so we|i'll|i will|we can)\b`)

	metaLead = regexp.MustCompile(`(?i)^(we need to|we need|we must|we should|the user|the student|let's|let me|i need to|i should|so the user|okay, so|ok, so|first, i)\b`)

	systemLeaks = []rule{
		{regexp.MustCompile(`(?is)<<SYS>>.*?<</SYS>>`), ""},
		{regexp.MustCompile(`(?is)\[system\].*?\[/system\]`), ""},
		{regexp.MustCompile(`(?is)<\|im_start\|>\s*system.*?<\|im_end\|>`), ""},
		{regexp.MustCompile(`(?im)^[ \t]*(?:system prompt|system message|system instructions?|hidden instructions?)[ \t]*:.*$`), ""},
	}

	controlTokens = []rule{
		{regexp.MustCompile(`(?is)<think>.*?</think>`), ""},
		{regexp.MustCompile(`(?is)^.*?</think>`), ""},
		{regexp.MustCompile(`<\|[^|>]{1,40}\|>`), ""},
		{regexp.MustCompile(`\[/?INST\]`), ""},
		{regexp.MustCompile(`</?s>`), ""},
		{regexp.MustCompile(`</?think>`), ""},
		{regexp.MustCompile(`(?im)^[ \t]*#{2,}[ \t]*(?:instruction|response|assistant|user)[ \t]*:?[ \t]*$`), ""},
	}

	brandIdentity = regexp.MustCompile(`(?i)(\b(?:i am|i'm|i’m|my name is|this is|call me)\s+(?:(?:an?|the|your)\s+)?(?:ai\s+)?(?:assistant\s+)?(?:called\s+|named\s+)?(?:chatgpt|gpt-?\d[\w.]*|claude|gemini|bard|llama|mistral|qwen|deepseek|copilot)\b|\b(?:i was|i am|i'm|i have been)\s+(?:developed|created|trained|made|built)\s+by\s+(?:openai|anthropic|google|meta|mistral|alibaba|deepseek|microsoft)\b|\bas an ai (?:language )?model\b)`)

	hedging = regexp.MustCompile(`(?i)^(that is fine|that's fine|this is fine|now everything (is )?working|everything (is|should be|seems) (fine|working)|that should (do it|work|be it)|okay, that works|looks good now)\b`)

	openers = regexp.MustCompile(`(?i)^[ \t]*(?:sure|of course|certainly|absolutely|great question|good question|okay)[ \t]*[,!.:]+[ \t]*`)

	whitespace = []rule{
		{regexp.MustCompile(`\r\n?`), "\n"},
		{regexp.MustCompile(`[ \t]+\n`), "\n"},
		{regexp.MustCompile(`(\S)[ \t]{2,}`), "$1 "},
		{regexp.MustCompile(`\n{3,}`), "\n\n"},
	}

	leakKeywords = regexp.MustCompile(`(?i)\b(the user (says|said|asks|asked|wants|is asking|requests|mentioned)|system prompt|my instructions|i was instructed|as instructed|let's think|chain of thought|step-by-step reasoning|the assistant should)\b`)

	repeatedMarks = regexp.MustCompile(`[!?,]{2,}|\.{2,}`)
	spaceBeforeMk = regexp.MustCompile(`[ \t]+([,.!?])(\s|$)`)
)

// DefaultStages returns the cleaning pipeline in the order it runs.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "reasoning-preamble", Apply: stripPreamble},
		{Name: "meta-lead-in", Apply: func(s string) string {
			return dropLeadingSentences(s, metaLead.MatchString)
		}},
		replaceStage("system-leakage", systemLeaks...),
		replaceStage("control-tokens", controlTokens...),
		dropStage("brand-identity", brandIdentity),
		dropStage("hedging", hedging),
		{Name: "openers", Apply: func(s string) string {
			return openers.ReplaceAllString(strings.TrimLeft(s, " \t\r\n"), "")
		}},
		{Name: "whitespace", Apply: func(s string) string {
			for _, r := range whitespace {
				s = r.re.ReplaceAllString(s, r.repl)
			}
			return strings.TrimSpace(s)
		}},
		dropStage("leak-keywords", leakKeywords),
		{Name: "punctuation", Apply: finishPunctuation},
	}
}

// stripPreamble drops everything up to the last "respond with:" style cue
// when the text before it reads like reasoning.
func stripPreamble(s string) string {
	m := responseCue.FindStringSubmatchIndex(s)
	if m == nil {
		return s
	}
	if !cueHint.MatchString(s[m[2]:m[3]]) {
		return s
	}
	return s[m[1]:]
}

func finishPunctuation(s string) string {
	s = repeatedMarks.ReplaceAllStringFunc(s, func(run string) string {
		if strings.Trim(run, ".") == "" {
			if len(run) == 3 {
				return run
			}
			return "."
		}
		return run[:1]
	})
	s = spaceBeforeMk.ReplaceAllString(s, "$1$2")
	return capitalizeFirst(strings.TrimSpace(s))
}
