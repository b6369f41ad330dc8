package budget

import (
	"regexp"
	"strings"
)

type Intent string

const (
	IntentNone      Intent = "none"
	IntentCompare   Intent = "compare"
	IntentAnalysis  Intent = "analysis"
	IntentHowTo     Intent = "how-to"
	IntentConcept   Intent = "concept"
	IntentSummarize Intent = "summarize"
	IntentList      Intent = "list"
	IntentGreeting  Intent = "greeting"
)

type intentRule struct {
	intent Intent
	bonus  int
	re     *regexp.Regexp
}

// Checked in order; the first match wins.
var intentRules = []intentRule{
	{IntentCompare, 350, regexp.MustCompile(`\b(compare|comparison|contrast|differences? between|versus|vs\.?)\b`)},
	{IntentAnalysis, 400, regexp.MustCompile(`\b(analy[sz]e|analysis|explain|explanation|evaluate|examine|interpret|critique|why (does|do|is|are|did))\b`)},
	{IntentHowTo, 300, regexp.MustCompile(`\b(how (do|can|would|should|to)|steps? (to|for)|procedure|walk me through|guide me)\b`)},
	{IntentConcept, 250, regexp.MustCompile(`\b(what (is|are)|what's|define|definition|concept|teach me|help me understand|meaning of)\b`)},
	{IntentSummarize, 200, regexp.MustCompile(`\b(summari[sz]e|summary|recap|overview|key points|tl;?dr)\b`)},
	{IntentList, 150, regexp.MustCompile(`\b(list|enumerate|examples of|give me \d+|name (some|a few|\d+))\b`)},
	{IntentGreeting, -200, regexp.MustCompile(`^(hi|hello|hey|hiya|howdy|greetings|good (morning|afternoon|evening)|thanks|thank you)\b`)},
}

// ClassifyIntent maps the latest user text to an intent and its signed
// token bonus.
func ClassifyIntent(text string) (Intent, int) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return IntentNone, 0
	}
	for _, r := range intentRules {
		if r.re.MatchString(s) {
			return r.intent, r.bonus
		}
	}
	return IntentNone, 0
}
