package budget

import "testing"

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		text      string
		intent    Intent
		wantBonus int
	}{
		{"Compare mitosis and meiosis", IntentCompare, 350},
		{"Can you explain recursion?", IntentAnalysis, 400},
		{"How do I solve quadratic equations?", IntentHowTo, 300},
		{"What is entropy?", IntentConcept, 250},
		{"Summarize chapter 3", IntentSummarize, 200},
		{"List the planets", IntentList, 150},
		{"Hello!", IntentGreeting, -200},
		{"hello, can you explain entropy", IntentAnalysis, 400},
		{"ok", IntentNone, 0},
		{"   ", IntentNone, 0},
	}
	for _, tc := range cases {
		intent, bonus := ClassifyIntent(tc.text)
		if intent != tc.intent || bonus != tc.wantBonus {
			t.Fatalf("%q: expected %s/%d, got %s/%d", tc.text, tc.intent, tc.wantBonus, intent, bonus)
		}
	}
}
