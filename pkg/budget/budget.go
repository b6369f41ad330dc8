package budget

import (
	"math"
	"time"

	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/config"
)

// Attachment size tiers, in characters.
const (
	smallDocumentChars  = 10_000
	mediumDocumentChars = 50_000
	largeDocumentChars  = 100_000

	extendedTimeoutChars = 2000
)

// Budget is the generation size and deadline of one upstream call.
type Budget struct {
	TokenLimit int           `json:"tokenLimit"`
	Timeout    time.Duration `json:"-"`
	TimeoutMS  int64         `json:"timeoutMs"`

	Complexity   float64 `json:"complexity"`
	Intent       Intent  `json:"intent"`
	IntentBonus  int     `json:"intentBonus"`
	ContextBonus int     `json:"contextBonus"`
	TimeoutTier  string  `json:"timeoutTier"`
}

type Calculator struct {
	BaseTokens      int
	MinTokens       int
	MaxTokens       int
	BaseTimeout     time.Duration
	ExtendedTimeout time.Duration
	LargeTimeout    time.Duration
	MaxTimeout      time.Duration
}

func NewCalculator(cfg config.BudgetConfig) Calculator {
	return Calculator{
		BaseTokens:      cfg.BaseTokens,
		MinTokens:       cfg.MinTokens,
		MaxTokens:       cfg.MaxTokens,
		BaseTimeout:     time.Duration(cfg.BaseTimeoutSeconds) * time.Second,
		ExtendedTimeout: time.Duration(cfg.ExtendedTimeoutSeconds) * time.Second,
		LargeTimeout:    time.Duration(cfg.LargeTimeoutSeconds) * time.Second,
		MaxTimeout:      time.Duration(cfg.MaxTimeoutSeconds) * time.Second,
	}
}

func DefaultCalculator() Calculator {
	return NewCalculator(config.NewDefaultServerConfig().Budget)
}

// Compute sizes a request. System turns do not count towards complexity or
// history length: they are configuration, not conversation.
func (c Calculator) Compute(turns []chat.Turn, att *chat.Attachment, prefs chat.Resolved) Budget {
	chars, history := 0, 0
	latestUser := ""
	for _, t := range turns {
		if t.Role == chat.RoleSystem {
			continue
		}
		history++
		chars += len([]rune(t.Content))
		if t.Role == chat.RoleUser {
			latestUser = t.Content
		}
	}
	attached := att != nil && (att.Len() > 0 || att.IsPDF())
	attChars := att.Len()

	complexity := complexityMultiplier(chars)
	if attached {
		complexity *= documentMultiplier(attChars)
	}
	intent, intentBonus := ClassifyIntent(latestUser)

	ctxBonus := 0
	switch {
	case history > 10:
		ctxBonus += 100
	case history > 5:
		ctxBonus += 50
	}
	if attached {
		switch att.AnalysisType {
		case chat.AnalysisTypeAnalysis:
			ctxBonus += 200
		case chat.AnalysisTypeSummary:
			ctxBonus += 100
		}
		if att.IsPDF() {
			ctxBonus += 100
		}
	}
	if prefs.HasCustomSystemPrompts() {
		ctxBonus += 150
	}

	tokens := int(math.Round(float64(c.BaseTokens)*complexity)) + intentBonus + ctxBonus
	tokens = c.clamp(tokens, prefs.MaxTokens)

	timeout, tier := c.timeout(chars, attached, attChars, att.IsPDF())
	return Budget{
		TokenLimit:   tokens,
		Timeout:      timeout,
		TimeoutMS:    timeout.Milliseconds(),
		Complexity:   complexity,
		Intent:       intent,
		IntentBonus:  intentBonus,
		ContextBonus: ctxBonus,
		TimeoutTier:  tier,
	}
}

// clamp applies the preference ceiling, which can only lower the result,
// then the absolute bounds. A preference below the absolute floor wins.
func (c Calculator) clamp(tokens, prefMax int) int {
	ceiling := c.MaxTokens
	if prefMax > 0 && prefMax < ceiling {
		ceiling = prefMax
	}
	floor := c.MinTokens
	if floor > ceiling {
		floor = ceiling
	}
	if tokens > ceiling {
		tokens = ceiling
	}
	if tokens < floor {
		tokens = floor
	}
	return tokens
}

func (c Calculator) timeout(chars int, attached bool, attChars int, pdf bool) (time.Duration, string) {
	switch {
	case attached && (attChars >= largeDocumentChars || pdf):
		return c.MaxTimeout, "maximum"
	case attached && attChars >= mediumDocumentChars:
		return c.LargeTimeout, "large-document"
	case attached || chars >= extendedTimeoutChars:
		return c.ExtendedTimeout, "extended"
	default:
		return c.BaseTimeout, "base"
	}
}

func complexityMultiplier(chars int) float64 {
	switch {
	case chars < 100:
		return 0.75
	case chars < 500:
		return 1.0
	case chars < 2000:
		return 1.3
	default:
		return 1.6
	}
}

func documentMultiplier(chars int) float64 {
	switch {
	case chars < smallDocumentChars:
		return 1.1
	case chars < mediumDocumentChars:
		return 1.3
	case chars < largeDocumentChars:
		return 1.5
	default:
		return 2.0
	}
}
