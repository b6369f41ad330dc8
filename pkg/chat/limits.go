package chat

import (
	"errors"
	"time"
)

var ErrMessageNotFound = errors.New("message not found")

type LimitReason string

const (
	ReasonNone        LimitReason = ""
	ReasonPromptLimit LimitReason = "prompt_limit"
	ReasonTokenLimit  LimitReason = "token_limit"
)

type LimitDecision struct {
	Allowed bool
	Reason  LimitReason
}

// CheckLimits refuses generation once either counter is at or over its
// limit. A refusal is a normal outcome, not an error.
func CheckLimits(sec Security, prefs Resolved) LimitDecision {
	if prefs.NumPrompts > 0 && sec.TotalPromptsUsed >= prefs.NumPrompts {
		return LimitDecision{Reason: ReasonPromptLimit}
	}
	if prefs.TokenPredictionLimit > 0 && sec.TotalTokensUsed >= prefs.TokenPredictionLimit {
		return LimitDecision{Reason: ReasonTokenLimit}
	}
	return LimitDecision{Allowed: true}
}

// UsageDelta is what recording msgs adds to the counters: one prompt per
// user chat message and the total tokens of each bot chat message.
func UsageDelta(msgs ...Message) (prompts, tokens int) {
	for _, m := range msgs {
		if m.Kind != "" && m.Kind != KindChat {
			continue
		}
		if !m.IsBot {
			prompts++
			continue
		}
		if m.TokenUsage != nil && m.TokenUsage.Total > 0 {
			tokens += m.TokenUsage.Total
		}
	}
	return prompts, tokens
}

// RecordUsage appends msg to the session and adds its usage to the
// counters.
func RecordUsage(s *Session, msg Message, now time.Time) {
	s.Messages = append(s.Messages, msg)
	prompts, tokens := UsageDelta(msg)
	s.Security.TotalPromptsUsed += prompts
	s.Security.TotalTokensUsed += tokens
	s.Security.LastUpdated = now.UTC()
}

// PairIDs returns the ids removed when id is deleted: the message and its
// pair partner, a user message's immediately following bot reply or a bot
// message's immediately preceding user turn.
func PairIDs(messages []Message, id string) ([]string, error) {
	idx := -1
	for i, m := range messages {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrMessageNotFound
	}
	ids := []string{id}
	m := messages[idx]
	if !m.IsBot {
		if idx+1 < len(messages) && messages[idx+1].IsBot {
			ids = append(ids, messages[idx+1].ID)
		}
	} else if idx > 0 && !messages[idx-1].IsBot {
		ids = append([]string{messages[idx-1].ID}, ids...)
	}
	return ids, nil
}

// DeleteMessage removes id and its pair partner from the session. The
// security counters are left untouched.
func DeleteMessage(s *Session, id string) ([]string, error) {
	ids, err := PairIDs(s.Messages, id)
	if err != nil {
		return nil, err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, v := range ids {
		drop[v] = struct{}{}
	}
	kept := s.Messages[:0:0]
	for _, m := range s.Messages {
		if _, ok := drop[m.ID]; ok {
			continue
		}
		kept = append(kept, m)
	}
	s.Messages = kept
	return ids, nil
}
