package chat

import (
	"strings"

	"github.com/lkarlslund/tutorrouter/pkg/config"
)

type SystemPrompt struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Preferences is the optional AI configuration a user, a lecture or a single
// request may carry. Unset fields are nil.
type Preferences struct {
	Model                string         `json:"model,omitempty"`
	Temperature          *float64       `json:"temperature,omitempty"`
	MaxTokens            *int           `json:"maxTokens,omitempty"`
	NumPrompts           *int           `json:"numPrompts,omitempty"`
	TokenPredictionLimit *int           `json:"tokenPredictionLimit,omitempty"`
	SystemPrompts        []SystemPrompt `json:"systemPrompts,omitempty"`
	ProcessingRules      []string       `json:"processingRules,omitempty"`
}

// Overlay returns p with every field set in top replacing its counterpart.
func (p Preferences) Overlay(top Preferences) Preferences {
	out := p
	if strings.TrimSpace(top.Model) != "" {
		out.Model = top.Model
	}
	if top.Temperature != nil {
		out.Temperature = top.Temperature
	}
	if top.MaxTokens != nil {
		out.MaxTokens = top.MaxTokens
	}
	if top.NumPrompts != nil {
		out.NumPrompts = top.NumPrompts
	}
	if top.TokenPredictionLimit != nil {
		out.TokenPredictionLimit = top.TokenPredictionLimit
	}
	if len(top.SystemPrompts) > 0 {
		out.SystemPrompts = top.SystemPrompts
	}
	if len(top.ProcessingRules) > 0 {
		out.ProcessingRules = top.ProcessingRules
	}
	return out
}

// Resolved is a fully populated preference set. Components downstream of
// the HTTP boundary only ever see this type.
type Resolved struct {
	Model                string
	Temperature          float64
	MaxTokens            int
	NumPrompts           int
	TokenPredictionLimit int
	DefaultSystemPrompt  string
	SystemPrompts        []SystemPrompt
	ProcessingRules      []string
}

func (p Preferences) Resolve(d config.PreferenceDefaults) Resolved {
	r := Resolved{
		Model:                strings.TrimSpace(d.Model),
		Temperature:          d.Temperature,
		MaxTokens:            d.MaxTokens,
		NumPrompts:           d.NumPrompts,
		TokenPredictionLimit: d.TokenPredictionLimit,
		DefaultSystemPrompt:  strings.TrimSpace(d.SystemPrompt),
	}
	if m := strings.TrimSpace(p.Model); m != "" {
		r.Model = m
	}
	if p.Temperature != nil && *p.Temperature >= 0 && *p.Temperature <= 2 {
		r.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		r.MaxTokens = *p.MaxTokens
	}
	if p.NumPrompts != nil && *p.NumPrompts > 0 {
		r.NumPrompts = *p.NumPrompts
	}
	if p.TokenPredictionLimit != nil && *p.TokenPredictionLimit > 0 {
		r.TokenPredictionLimit = *p.TokenPredictionLimit
	}
	for _, sp := range p.SystemPrompts {
		if strings.TrimSpace(sp.Content) == "" {
			continue
		}
		r.SystemPrompts = append(r.SystemPrompts, SystemPrompt{
			Name:    strings.TrimSpace(sp.Name),
			Content: strings.TrimSpace(sp.Content),
		})
	}
	for _, rule := range p.ProcessingRules {
		if rule = strings.TrimSpace(rule); rule != "" {
			r.ProcessingRules = append(r.ProcessingRules, rule)
		}
	}
	return r
}

func (r Resolved) HasCustomSystemPrompts() bool {
	return len(r.SystemPrompts) > 0
}

// SystemTurnContent is the system message sent ahead of the conversation:
// custom prompts when present, otherwise the default, followed by any
// processing rules.
func (r Resolved) SystemTurnContent() string {
	var parts []string
	if r.HasCustomSystemPrompts() {
		for _, sp := range r.SystemPrompts {
			parts = append(parts, sp.Content)
		}
	} else if r.DefaultSystemPrompt != "" {
		parts = append(parts, r.DefaultSystemPrompt)
	}
	if len(r.ProcessingRules) > 0 {
		var b strings.Builder
		b.WriteString("Rules:")
		for _, rule := range r.ProcessingRules {
			b.WriteString("\n- ")
			b.WriteString(rule)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}
