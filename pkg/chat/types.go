package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation sent upstream. It is built per
// request and never stored on its own.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const (
	AnalysisTypeAnalysis = "analysis"
	AnalysisTypeSummary  = "summary"
)

// Attachment is document text already extracted by the upload pipeline.
type Attachment struct {
	Name         string `json:"name"`
	Content      string `json:"content"`
	Type         string `json:"type,omitempty"`
	AnalysisType string `json:"analysisType,omitempty"`
}

func (a *Attachment) IsPDF() bool {
	if a == nil {
		return false
	}
	t := strings.ToLower(strings.TrimSpace(a.Type))
	if t == "pdf" || t == "application/pdf" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(a.Name)), ".pdf")
}

func (a *Attachment) Len() int {
	if a == nil {
		return 0
	}
	return len([]rune(a.Content))
}

type TokenUsage struct {
	Total      int `json:"total_tokens"`
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
}

type MessageKind string

const (
	KindChat        MessageKind = "chat"
	KindLimitNotice MessageKind = "limit-notice"
	KindFallback    MessageKind = "fallback"
)

type Message struct {
	ID         string      `json:"id"`
	IsBot      bool        `json:"isBot"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	Kind       MessageKind `json:"kind"`
	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`
}

// Security holds the server-authoritative usage counters of a session.
// Nothing ever decrements them.
type Security struct {
	TotalPromptsUsed int       `json:"totalPromptsUsed"`
	TotalTokensUsed  int       `json:"totalTokensUsed"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	LectureID string    `json:"lectureId,omitempty"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Security  Security  `json:"security"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewMessageID() string {
	return uuid.NewString()
}

func NewUserMessage(content string, now time.Time) Message {
	return Message{
		ID:        NewMessageID(),
		Content:   content,
		Timestamp: now.UTC(),
		Kind:      KindChat,
	}
}

func NewBotMessage(content string, kind MessageKind, usage TokenUsage, now time.Time) Message {
	m := Message{
		ID:        NewMessageID(),
		IsBot:     true,
		Content:   content,
		Timestamp: now.UTC(),
		Kind:      kind,
	}
	if kind == KindChat {
		u := usage
		m.TokenUsage = &u
	}
	return m
}

// History converts stored messages into upstream turns. Limit notices and
// fallbacks are local artifacts and are not replayed to the model.
func History(messages []Message) []Turn {
	out := make([]Turn, 0, len(messages))
	for _, m := range messages {
		if m.Kind != "" && m.Kind != KindChat {
			continue
		}
		role := RoleUser
		if m.IsBot {
			role = RoleAssistant
		}
		out = append(out, Turn{Role: role, Content: m.Content})
	}
	return out
}

// BuildTurns prepends the resolved system prompt to history and appends the
// new user content.
func BuildTurns(prefs Resolved, history []Turn, content string) []Turn {
	out := make([]Turn, 0, len(history)+2)
	if sys := prefs.SystemTurnContent(); sys != "" {
		out = append(out, Turn{Role: RoleSystem, Content: sys})
	}
	out = append(out, history...)
	if strings.TrimSpace(content) != "" {
		out = append(out, Turn{Role: RoleUser, Content: content})
	}
	return out
}

// WithAttachment appends the extracted document text to the user's content
// together with the requested kind of analysis.
func WithAttachment(content string, att *Attachment) string {
	if att.Len() == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(content))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	switch att.AnalysisType {
	case AnalysisTypeSummary:
		b.WriteString("Summarize the attached document")
	case AnalysisTypeAnalysis:
		b.WriteString("Analyze the attached document")
	default:
		b.WriteString("Attached document")
	}
	if name := strings.TrimSpace(att.Name); name != "" {
		b.WriteString(" \"" + name + "\"")
	}
	b.WriteString(":\n")
	b.WriteString(att.Content)
	return b.String()
}

// MergeAttachments folds several attachments into one so a request carries
// a single document budget. It returns nil when nothing has content.
func MergeAttachments(in []Attachment) *Attachment {
	var out *Attachment
	for i := range in {
		a := in[i]
		if a.Len() == 0 && !a.IsPDF() {
			continue
		}
		if out == nil {
			out = &a
			continue
		}
		out.Name = out.Name + ", " + a.Name
		out.Content = out.Content + "\n\n" + a.Content
		if a.IsPDF() && !out.IsPDF() {
			out.Type = a.Type
			if out.Type == "" {
				out.Type = "pdf"
			}
		}
		if out.AnalysisType == "" {
			out.AnalysisType = a.AnalysisType
		}
	}
	return out
}
