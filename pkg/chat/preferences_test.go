package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lkarlslund/tutorrouter/pkg/config"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func testDefaults() config.PreferenceDefaults {
	return config.PreferenceDefaults{
		Temperature:          0.7,
		MaxTokens:            4000,
		NumPrompts:           50,
		TokenPredictionLimit: 100000,
		SystemPrompt:         "You are Tutor.",
	}
}

func TestResolveFillsDefaults(t *testing.T) {
	r := Preferences{}.Resolve(testDefaults())
	assert.Equal(t, 0.7, r.Temperature)
	assert.Equal(t, 4000, r.MaxTokens)
	assert.Equal(t, 50, r.NumPrompts)
	assert.Equal(t, 100000, r.TokenPredictionLimit)
	assert.False(t, r.HasCustomSystemPrompts())
	assert.Equal(t, "You are Tutor.", r.SystemTurnContent())
}

func TestResolveIgnoresInvalidValues(t *testing.T) {
	r := Preferences{
		Temperature: floatPtr(7),
		MaxTokens:   intPtr(-1),
		NumPrompts:  intPtr(0),
	}.Resolve(testDefaults())
	assert.Equal(t, 0.7, r.Temperature)
	assert.Equal(t, 4000, r.MaxTokens)
	assert.Equal(t, 50, r.NumPrompts)
}

func TestOverlayPrefersTopLevelFields(t *testing.T) {
	lecture := Preferences{
		Model:         "tutor-large",
		NumPrompts:    intPtr(5),
		SystemPrompts: []SystemPrompt{{Name: "lecture", Content: "Focus on calculus."}},
	}
	request := Preferences{MaxTokens: intPtr(600), Temperature: floatPtr(0.2)}
	r := lecture.Overlay(request).Resolve(testDefaults())
	assert.Equal(t, "tutor-large", r.Model)
	assert.Equal(t, 5, r.NumPrompts)
	assert.Equal(t, 600, r.MaxTokens)
	assert.Equal(t, 0.2, r.Temperature)
	assert.True(t, r.HasCustomSystemPrompts())
	assert.Equal(t, "Focus on calculus.", r.SystemTurnContent())
}

func TestSystemTurnContentAppendsRules(t *testing.T) {
	r := Preferences{ProcessingRules: []string{"Answer in English", " "}}.Resolve(testDefaults())
	assert.Equal(t, "You are Tutor.\n\nRules:\n- Answer in English", r.SystemTurnContent())
}

func TestBuildTurnsSkipsLocalKinds(t *testing.T) {
	msgs := []Message{
		NewUserMessage("what is a derivative?", testNow),
		NewBotMessage("A rate of change.", KindChat, TokenUsage{Total: 5}, testNow),
		NewBotMessage("limit reached", KindLimitNotice, TokenUsage{}, testNow),
	}
	turns := BuildTurns(Preferences{}.Resolve(testDefaults()), History(msgs), "and an integral?")
	assert.Equal(t, []Turn{
		{Role: RoleSystem, Content: "You are Tutor."},
		{Role: RoleUser, Content: "what is a derivative?"},
		{Role: RoleAssistant, Content: "A rate of change."},
		{Role: RoleUser, Content: "and an integral?"},
	}, turns)
}

func TestAttachmentIsPDF(t *testing.T) {
	assert.True(t, (&Attachment{Name: "notes.PDF"}).IsPDF())
	assert.True(t, (&Attachment{Type: "application/pdf"}).IsPDF())
	assert.False(t, (&Attachment{Name: "notes.txt"}).IsPDF())
	var nilAtt *Attachment
	assert.False(t, nilAtt.IsPDF())
	assert.Equal(t, 0, nilAtt.Len())
}
