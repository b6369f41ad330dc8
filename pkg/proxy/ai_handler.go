package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/config"
)

type aiChatRequest struct {
	Messages    []chat.Turn       `json:"messages"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	Preferences *chat.Preferences `json:"preferences,omitempty"`
	LectureID   string            `json:"lectureId,omitempty"`
}

type aiChatResponse struct {
	Response   string          `json:"response"`
	TokenUsage chat.TokenUsage `json:"tokenUsage"`
}

var errNoUserTurn = errors.New("messages must contain a user turn")

func (req aiChatRequest) turns() ([]chat.Turn, error) {
	out := make([]chat.Turn, 0, len(req.Messages))
	hasUser := false
	for _, t := range req.Messages {
		switch t.Role {
		case chat.RoleSystem, chat.RoleAssistant:
		case chat.RoleUser:
			hasUser = true
		default:
			return nil, errors.New("invalid message role " + string(t.Role))
		}
		out = append(out, t)
	}
	if !hasUser {
		return nil, errNoUserTurn
	}
	return out, nil
}

// handleAIChat answers a stateless conversation. Nothing is persisted.
func (s *Server) handleAIChat(w http.ResponseWriter, r *http.Request) {
	var req aiChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	turns, err := req.turns()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	cfg := s.store.Snapshot()
	prefs, err := s.resolvePreferences(r.Context(), cfg, requestUserID(r), req.LectureID, req.Preferences)
	if err != nil {
		slog.Error("resolve preferences failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences", "")
		return
	}
	att := chat.MergeAttachments(req.Attachments)
	turns = withSystemTurn(turns, prefs)
	turns = withAttachmentTurn(turns, att)

	res, err := s.dispatcher.Dispatch(r.Context(), turns, prefs, att)
	if err != nil {
		s.writeDispatchError(w, r, cfg, err)
		return
	}
	text := s.sanitizerFor(cfg, promptLeaks(prefs)).Sanitize(res.Text)
	writeJSON(w, http.StatusOK, aiChatResponse{Response: text, TokenUsage: res.Usage})
}

func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, cfg config.ServerConfig, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("client cancelled ai request", "path", r.URL.Path)
	case errors.Is(err, ErrAllEndpointsExhausted):
		slog.Error("ai request failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "AI service unavailable", cfg.Assistant.ExhaustedMessage)
	default:
		slog.Error("ai request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "AI request failed", "")
	}
}

// resolvePreferences layers defaults, lecture, user and request preferences.
// Request and user layers cannot change usage limits.
func (s *Server) resolvePreferences(ctx context.Context, cfg config.ServerConfig, userID, lectureID string, req *chat.Preferences) (chat.Resolved, error) {
	stored, err := s.prefs.stored(ctx, userID, lectureID)
	if err != nil {
		return chat.Resolved{}, err
	}
	if req != nil {
		stored = stored.Overlay(withoutLimits(*req))
	}
	return stored.Resolve(cfg.Defaults), nil
}

func promptLeaks(prefs chat.Resolved) []string {
	out := []string{prefs.DefaultSystemPrompt}
	for _, p := range prefs.SystemPrompts {
		out = append(out, p.Content)
	}
	return out
}

func withSystemTurn(turns []chat.Turn, prefs chat.Resolved) []chat.Turn {
	for _, t := range turns {
		if t.Role == chat.RoleSystem {
			return turns
		}
	}
	sys := prefs.SystemTurnContent()
	if sys == "" {
		return turns
	}
	return append([]chat.Turn{{Role: chat.RoleSystem, Content: sys}}, turns...)
}

// withAttachmentTurn folds the document into the last user turn.
func withAttachmentTurn(turns []chat.Turn, att *chat.Attachment) []chat.Turn {
	if att == nil {
		return turns
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != chat.RoleUser {
			continue
		}
		out := append([]chat.Turn(nil), turns...)
		out[i].Content = chat.WithAttachment(out[i].Content, att)
		return out
	}
	return turns
}
