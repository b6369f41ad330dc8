package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/config"
	"github.com/lkarlslund/tutorrouter/pkg/store"
)

type createSessionRequest struct {
	Title     string `json:"title"`
	LectureID string `json:"lectureId,omitempty"`
}

type sendMessageRequest struct {
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	Preferences *chat.Preferences `json:"preferences,omitempty"`
}

type sendMessageResponse struct {
	UserMessage *chat.Message    `json:"userMessage,omitempty"`
	Message     chat.Message     `json:"message"`
	Security    chat.Security    `json:"security"`
	Limited     chat.LimitReason `json:"limited,omitempty"`
}

type deleteMessageResponse struct {
	Deleted []string `json:"deleted"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, userIDHeader+" header required", "")
		return
	}
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	sess, err := s.sessions.CreateSession(r.Context(), userID, req.LectureID, req.Title)
	if err != nil {
		slog.Error("create session failed", "user", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create session", "")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadOwnedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSendMessage runs limits, dispatch and sanitizing for one user turn
// and persists the result, counters included, in a single save.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadOwnedSession(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	att := chat.MergeAttachments(req.Attachments)
	if strings.TrimSpace(req.Content) == "" && att == nil {
		writeError(w, http.StatusBadRequest, "content is required", "")
		return
	}

	ctx := r.Context()
	cfg := s.store.Snapshot()
	prefs, err := s.resolvePreferences(ctx, cfg, sess.UserID, sess.LectureID, req.Preferences)
	if err != nil {
		slog.Error("resolve preferences failed", "session", sess.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences", "")
		return
	}

	if decision := chat.CheckLimits(sess.Security, prefs); !decision.Allowed {
		notice := chat.NewBotMessage(limitMessage(cfg, decision.Reason), chat.KindLimitNotice, chat.TokenUsage{}, s.now())
		sec, err := s.sessions.AppendMessages(ctx, sess.ID, notice)
		if err != nil {
			s.writeStoreError(w, sess.ID, err)
			return
		}
		slog.Info("session limit reached", "session", sess.ID, "reason", decision.Reason)
		writeJSON(w, http.StatusOK, sendMessageResponse{Message: notice, Security: sec, Limited: decision.Reason})
		return
	}

	userMsg := chat.NewUserMessage(req.Content, s.now())
	turns := chat.BuildTurns(prefs, chat.History(sess.Messages), chat.WithAttachment(req.Content, att))

	res, err := s.dispatcher.Dispatch(ctx, turns, prefs, att)
	var bot chat.Message
	switch {
	case err == nil:
		text := s.sanitizerFor(cfg, promptLeaks(prefs)).Sanitize(res.Text)
		bot = chat.NewBotMessage(text, chat.KindChat, res.Usage, s.now())
	case errors.Is(err, ErrAllEndpointsExhausted):
		slog.Error("session dispatch exhausted", "session", sess.ID, "err", err)
		bot = chat.NewBotMessage(cfg.Assistant.ExhaustedMessage, chat.KindFallback, chat.TokenUsage{}, s.now())
	default:
		s.writeDispatchError(w, r, cfg, err)
		return
	}

	// nothing is saved for a request abandoned while waiting on upstream
	if ctx.Err() != nil {
		slog.Info("client cancelled ai request", "session", sess.ID)
		return
	}
	sec, err := s.sessions.AppendMessages(ctx, sess.ID, userMsg, bot)
	if err != nil {
		s.writeStoreError(w, sess.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{UserMessage: &userMsg, Message: bot, Security: sec})
}

// handleDeleteMessage removes a message with its pair partner. Usage
// counters are not refunded.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadOwnedSession(w, r)
	if !ok {
		return
	}
	ids, err := chat.PairIDs(sess.Messages, chi.URLParam(r, "messageID"))
	if errors.Is(err, chat.ErrMessageNotFound) {
		writeError(w, http.StatusNotFound, "message not found", "")
		return
	}
	if _, err := s.sessions.DeleteMessages(r.Context(), sess.ID, ids); err != nil {
		s.writeStoreError(w, sess.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteMessageResponse{Deleted: ids})
}

// loadOwnedSession writes the error response itself. Sessions of other users
// are reported as missing.
func (s *Server) loadOwnedSession(w http.ResponseWriter, r *http.Request) (chat.Session, bool) {
	sess, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, chi.URLParam(r, "sessionID"), err)
		return chat.Session{}, false
	}
	if userID := requestUserID(r); userID != "" && userID != sess.UserID {
		writeError(w, http.StatusNotFound, "session not found", "")
		return chat.Session{}, false
	}
	return sess, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found", "")
	case errors.Is(err, store.ErrMessageConflict):
		writeError(w, http.StatusConflict, "message already exists", "")
	default:
		slog.Error("session store failed", "session", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save session", "")
	}
}

func limitMessage(cfg config.ServerConfig, reason chat.LimitReason) string {
	if reason == chat.ReasonTokenLimit {
		return cfg.Assistant.TokenLimitMessage
	}
	return cfg.Assistant.PromptLimitMessage
}
