package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lkarlslund/tutorrouter/pkg/endpoint"
	"github.com/lkarlslund/tutorrouter/pkg/logstore"
	"github.com/lkarlslund/tutorrouter/pkg/sanitize"
	"github.com/lkarlslund/tutorrouter/pkg/version"
)

const (
	adminWSHealthInterval = 2 * time.Second
	adminWSIdleRefresh    = 30 * time.Second
	adminWSPingInterval   = 25 * time.Second
	adminWSReadTimeout    = 60 * time.Second
)

type endpointView struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Model       string          `json:"model"`
	Shape       string          `json:"shape"`
	Priority    int             `json:"priority"`
	URL         string          `json:"url"`
	Available   bool            `json:"available"`
	Health      endpoint.Health `json:"health"`
}

type healthMessage struct {
	Type      string         `json:"type"`
	Endpoints []endpointView `json:"endpoints"`
	SentAt    time.Time      `json:"sent_at"`
}

// endpointViews never consumes a half-open trial.
func (s *Server) endpointViews() []endpointView {
	list := s.registry.List()
	out := make([]endpointView, 0, len(list))
	for _, ep := range list {
		out = append(out, endpointView{
			ID:          ep.ID,
			DisplayName: ep.DisplayName,
			Model:       ep.ModelID,
			Shape:       ep.Shape.String(),
			Priority:    ep.Priority,
			URL:         ep.URL,
			Available:   s.health.Peek(ep.ID),
			Health:      s.health.Get(ep.ID),
		})
	}
	return out
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": s.endpointViews()})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusNotFound, "usage ledger disabled", "")
		return
	}
	period := time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("period")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid period", "")
			return
		}
		period = d
	}
	summary, err := s.usage.Summary(period, s.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to summarize usage", "")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "log buffer disabled", "")
		return
	}
	q := r.URL.Query()
	limit := 200
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = n
	}
	entries := s.logs.List(logstore.ListFilter{Level: q.Get("level"), Query: q.Get("q"), Limit: limit})
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Current())
}

type sanitizeTraceRequest struct {
	Text string `json:"text"`
}

type sanitizeTraceResponse struct {
	Stages []sanitize.StageResult `json:"stages"`
	Result string                 `json:"result"`
}

func (s *Server) handleSanitizeTrace(w http.ResponseWriter, r *http.Request) {
	var req sanitizeTraceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	cfg := s.store.Snapshot()
	sz := s.sanitizerFor(cfg, []string{cfg.Defaults.SystemPrompt})
	writeJSON(w, http.StatusOK, sanitizeTraceResponse{Stages: sz.Trace(req.Text), Result: sz.Sanitize(req.Text)})
}

func sameOriginOrNone(req *http.Request) bool {
	origin := strings.TrimSpace(req.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

// handleAdminWebsocket streams endpoint health. A message is sent when the
// health changes and at least every idle refresh interval.
func (s *Server) handleAdminWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: sameOriginOrNone}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(adminWSReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(adminWSReadTimeout))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var last []byte
	lastSent := time.Time{}
	send := func() bool {
		views := s.endpointViews()
		key, _ := json.Marshal(views)
		if bytes.Equal(key, last) && time.Since(lastSent) < adminWSIdleRefresh {
			return true
		}
		msg, err := json.Marshal(healthMessage{Type: "health", Endpoints: views, SentAt: s.now().UTC()})
		if err != nil {
			return false
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return false
		}
		last, lastSent = key, time.Now()
		return true
	}
	if !send() {
		return
	}

	healthTicker := time.NewTicker(adminWSHealthInterval)
	defer healthTicker.Stop()
	pingTicker := time.NewTicker(adminWSPingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-healthTicker.C:
			if !send() {
				return
			}
		}
	}
}
