package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/endpoint"
)

// Params are the per-request generation settings.
type Params struct {
	Temperature   float64
	MaxTokens     int
	AssistantName string
}

// Request is a fully shaped upstream call.
type Request struct {
	URL    string
	Body   []byte
	Header http.Header
}

// Format shapes turns for ep. Chat endpoints get the turns verbatim;
// completion endpoints get a single flattened prompt.
func Format(ep endpoint.Endpoint, turns []chat.Turn, p Params) (Request, error) {
	var body any
	switch ep.Shape {
	case endpoint.ShapeCompletion:
		body = openai.CompletionRequest{
			Model:       ep.ModelID,
			Prompt:      FlattenPrompt(turns, p.AssistantName),
			Temperature: float32(p.Temperature),
			MaxTokens:   p.MaxTokens,
		}
	default:
		msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
		for _, t := range turns {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content})
		}
		body = openai.ChatCompletionRequest{
			Model:       ep.ModelID,
			Messages:    msgs,
			Temperature: float32(p.Temperature),
			MaxTokens:   p.MaxTokens,
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s request: %w", ep.Shape, err)
	}
	u, err := EndpointURL(ep)
	if err != nil {
		return Request{}, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if key := strings.TrimSpace(ep.APIKey); key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return Request{URL: u, Body: b, Header: h}, nil
}

// FlattenPrompt renders turns as a transcript ending with an assistant cue.
// System content goes first, ahead of the first user turn.
func FlattenPrompt(turns []chat.Turn, assistantName string) string {
	assistantName = strings.TrimSpace(assistantName)
	if assistantName == "" {
		assistantName = "Assistant"
	}
	var system []string
	for _, t := range turns {
		if t.Role == chat.RoleSystem && strings.TrimSpace(t.Content) != "" {
			system = append(system, strings.TrimSpace(t.Content))
		}
	}
	var b strings.Builder
	if len(system) > 0 {
		b.WriteString(strings.Join(system, "\n"))
		b.WriteString("\n\n")
	}
	for _, t := range turns {
		switch t.Role {
		case chat.RoleUser:
			b.WriteString("User: ")
		case chat.RoleAssistant:
			b.WriteString(assistantName)
			b.WriteString(": ")
		default:
			continue
		}
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString(assistantName)
	b.WriteString(":")
	return b.String()
}

// EndpointURL returns the configured URL, appending the shape's path when
// only a base URL such as https://host/v1 was configured.
func EndpointURL(ep endpoint.Endpoint) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ep.URL))
	if err != nil {
		return "", fmt.Errorf("endpoint %s url: %w", ep.ID, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %s url %q is not absolute", ep.ID, ep.URL)
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" || strings.HasSuffix(p, "/v1") {
		suffix := "/v1/chat/completions"
		if ep.Shape == endpoint.ShapeCompletion {
			suffix = "/v1/completions"
		}
		u.Path = JoinProviderPath(p, suffix)
	}
	return u.String(), nil
}

func JoinProviderPath(basePath, requestPath string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	req := path.Clean("/" + strings.TrimSpace(requestPath))
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(req, "/v1/") {
		return path.Join(base, strings.TrimPrefix(req, "/v1/"))
	}
	return path.Join(base, req)
}
