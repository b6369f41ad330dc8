package provider

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/endpoint"
)

var ErrUnrecognizedResponseShape = errors.New("unrecognized response shape")

// Completion is the generated text and usage of one upstream response.
type Completion struct {
	Text  string
	Usage chat.TokenUsage
	Shape endpoint.Shape
}

// rawResponse uses pointers so absent fields can be told apart from empty
// strings.
type rawResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
		Text *string `json:"text"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Parse extracts text and usage from raw. The configured shape is tried
// first, then the other one.
func Parse(raw []byte, shape endpoint.Shape) (Completion, error) {
	var r rawResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrUnrecognizedResponseShape, err)
	}
	for _, s := range []endpoint.Shape{shape, shape.Other()} {
		if text, ok := r.text(s); ok {
			return Completion{Text: text, Usage: r.usage(), Shape: s}, nil
		}
	}
	return Completion{}, ErrUnrecognizedResponseShape
}

func (r rawResponse) text(s endpoint.Shape) (string, bool) {
	if len(r.Choices) == 0 {
		return "", false
	}
	c := r.Choices[0]
	switch s {
	case endpoint.ShapeCompletion:
		if c.Text != nil {
			return *c.Text, true
		}
	default:
		if c.Message != nil && c.Message.Content != nil {
			return *c.Message.Content, true
		}
	}
	return "", false
}

func (r rawResponse) usage() chat.TokenUsage {
	if r.Usage == nil {
		return chat.TokenUsage{}
	}
	u := chat.TokenUsage{
		Prompt:     max(r.Usage.PromptTokens, 0),
		Completion: max(r.Usage.CompletionTokens, 0),
		Total:      max(r.Usage.TotalTokens, 0),
	}
	if u.Total == 0 {
		u.Total = u.Prompt + u.Completion
	}
	return u
}
