package endpoint

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lkarlslund/tutorrouter/pkg/config"
)

// Shape is the wire format an inference backend speaks.
type Shape int

const (
	ShapeChat Shape = iota
	ShapeCompletion
)

func ParseShape(raw string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", config.ShapeChat:
		return ShapeChat, nil
	case config.ShapeCompletion:
		return ShapeCompletion, nil
	default:
		return 0, fmt.Errorf("unknown endpoint shape %q", raw)
	}
}

func (s Shape) String() string {
	switch s {
	case ShapeCompletion:
		return config.ShapeCompletion
	default:
		return config.ShapeChat
	}
}

// Other returns the alternate shape, used when a backend answers in the
// format it was not configured for.
func (s Shape) Other() Shape {
	if s == ShapeChat {
		return ShapeCompletion
	}
	return ShapeChat
}

type Endpoint struct {
	ID          string
	DisplayName string
	URL         string
	ModelID     string
	Shape       Shape
	Priority    int
	APIKey      string
	Timeout     time.Duration
}

// Registry is the immutable, priority-ordered list of configured backends.
type Registry struct {
	endpoints []Endpoint
	byID      map[string]int
}

func NewRegistry(endpoints []Endpoint) *Registry {
	sorted := append([]Endpoint(nil), endpoints...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	byID := make(map[string]int, len(sorted))
	for i, e := range sorted {
		byID[e.ID] = i
	}
	return &Registry{endpoints: sorted, byID: byID}
}

// FromConfig builds a registry from the enabled endpoints of cfg.
func FromConfig(cfg []config.EndpointConfig) (*Registry, error) {
	out := make([]Endpoint, 0, len(cfg))
	for _, c := range cfg {
		if c.Disabled {
			continue
		}
		shape, err := ParseShape(c.Shape)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", c.Name, err)
		}
		display := c.DisplayName
		if display == "" {
			display = c.Name
		}
		out = append(out, Endpoint{
			ID:          c.Name,
			DisplayName: display,
			URL:         c.URL,
			ModelID:     c.Model,
			Shape:       shape,
			Priority:    c.Priority,
			APIKey:      c.APIKey,
			Timeout:     time.Duration(c.TimeoutSeconds) * time.Second,
		})
	}
	return NewRegistry(out), nil
}

// List returns a copy ordered by ascending priority.
func (r *Registry) List() []Endpoint {
	if r == nil {
		return nil
	}
	return append([]Endpoint(nil), r.endpoints...)
}

func (r *Registry) Get(id string) (Endpoint, bool) {
	if r == nil {
		return Endpoint{}, false
	}
	idx, ok := r.byID[id]
	if !ok {
		return Endpoint{}, false
	}
	return r.endpoints[idx], true
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.endpoints)
}
