package endpoint

import (
	"testing"

	"github.com/lkarlslund/tutorrouter/pkg/config"
)

func TestRegistryListOrdersByPriorityThenID(t *testing.T) {
	r := NewRegistry([]Endpoint{
		{ID: "c", Priority: 2},
		{ID: "b", Priority: 1},
		{ID: "a", Priority: 2},
	})
	got := r.List()
	want := []string{"b", "a", "c"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
	got[0].ID = "mutated"
	if r.List()[0].ID != "b" {
		t.Fatal("List must return a copy")
	}
}

func TestFromConfigSkipsDisabledAndParsesShape(t *testing.T) {
	r, err := FromConfig([]config.EndpointConfig{
		{Name: "chat", URL: "http://a", Model: "m1", Shape: "chat", Priority: 2},
		{Name: "legacy", URL: "http://b", Model: "m2", Shape: "completion", Priority: 1},
		{Name: "off", URL: "http://c", Model: "m3", Disabled: true},
	})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 endpoints, got %d", r.Len())
	}
	first := r.List()[0]
	if first.ID != "legacy" || first.Shape != ShapeCompletion || first.DisplayName != "legacy" {
		t.Fatalf("unexpected first endpoint %+v", first)
	}
	if _, ok := r.Get("off"); ok {
		t.Fatal("disabled endpoint must not be registered")
	}
}

func TestFromConfigRejectsUnknownShape(t *testing.T) {
	if _, err := FromConfig([]config.EndpointConfig{{Name: "x", Shape: "grpc"}}); err == nil {
		t.Fatal("expected unknown shape error")
	}
}

func TestShapeOther(t *testing.T) {
	if ShapeChat.Other() != ShapeCompletion || ShapeCompletion.Other() != ShapeChat {
		t.Fatal("unexpected alternate shapes")
	}
	if ShapeCompletion.String() != "completion" {
		t.Fatalf("unexpected string %q", ShapeCompletion.String())
	}
}
