package model_test

import (
	"strings"
	"testing"

	"github.com/seantiz/crucible/internal/model"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{model.StatusPending, model.StatusReserved, true},
		{model.StatusPending, model.StatusFinalizing, true},
		{model.StatusReserved, model.StatusStarting, true},
		{model.StatusStarting, model.StatusRunning, true},
		{model.StatusStarting, model.StatusPending, true}, // retryable start failure
		{model.StatusRunning, model.StatusFinalizing, true},
		{model.StatusFinalizing, model.StatusReported, true},

		{model.StatusPending, model.StatusRunning, false},
		{model.StatusRunning, model.StatusPending, false},
		{model.StatusReported, model.StatusPending, false},
		{model.StatusFinalizing, model.StatusRunning, false},
		{model.StatusReported, model.StatusFinalizing, false},
		{"bogus", model.StatusPending, false},
	}
	for _, tt := range tests {
		if got := model.ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatus(t *testing.T) {
	if !model.TerminalStatus(model.StatusReported) {
		t.Error("reported is not terminal")
	}
	for _, s := range []string{
		model.StatusPending, model.StatusReserved, model.StatusStarting,
		model.StatusRunning, model.StatusFinalizing,
	} {
		if model.TerminalStatus(s) {
			t.Errorf("%q reported as terminal", s)
		}
	}
}

func TestSerializedDependencyLength(t *testing.T) {
	var s model.RunSpec
	if got := s.SerializedDependencyLength(); got != 0 {
		t.Errorf("empty deps length = %d, want 0", got)
	}

	s.Dependencies = []model.Dependency{
		{ParentUUID: "p-1", ParentPath: "out", ChildPath: "in"},
	}
	short := s.SerializedDependencyLength()
	if short == 0 {
		t.Fatal("length = 0 for non-empty deps")
	}

	s.Dependencies = append(s.Dependencies, model.Dependency{
		ParentUUID: "p-2", ParentPath: strings.Repeat("a", 100), ChildPath: "in2",
	})
	if got := s.SerializedDependencyLength(); got <= short {
		t.Errorf("length did not grow with more deps: %d <= %d", got, short)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := model.NewID()
		if id == "" {
			t.Fatal("empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
