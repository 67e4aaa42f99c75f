package worker

import (
	"context"
	"testing"
)

func TestHasSentinel(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"4 [COMPLETE]", true},
		{"[COMPLETE]", true},
		{"done", false},
		{"", false},
		{"complete", false},
	}
	for _, tt := range tests {
		if got := HasSentinel(tt.output); got != tt.want {
			t.Errorf("HasSentinel(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestScripted_EmbedDeterministic(t *testing.T) {
	w := &Scripted{Dim: 8}
	ctx := context.Background()

	a1, err := w.Embed(ctx, "same text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	a2, _ := w.Embed(ctx, "same text")
	b, _ := w.Embed(ctx, "different text")

	if len(a1) != 8 {
		t.Fatalf("embedding has %d dimensions, want 8", len(a1))
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatalf("same text embedded differently at index %d", i)
		}
	}

	same := dot(a1, a2)
	if same < 0.999 {
		t.Errorf("self similarity = %f, want ~1", same)
	}
	if other := dot(a1, b); other >= same {
		t.Errorf("different text similarity %f >= self similarity %f", other, same)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestScripted_ScriptsPopInOrder(t *testing.T) {
	w := &Scripted{
		Plans:   []string{"first", "second"},
		Results: []ActionResult{{Output: "one"}},
	}
	ctx := context.Background()

	if p, _ := w.Plan(ctx, "goal", State{}); p != "first" {
		t.Errorf("Plan() = %q, want first", p)
	}
	if p, _ := w.Plan(ctx, "goal", State{}); p != "second" {
		t.Errorf("Plan() = %q, want second", p)
	}
	// Exhausted scripts fall back to the default shape.
	if p, _ := w.Plan(ctx, "goal", State{}); p == "" {
		t.Errorf("Plan() after exhaustion = empty, want fallback")
	}

	if r, _ := w.ExecuteAction(ctx, "a", "g"); r.Output != "one" {
		t.Errorf("ExecuteAction() = %q, want one", r.Output)
	}
	if r, _ := w.ExecuteAction(ctx, "a", "g"); r.Output != "" {
		t.Errorf("ExecuteAction() after exhaustion = %q, want empty", r.Output)
	}

	plans, executes, _, _ := w.Calls()
	if plans != 3 || executes != 2 {
		t.Errorf("Calls() = (%d, %d), want (3, 2)", plans, executes)
	}
}
