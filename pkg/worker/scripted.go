package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
)

// Scripted is a deterministic Worker for tests and local dry runs. Each
// call pops the next scripted result; when a script runs out the zero
// behavior applies (plan echoes the goal, actions return empty output,
// goals never complete).
type Scripted struct {
	mu sync.Mutex

	Plans   []string
	Results []ActionResult
	// Complete is consulted after Results are exhausted per call index.
	Complete []bool
	// ChatReplies pop per Chat call.
	ChatReplies []string
	// Dim is the embedding dimensionality. Default: 8.
	Dim int

	planCalls     int
	executeCalls  int
	completeCalls int
	chatCalls     int
}

func (w *Scripted) Plan(_ context.Context, goal string, _ State) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.planCalls < len(w.Plans) {
		p := w.Plans[w.planCalls]
		w.planCalls++
		return p, nil
	}
	w.planCalls++
	return fmt.Sprintf("work toward: %s", goal), nil
}

func (w *Scripted) ExecuteAction(_ context.Context, _, _ string) (ActionResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.executeCalls < len(w.Results) {
		r := w.Results[w.executeCalls]
		w.executeCalls++
		return r, nil
	}
	w.executeCalls++
	return ActionResult{}, nil
}

func (w *Scripted) IsGoalComplete(_ context.Context, _ string, _ State) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.completeCalls < len(w.Complete) {
		done := w.Complete[w.completeCalls]
		w.completeCalls++
		return done, nil
	}
	w.completeCalls++
	return false, nil
}

func (w *Scripted) Chat(_ context.Context, prompt string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.chatCalls < len(w.ChatReplies) {
		r := w.ChatReplies[w.chatCalls]
		w.chatCalls++
		return r, nil
	}
	w.chatCalls++
	return "ok: " + prompt, nil
}

// Embed derives a stable unit vector from the text so equal texts embed
// equally and similarity comparisons are meaningful in tests.
func (w *Scripted) Embed(_ context.Context, text string) ([]float32, error) {
	dim := w.Dim
	if dim == 0 {
		dim = 8
	}

	vec := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		h := fnv.New32a()
		fmt.Fprintf(h, "%d:%s", i, text)
		v := float64(h.Sum32()%1000)/500.0 - 1.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Calls reports how many times each operation ran.
func (w *Scripted) Calls() (plans, executes, completes, chats int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.planCalls, w.executeCalls, w.completeCalls, w.chatCalls
}
