// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/models"
)

// graph is the adjacency view of a pipeline used for validation and
// traversal.
type graph struct {
	nodes map[string]models.PipelineNode
	out   map[string][]models.PipelineEdge
	in    map[string][]models.PipelineEdge
}

func buildGraph(p *models.Pipeline) *graph {
	g := &graph{
		nodes: make(map[string]models.PipelineNode, len(p.Nodes)),
		out:   make(map[string][]models.PipelineEdge),
		in:    make(map[string][]models.PipelineEdge),
	}
	for _, n := range p.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range p.Edges {
		g.out[e.FromNode] = append(g.out[e.FromNode], e)
		g.in[e.ToNode] = append(g.in[e.ToNode], e)
	}
	return g
}

// Validate checks pipeline topology: a DAG with exactly one trigger root,
// full reachability, two labeled branches per condition, and a single
// join successor per parallel node.
func Validate(p *models.Pipeline) error {
	entity := "pipeline/" + p.ID
	if len(p.Nodes) == 0 {
		return gathering.NewValidation(entity, "pipeline has no nodes")
	}

	g := buildGraph(p)

	for _, e := range p.Edges {
		if _, ok := g.nodes[e.FromNode]; !ok {
			return gathering.NewValidation(entity, "edge references unknown node %q", e.FromNode)
		}
		if _, ok := g.nodes[e.ToNode]; !ok {
			return gathering.NewValidation(entity, "edge references unknown node %q", e.ToNode)
		}
	}

	// Exactly one root, of type trigger.
	var roots []string
	for id := range g.nodes {
		if len(g.in[id]) == 0 {
			roots = append(roots, id)
		}
	}
	if len(roots) != 1 {
		return gathering.NewValidation(entity, "pipeline must have exactly one root node, found %d", len(roots))
	}
	root := roots[0]
	if g.nodes[root].Type != models.NodeTrigger {
		return gathering.NewValidation(entity, "root node %q must be a trigger, got %s", root, g.nodes[root].Type)
	}
	for id, n := range g.nodes {
		if n.Type == models.NodeTrigger && id != root {
			return gathering.NewValidation(entity, "trigger node %q is not the root", id)
		}
	}

	if err := checkAcyclic(g, entity); err != nil {
		return err
	}

	// Every non-trigger node reachable from the trigger.
	reached := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.out[id] {
			if !reached[e.ToNode] {
				reached[e.ToNode] = true
				queue = append(queue, e.ToNode)
			}
		}
	}
	for id := range g.nodes {
		if !reached[id] {
			return gathering.NewValidation(entity, "node %q is unreachable from the trigger", id)
		}
	}

	for id, n := range g.nodes {
		switch n.Type {
		case models.NodeCondition:
			if err := checkCondition(g, entity, id); err != nil {
				return err
			}
		case models.NodeParallel:
			if err := checkParallelJoin(g, entity, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkAcyclic(g *graph, entity string) error {
	// Kahn's algorithm; leftover nodes form a cycle.
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.in[id])
	}
	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, e := range g.out[id] {
			indeg[e.ToNode]--
			if indeg[e.ToNode] == 0 {
				queue = append(queue, e.ToNode)
			}
		}
	}
	if seen != len(g.nodes) {
		return gathering.NewValidation(entity, "pipeline graph contains a cycle")
	}
	return nil
}

func checkCondition(g *graph, entity, id string) error {
	edges := g.out[id]
	if len(edges) != 2 {
		return gathering.NewValidation(entity,
			"condition node %q must have exactly two outgoing edges, got %d", id, len(edges))
	}
	labels := map[string]bool{}
	for _, e := range edges {
		labels[e.Predicate] = true
	}
	if !labels["true"] || !labels["false"] {
		return gathering.NewValidation(entity,
			"condition node %q edges must be labeled true and false", id)
	}
	return nil
}

// checkParallelJoin enforces the single synthetic join successor: every
// parallel branch has exactly one outgoing edge and all branches fan back
// into the same node.
func checkParallelJoin(g *graph, entity, id string) error {
	branches := g.out[id]
	if len(branches) < 2 {
		return gathering.NewValidation(entity,
			"parallel node %q must have at least two branches, got %d", id, len(branches))
	}

	join := ""
	for _, b := range branches {
		outs := g.out[b.ToNode]
		if len(outs) != 1 {
			return gathering.NewValidation(entity,
				"parallel branch %q must have exactly one successor, got %d", b.ToNode, len(outs))
		}
		if join == "" {
			join = outs[0].ToNode
		} else if outs[0].ToNode != join {
			return gathering.NewValidation(entity,
				"parallel branches of %q must join into a single node", id)
		}
	}
	return nil
}
