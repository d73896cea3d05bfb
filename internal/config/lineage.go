package config

import (
	"fmt"
	"strings"

	"github.com/forrest-runner/forrest/internal/triplet"
)

// lineageGraph is the base_machine dependency graph across every
// configured machine: an edge from a Triplet to its base_machine.
// Adapted from the teacher's unit dependency graph
// (_examples/RevCBH-choo/internal/scheduler/graph.go), generalized from
// unit IDs to Triplets and from "DependsOn" to "base_machine".
type lineageGraph struct {
	nodes map[triplet.Triplet]bool
	edges map[triplet.Triplet][]triplet.Triplet
}

// cycleError indicates a circular base_machine chain was detected.
type cycleError struct {
	cycle []triplet.Triplet
}

func (e *cycleError) Error() string {
	parts := make([]string, len(e.cycle))
	for i, t := range e.cycle {
		parts[i] = t.String()
	}
	return fmt.Sprintf("base_machine cycle detected: %s", strings.Join(parts, " -> "))
}

// missingDependencyError indicates a base_machine points at a Triplet
// that is not itself configured anywhere.
type missingDependencyError struct {
	machine     triplet.Triplet
	baseMachine triplet.Triplet
}

func (e *missingDependencyError) Error() string {
	return fmt.Sprintf("%s: base_machine %s is not a configured machine", e.machine, e.baseMachine)
}

func newLineageGraph(cf *ConfigFile) *lineageGraph {
	g := &lineageGraph{
		nodes: make(map[triplet.Triplet]bool),
		edges: make(map[triplet.Triplet][]triplet.Triplet),
	}

	for owner, repos := range cf.Repositories {
		for repoName, repo := range repos {
			for machineName, mc := range repo.Machines {
				t := triplet.New(owner, repoName, machineName)
				g.nodes[t] = true
				if mc.BaseMachine != nil {
					g.edges[t] = append(g.edges[t], *mc.BaseMachine)
				}
			}
		}
	}

	return g
}

// validateMissingDependencies reports a base_machine that names a
// Triplet absent from the configuration.
func (g *lineageGraph) validateMissingDependencies() error {
	for machine, deps := range g.edges {
		for _, dep := range deps {
			if !g.nodes[dep] {
				return &missingDependencyError{machine: machine, baseMachine: dep}
			}
		}
	}
	return nil
}

// validateNoCycles uses Kahn's algorithm (in-degree zero peeling) to
// confirm the base_machine graph is acyclic; any remaining nodes once
// the queue drains belong to a cycle.
func (g *lineageGraph) validateNoCycles() error {
	inDegree := make(map[triplet.Triplet]int, len(g.nodes))
	for n := range g.nodes {
		inDegree[n] = len(g.edges[n])
	}

	var queue []triplet.Triplet
	for n, d := range inDegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++

		for dependent := range g.nodes {
			for _, dep := range g.edges[dependent] {
				if dep != n {
					continue
				}
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					queue = append(queue, dependent)
				}
			}
		}
	}

	if visited == len(g.nodes) {
		return nil
	}

	var remaining []triplet.Triplet
	for n, d := range inDegree {
		if d > 0 {
			remaining = append(remaining, n)
		}
	}
	return &cycleError{cycle: remaining}
}
