// Package system wires resolved components into a dependency graph.
package system

import (
	"fmt"
	"strings"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/registry"
)

// Node is one slot of the graph.
type Node struct {
	Slot         string
	Instance     registry.Component
	Dependencies []string
}

// Graph maps slot names to nodes. It is built once and read-only after.
type Graph struct {
	nodes map[string]*Node
	slots []string // insertion order
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add inserts a node. Dependencies may name slots added later; they are
// checked by Order.
func (g *Graph) Add(slot string, c registry.Component, deps ...string) error {
	if slot == "" {
		return errors.NewMissingField("slot name")
	}
	if c == nil {
		return fmt.Errorf("slot %q: %w", slot, errors.ErrInvalidComponent)
	}
	if _, exists := g.nodes[slot]; exists {
		return fmt.Errorf("slot %q: %w", slot, errors.ErrDuplicateSlot)
	}
	g.nodes[slot] = &Node{
		Slot:         slot,
		Instance:     c,
		Dependencies: append([]string(nil), deps...),
	}
	g.slots = append(g.slots, slot)
	return nil
}

// Node returns the node for slot.
func (g *Graph) Node(slot string) (*Node, bool) {
	n, ok := g.nodes[slot]
	return n, ok
}

// Slots returns slot names in insertion order.
func (g *Graph) Slots() []string {
	return append([]string(nil), g.slots...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.slots)
}

// Order returns slots with every dependency before its dependents. Ties
// are broken by insertion order, so the result is deterministic.
func (g *Graph) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))

	for _, slot := range g.slots {
		node := g.nodes[slot]
		seen := make(map[string]bool, len(node.Dependencies))
		for _, dep := range node.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("slot %q depends on %q: %w", slot, dep, errors.ErrUnknownDependency)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[slot]++
			dependents[dep] = append(dependents[dep], slot)
		}
	}

	order := make([]string, 0, len(g.slots))
	done := make(map[string]bool, len(g.slots))
	for len(order) < len(g.slots) {
		progressed := false
		for _, slot := range g.slots {
			if done[slot] || indegree[slot] > 0 {
				continue
			}
			done[slot] = true
			order = append(order, slot)
			for _, d := range dependents[slot] {
				indegree[d]--
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, fmt.Errorf("%s: %w", g.describeCycle(done), errors.ErrCyclicDependency)
		}
	}
	return order, nil
}

// Validate checks that the graph can be ordered.
func (g *Graph) Validate() error {
	_, err := g.Order()
	return err
}

func (g *Graph) describeCycle(done map[string]bool) string {
	var stuck []string
	for _, slot := range g.slots {
		if !done[slot] {
			stuck = append(stuck, slot)
		}
	}
	return "slots " + strings.Join(stuck, ", ")
}
