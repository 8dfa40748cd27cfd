package registry

import (
	"context"
	"fmt"

	"github.com/xtxerr/metricd/internal/errors"
)

// Group is an ordered set of named components occupying one slot, used for
// sections that expand to several instances (e.g. input listeners).
type Group struct {
	names   []string
	members map[string]Component
	started []string
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{members: make(map[string]Component)}
}

// Add appends a member. Names must be unique within the group.
func (g *Group) Add(name string, c Component) error {
	if _, exists := g.members[name]; exists {
		return fmt.Errorf("group member %q: %w", name, errors.ErrDuplicateSlot)
	}
	g.names = append(g.names, name)
	g.members[name] = c
	return nil
}

// Get returns the member with the given name.
func (g *Group) Get(name string) (Component, bool) {
	c, ok := g.members[name]
	return c, ok
}

// Names returns member names in insertion order.
func (g *Group) Names() []string {
	return append([]string(nil), g.names...)
}

// Len returns the number of members.
func (g *Group) Len() int {
	return len(g.names)
}

// Start starts members in insertion order. On failure the members already
// started are stopped again and the error is returned.
func (g *Group) Start(ctx context.Context) error {
	g.started = g.started[:0]
	for _, name := range g.names {
		if err := g.members[name].Start(ctx); err != nil {
			stopErr := g.Stop(ctx)
			return errors.Join(fmt.Errorf("start %s: %w", name, err), stopErr)
		}
		g.started = append(g.started, name)
	}
	return nil
}

// Stop stops started members in reverse order. Every member is stopped even
// if an earlier one fails.
func (g *Group) Stop(ctx context.Context) error {
	var errs []error
	for i := len(g.started) - 1; i >= 0; i-- {
		name := g.started[i]
		if err := g.members[name].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	g.started = g.started[:0]
	return errors.Join(errs...)
}
