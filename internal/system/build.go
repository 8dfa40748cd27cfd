package system

import (
	"fmt"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/assembler"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/queue"
	"github.com/xtxerr/metricd/internal/registry"
)

// Slot names of the system graph.
const (
	SlotStore  = "store"
	SlotIndex  = "index"
	SlotQueues = "queues"
	SlotEngine = "engine"
	SlotAPI    = "api"
	SlotInput  = "input"
)

// Declared dependencies per slot. Nothing is inferred from configuration.
var (
	engineDeps = []string{SlotIndex, SlotStore, SlotQueues}
	apiDeps    = []string{SlotIndex, SlotStore, SlotQueues, SlotEngine}
	inputDeps  = []string{SlotQueues}
)

// Build wires the higher-level components around the resolved leaves.
// Inputs are added last so that they are stopped first.
func Build(res *assembler.Resolved, reg *registry.Registry) (*Graph, error) {
	if res == nil || reg == nil {
		return nil, errors.NewMissingField("resolved configuration and registry")
	}
	log := logging.Component("system")
	g := NewGraph()

	if err := g.Add(SlotStore, res.Store); err != nil {
		return nil, err
	}
	if err := g.Add(SlotIndex, res.Index); err != nil {
		return nil, err
	}

	// Queue set: dedicated construction step, not resolved by name.
	queues, err := queue.BuildSet(res.Carbon.Rollups, registry.Options(res.Queues))
	if err != nil {
		return nil, err
	}
	if err := g.Add(SlotQueues, queues); err != nil {
		return nil, err
	}

	// Engine
	engineRef := registry.MergeRef(registry.Ref{Use: config.DefaultEngine}, res.Engine)
	engine, err := reg.ResolveRef(SlotEngine, engineRef, deps(g, engineDeps))
	if err != nil {
		return nil, err
	}
	if err := g.Add(SlotEngine, engine, engineDeps...); err != nil {
		return nil, err
	}

	// API: payload is the merged http section overlaid with api options.
	apiRef := registry.MergeRef(registry.Ref{Use: config.DefaultAPI, Options: res.HTTP.Options}, res.API)
	api, err := reg.ResolveRef(SlotAPI, apiRef, deps(g, apiDeps))
	if err != nil {
		return nil, err
	}
	if err := g.Add(SlotAPI, api, apiDeps...); err != nil {
		return nil, err
	}

	// Inputs
	inputs, err := buildInputs(res, reg, deps(g, inputDeps))
	if err != nil {
		return nil, err
	}
	if err := g.Add(SlotInput, inputs, inputDeps...); err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	log.Info("system graph built",
		"engine", engineRef.Use,
		"api", apiRef.Use,
		"inputs", inputs.Names(),
		"queues", len(queues.Members()))
	return g, nil
}

// deps collects the instances of already added slots.
func deps(g *Graph, slots []string) registry.Dependencies {
	out := make(registry.Dependencies, len(slots))
	for _, slot := range slots {
		if n, ok := g.Node(slot); ok {
			out[slot] = n.Instance
		}
	}
	return out
}

// buildInputs expands the input section. Each fragment is resolved by its
// own type and the group maps type names to instances. An absent section
// still yields one default input built from an empty fragment.
func buildInputs(res *assembler.Resolved, reg *registry.Registry, d registry.Dependencies) (*registry.Group, error) {
	fragments, err := inputFragments(res.Input)
	if err != nil {
		return nil, err
	}

	// The carbon section configures the default listener.
	defaults := map[string]registry.Options{
		config.DefaultInput: carbonOptions(res),
	}

	group := registry.NewGroup()
	for i, fragment := range fragments {
		ref := registry.MergeRef(registry.Ref{Use: config.DefaultInput}, fragment)
		if base, ok := defaults[ref.Use]; ok {
			ref.Options = base.Merge(ref.Options)
		}

		c, err := reg.ResolveRef(fmt.Sprintf("%s[%d]", SlotInput, i), ref, d)
		if err != nil {
			return nil, err
		}

		name := ref.Use
		for n := 2; ; n++ {
			if _, taken := group.Get(name); !taken {
				break
			}
			name = fmt.Sprintf("%s#%d", ref.Use, n)
		}
		if err := group.Add(name, c); err != nil {
			return nil, err
		}
	}
	return group, nil
}

// inputFragments normalizes the input section to a sequence of mappings.
func inputFragments(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return []map[string]any{{}}, nil
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		if len(v) == 0 {
			return []map[string]any{{}}, nil
		}
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			switch f := item.(type) {
			case map[string]any:
				out = append(out, f)
			case string:
				out = append(out, map[string]any{"type": f})
			default:
				return nil, errors.NewInvalidValue(fmt.Sprintf("input[%d]", i), item, "expected mapping or type name")
			}
		}
		return out, nil
	default:
		return nil, errors.NewInvalidValue("input", raw, "expected a list of mappings")
	}
}

func carbonOptions(res *assembler.Resolved) registry.Options {
	opts := res.Carbon.Options.Clone()
	if opts == nil {
		opts = registry.Options{}
	}
	delete(opts, "rollups")
	return opts
}
