package registry

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/loader"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options are the verbatim option fields of a configuration fragment.
type Options map[string]any

// Clone returns a deep copy.
func (o Options) Clone() Options {
	return Options(loader.CloneMap(o))
}

// Merge returns o overlaid with over; nested mappings merge recursively.
// Neither input is modified.
func (o Options) Merge(over Options) Options {
	return Options(loader.Merge(o, over))
}

// Decode decodes the options into out (a pointer to a struct with
// mapstructure tags) and validates it with its validate tags.
func (o Options) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(o)); err != nil {
		return fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig)
	}
	return nil
}

// Ref is a component reference: the factory to use and its options.
type Ref struct {
	Use     string
	Options Options
}

// MergeRef overlays a user fragment on a default reference. The fragment's
// "use" (or "type") field selects the factory; every other field is an
// option. A nil fragment yields the default reference with its own options.
func MergeRef(def Ref, fragment map[string]any) Ref {
	ref := Ref{Use: def.Use, Options: def.Options.Clone()}
	if ref.Options == nil {
		ref.Options = Options{}
	}

	user := Options{}
	for k, v := range fragment {
		switch k {
		case "use", "type":
			if s, ok := v.(string); ok && s != "" {
				ref.Use = s
			}
		default:
			user[k] = v
		}
	}

	ref.Options = ref.Options.Merge(user)
	return ref
}

// Dependencies are the already-built components a factory may use,
// keyed by slot name.
type Dependencies map[string]Component

// Fragment is the single argument passed to a Factory.
type Fragment struct {
	// Slot is the graph slot being filled, e.g. "store" or "input.carbon".
	Slot string

	// Name is the qualified factory name being resolved.
	Name string

	// Options holds the merged configuration for this component.
	Options Options

	// Deps holds the components this slot declared dependencies on.
	Deps Dependencies
}

// Decode decodes the fragment options into out. See Options.Decode.
func (f Fragment) Decode(out any) error {
	if err := f.Options.Decode(out); err != nil {
		return fmt.Errorf("%s options: %w", f.Name, err)
	}
	return nil
}

// Dep returns the dependency for slot, typed as T.
func Dep[T any](f Fragment, slot string) (T, error) {
	var zero T
	c, ok := f.Deps[slot]
	if !ok {
		return zero, fmt.Errorf("%s: dependency %q: %w", f.Name, slot, errors.ErrUnknownDependency)
	}
	v, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("%s: dependency %q is %T: %w", f.Name, slot, c, errors.ErrInvalidComponent)
	}
	return v, nil
}
