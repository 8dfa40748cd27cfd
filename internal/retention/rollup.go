package retention

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
)

// RollupSpec is a compiled retention rule.
//
// TTL is always Rollup * Period and Quantize(t) is floor(t/Rollup)*Rollup.
type RollupSpec struct {
	Rollup        int64 // bucket width in seconds
	Period        int64 // number of buckets kept
	TTL           int64 // retained span in seconds
	MaxDataPoints int

	// Quantize maps a unix timestamp (seconds) to the start of its bucket.
	Quantize func(ts int64) int64 `yaml:"-" json:"-"`
}

// String renders r in shorthand form, e.g. "10s:1h".
func (r RollupSpec) String() string {
	return FormatDuration(r.Rollup) + ":" + FormatDuration(r.TTL)
}

// Covers reports whether a range of the given span fits in the retained data.
func (r RollupSpec) Covers(span int64) bool {
	return span <= r.TTL
}

// RollupDef is one uncompiled rollup definition: either a shorthand string
// ("10s:1h") or a structured rollup/period pair.
type RollupDef struct {
	Shorthand string

	Rollup        int64
	Period        int64
	MaxDataPoints int
}

// Shorthand returns a definition for a "<rollup>:<retention>" string.
func Shorthand(s string) RollupDef {
	return RollupDef{Shorthand: s}
}

// Structured returns a definition with explicit rollup seconds and period.
func Structured(rollup, period int64) RollupDef {
	return RollupDef{Rollup: rollup, Period: period}
}

// ParseDefs converts a decoded configuration value (a list of strings and/or
// mappings) into rollup definitions.
func ParseDefs(raw any) ([]RollupDef, error) {
	if raw == nil {
		return nil, nil
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case string:
		items = []any{v}
	default:
		return nil, errors.NewInvalidValue("rollups", raw, "expected a list")
	}

	defs := make([]RollupDef, 0, len(items))
	for i, item := range items {
		def, err := parseDef(item)
		if err != nil {
			return nil, errors.Wrapf(err, "rollups[%d]", i)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseDef(item any) (RollupDef, error) {
	switch v := item.(type) {
	case string:
		return Shorthand(v), nil
	case map[string]any:
		var def RollupDef
		rollup, err := Seconds(v["rollup"])
		if err != nil {
			return def, errors.Wrap(err, "rollup")
		}
		period, err := integer(v["period"])
		if err != nil {
			return def, errors.Wrap(err, "period")
		}
		def.Rollup = rollup
		def.Period = period
		if mdp, ok := v["maxDataPoints"]; ok {
			n, err := integer(mdp)
			if err != nil {
				return def, errors.Wrap(err, "maxDataPoints")
			}
			def.MaxDataPoints = int(n)
		}
		return def, nil
	default:
		return RollupDef{}, errors.NewInvalidValue("rollup", item, "expected string or mapping")
	}
}

// Seconds accepts a number of seconds, a numeric string or a shorthand
// duration and returns whole seconds.
func Seconds(v any) (int64, error) {
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return ParseDuration(s)
	}
	return integer(v)
}

func integer(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, errors.NewInvalidValue("number", v, "must be a whole number")
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, errors.NewInvalidValue("number", v, "not an integer")
		}
		return i, nil
	case nil:
		return 0, errors.NewMissingField("value")
	default:
		return 0, errors.NewInvalidValue("number", v, "unsupported type")
	}
}

// Compile turns rollup definitions into RollupSpecs, preserving input order.
// defaultMaxDataPoints applies to definitions without an explicit value.
//
// Shorthand periods use integer division: a retention that is not an exact
// multiple of the rollup loses the remainder. This is logged, not corrected.
func Compile(defs []RollupDef, defaultMaxDataPoints int) ([]RollupSpec, error) {
	log := logging.Component("retention")
	specs := make([]RollupSpec, 0, len(defs))

	for i, def := range defs {
		rollup, period := def.Rollup, def.Period

		if def.Shorthand != "" {
			left, right, ok := strings.Cut(def.Shorthand, ":")
			if !ok {
				return nil, errors.Wrapf(errors.NewInvalidDuration(def.Shorthand, "expected <rollup>:<retention>"), "rollups[%d]", i)
			}
			r, err := ParseDuration(left)
			if err != nil {
				return nil, errors.Wrapf(err, "rollups[%d] rollup", i)
			}
			ret, err := ParseDuration(right)
			if err != nil {
				return nil, errors.Wrapf(err, "rollups[%d] retention", i)
			}
			if r == 0 {
				return nil, errors.Wrapf(errors.NewInvalidDuration(left, "rollup must be positive"), "rollups[%d]", i)
			}
			if ret%r != 0 {
				log.Warn("retention is not a multiple of rollup, remainder dropped",
					"rollup", def.Shorthand, "dropped_seconds", ret%r)
			}
			rollup, period = r, ret/r
		}

		if rollup <= 0 {
			return nil, errors.Wrapf(errors.NewInvalidDuration(strconv.FormatInt(rollup, 10), "rollup must be positive"), "rollups[%d]", i)
		}
		if period < 0 {
			return nil, errors.Wrapf(errors.NewInvalidValue("period", period, "must not be negative"), "rollups[%d]", i)
		}

		mdp := def.MaxDataPoints
		if mdp == 0 {
			mdp = defaultMaxDataPoints
		}

		specs = append(specs, RollupSpec{
			Rollup:        rollup,
			Period:        period,
			TTL:           rollup * period,
			MaxDataPoints: mdp,
			Quantize:      quantizer(rollup),
		})
	}

	return specs, nil
}

// quantizer returns floor(t/rollup)*rollup, flooring towards negative
// infinity for timestamps before the epoch.
func quantizer(rollup int64) func(int64) int64 {
	return func(ts int64) int64 {
		q := ts / rollup
		if ts%rollup != 0 && ts < 0 {
			q--
		}
		return q * rollup
	}
}

// Finest returns the RollupSpec with the smallest rollup whose TTL covers span,
// falling back to the one with the longest TTL. ok is false for no specs.
func Finest(specs []RollupSpec, span int64) (spec RollupSpec, ok bool) {
	for _, s := range specs {
		if !s.Covers(span) {
			continue
		}
		if !ok || s.Rollup < spec.Rollup {
			spec, ok = s, true
		}
	}
	if ok {
		return spec, true
	}
	for _, s := range specs {
		if !ok || s.TTL > spec.TTL {
			spec, ok = s, true
		}
	}
	return spec, ok
}

// Describe renders specs for log output.
func Describe(specs []RollupSpec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = fmt.Sprintf("%s(period=%d)", s.String(), s.Period)
	}
	return strings.Join(parts, ",")
}
