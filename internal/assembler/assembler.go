// Package assembler turns a loaded configuration document into a resolved
// configuration: defaults merged per section, logging initialised, carbon
// rollups compiled and the store and index leaf components instantiated.
package assembler

import (
	"fmt"
	"io"
	"time"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/loader"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

// Section names of the configuration document.
const (
	SectionLogging = "logging"
	SectionStore   = "store"
	SectionIndex   = "index"
	SectionCarbon  = "carbon"
	SectionHTTP    = "http"
	SectionInput   = "input"
	SectionEngine  = "engine"
	SectionQueues  = "queues"
	SectionAPI     = "api"
)

// Options control assembly.
type Options struct {
	// Registry resolves the store and index factories. Required.
	Registry *registry.Registry

	// Console replaces stdout as the console log destination.
	Console io.Writer
}

// Carbon is the defaulted carbon section with its rollups compiled.
type Carbon struct {
	Enabled     bool
	Host        string
	Port        int
	ReadTimeout time.Duration
	Rollups     []retention.RollupSpec

	// Options is the merged section as written, for the carbon input.
	Options registry.Options
}

// HTTP is the defaulted http section. It is not a component; the API
// consumes it as configuration.
type HTTP struct {
	Enabled       bool
	Host          string
	Port          int
	MaxDataPoints int

	// Options is the merged section as written, passed to the API.
	Options registry.Options
}

// Resolved is the output of Assemble.
type Resolved struct {
	// Document is a copy of the input with every section defaulted,
	// store and index replaced by their instances and carbon.rollups
	// replaced by the compiled specs. The input document is not modified.
	Document *loader.Document

	Logging       *logging.Handle
	LoggingConfig logging.Config

	Store registry.Component
	Index registry.Component

	StoreRef registry.Ref
	IndexRef registry.Ref

	Carbon Carbon
	HTTP   HTTP

	// Raw sections consumed by the graph builder. Absent sections are nil.
	Input  any
	Engine map[string]any
	Queues map[string]any
	API    map[string]any
}

// Close releases what Assemble acquired. Only the logging handle needs it;
// components are released by the lifecycle.
func (r *Resolved) Close() error {
	if r == nil || r.Logging == nil {
		return nil
	}
	return r.Logging.Close()
}

// Assemble resolves doc. Logging is initialised first so that every later
// step, including component constructors, can log. Any other failure is
// fatal and no partially resolved configuration is returned.
func Assemble(doc *loader.Document, opts Options) (_ *Resolved, err error) {
	if opts.Registry == nil {
		return nil, errors.NewMissingField("assembler registry")
	}
	if doc == nil {
		doc = loader.NewDocument()
	}

	out := &Resolved{}

	// Step 1: logging
	out.LoggingConfig, out.Logging = initLogging(doc, opts.Console)
	defer func() {
		if err != nil {
			_ = out.Logging.Close()
		}
	}()
	log := logging.Component("assembler")

	// Structural validation of configuration sections before anything is built.
	errs := errors.NewValidationErrors()

	httpSection, err := section(doc, SectionHTTP, httpDefaults())
	if err != nil {
		return nil, err
	}
	out.HTTP, err = decodeHTTP(httpSection)
	errs.Add(err)

	carbonSection, err := section(doc, SectionCarbon, carbonDefaults())
	if err != nil {
		return nil, err
	}
	out.Carbon, err = decodeCarbon(carbonSection, maxDataPoints(doc, out.HTTP))
	errs.Add(err)

	out.Input, _ = doc.Section(SectionInput)
	for name, dst := range map[string]*map[string]any{
		SectionEngine: &out.Engine,
		SectionQueues: &out.Queues,
		SectionAPI:    &out.API,
	} {
		if !doc.Has(name) {
			continue
		}
		m, mapErr := doc.Map(name)
		if mapErr != nil {
			errs.Add(errors.NewValidation(name, mapErr.Error()))
			continue
		}
		*dst = m
	}

	if err = errs.Err(); err != nil {
		return nil, err
	}

	// Step 2: pluggable leaves
	out.StoreRef, out.Store, err = resolveLeaf(doc, opts.Registry, SectionStore, config.DefaultStore)
	if err != nil {
		return nil, err
	}
	out.IndexRef, out.Index, err = resolveLeaf(doc, opts.Registry, SectionIndex, config.DefaultIndex)
	if err != nil {
		return nil, err
	}

	out.Document = doc.
		With(SectionStore, out.Store).
		With(SectionIndex, out.Index).
		With(SectionCarbon, withRollups(carbonSection, out.Carbon.Rollups)).
		With(SectionHTTP, map[string]any(out.HTTP.Options))

	log.Info("configuration assembled",
		"store", out.StoreRef.Use,
		"index", out.IndexRef.Use,
		"rollups", retention.Describe(out.Carbon.Rollups),
		"carbon_enabled", out.Carbon.Enabled,
		"http_enabled", out.HTTP.Enabled)

	return out, nil
}

// section returns the named section merged over its defaults.
func section(doc *loader.Document, name string, defaults map[string]any) (registry.Options, error) {
	user, err := doc.Map(name)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig)
	}
	return registry.Options(loader.Merge(defaults, user)), nil
}

// resolveLeaf merges the default ref for a slot with the user fragment and
// resolves it. An absent section resolves the default ref with empty options.
func resolveLeaf(doc *loader.Document, reg *registry.Registry, slot, def string) (registry.Ref, registry.Component, error) {
	fragment, err := doc.Map(slot)
	if err != nil {
		return registry.Ref{}, nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig)
	}

	ref := registry.MergeRef(registry.Ref{Use: def, Options: registry.Options{}}, fragment)
	c, err := reg.ResolveRef(slot, ref, nil)
	if err != nil {
		return ref, nil, err
	}
	return ref, c, nil
}

// maxDataPoints is http.maxDataPoints when the user set it, else the global
// default.
func maxDataPoints(doc *loader.Document, http HTTP) int {
	if user, err := doc.Map(SectionHTTP); err == nil {
		if _, ok := user["maxDataPoints"]; ok && http.MaxDataPoints > 0 {
			return http.MaxDataPoints
		}
	}
	return config.DefaultMaxDataPoints
}

func withRollups(carbon registry.Options, specs []retention.RollupSpec) map[string]any {
	m := carbon.Clone()
	m["rollups"] = specs
	return m
}
