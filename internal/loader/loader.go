// Package loader handles configuration document loading.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives
//   - Resolving the configuration path
//   - Watching the configuration file for changes
package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/errors"
)

// IncludeKey is the top-level key listing additional files to merge.
const IncludeKey = "include"

// =============================================================================
// Path resolution
// =============================================================================

// ResolvePath picks the configuration path in priority order: an explicit
// argument, a process-level override, the METRICD_CONFIG environment
// variable, then the default path.
func ResolvePath(explicit, override string) string {
	if explicit != "" {
		return explicit
	}
	if override != "" {
		return override
	}
	if env := os.Getenv(config.ConfigPathEnv); env != "" {
		return env
	}
	return config.DefaultConfigPath
}

// =============================================================================
// Load
// =============================================================================

// Load loads a configuration document from a YAML file.
func Load(path string) (*Document, error) {
	doc, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, errors.ErrConfigLoad)
	}

	// Process includes (merge additional section files)
	if err := processIncludes(doc, filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, errors.ErrConfigLoad)
	}

	doc.Path = path
	return doc, nil
}

func load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses a YAML document whose top level is a mapping. Section order
// follows the source. An empty document yields an empty Document.
func Parse(data []byte) (*Document, error) {
	doc := NewDocument()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return doc, nil
	}

	top := root.Content[0]
	if top.Kind == yaml.ScalarNode && top.Tag == "!!null" {
		return doc, nil
	}
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse config: line %d: top level must be a mapping", top.Line)
	}

	for i := 0; i+1 < len(top.Content); i += 2 {
		key, value := top.Content[i], top.Content[i+1]

		var section any
		if err := value.Decode(&section); err != nil {
			return nil, fmt.Errorf("parse config: section %q: %w", key.Value, err)
		}
		doc.set(key.Value, normalize(section))
	}
	return doc, nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(doc *Document, baseDir string) error {
	patterns, err := includePatterns(doc)
	if err != nil {
		return err
	}

	for _, pattern := range patterns {
		// Resolve relative paths
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		// Expand glob pattern
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			partial, err := load(match)
			if err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
			doc.mergeFrom(partial)
		}
	}

	return nil
}

func includePatterns(doc *Document) ([]string, error) {
	raw, ok := doc.sections[IncludeKey]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		patterns := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("include[%d]: expected string, got %T", i, item)
			}
			patterns = append(patterns, s)
		}
		return patterns, nil
	default:
		return nil, fmt.Errorf("include: expected string or list, got %T", raw)
	}
}

// normalize converts map[any]any (produced for non-string keys) into
// map[string]any throughout a decoded value.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalize(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalize(item)
		}
		return t
	default:
		return v
	}
}
