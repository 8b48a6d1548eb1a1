package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExperimentConfig is a free-form YAML document describing one experiment
// (algorithm parameters, problem definition, repetition settings). Values
// are addressed with dotted paths such as "experiment.runs".
type ExperimentConfig struct {
	Path string
	raw  map[string]any
}

func LoadExperiment(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading experiment config %s: %w", path, err)
	}
	ec, err := ParseExperiment(data)
	if err != nil {
		return nil, fmt.Errorf("parsing experiment config %s: %w", path, err)
	}
	ec.Path = path
	return ec, nil
}

// ParseExperiment decodes an experiment config from YAML bytes.
func ParseExperiment(data []byte) (*ExperimentConfig, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return &ExperimentConfig{raw: raw}, nil
}

// Raw returns the decoded document.
func (c *ExperimentConfig) Raw() map[string]any {
	return c.raw
}

// Get returns the value at a dotted path, or def when any segment is missing.
func (c *ExperimentConfig) Get(path string, def any) any {
	var cur any = c.raw
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return def
		}
		cur, ok = m[part]
		if !ok {
			return def
		}
	}
	return cur
}

func (c *ExperimentConfig) GetInt(path string, def int) int {
	switch v := c.Get(path, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (c *ExperimentConfig) GetFloat(path string, def float64) float64 {
	switch v := c.Get(path, def).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func (c *ExperimentConfig) GetBool(path string, def bool) bool {
	if v, ok := c.Get(path, def).(bool); ok {
		return v
	}
	return def
}

func (c *ExperimentConfig) GetString(path string, def string) string {
	if v, ok := c.Get(path, def).(string); ok {
		return v
	}
	return def
}

// GetMap returns the mapping at path, or an empty map.
func (c *ExperimentConfig) GetMap(path string) map[string]any {
	if v, ok := c.Get(path, nil).(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// Flatten returns every leaf value keyed by its dotted path. Lists are kept
// as leaves.
func (c *ExperimentConfig) Flatten() map[string]any {
	out := map[string]any{}
	flattenInto(out, "", c.raw)
	return out
}

// Keys returns the sorted dotted paths of all leaves.
func (c *ExperimentConfig) Keys() []string {
	flat := c.Flatten()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}
