// Package merge combines the results of the N runs of a repeated experiment.
// Each result key is classified into one or more Kinds and every Kind has
// its own aggregation.
package merge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	Scalar       Kind = "scalars"
	Array        Kind = "arrays"
	TimeSeries   Kind = "time_series"
	Distribution Kind = "distributions"
	Image        Kind = "images"
	Text         Kind = "text"
)

// Kinds lists every kind in a fixed order.
var Kinds = []Kind{Array, Scalar, TimeSeries, Distribution, Image, Text}

// Config classifies result keys. A key may appear under several kinds.
type Config struct {
	Arrays        []string `yaml:"arrays" json:"arrays,omitempty"`
	Scalars       []string `yaml:"scalars" json:"scalars,omitempty"`
	TimeSeries    []string `yaml:"time_series" json:"time_series,omitempty"`
	Distributions []string `yaml:"distributions" json:"distributions,omitempty"`
	Images        []string `yaml:"images" json:"images,omitempty"`
	Text          []string `yaml:"text" json:"text,omitempty"`
}

// ParseConfig decodes the {arrays: [...], scalars: [...], ...} mapping.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing merge config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Keys returns the keys classified under kind.
func (c Config) Keys(kind Kind) []string {
	switch kind {
	case Array:
		return c.Arrays
	case Scalar:
		return c.Scalars
	case TimeSeries:
		return c.TimeSeries
	case Distribution:
		return c.Distributions
	case Image:
		return c.Images
	case Text:
		return c.Text
	}
	return nil
}

// Add classifies key under kind.
func (c *Config) Add(kind Kind, key string) {
	switch kind {
	case Array:
		c.Arrays = append(c.Arrays, key)
	case Scalar:
		c.Scalars = append(c.Scalars, key)
	case TimeSeries:
		c.TimeSeries = append(c.TimeSeries, key)
	case Distribution:
		c.Distributions = append(c.Distributions, key)
	case Image:
		c.Images = append(c.Images, key)
	case Text:
		c.Text = append(c.Text, key)
	}
}

// KindsOf returns every kind key is classified under.
func (c Config) KindsOf(key string) []Kind {
	var out []Kind
	for _, k := range Kinds {
		for _, name := range c.Keys(k) {
			if name == key {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// Classified reports whether key appears under any kind.
func (c Config) Classified(key string) bool {
	return len(c.KindsOf(key)) > 0
}

func (c Config) Empty() bool {
	for _, k := range Kinds {
		if len(c.Keys(k)) > 0 {
			return false
		}
	}
	return true
}

func (c Config) Validate() error {
	for _, k := range Kinds {
		seen := map[string]bool{}
		for _, key := range c.Keys(k) {
			if key == "" {
				return fmt.Errorf("merge config %s: empty key", k)
			}
			if seen[key] {
				return fmt.Errorf("merge config %s: duplicate key %q", k, key)
			}
			seen[key] = true
		}
	}
	return nil
}

// ParseKind accepts the plural kind names used in configs as well as their
// singular forms.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "arrays", "array":
		return Array, nil
	case "scalars", "scalar":
		return Scalar, nil
	case "time_series", "timeseries":
		return TimeSeries, nil
	case "distributions", "distribution":
		return Distribution, nil
	case "images", "image":
		return Image, nil
	case "text", "texts":
		return Text, nil
	}
	return "", fmt.Errorf("unknown merge kind %q", s)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
