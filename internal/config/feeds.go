package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"cryptofeeds/internal/model"
)

// FeedConfig is the declarative subscription set: per instrument type, an
// exchange name mapped to the ordered raw symbols to subscribe. Exchange names
// are case-insensitive and stored lower-case.
type FeedConfig struct {
	Spot map[string][]string
	Perp map[string][]string
}

// Section returns the section for it.
func (c *FeedConfig) Section(it model.InstrumentType) map[string][]string {
	if it == model.Perp {
		return c.Perp
	}
	return c.Spot
}

// Exchanges returns the exchange names of a section in sorted order.
func (c *FeedConfig) Exchanges(it model.InstrumentType) []string {
	section := c.Section(it)
	names := make([]string, 0, len(section))
	for name := range section {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FeedConfigFromMap builds a FeedConfig from structured data such as decoded
// JSON or YAML. Keys other than spot and perp are ignored.
func FeedConfigFromMap(m map[string]any) (*FeedConfig, error) {
	v := viper.New()
	if err := v.MergeConfigMap(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return fromViper(v)
}

// LoadFeedConfig reads a FeedConfig from a YAML, JSON or TOML file.
func LoadFeedConfig(path string) (*FeedConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	return fromViper(v)
}

// fromViper is the one decode path shared by every constructor.
func fromViper(v *viper.Viper) (*FeedConfig, error) {
	if !v.IsSet("spot") && !v.IsSet("perp") {
		return nil, fmt.Errorf("%w: neither spot nor perp section present", ErrConfig)
	}

	var c FeedConfig
	var err error
	if v.IsSet("spot") {
		if c.Spot, err = decodeSection("spot", v.Get("spot")); err != nil {
			return nil, err
		}
	}
	if v.IsSet("perp") {
		if c.Perp, err = decodeSection("perp", v.Get("perp")); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func decodeSection(name string, raw any) (map[string][]string, error) {
	out := make(map[string][]string)
	switch section := raw.(type) {
	case nil:
	case map[string]any:
		for exchange, symbols := range section {
			list, err := decodeSymbols(name, exchange, symbols)
			if err != nil {
				return nil, err
			}
			out[strings.ToLower(exchange)] = list
		}
	case map[string][]string:
		for exchange, symbols := range section {
			list, err := decodeSymbols(name, exchange, symbols)
			if err != nil {
				return nil, err
			}
			out[strings.ToLower(exchange)] = list
		}
	default:
		return nil, fmt.Errorf("%w: %s must map exchange names to symbol lists, got %T", ErrConfig, name, raw)
	}
	return out, nil
}

func decodeSymbols(section, exchange string, raw any) ([]string, error) {
	var items []any
	switch list := raw.(type) {
	case nil:
		return []string{}, nil
	case []any:
		items = list
	case []string:
		items = make([]any, len(list))
		for i, s := range list {
			items[i] = s
		}
	default:
		return nil, fmt.Errorf("%w: %s.%s must be a list of symbols, got %T", ErrConfig, section, exchange, raw)
	}

	symbols := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: %s.%s[%d] must be a non-empty string", ErrConfig, section, exchange, i)
		}
		symbols = append(symbols, s)
	}
	return symbols, nil
}

// ToMap serialises the config to structured data accepted by FeedConfigFromMap.
// Absent sections are omitted.
func (c *FeedConfig) ToMap() map[string]any {
	m := make(map[string]any, 2)
	if c.Spot != nil {
		m["spot"] = sectionToMap(c.Spot)
	}
	if c.Perp != nil {
		m["perp"] = sectionToMap(c.Perp)
	}
	return m
}

func sectionToMap(section map[string][]string) map[string]any {
	out := make(map[string]any, len(section))
	for exchange, symbols := range section {
		list := make([]any, len(symbols))
		for i, s := range symbols {
			list[i] = s
		}
		out[exchange] = list
	}
	return out
}

// MarshalYAML implements yaml.Marshaler.
func (c FeedConfig) MarshalYAML() (any, error) {
	return c.ToMap(), nil
}

// WriteFile writes the config as YAML; LoadFeedConfig reads it back unchanged.
func (c *FeedConfig) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal feed config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
