package fleetconfig

import (
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Parse decodes a JSON or YAML benchmark config and validates it.
// JSON is read through the YAML parser so that mapping order is kept, which decides the launch order.
func Parse(buf []byte) (*BenchmarkConfig, error) {
	var doc yaml.Node
	err := yaml.Unmarshal(buf, &doc)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("parsing benchmark config failed: %w", err)}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &ConfigurationError{Err: fmt.Errorf("benchmark config is empty")}
	}

	cfg := &BenchmarkConfig{Version: DefaultVersion}
	err = eachEntry(doc.Content[0], func(key string, val *yaml.Node) error {
		switch key {
		case "version":
			if val.Kind != yaml.ScalarNode {
				return &ConfigurationError{Err: fmt.Errorf("version must be a scalar")}
			}
			cfg.Version = val.Value
		case "projects":
			return eachEntry(val, func(name string, val *yaml.Node) error {
				p := &ProjectConfig{}
				err := decodeEntry(val, p)
				if err != nil {
					return &ConfigurationError{Project: name, Err: err}
				}
				p.Name = name
				cfg.Projects = append(cfg.Projects, p)
				return nil
			})
		case "instances":
			return eachEntry(val, func(name string, val *yaml.Node) error {
				ins := &InstanceConfig{}
				err := decodeEntry(val, ins)
				if err != nil {
					return &ConfigurationError{Shape: name, Err: err}
				}
				ins.Name = name
				cfg.Instances = append(cfg.Instances, ins)
				return nil
			})
		default:
			slog.Debug("ignoring unknown benchmark config key", slog.String("key", key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Calls f for each key of a mapping node in document order. Duplicate keys are an error.
func eachEntry(n *yaml.Node, f func(key string, val *yaml.Node) error) error {
	if n.Kind != yaml.MappingNode {
		return &ConfigurationError{Err: fmt.Errorf("line %d: expected a mapping", n.Line)}
	}
	seen := map[string]bool{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if seen[key] {
			return &ConfigurationError{Err: fmt.Errorf("line %d: %w: %s", n.Content[i].Line, ErrDuplicateKey, key)}
		}
		seen[key] = true
		err := f(key, n.Content[i+1])
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeEntry(n *yaml.Node, out any) error {
	var raw map[string]any
	err := n.Decode(&raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	err = dec.Decode(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	return nil
}
