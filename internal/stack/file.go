package stack

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"gopkg.in/yaml.v3"
)

// ErrNoStackFile is returned when the stack settings file does not exist locally.
var ErrNoStackFile = errors.New("stack settings file not found")

// FileName is the per-stack settings file in the project directory.
func FileName(stack string) string {
	return "Pulumi." + stack + ".yaml"
}

type stackFile struct {
	Config map[string]yaml.Node `yaml:"config"`
}

// ReadFile reads the config section of a stack settings file. Structured
// values are returned as JSON, the way the engine hands them to programs.
// Encrypted values are skipped.
func ReadFile(dir, stack string) (auto.ConfigMap, error) {
	path := filepath.Join(dir, FileName(stack))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNoStackFile)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var f stackFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg := auto.ConfigMap{}
	for key, node := range f.Config {
		switch node.Kind {
		case yaml.ScalarNode:
			cfg[key] = auto.ConfigValue{Value: node.Value}
		case yaml.MappingNode:
			if isSecure(&node) {
				continue
			}
			fallthrough
		default:
			var v interface{}
			if err := node.Decode(&v); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", path, key, err)
			}
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", path, key, err)
			}
			cfg[key] = auto.ConfigValue{Value: string(encoded)}
		}
	}
	return cfg, nil
}

func isSecure(n *yaml.Node) bool {
	return len(n.Content) == 2 && n.Content[0].Value == "secure"
}
