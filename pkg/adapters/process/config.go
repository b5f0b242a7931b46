package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/blockq/pkg/domain"
	"gopkg.in/yaml.v3"
)

// CommandConfig is the external command executing one tag.
type CommandConfig struct {
	Tag         domain.ExecutionTag `yaml:"tag" json:"tag"`
	Command     string              `yaml:"command" json:"command"`
	Args        []string            `yaml:"args" json:"args"`
	Environment map[string]string   `yaml:"env" json:"env"`
	Description string              `yaml:"description" json:"description"`
	// Timeout bounds a single run. Zero means the queue's limits apply.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ConfigFile represents the structure of backends.yaml.
type ConfigFile struct {
	Backends []CommandConfig `yaml:"backends" json:"backends"`
}

// LoadBackends reads a configuration file (YAML or JSON) and returns the commands by tag.
// A missing file means no commands are configured.
func LoadBackends(path string) (map[domain.ExecutionTag]CommandConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[domain.ExecutionTag]CommandConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read backends config: %w", err)
	}
	return ParseBackends(data, strings.ToLower(filepath.Ext(path)) == ".json")
}

// ParseBackends decodes a backends document.
func ParseBackends(data []byte, isJSON bool) (map[domain.ExecutionTag]CommandConfig, error) {
	var cfg ConfigFile
	if isJSON {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse backends json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse backends yaml: %w", err)
		}
	}

	commands := make(map[domain.ExecutionTag]CommandConfig, len(cfg.Backends))
	for i, c := range cfg.Backends {
		if _, ok := domain.LookupTag(c.Tag); !ok {
			return nil, fmt.Errorf("backend %d: tag %q: %w", i, c.Tag, domain.ErrUnknownTag)
		}
		if c.Command == "" {
			return nil, fmt.Errorf("backend %d (%s): command is required", i, c.Tag)
		}
		if _, dup := commands[c.Tag]; dup {
			return nil, fmt.Errorf("backend %d: tag %s configured twice", i, c.Tag)
		}
		commands[c.Tag] = c
	}
	return commands, nil
}
