// Package config implements the runtime Config capability spec.md §4.8/§9
// names: connections, per-model option overrides, the enabled-tools set, and
// the default/title model usages, loaded from YAML and hot-reloaded on
// change (spec.md §9 "config changed propagation without ChatCall
// recreation").
package config

import (
	"fmt"
	"os"
	"sync"

	"go.yaml.in/yaml/v4"

	"github.com/docker/docker-agent/pkg/permissions"
	"github.com/docker/docker-agent/pkg/session"
)

// Connection describes one configured model backend (spec.md §6 ModelUsage
// resolves connection_id against this table).
type Connection struct {
	ID        string            `yaml:"id"`
	Kind      string            `yaml:"kind"` // "openai", "anthropic", "fake"
	BaseURL   string            `yaml:"base_url,omitempty"`
	APIKeyEnv string            `yaml:"api_key_env,omitempty"`
	Models    map[string]Model  `yaml:"models"`
	Extra     map[string]string `yaml:"extra,omitempty"`
}

// Model describes one model's capabilities and default options, used when
// Hub.ResolveModel and Hub.OverlayConfig resolve a ModelUsage.
type Model struct {
	Thinking bool           `yaml:"thinking"`
	Options  map[string]any `yaml:"options,omitempty"`
}

// Document is the root of the YAML config file.
type Document struct {
	Connections  []Connection       `yaml:"connections"`
	DefaultModel string             `yaml:"default_model"`
	DefaultAgent string             `yaml:"default_agent"`
	TitleModel   string             `yaml:"title_model"`
	Tools        map[string]bool    `yaml:"tools"`
	Permissions  permissions.Config `yaml:"permissions"`
}

// Config is the live, hot-reloadable handle Manager holds (spec.md §4.8
// owns config).
type Config struct {
	mu       sync.RWMutex
	doc      Document
	path     string
	watchers []func()
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", c.path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()
	return nil
}

// OnChange registers fn to be called every time the config is successfully
// reloaded (spec.md §9 "propagation without ChatCall recreation" — Manager
// uses this to re-run OverlayConfig against already-live sessions).
func (c *Config) OnChange(fn func()) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

func (c *Config) notify() {
	c.mu.RLock()
	fns := append([]func(){}, c.watchers...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Connections returns a copy of the configured connection table.
func (c *Config) Connections() []Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Connection{}, c.doc.Connections...)
}

// ResolveModel implements the lookup session.Hub.ResolveModel needs: which
// connection serves modelName, and its capabilities.
func (c *Config) ResolveModel(modelName string) (connectionID string, caps session.ModelCaps, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.doc.Connections {
		if m, found := conn.Models[modelName]; found {
			return conn.ID, session.ModelCaps{Thinking: m.Thinking}, true
		}
	}
	return "", session.ModelCaps{}, false
}

// OverlayConfig applies the per-model option overrides configured for
// usage.ModelName onto usage, config values winning over whatever the
// session already carried (spec.md §4.5.3 activate_model).
func (c *Config) OverlayConfig(usage session.ModelUsage) session.ModelUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := usage.Clone()
	for _, conn := range c.doc.Connections {
		m, found := conn.Models[usage.ModelName]
		if !found {
			continue
		}
		if out.Options == nil {
			out.Options = map[string]any{}
		}
		for k, v := range m.Options {
			out.Options[k] = v
		}
		out.ModelCaps = session.ModelCaps{Thinking: m.Thinking}
		break
	}
	return out
}

// DefaultModelUsage builds the ModelUsage a brand-new Empty/Placeholder
// session falls back to.
func (c *Config) DefaultModelUsage() session.ModelUsage {
	c.mu.RLock()
	modelName := c.doc.DefaultModel
	c.mu.RUnlock()

	connID, caps, _ := c.ResolveModel(modelName)
	return c.OverlayConfig(session.ModelUsage{
		ConnectionID: connID,
		ModelName:    modelName,
		ModelCaps:    caps,
	})
}

// DefaultAgentName returns the agent name new sessions are created with.
func (c *Config) DefaultAgentName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.doc.DefaultAgent == "" {
		return session.DefaultAgentName
	}
	return c.doc.DefaultAgent
}

// TitleModelName returns the model configured for title generation, falling
// back to the default model if unset.
func (c *Config) TitleModelName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.doc.TitleModel != "" {
		return c.doc.TitleModel
	}
	return c.doc.DefaultModel
}

// ToolEnabled reports whether the named tool is enabled. Tools default to
// enabled unless explicitly set to false.
func (c *Config) ToolEnabled(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	enabled, explicit := c.doc.Tools[name]
	if !explicit {
		return true
	}
	return enabled
}

// PermissionsConfig returns the configured tool-call permission patterns.
func (c *Config) PermissionsConfig() *permissions.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg := c.doc.Permissions
	return &cfg
}
