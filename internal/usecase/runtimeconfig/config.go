// Package runtimeconfig resolves the per-request agent configuration: which
// agents exist, how each is prompted and which model parameters it runs with.
package runtimeconfig

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"agentfabric/internal/domain"
)

// Agent variants.
const (
	TypeChatCompletion = "chat_completion"
	TypeHosted         = "hosted"
)

//go:embed default.yaml
var defaultYAML []byte

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("runtimeconfig.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("runtimeconfig: add schema: %v", err))
	}
	return compiler.MustCompile("runtimeconfig.json")
}

// ServiceConfig names a chat-completion backend. Provider is an LLM registry
// name; empty selects the default provider.
type ServiceConfig struct {
	ID       string `json:"id"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ModelConfig holds model parameters. Nil pointers leave the platform default.
type ModelConfig struct {
	Deployment          string   `json:"deployment,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	TopP                *float64 `json:"top_p,omitempty"`
	MaxTokens           int      `json:"max_tokens,omitempty"`
	MaxCompletionTokens int      `json:"max_completion_tokens,omitempty"`
}

// ToolsConfig flags the hosted tools an agent is registered with.
type ToolsConfig struct {
	CodeInterpreter bool `json:"code_interpreter,omitempty"`
	WebSearch       bool `json:"web_search,omitempty"`
	FileSearch      bool `json:"file_search,omitempty"`
}

// Names returns the enabled tool names.
func (t ToolsConfig) Names() []string {
	var out []string
	if t.CodeInterpreter {
		out = append(out, "code_interpreter")
	}
	if t.WebSearch {
		out = append(out, "web_search")
	}
	if t.FileSearch {
		out = append(out, "file_search")
	}
	return out
}

// AgentConfig configures one agent kind. Type selects the chat-completion
// or hosted variant; when empty the kind's registered variant applies.
type AgentConfig struct {
	Name          string      `json:"name,omitempty"`
	Description   string      `json:"description,omitempty"`
	Type          string      `json:"type,omitempty"`
	Prompt        string      `json:"prompt,omitempty"`
	Service       string      `json:"service,omitempty"`
	Model         ModelConfig `json:"model,omitempty"`
	Tools         ToolsConfig `json:"tools,omitempty"`
	ToolResources []string    `json:"tool_resources,omitempty"`
	Grounding     bool        `json:"grounding,omitempty"`
	Memory        bool        `json:"memory,omitempty"`
}

// Hosted reports whether the agent runs on the hosted platform.
func (a AgentConfig) Hosted() bool { return a.Type == TypeHosted }

// ResolvedConfig is an immutable runtime configuration snapshot.
type ResolvedConfig struct {
	VersionID string                 `json:"version_id,omitempty"`
	Services  []ServiceConfig        `json:"services,omitempty"`
	Agents    map[string]AgentConfig `json:"agents"`
	Prompts   map[string]string      `json:"prompts,omitempty"`
}

// AgentConfig returns the config for the named agent kind, or ErrUnknownAgent.
func (c *ResolvedConfig) AgentConfig(kind domain.AgentKind) (AgentConfig, error) {
	a, ok := c.Agents[string(kind)]
	if !ok {
		return AgentConfig{}, domain.NewDomainError("ResolvedConfig.AgentConfig", domain.ErrUnknownAgent, string(kind))
	}
	return a, nil
}

// Service returns the named service, or the first service when id is empty.
func (c *ResolvedConfig) Service(id string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if id == "" || s.ID == id {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// Prompt returns the prompt stored under key.
func (c *ResolvedConfig) Prompt(key string) string {
	return c.Prompts[key]
}

// Instructions resolves an agent's prompt: a key into Prompts when one
// matches, the literal text otherwise.
func (c *ResolvedConfig) Instructions(a AgentConfig) string {
	if p, ok := c.Prompts[a.Prompt]; ok {
		return p
	}
	return a.Prompt
}

// Kinds returns the configured agent kinds, sorted.
func (c *ResolvedConfig) Kinds() []domain.AgentKind {
	kinds := make([]domain.AgentKind, 0, len(c.Agents))
	for name := range c.Agents {
		kinds = append(kinds, domain.AgentKind(name))
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Overrides converts the agent's config into per-invocation overrides.
func (c *ResolvedConfig) Overrides(a AgentConfig) *domain.RuntimeOverrides {
	return &domain.RuntimeOverrides{
		Instructions:        c.Instructions(a),
		Model:               a.Model.Deployment,
		Temperature:         a.Model.Temperature,
		TopP:                a.Model.TopP,
		MaxTokens:           a.Model.MaxTokens,
		MaxCompletionTokens: a.Model.MaxCompletionTokens,
		Grounding:           a.Grounding,
	}
}

// Encode serializes the config as JSON, the cache format.
func (c *ResolvedConfig) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Parse decodes a JSON or YAML document, validates it against the schema
// and fills in agent names. An empty type leaves the choice to the factory.
func Parse(data []byte) (*ResolvedConfig, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("runtime config: empty document")
	}

	var doc any
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("runtime config: parse json: %w", err)
		}
	} else {
		var y any
		if err := yaml.Unmarshal(trimmed, &y); err != nil {
			return nil, fmt.Errorf("runtime config: parse yaml: %w", err)
		}
		// Round-trip through JSON so validation and decoding see one shape.
		b, err := json.Marshal(y)
		if err != nil {
			return nil, fmt.Errorf("runtime config: normalize yaml: %w", err)
		}
		trimmed = b
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("runtime config: normalize yaml: %w", err)
		}
	}

	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("runtime config: schema: %w", err)
	}

	var cfg ResolvedConfig
	if err := json.Unmarshal(trimmed, &cfg); err != nil {
		return nil, fmt.Errorf("runtime config: decode: %w", err)
	}
	for name, a := range cfg.Agents {
		if a.Name == "" {
			a.Name = name
		}
		cfg.Agents[name] = a
	}
	return &cfg, nil
}

// Default returns the packaged default configuration.
func Default() (*ResolvedConfig, error) {
	return Parse(defaultYAML)
}

// Load reads a configuration file, or the packaged default when path is empty.
func Load(path string) (*ResolvedConfig, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime config: %w", err)
	}
	return Parse(data)
}
