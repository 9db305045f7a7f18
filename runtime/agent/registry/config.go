package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"goa.design/relay/runtime/agent"
)

type (
	// File is the YAML root of an agent definition file.
	//
	// Example:
	//
	//	agents:
	//	  - name: Intake
	//	    description: Routes customer requests.
	//	    instructions: You triage customer requests.
	//	    handoffs: [billing]
	//	  - name: Billing
	//	    instructions: You resolve billing issues.
	//	    tools:
	//	      - name: refund_lookup
	//	        component: billing
	//	        keyed: true
	//	        input_schema:
	//	          type: object
	File struct {
		Agents []AgentConfig `yaml:"agents"`
	}

	// AgentConfig is the YAML form of an agent definition.
	AgentConfig struct {
		Name         string       `yaml:"name"`
		Description  string       `yaml:"description"`
		Instructions string       `yaml:"instructions"`
		Handoffs     []string     `yaml:"handoffs"`
		Tools        []ToolConfig `yaml:"tools"`
	}

	// ToolConfig is the YAML form of a tool descriptor.
	ToolConfig struct {
		Name             string         `yaml:"name"`
		Description      string         `yaml:"description"`
		Component        string         `yaml:"component"`
		Handler          string         `yaml:"handler"`
		Keyed            bool           `yaml:"keyed"`
		Schedulable      bool           `yaml:"schedulable"`
		RequiresApproval bool           `yaml:"requires_approval"`
		InputSchema      map[string]any `yaml:"input_schema"`
	}
)

// LoadFile reads agent definitions from the YAML file at path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path) // #nosec G304 -- operator supplied configuration path
	if err != nil {
		return nil, fmt.Errorf("open agents file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load decodes agent definitions from r and builds a registry.
func Load(r io.Reader) (*Registry, error) {
	var file File
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	defs, err := file.Definitions()
	if err != nil {
		return nil, err
	}
	agents := make([]agent.Agent, 0, len(defs))
	for _, d := range defs {
		agents = append(agents, d)
	}
	return New(agents...)
}

// Definitions converts the YAML configuration into agent definitions.
func (f File) Definitions() ([]*agent.Definition, error) {
	defs := make([]*agent.Definition, 0, len(f.Agents))
	for _, ac := range f.Agents {
		def := &agent.Definition{
			Name:        agent.NewIdent(ac.Name),
			Prompt:      ac.Instructions,
			Description: ac.Description,
		}
		for _, h := range ac.Handoffs {
			def.Handoffs = append(def.Handoffs, agent.NewIdent(h))
		}
		for _, tc := range ac.Tools {
			td := agent.ToolDescriptor{
				Name:             agent.FormatName(tc.Name),
				Description:      tc.Description,
				Target:           agent.Target{Component: tc.Component, Handler: tc.Handler},
				Keyed:            tc.Keyed,
				Schedulable:      tc.Schedulable,
				RequiresApproval: tc.RequiresApproval,
			}
			if td.Target.Handler == "" {
				td.Target.Handler = td.Name
			}
			if tc.InputSchema != nil {
				raw, err := json.Marshal(tc.InputSchema)
				if err != nil {
					return nil, fmt.Errorf("agent %q tool %q: encode input schema: %w", ac.Name, tc.Name, err)
				}
				td.InputSchema = raw
			}
			def.ToolSet = append(def.ToolSet, td)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
