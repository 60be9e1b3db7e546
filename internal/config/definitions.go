package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"chestrestock-api/internal/model"
)

// MaxCapacity is the largest container the host can place (a double chest).
const MaxCapacity = 54

// Definitions is the container definitions file.
type Definitions struct {
	// Materials overrides max stack sizes; unknown materials stack to 64.
	Materials model.MaterialCatalog `yaml:"materials"`
	// Bypass lists consumer ids per container name allowed to exceed
	// loot limits. The key "*" grants every container.
	Bypass     map[string][]string   `yaml:"bypass"`
	Containers []ContainerDefinition `yaml:"containers"`
}

// ContainerDefinition describes one restockable container.
type ContainerDefinition struct {
	ID       string              `yaml:"id" json:"id"`
	Capacity int                 `yaml:"capacity" json:"capacity"`
	Policy   model.RestockPolicy `yaml:"policy" json:"policy"`
	Template []TemplateSlot      `yaml:"template" json:"template"`
}

// TemplateSlot places an item at a slot index of the template.
type TemplateSlot struct {
	Slot            int `yaml:"slot" json:"slot"`
	model.ItemStack `yaml:",inline"`
}

// UnmarshalYAML starts from model.DefaultPolicy so omitted policy keys
// keep their defaults (notably an unlimited player limit).
func (d *ContainerDefinition) UnmarshalYAML(node *yaml.Node) error {
	type plain ContainerDefinition
	p := plain{Policy: model.DefaultPolicy()}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = ContainerDefinition(p)
	return nil
}

// Items expands the sparse slot list into a capacity-long template.
func (d ContainerDefinition) Items() []model.ItemStack {
	items := make([]model.ItemStack, d.Capacity)
	for _, s := range d.Template {
		if s.Slot >= 0 && s.Slot < d.Capacity {
			items[s.Slot] = s.ItemStack.Clone()
		}
	}
	return items
}

// Validate applies defaults and checks the definition.
func (d *ContainerDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("container id is required")
	}
	if d.Capacity == 0 {
		d.Capacity = 27
	}
	if d.Capacity < 0 || d.Capacity > MaxCapacity {
		return fmt.Errorf("container %s: capacity must be between 1 and %d, got %d", d.ID, MaxCapacity, d.Capacity)
	}
	if err := d.Policy.Normalize(); err != nil {
		return fmt.Errorf("container %s: %w", d.ID, err)
	}
	seen := make(map[int]bool, len(d.Template))
	for _, s := range d.Template {
		if s.Slot < 0 || s.Slot >= d.Capacity {
			return fmt.Errorf("container %s: template slot %d out of range", d.ID, s.Slot)
		}
		if seen[s.Slot] {
			return fmt.Errorf("container %s: template slot %d listed twice", d.ID, s.Slot)
		}
		seen[s.Slot] = true
	}
	return nil
}

// LoadDefinitions reads container definitions from a YAML file.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes and validates definitions YAML.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse definitions file: %w", err)
	}

	if defs.Materials == nil {
		defs.Materials = model.MaterialCatalog{}
	}
	seen := make(map[string]bool, len(defs.Containers))
	for i := range defs.Containers {
		d := &defs.Containers[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("container %s defined twice", d.ID)
		}
		seen[d.ID] = true
	}
	return &defs, nil
}
