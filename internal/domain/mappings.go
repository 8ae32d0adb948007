package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MappingKind identifies how a slot mapping extracts its value.
type MappingKind string

const (
	MappingFromEntity        MappingKind = "from_entity"
	MappingFromIntent        MappingKind = "from_intent"
	MappingFromText          MappingKind = "from_text"
	MappingFromTriggerIntent MappingKind = "from_trigger_intent"
)

// StringList accepts either a single YAML scalar or a sequence of strings.
type StringList []string

// UnmarshalYAML implements the scalar-or-sequence convention.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = StringList(ss)
		return nil
	}
	return fmt.Errorf("expected string or list of strings")
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// SlotMapping describes one way a form slot gets filled from user input.
type SlotMapping struct {
	Kind      MappingKind `yaml:"type"`
	Entity    string      `yaml:"entity,omitempty"`
	Role      string      `yaml:"role,omitempty"`
	Group     string      `yaml:"group,omitempty"`
	Intent    StringList  `yaml:"intent,omitempty"`
	NotIntent StringList  `yaml:"not_intent,omitempty"`
	// Value is the constant filled by from_intent and from_trigger_intent
	// mappings.
	Value any `yaml:"value,omitempty"`
}

func (m SlotMapping) validate() error {
	switch m.Kind {
	case MappingFromEntity:
		if m.Entity == "" {
			return fmt.Errorf("from_entity mapping needs an entity")
		}
	case MappingFromIntent, MappingFromTriggerIntent:
		if m.Value == nil {
			return fmt.Errorf("%s mapping needs a value", m.Kind)
		}
	case MappingFromText:
	default:
		return fmt.Errorf("unknown mapping type %q", m.Kind)
	}
	return nil
}

// AppliesToIntent checks the mapping's intent and not_intent gates. Extra
// ignored intents (a form's ignored_intents) extend the not_intent set.
func (m SlotMapping) AppliesToIntent(intent string, ignored StringList) bool {
	if len(m.Intent) > 0 && !m.Intent.Contains(intent) {
		return false
	}
	if m.NotIntent.Contains(intent) || ignored.Contains(intent) {
		return false
	}
	return true
}

// MappingSignature is the (entity, role, group) identity of a from_entity
// mapping, used for the cross-form uniqueness index.
type MappingSignature struct {
	Entity string
	Role   string
	Group  string
}

// Signature returns the mapping's entity identity.
func (m SlotMapping) Signature() MappingSignature {
	return MappingSignature{Entity: m.Entity, Role: m.Role, Group: m.Group}
}

// Form configures one slot-filling loop.
type Form struct {
	IgnoredIntents StringList    `yaml:"ignored_intents,omitempty"`
	RequiredSlots  RequiredSlots `yaml:"required_slots"`
}

// RequiredSlots maps slot names to their mappings, preserving the order
// slots were declared in. The order decides which slot a form asks for
// next.
type RequiredSlots struct {
	Names    []string
	Mappings map[string][]SlotMapping
}

// UnmarshalYAML keeps declaration order, which plain Go maps would lose.
func (r *RequiredSlots) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("required_slots must be a mapping of slot name to mappings")
	}
	r.Names = nil
	r.Mappings = map[string][]SlotMapping{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return err
		}
		var mappings []SlotMapping
		if err := node.Content[i+1].Decode(&mappings); err != nil {
			return fmt.Errorf("slot %q: %w", name, err)
		}
		if _, exists := r.Mappings[name]; exists {
			return fmt.Errorf("slot %q listed twice", name)
		}
		r.Names = append(r.Names, name)
		r.Mappings[name] = mappings
	}
	return nil
}

// NewRequiredSlots builds an ordered required-slots set programmatically.
func NewRequiredSlots(pairs ...RequiredSlot) RequiredSlots {
	r := RequiredSlots{Mappings: map[string][]SlotMapping{}}
	for _, p := range pairs {
		r.Names = append(r.Names, p.Name)
		r.Mappings[p.Name] = p.Mappings
	}
	return r
}

// RequiredSlot pairs a slot name with its mappings for NewRequiredSlots.
type RequiredSlot struct {
	Name     string
	Mappings []SlotMapping
}
