// Package domain holds the static configuration of an assistant: the
// universe of intents, entities, slots, forms, actions and responses a
// conversation can use. A Domain is immutable once loaded; every other
// component only reads it.
package domain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Names of the engine's built-in actions.
const (
	ActionListenName          = "action_listen"
	ActionRestartName         = "action_restart"
	ActionSessionStartName    = "action_session_start"
	ActionDefaultFallbackName = "action_default_fallback"
	ActionDeactivateLoopName  = "action_deactivate_loop"
	ActionUnlikelyIntentName  = "action_unlikely_intent"
)

// DefaultActionNames lists the built-in actions in their stable index order.
var DefaultActionNames = []string{
	ActionListenName,
	ActionRestartName,
	ActionSessionStartName,
	ActionDefaultFallbackName,
	ActionDeactivateLoopName,
	ActionUnlikelyIntentName,
}

// RequestedSlot is the bookkeeping slot a form uses to remember which slot
// it is currently asking for.
const RequestedSlot = "requested_slot"

// Intents with built-in behavior.
const (
	IntentRestart      = "restart"
	IntentSessionStart = "session_start"
)

// SlotKind is the declared type of a slot.
type SlotKind string

const (
	SlotText         SlotKind = "text"
	SlotBool         SlotKind = "bool"
	SlotCategorical  SlotKind = "categorical"
	SlotFloat        SlotKind = "float"
	SlotList         SlotKind = "list"
	SlotAny          SlotKind = "any"
	SlotUnfeaturized SlotKind = "unfeaturized"
)

var validSlotKinds = map[SlotKind]bool{
	SlotText: true, SlotBool: true, SlotCategorical: true,
	SlotFloat: true, SlotList: true, SlotAny: true, SlotUnfeaturized: true,
}

// Slot declares one piece of typed conversation memory.
type Slot struct {
	Type                  SlotKind `yaml:"type"`
	InitialValue          any      `yaml:"initial_value,omitempty"`
	Values                []string `yaml:"values,omitempty"`
	InfluenceConversation *bool    `yaml:"influence_conversation,omitempty"`
	AutoFill              *bool    `yaml:"auto_fill,omitempty"`
}

// Featurized reports whether the slot influences action prediction.
func (s Slot) Featurized() bool {
	if s.InfluenceConversation != nil {
		return *s.InfluenceConversation
	}
	return s.Type != SlotUnfeaturized && s.Type != SlotAny
}

// AutoFilled reports whether entities with the slot's name fill it directly.
func (s Slot) AutoFilled() bool {
	return s.AutoFill == nil || *s.AutoFill
}

// EntityDecl declares an entity with optional role/group sub-labels.
type EntityDecl struct {
	Name   string
	Roles  []string
	Groups []string
}

// UnmarshalYAML accepts either a bare entity name or a
// `name: {roles: [...], groups: [...]}` mapping.
func (e *EntityDecl) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&e.Name)
	}
	if node.Kind == yaml.MappingNode && len(node.Content) == 2 {
		if err := node.Content[0].Decode(&e.Name); err != nil {
			return err
		}
		var sub struct {
			Roles  []string `yaml:"roles"`
			Groups []string `yaml:"groups"`
		}
		if err := node.Content[1].Decode(&sub); err != nil {
			return err
		}
		e.Roles, e.Groups = sub.Roles, sub.Groups
		return nil
	}
	return fmt.Errorf("entity declaration must be a name or a single-key mapping")
}

// ResponseVariation is one renderable variant of a response.
type ResponseVariation struct {
	Text string `yaml:"text"`
}

// SessionConfig controls conversation session boundaries.
type SessionConfig struct {
	// ExpirationMinutes after the last user message before a fresh
	// session starts. Zero disables expiry.
	ExpirationMinutes float64 `yaml:"session_expiration_time"`
	CarryOverSlots    bool    `yaml:"carry_over_slots_to_new_session"`
}

// Enabled reports whether sessions expire at all.
func (c SessionConfig) Enabled() bool { return c.ExpirationMinutes > 0 }

// DefaultSessionConfig returns the session behavior used when the domain
// file does not configure one.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{ExpirationMinutes: 60, CarryOverSlots: true}
}

// Domain is the immutable assistant configuration.
type Domain struct {
	Version   string                         `yaml:"version"`
	Session   SessionConfig                  `yaml:"session_config"`
	Intents   []string                       `yaml:"intents"`
	Entities  []EntityDecl                   `yaml:"entities"`
	Slots     map[string]Slot                `yaml:"slots"`
	Forms     map[string]*Form               `yaml:"forms"`
	Actions   []string                       `yaml:"actions"`
	Responses map[string][]ResponseVariation `yaml:"responses"`
	// EndToEndActions are the bot utterances an end-to-end policy may
	// predict directly as text.
	EndToEndActions []string `yaml:"e2e_actions"`

	formOrder   []string
	actionNames []string
	actionIndex map[string]int
	// mappingCounts indexes from_entity mapping signatures across all
	// forms so the opportunistic-extraction uniqueness check is a lookup
	// instead of a scan.
	mappingCounts map[MappingSignature]int
}

// ConfigError is a fatal domain configuration problem.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "invalid domain: " + e.Reason }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Load reads and validates a domain file.
func Load(path string) (*Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domain file: %w", err)
	}
	d, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("domain file %s: %w", path, err)
	}
	return d, nil
}

// FromYAML parses and validates a domain from YAML bytes.
func FromYAML(data []byte) (*Domain, error) {
	d := Empty()
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parse domain: %w", err)
	}
	if err := d.finalize(); err != nil {
		return nil, err
	}
	return d, nil
}

// Empty returns a domain with no user configuration.
func Empty() *Domain {
	return &Domain{
		Session:   DefaultSessionConfig(),
		Slots:     map[string]Slot{},
		Forms:     map[string]*Form{},
		Responses: map[string][]ResponseVariation{},
	}
}

// FromParts assembles a domain programmatically. Used by tests and by
// callers embedding the engine without a domain file.
func FromParts(intents []string, entities []EntityDecl, slots map[string]Slot, forms map[string]*Form, actions []string, responses map[string][]ResponseVariation) (*Domain, error) {
	d := Empty()
	d.Intents = intents
	d.Entities = entities
	if slots != nil {
		d.Slots = slots
	}
	if forms != nil {
		d.Forms = forms
	}
	d.Actions = actions
	if responses != nil {
		d.Responses = responses
	}
	if err := d.finalize(); err != nil {
		return nil, err
	}
	return d, nil
}

// finalize validates the configuration and builds the derived indexes.
func (d *Domain) finalize() error {
	if err := d.validate(); err != nil {
		return err
	}

	// Slots referenced only by forms are registered as untyped memory;
	// requested_slot is always present as unfeaturized bookkeeping.
	for _, form := range d.Forms {
		for _, slotName := range form.RequiredSlots.Names {
			if _, ok := d.Slots[slotName]; !ok {
				d.Slots[slotName] = Slot{Type: SlotAny}
			}
		}
	}
	if _, ok := d.Slots[RequestedSlot]; !ok {
		d.Slots[RequestedSlot] = Slot{Type: SlotUnfeaturized}
	}

	d.formOrder = make([]string, 0, len(d.Forms))
	for name := range d.Forms {
		d.formOrder = append(d.formOrder, name)
	}
	sort.Strings(d.formOrder)

	d.buildActionIndex()
	d.buildMappingIndex()
	return nil
}

func (d *Domain) validate() error {
	if dup := firstDuplicate(d.Intents); dup != "" {
		return configErrorf("duplicate intent %q", dup)
	}
	entityNames := make([]string, len(d.Entities))
	for i, e := range d.Entities {
		entityNames[i] = e.Name
	}
	if dup := firstDuplicate(entityNames); dup != "" {
		return configErrorf("duplicate entity %q", dup)
	}
	if dup := firstDuplicate(d.Actions); dup != "" {
		return configErrorf("duplicate action %q", dup)
	}
	for name, slot := range d.Slots {
		if slot.Type == "" {
			continue
		}
		if !validSlotKinds[slot.Type] {
			return configErrorf("slot %q has unknown type %q", name, slot.Type)
		}
	}
	for formName, form := range d.Forms {
		if form == nil || len(form.RequiredSlots.Names) == 0 {
			return configErrorf("form %q declares no required slots", formName)
		}
		for _, slotName := range form.RequiredSlots.Names {
			mappings := form.RequiredSlots.Mappings[slotName]
			if len(mappings) == 0 {
				return configErrorf("form %q slot %q has no mappings", formName, slotName)
			}
			for i, m := range mappings {
				if err := m.validate(); err != nil {
					return configErrorf("form %q slot %q mapping %d: %v", formName, slotName, i, err)
				}
			}
		}
	}
	for responseName := range d.Responses {
		if !strings.HasPrefix(responseName, "utter_") {
			return configErrorf("response %q must start with utter_", responseName)
		}
	}
	return nil
}

// buildActionIndex computes the stable action ordering: built-ins, then
// forms, then declared actions, then responses, then end-to-end texts.
func (d *Domain) buildActionIndex() {
	seen := map[string]bool{}
	names := make([]string, 0, len(DefaultActionNames)+len(d.Actions)+len(d.Responses)+len(d.Forms))
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, name := range DefaultActionNames {
		add(name)
	}
	for _, name := range d.formOrder {
		add(name)
	}
	for _, name := range d.Actions {
		add(name)
	}
	responseNames := make([]string, 0, len(d.Responses))
	for name := range d.Responses {
		responseNames = append(responseNames, name)
	}
	sort.Strings(responseNames)
	for _, name := range responseNames {
		add(name)
	}
	for _, text := range d.EndToEndActions {
		add(text)
	}

	d.actionNames = names
	d.actionIndex = make(map[string]int, len(names))
	for i, name := range names {
		d.actionIndex[name] = i
	}
}

func (d *Domain) buildMappingIndex() {
	d.mappingCounts = map[MappingSignature]int{}
	for _, form := range d.Forms {
		for _, slotName := range form.RequiredSlots.Names {
			for _, m := range form.RequiredSlots.Mappings[slotName] {
				if m.Kind == MappingFromEntity {
					d.mappingCounts[m.Signature()]++
				}
			}
		}
	}
}

// ActionNames returns every action in index order.
func (d *Domain) ActionNames() []string { return d.actionNames }

// NumActions returns the size of the action index.
func (d *Domain) NumActions() int { return len(d.actionNames) }

// IndexForAction resolves an action name (or end-to-end text) to its index.
func (d *Domain) IndexForAction(name string) (int, bool) {
	i, ok := d.actionIndex[name]
	return i, ok
}

// ActionForIndex resolves an index back to the action name or text.
func (d *Domain) ActionForIndex(i int) (string, bool) {
	if i < 0 || i >= len(d.actionNames) {
		return "", false
	}
	return d.actionNames[i], true
}

// IsFormName reports whether name is a configured form.
func (d *Domain) IsFormName(name string) bool {
	_, ok := d.Forms[name]
	return ok
}

// FormNames returns all form names in stable order.
func (d *Domain) FormNames() []string { return d.formOrder }

// HasAction reports whether name is a declared custom action.
func (d *Domain) HasAction(name string) bool {
	for _, a := range d.Actions {
		if a == name {
			return true
		}
	}
	return false
}

// HasResponse reports whether a response is configured for name.
func (d *Domain) HasResponse(name string) bool {
	variations, ok := d.Responses[name]
	return ok && len(variations) > 0
}

// HasIntent reports whether the intent is declared.
func (d *Domain) HasIntent(name string) bool {
	for _, i := range d.Intents {
		if i == name {
			return true
		}
	}
	return false
}

// InitialSlotValues returns the declared initial value of every slot
// that has one.
func (d *Domain) InitialSlotValues() map[string]any {
	values := make(map[string]any)
	for name, slot := range d.Slots {
		if slot.InitialValue != nil {
			values[name] = slot.InitialValue
		}
	}
	return values
}

// SlotDefined reports whether the slot exists.
func (d *Domain) SlotDefined(name string) bool {
	_, ok := d.Slots[name]
	return ok
}

// IsUniqueMapping reports whether exactly one from_entity mapping across
// all forms carries the given signature.
func (d *Domain) IsUniqueMapping(sig MappingSignature) bool {
	return d.mappingCounts[sig] == 1
}

// ValidationActionName returns the name of the custom validator for a form.
func ValidationActionName(formName string) string { return "validate_" + formName }

func firstDuplicate(names []string) string {
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			return n
		}
		seen[n] = true
	}
	return ""
}
