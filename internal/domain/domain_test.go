package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDomain = `
version: "1.0"
intents:
  - greet
  - inform
  - request_restaurant
  - chitchat
entities:
  - number
  - city:
      roles: [departure, destination]
slots:
  num_people:
    type: float
  outdoor_seating:
    type: bool
  feedback:
    type: text
    influence_conversation: false
forms:
  restaurant_form:
    ignored_intents:
      - chitchat
    required_slots:
      num_people:
        - type: from_entity
          entity: number
          intent: [inform, request_restaurant]
      outdoor_seating:
        - type: from_intent
          intent: affirm
          value: true
        - type: from_intent
          intent: deny
          value: false
actions:
  - action_check_availability
responses:
  utter_greet:
    - text: "hey there {name}!"
  utter_ask_num_people:
    - text: "how many people?"
`

func TestFromYAML(t *testing.T) {
	d, err := FromYAML([]byte(sampleDomain))
	require.NoError(t, err)

	assert.Equal(t, []string{"greet", "inform", "request_restaurant", "chitchat"}, d.Intents)

	require.Len(t, d.Entities, 2)
	assert.Equal(t, "number", d.Entities[0].Name)
	assert.Equal(t, "city", d.Entities[1].Name)
	assert.Equal(t, []string{"departure", "destination"}, d.Entities[1].Roles)

	form := d.Forms["restaurant_form"]
	require.NotNil(t, form)
	assert.Equal(t, []string{"num_people", "outdoor_seating"}, form.RequiredSlots.Names)
	assert.Equal(t, StringList{"chitchat"}, form.IgnoredIntents)

	mappings := form.RequiredSlots.Mappings["num_people"]
	require.Len(t, mappings, 1)
	assert.Equal(t, MappingFromEntity, mappings[0].Kind)
	assert.Equal(t, "number", mappings[0].Entity)
	assert.Equal(t, StringList{"inform", "request_restaurant"}, mappings[0].Intent)

	seating := form.RequiredSlots.Mappings["outdoor_seating"]
	require.Len(t, seating, 2)
	assert.Equal(t, true, seating[0].Value)
	assert.Equal(t, false, seating[1].Value)
}

func TestRequiredSlotsPreserveDeclarationOrder(t *testing.T) {
	yml := `
forms:
  f:
    required_slots:
      zzz:
        - type: from_text
      aaa:
        - type: from_text
      mmm:
        - type: from_text
`
	d, err := FromYAML([]byte(yml))
	require.NoError(t, err)
	assert.Equal(t, []string{"zzz", "aaa", "mmm"}, d.Forms["f"].RequiredSlots.Names)
}

func TestDuplicatesRejected(t *testing.T) {
	cases := []struct {
		name string
		yml  string
	}{
		{"intents", "intents: [greet, bye, greet]"},
		{"entities", "entities: [city, city]"},
		{"actions", "actions: [action_a, action_a]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yml))
			require.Error(t, err)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestFormWithoutRequiredSlotsRejected(t *testing.T) {
	_, err := FromYAML([]byte("forms:\n  broken_form:\n    required_slots: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken_form")
}

func TestMappingValidation(t *testing.T) {
	// from_entity without an entity.
	_, err := FromYAML([]byte(`
forms:
  f:
    required_slots:
      s:
        - type: from_entity
`))
	assert.Error(t, err)

	// from_intent without a value.
	_, err = FromYAML([]byte(`
forms:
  f:
    required_slots:
      s:
        - type: from_intent
          intent: affirm
`))
	assert.Error(t, err)

	// Unknown mapping type.
	_, err = FromYAML([]byte(`
forms:
  f:
    required_slots:
      s:
        - type: from_magic
`))
	assert.Error(t, err)
}

func TestResponseNamesMustStartWithUtter(t *testing.T) {
	_, err := FromYAML([]byte("responses:\n  greet:\n    - text: hi\n"))
	require.Error(t, err)
}

func TestActionIndexOrdering(t *testing.T) {
	d, err := FromYAML([]byte(sampleDomain))
	require.NoError(t, err)

	names := d.ActionNames()
	// Built-ins come first and their indexes are stable across loads.
	for i, builtin := range DefaultActionNames {
		assert.Equal(t, builtin, names[i])
	}

	idx, ok := d.IndexForAction(ActionListenName)
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	// Forms, custom actions and responses all resolve.
	for _, name := range []string{"restaurant_form", "action_check_availability", "utter_greet"} {
		_, ok := d.IndexForAction(name)
		assert.True(t, ok, name)
	}

	// Round trip through the index.
	for i, name := range names {
		back, ok := d.ActionForIndex(i)
		require.True(t, ok)
		assert.Equal(t, name, back)
	}

	_, ok = d.IndexForAction("action_unknown")
	assert.False(t, ok)
	_, ok = d.ActionForIndex(len(names))
	assert.False(t, ok)
}

func TestFormSlotsAutoRegistered(t *testing.T) {
	yml := `
forms:
  f:
    required_slots:
      undeclared:
        - type: from_text
`
	d, err := FromYAML([]byte(yml))
	require.NoError(t, err)

	slot, ok := d.Slots["undeclared"]
	require.True(t, ok)
	assert.Equal(t, SlotAny, slot.Type)
	assert.False(t, slot.Featurized())

	// The bookkeeping slot is always present.
	rs, ok := d.Slots[RequestedSlot]
	require.True(t, ok)
	assert.Equal(t, SlotUnfeaturized, rs.Type)
}

func TestSessionConfigDefaults(t *testing.T) {
	d, err := FromYAML([]byte("intents: [greet]"))
	require.NoError(t, err)
	assert.Equal(t, 60.0, d.Session.ExpirationMinutes)
	assert.True(t, d.Session.CarryOverSlots)
	assert.True(t, d.Session.Enabled())

	d, err = FromYAML([]byte(`
session_config:
  session_expiration_time: 0
  carry_over_slots_to_new_session: false
`))
	require.NoError(t, err)
	assert.False(t, d.Session.Enabled())
	assert.False(t, d.Session.CarryOverSlots)

	// A partial block only overrides the keys it names.
	d, err = FromYAML([]byte("session_config: {session_expiration_time: 0}"))
	require.NoError(t, err)
	assert.False(t, d.Session.Enabled())
	assert.True(t, d.Session.CarryOverSlots)
}

func TestMappingUniquenessIndex(t *testing.T) {
	yml := `
forms:
  f:
    required_slots:
      some_slot:
        - type: from_entity
          entity: some_entity
      some_other_slot:
        - type: from_entity
          entity: some_entity
          role: some_role
      third_slot:
        - type: from_entity
          entity: other_entity
  g:
    required_slots:
      mirror_slot:
        - type: from_entity
          entity: other_entity
`
	d, err := FromYAML([]byte(yml))
	require.NoError(t, err)

	// Bare entity vs entity+role are distinct signatures.
	assert.True(t, d.IsUniqueMapping(MappingSignature{Entity: "some_entity"}))
	assert.True(t, d.IsUniqueMapping(MappingSignature{Entity: "some_entity", Role: "some_role"}))

	// Same signature in two forms is not unique.
	assert.False(t, d.IsUniqueMapping(MappingSignature{Entity: "other_entity"}))
	assert.False(t, d.IsUniqueMapping(MappingSignature{Entity: "never_mapped"}))
}

func TestAppliesToIntent(t *testing.T) {
	m := SlotMapping{Kind: MappingFromEntity, Entity: "number", Intent: StringList{"inform"}}
	assert.True(t, m.AppliesToIntent("inform", nil))
	assert.False(t, m.AppliesToIntent("greet", nil))
	assert.False(t, m.AppliesToIntent("inform", StringList{"inform"}))

	open := SlotMapping{Kind: MappingFromEntity, Entity: "number", NotIntent: StringList{"chitchat"}}
	assert.True(t, open.AppliesToIntent("anything", nil))
	assert.False(t, open.AppliesToIntent("chitchat", nil))
}

func TestStringListScalarOrSequence(t *testing.T) {
	yml := `
forms:
  f:
    ignored_intents: chitchat
    required_slots:
      s:
        - type: from_entity
          entity: e
          intent: inform
`
	loaded, err := FromYAML([]byte(yml))
	require.NoError(t, err)
	assert.Equal(t, StringList{"chitchat"}, loaded.Forms["f"].IgnoredIntents)
	assert.Equal(t, StringList{"inform"}, loaded.Forms["f"].RequiredSlots.Mappings["s"][0].Intent)
}

func TestValidationActionName(t *testing.T) {
	if got := ValidationActionName("restaurant_form"); got != "validate_restaurant_form" {
		t.Fatalf("unexpected validator name: %s", got)
	}
}
