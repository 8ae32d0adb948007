package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/nlg"
	"converse/internal/tracker"
)

const registryDomain = `
intents: [greet]
slots:
  name:
    type: text
forms:
  restaurant_form:
    required_slots:
      cuisine:
        - type: from_text
actions: [action_check_availability]
responses:
  utter_greet:
    - text: "hey {name}!"
  utter_restart:
    - text: "starting over"
  utter_default:
    - text: "sorry, I did not get that"
`

func registry(t *testing.T, client ServerClient) (*Registry, *domain.Domain) {
	t.Helper()
	d, err := domain.FromYAML([]byte(registryDomain))
	require.NoError(t, err)
	return NewRegistry(client, zap.NewNop()), d
}

func TestRegistryResolution(t *testing.T) {
	r, d := registry(t, &stubServer{})

	for _, name := range domain.DefaultActionNames {
		a, err := r.For(name, d)
		require.NoError(t, err, name)
		assert.Equal(t, name, a.Name())
	}

	form, err := r.For("restaurant_form", d)
	require.NoError(t, err)
	assert.IsType(t, &Form{}, form)

	utter, err := r.For("utter_greet", d)
	require.NoError(t, err)
	assert.IsType(t, BotResponse{}, utter)

	custom, err := r.For("action_check_availability", d)
	require.NoError(t, err)
	assert.IsType(t, Remote{}, custom)

	_, err = r.For("action_not_configured", d)
	assert.Error(t, err)
}

func TestRegistryCustomActionNeedsServer(t *testing.T) {
	r, d := registry(t, nil)
	_, err := r.For("action_check_availability", d)
	assert.Error(t, err)
}

func TestBotResponseRendersSlots(t *testing.T) {
	r, d := registry(t, nil)
	a, err := r.For("utter_greet", d)
	require.NoError(t, err)

	tr := tracker.New("s", nil)
	tr.Update(events.NewSlotSet("name", "sara"))

	out, err := a.Run(context.Background(), tr, d, nlg.NewTemplated(d))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hey sara!", out[0].(*events.BotUttered).Text)
}

func TestListenIsSilent(t *testing.T) {
	r, d := registry(t, nil)
	a, err := r.For(domain.ActionListenName, d)
	require.NoError(t, err)

	out, err := a.Run(context.Background(), tracker.New("s", nil), d, nlg.NewTemplated(d))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRestartSaysGoodbyeAndRestarts(t *testing.T) {
	r, d := registry(t, nil)
	a, err := r.For(domain.ActionRestartName, d)
	require.NoError(t, err)

	out, err := a.Run(context.Background(), tracker.New("s", nil), d, nlg.NewTemplated(d))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "starting over", out[0].(*events.BotUttered).Text)
	assert.IsType(t, &events.Restarted{}, out[1])
}

func TestSessionStartCarriesOverSlots(t *testing.T) {
	r, d := registry(t, nil)
	a, err := r.For(domain.ActionSessionStartName, d)
	require.NoError(t, err)

	tr := tracker.New("s", nil)
	tr.Update(events.NewSlotSet("name", "sara"))
	tr.Update(events.NewSlotSet("city", "Berlin"))

	out, err := a.Run(context.Background(), tr, d, nlg.NewTemplated(d))
	require.NoError(t, err)

	require.True(t, events.ListsEqual(out, []events.Event{
		events.NewSessionStarted(),
		events.NewSlotSet("city", "Berlin"),
		events.NewSlotSet("name", "sara"),
		events.NewActionExecuted(domain.ActionListenName),
	}), "got: %v", out)
}

func TestSessionStartWithoutCarryOver(t *testing.T) {
	d, err := domain.FromYAML([]byte(`
session_config:
  session_expiration_time: 60
  carry_over_slots_to_new_session: false
`))
	require.NoError(t, err)

	tr := tracker.New("s", nil)
	tr.Update(events.NewSlotSet("name", "sara"))

	out, err := sessionStart{}.Run(context.Background(), tr, d, nlg.NewTemplated(d))
	require.NoError(t, err)
	require.True(t, events.ListsEqual(out, []events.Event{
		events.NewSessionStarted(),
		events.NewActionExecuted(domain.ActionListenName),
	}), "got: %v", out)
}

func TestDeactivateLoop(t *testing.T) {
	r, d := registry(t, nil)
	a, err := r.For(domain.ActionDeactivateLoopName, d)
	require.NoError(t, err)

	out, err := a.Run(context.Background(), tracker.New("s", nil), d, nlg.NewTemplated(d))
	require.NoError(t, err)
	require.True(t, events.ListsEqual(out, []events.Event{
		events.NewActiveLoop(""),
		events.NewSlotSet(domain.RequestedSlot, nil),
	}))
}

func TestDefaultFallbackUttersDefault(t *testing.T) {
	r, d := registry(t, nil)
	a, err := r.For(domain.ActionDefaultFallbackName, d)
	require.NoError(t, err)

	out, err := a.Run(context.Background(), tracker.New("s", nil), d, nlg.NewTemplated(d))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "sorry, I did not get that", out[0].(*events.BotUttered).Text)
}

func TestEndToEndActionUttersItsText(t *testing.T) {
	r, d := registry(t, nil)
	a := r.ForEndToEnd("well hello!")

	out, err := a.Run(context.Background(), tracker.New("s", nil), d, nlg.NewTemplated(d))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "well hello!", out[0].(*events.BotUttered).Text)
}
