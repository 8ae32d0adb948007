package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"converse/internal/events"
	"converse/internal/tracker"
)

func remoteTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	tr := tracker.New("sender-7", nil)
	tr.Update(events.NewActionExecuted("action_listen"))
	tr.Update(message("greet"))
	tr.Update(events.NewSlotSet("name", "sara"))
	return tr
}

func TestRemoteClientRequestShape(t *testing.T) {
	var got actionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(actionResponse{})
	}))
	defer srv.Close()

	d := formDomain(t, registryDomain)
	c := NewRemoteClient(srv.URL, time.Second, zap.NewNop())

	out, err := c.Call(context.Background(), "action_check_availability", remoteTracker(t), d)
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.Equal(t, "action_check_availability", got.NextAction)
	assert.Equal(t, "sender-7", got.SenderID)
	assert.Equal(t, "sender-7", got.Tracker.SenderID)
	assert.Equal(t, "sara", got.Tracker.Slots["name"])
	assert.Equal(t, "action_listen", got.Tracker.LatestActionName)
	require.NotNil(t, got.Tracker.LatestMessage)
	assert.Equal(t, "greet", got.Tracker.LatestMessage.Intent.Name)
	assert.Len(t, got.Tracker.Events, 3)
	assert.Contains(t, got.Domain.Actions, "action_check_availability")
	assert.Contains(t, got.Domain.Forms, "restaurant_form")
}

func TestRemoteClientConvertsEventsAndResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{
			"responses": [
				{"text": "table booked!", "custom": {"channel": "rest"}},
				{"response": "utter_greet"}
			],
			"events": [
				{"event": "slot", "name": "booked", "value": true},
				{"event": "active_loop", "name": null}
			]
		}`))
	}))
	defer srv.Close()

	d := formDomain(t, registryDomain)
	c := NewRemoteClient(srv.URL, time.Second, zap.NewNop())

	out, err := c.Call(context.Background(), "action_check_availability", remoteTracker(t), d)
	require.NoError(t, err)
	require.Len(t, out, 4)

	first := out[0].(*events.BotUttered)
	assert.Equal(t, "table booked!", first.Text)
	assert.Equal(t, "rest", first.Data["channel"])

	second := out[1].(*events.BotUttered)
	assert.Empty(t, second.Text)
	assert.Equal(t, "utter_greet", second.Data["utter_action"])

	slot := out[2].(*events.SlotSet)
	assert.Equal(t, "booked", slot.Key)
	assert.Equal(t, true, slot.Value)

	assert.IsType(t, &events.ActiveLoop{}, out[3])
}

func TestRemoteClientRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"action_name": "action_check_availability", "error": "no tables"}`))
	}))
	defer srv.Close()

	d := formDomain(t, registryDomain)
	c := NewRemoteClient(srv.URL, time.Second, zap.NewNop())

	_, err := c.Call(context.Background(), "action_check_availability", remoteTracker(t), d)
	var rejection *ExecutionRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "action_check_availability", rejection.ActionName)
	assert.Equal(t, "no tables", rejection.Reason)
}

func TestRemoteClientBareRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := formDomain(t, registryDomain)
	c := NewRemoteClient(srv.URL, time.Second, zap.NewNop())

	_, err := c.Call(context.Background(), "action_check_availability", remoteTracker(t), d)
	var rejection *ExecutionRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "action_check_availability", rejection.ActionName)
}

func TestRemoteClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := formDomain(t, registryDomain)
	c := NewRemoteClient(srv.URL, time.Second, zap.NewNop())

	_, err := c.Call(context.Background(), "action_check_availability", remoteTracker(t), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestRemoteClientBadEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"events": [{"event": "no_such_event"}]}`))
	}))
	defer srv.Close()

	d := formDomain(t, registryDomain)
	c := NewRemoteClient(srv.URL, time.Second, zap.NewNop())

	_, err := c.Call(context.Background(), "action_check_availability", remoteTracker(t), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad event")
}
