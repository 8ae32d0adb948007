package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/tracker"
)

// RemoteClient speaks the action-server webhook protocol: one POST per
// action run carrying a tracker snapshot, answered with events and bot
// responses.
type RemoteClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewRemoteClient creates a client for the given webhook URL.
func NewRemoteClient(endpoint string, timeout time.Duration, logger *zap.Logger) *RemoteClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type actionRequest struct {
	NextAction string          `json:"next_action"`
	SenderID   string          `json:"sender_id"`
	Tracker    trackerSnapshot `json:"tracker"`
	Domain     domainDigest    `json:"domain"`
}

type trackerSnapshot struct {
	SenderID         string             `json:"sender_id"`
	Slots            map[string]any     `json:"slots"`
	LatestMessage    *events.ParseData  `json:"latest_message,omitempty"`
	LatestActionName string             `json:"latest_action_name,omitempty"`
	ActiveLoop       map[string]any     `json:"active_loop,omitempty"`
	Events           []json.RawMessage  `json:"events"`
}

type domainDigest struct {
	Intents []string `json:"intents"`
	Actions []string `json:"actions"`
	Forms   []string `json:"forms"`
}

type actionResponse struct {
	Events    []json.RawMessage `json:"events"`
	Responses []remoteResponse  `json:"responses"`
}

type remoteResponse struct {
	Text     string         `json:"text"`
	Response string         `json:"response,omitempty"`
	Custom   map[string]any `json:"custom,omitempty"`
}

// rejectionBody is the 400 payload an action server sends to decline.
type rejectionBody struct {
	ActionName string `json:"action_name"`
	Error      string `json:"error"`
}

// Call implements ServerClient. A 400 response is a controlled rejection
// and surfaces as *ExecutionRejection.
func (c *RemoteClient) Call(ctx context.Context, actionName string, tr *tracker.Tracker, d *domain.Domain) ([]events.Event, error) {
	payload, err := json.Marshal(c.buildRequest(actionName, tr, d))
	if err != nil {
		return nil, fmt.Errorf("marshal action request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create action request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("action server request for %q failed: %w", actionName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		var body rejectionBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr == nil && body.ActionName != "" {
			return nil, &ExecutionRejection{ActionName: body.ActionName, Reason: body.Error}
		}
		return nil, &ExecutionRejection{ActionName: actionName, Reason: "rejected by action server"}
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("action server returned status %d for %q: %s",
			resp.StatusCode, actionName, string(bodyBytes))
	}

	var result actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode action response for %q: %w", actionName, err)
	}
	return c.convert(actionName, result)
}

func (c *RemoteClient) buildRequest(actionName string, tr *tracker.Tracker, d *domain.Domain) actionRequest {
	raw := make([]json.RawMessage, 0, len(tr.Events()))
	for _, ev := range tr.Events() {
		data, err := events.Marshal(ev)
		if err != nil {
			c.logger.Warn("skipping unserializable event in snapshot", zap.Error(err))
			continue
		}
		raw = append(raw, data)
	}

	snapshot := trackerSnapshot{
		SenderID:         tr.SenderID(),
		Slots:            tr.Slots(),
		LatestActionName: tr.LatestActionName(),
		Events:           raw,
	}
	if msg := tr.LatestMessage(); msg != nil {
		pd := msg.ParseData
		snapshot.LatestMessage = &pd
	}
	if tr.HasActiveLoop() {
		snapshot.ActiveLoop = map[string]any{"name": tr.ActiveLoopName()}
	}

	return actionRequest{
		NextAction: actionName,
		SenderID:   tr.SenderID(),
		Tracker:    snapshot,
		Domain: domainDigest{
			Intents: d.Intents,
			Actions: d.ActionNames(),
			Forms:   d.FormNames(),
		},
	}
}

// convert turns the wire response into events: bot responses first, then
// the action's own events.
func (c *RemoteClient) convert(actionName string, result actionResponse) ([]events.Event, error) {
	var out []events.Event
	for _, r := range result.Responses {
		if r.Response != "" && r.Text == "" {
			// A named response is rendered engine-side later; record the
			// reference so the processor can resolve it.
			ev := events.NewBotUttered("")
			ev.Data = map[string]any{"utter_action": r.Response}
			out = append(out, ev)
			continue
		}
		ev := events.NewBotUttered(r.Text)
		if len(r.Custom) > 0 {
			ev.Data = r.Custom
		}
		out = append(out, ev)
	}

	for i, raw := range result.Events {
		ev, err := events.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("action %q returned bad event %d: %w", actionName, i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
