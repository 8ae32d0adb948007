package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"converse/internal/events"
)

// Remote delegates parsing to an NLU server speaking the
// POST /model/parse convention.
type Remote struct {
	endpoint string
	client   *http.Client
	fallback *Regex
}

// NewRemote creates a remote interpreter for the given base endpoint.
// Structured shorthand messages are still handled locally.
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Remote{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		fallback: NewRegex(),
	}
}

type parseRequest struct {
	Text string `json:"text"`
}

type parseResponse struct {
	Intent   events.Intent   `json:"intent"`
	Entities []events.Entity `json:"entities"`
	Text     string          `json:"text"`
}

// Parse implements Interpreter.
func (r *Remote) Parse(ctx context.Context, text string) (events.ParseData, error) {
	// Shorthand bypasses the model, matching the local interpreter.
	if len(text) > 0 && text[0] == '/' {
		return r.fallback.Parse(ctx, text)
	}

	body, err := json.Marshal(parseRequest{Text: text})
	if err != nil {
		return events.ParseData{}, fmt.Errorf("marshal parse request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.endpoint+"/model/parse", bytes.NewReader(body))
	if err != nil {
		return events.ParseData{}, fmt.Errorf("create parse request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return events.ParseData{}, fmt.Errorf("nlu request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return events.ParseData{}, fmt.Errorf("nlu server returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return events.ParseData{}, fmt.Errorf("decode parse response: %w", err)
	}

	return events.ParseData{
		Intent:   result.Intent,
		Entities: result.Entities,
		Text:     text,
	}, nil
}
