package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/curalog/diarystore/pkg/event"
)

// HTTPRemote talks to the remote submit/pull endpoints over HTTPS with a
// bearer credential. Network failures and 5xx responses come back as
// TransientError; 401 maps to ErrReauthRequired; other 4xx responses are
// terminal for the call.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
	tokens  TokenProvider
}

// NewHTTPRemote builds a remote client for baseURL. A nil httpClient
// uses http.DefaultClient; per-call timeouts are the engine's job via
// context deadlines.
func NewHTTPRemote(baseURL string, tokens TokenProvider, httpClient *http.Client) *HTTPRemote {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPRemote{baseURL: baseURL, client: httpClient, tokens: tokens}
}

type submitRequest struct {
	Events []submitEvent `json:"events"`
}

// submitEvent is the wire form of a pushed event: the hashed content
// plus the chain fields the server needs for its own ordering checks.
type submitEvent struct {
	EventID    string          `json:"event_id"`
	DeviceID   string          `json:"device_id"`
	UserID     string          `json:"user_id"`
	AuthorID   string          `json:"author_id"`
	Sequence   uint64          `json:"sequence"`
	Type       event.Type      `json:"type"`
	RecordID   string          `json:"record_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ClientTime string          `json:"client_time"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

type ackResponse struct {
	Acks []Ack `json:"acks"`
}

// Submit pushes a batch in sequence order. The server dedupes by
// event_id, so re-submission after a lost acknowledgment is safe.
func (r *HTTPRemote) Submit(ctx context.Context, batch []*event.DomainEvent) ([]Ack, error) {
	req := submitRequest{Events: make([]submitEvent, len(batch))}
	for i, ev := range batch {
		req.Events[i] = submitEvent{
			EventID:    ev.EventID,
			DeviceID:   ev.DeviceID,
			UserID:     ev.UserID,
			AuthorID:   ev.AuthorID,
			Sequence:   ev.Sequence,
			Type:       ev.Type,
			RecordID:   ev.RecordID,
			Payload:    ev.Payload,
			ClientTime: ev.ClientTime.UTC().Format(time.RFC3339Nano),
			PrevHash:   ev.PrevHash,
			Hash:       ev.Hash,
		}
	}
	var resp ackResponse
	if err := r.do(ctx, http.MethodPost, "/v1/events:submit", req, &resp); err != nil {
		return nil, err
	}
	return resp.Acks, nil
}

type statusRequest struct {
	EventIDs []string `json:"event_ids"`
}

// Status is the idempotent acknowledgment check for events left in the
// submitted state.
func (r *HTTPRemote) Status(ctx context.Context, eventIDs []string) ([]Ack, error) {
	var resp ackResponse
	if err := r.do(ctx, http.MethodPost, "/v1/events:status", statusRequest{EventIDs: eventIDs}, &resp); err != nil {
		return nil, err
	}
	return resp.Acks, nil
}

// Pull fetches server-originated deltas since the cursor token.
func (r *HTTPRemote) Pull(ctx context.Context, cursor string) (*Delta, error) {
	path := "/v1/events/delta"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var delta Delta
	if err := r.do(ctx, http.MethodGet, path, nil, &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("syncengine: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("syncengine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if r.tokens != nil {
		token, err := r.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: remote returned 401", ErrReauthRequired)
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("syncengine: %s %s: status %d: %s", method, path, resp.StatusCode, detail)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("syncengine: decode response: %w", err)
		}
	}
	return nil
}
