package vault

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mesmerverse/vettid-dev/appclient/correlate"
)

func TestSyncFeed(t *testing.T) {
	tr := &scriptedTransport{}
	tr.respond = func(call int, subject string, env correlate.Envelope) []byte {
		var req feedSyncRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			t.Fatalf("undecodable sync request: %v", err)
		}
		if req.LastSequence != 7 {
			t.Errorf("last_sequence = %d, want 7", req.LastSequence)
		}
		out, _ := json.Marshal(map[string]any{
			"event_id": env.RequestID,
			"events": []FeedEvent{
				{EventID: "ev-8", EventType: "connection.request", Title: "New request", CreatedAt: 1000},
				{EventID: "ev-9", EventType: "vault.notice", Title: "Notice", CreatedAt: 1001},
			},
			"latest_sequence": 9,
			"has_more":        false,
		})
		return out
	}

	c := newTestClient(t, tr)

	result, err := c.SyncFeed(context.Background(), 7)
	if err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(result.Events))
	}
	if result.Events[0].EventID != "ev-8" {
		t.Errorf("first event = %q, want ev-8", result.Events[0].EventID)
	}
	if result.LatestSequence != 9 {
		t.Errorf("LatestSequence = %d, want 9", result.LatestSequence)
	}
	if result.HasMore {
		t.Error("HasMore = true, want false")
	}

	// No transaction key spent for a read-only sync.
	if c.KeyCount() != 0 {
		t.Errorf("KeyCount = %d, want 0", c.KeyCount())
	}
}

func TestSyncFeedRejectsMalformedSequence(t *testing.T) {
	tr := &scriptedTransport{}
	tr.respond = func(call int, subject string, env correlate.Envelope) []byte {
		out, _ := json.Marshal(map[string]any{
			"event_id":        env.RequestID,
			"events":          []FeedEvent{},
			"latest_sequence": "not-a-number",
		})
		return out
	}

	c := newTestClient(t, tr)

	if _, err := c.SyncFeed(context.Background(), 0); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestSyncFeedEmptyPage(t *testing.T) {
	tr := &scriptedTransport{}
	tr.respond = func(call int, subject string, env correlate.Envelope) []byte {
		out, _ := json.Marshal(map[string]any{
			"event_id":        env.RequestID,
			"events":          []FeedEvent{},
			"latest_sequence": 7,
		})
		return out
	}

	c := newTestClient(t, tr)

	result, err := c.SyncFeed(context.Background(), 7)
	if err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}
	if len(result.Events) != 0 {
		t.Errorf("got %d events, want 0", len(result.Events))
	}
}
