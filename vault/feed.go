package vault

import (
	"context"
	"encoding/json"
	"fmt"
)

// FeedSyncResult is a page of feed events from the vault.
type FeedSyncResult struct {
	Events         []FeedEvent `json:"events"`
	LatestSequence int64       `json:"latest_sequence"`
	HasMore        bool        `json:"has_more"`
}

// defaultFeedSyncLimit bounds one sync page.
const defaultFeedSyncLimit = 100

// SyncFeed fetches feed events newer than lastSequence. Not a sensitive
// operation: no transaction key is spent and no submission lock applies,
// so a sync can run while a PIN attempt is in flight. That interleaving is
// what the correlator's shape guard exists for.
func (c *Client) SyncFeed(ctx context.Context, lastSequence int64) (*FeedSyncResult, error) {
	req, err := json.Marshal(feedSyncRequest{
		LastSequence: lastSequence,
		Limit:        defaultFeedSyncLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build feed sync request: %w", err)
	}

	resp, err := c.corr.SendAndAwait(ctx, subjectForVault(c.cfg.OwnerSpace, opFeedSync), req, KindFeedSyncResult, c.cfg.RequestTimeout)
	if err != nil {
		_, werr := classifyExchangeError(err)
		return nil, fmt.Errorf("feed sync: %w", werr)
	}

	if errMsg := fieldString(resp.Fields, "error"); errMsg != "" {
		return nil, fmt.Errorf("feed sync rejected: %s: %w", errMsg, ErrMalformedResponse)
	}

	var result FeedSyncResult
	if raw, ok := resp.Fields["events"]; ok {
		if err := json.Unmarshal(raw, &result.Events); err != nil {
			return nil, fmt.Errorf("%w: undecodable events list: %v", ErrMalformedResponse, err)
		}
	}
	if raw, ok := resp.Fields["latest_sequence"]; ok {
		if err := json.Unmarshal(raw, &result.LatestSequence); err != nil {
			return nil, fmt.Errorf("%w: undecodable latest_sequence: %v", ErrMalformedResponse, err)
		}
	}
	if raw, ok := resp.Fields["has_more"]; ok {
		if err := json.Unmarshal(raw, &result.HasMore); err != nil {
			return nil, fmt.Errorf("%w: undecodable has_more: %v", ErrMalformedResponse, err)
		}
	}
	return &result, nil
}
