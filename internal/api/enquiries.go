package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
)

// FetchEnquiries returns the raw lead records for channel. The backend
// answers with either a bare array or {"data": [...]}.
func (c *Client) FetchEnquiries(ctx context.Context, channel enquiry.Channel) ([]enquiry.Payload, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/%s/enquiries", url.PathEscape(string(channel))), nil)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := decode(resp, &raw); err != nil {
		return nil, err
	}
	return decodeRecords(raw)
}

func decodeRecords(raw json.RawMessage) ([]enquiry.Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var records []enquiry.Payload
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("decode enquiries: %w", err)
		}
		return records, nil
	}
	var wrapped struct {
		Data []enquiry.Payload `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode enquiries: %w", err)
	}
	return wrapped.Data, nil
}

// Stats are the dashboard counters served by /api/stats.
type Stats struct {
	TotalLeads     int `json:"totalLeads"`
	ActiveLeads    int `json:"activeLeads"`
	RespondedLeads int `json:"respondedLeads"`
	PendingLeads   int `json:"pendingLeads"`
}

func (c *Client) FetchStats(ctx context.Context) (Stats, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/stats", nil)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	if err := decode(resp, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// SyncResult reports how many enquiries the backend pulled from the channel.
type SyncResult struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Message string `json:"message,omitempty"`
}

// Sync asks the backend to pull fresh enquiries from the channel provider.
func (c *Client) Sync(ctx context.Context, channel enquiry.Channel) (SyncResult, error) {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/%s/sync", url.PathEscape(string(channel))), struct{}{})
	if err != nil {
		return SyncResult{}, err
	}
	var result SyncResult
	if err := decode(resp, &result); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}
