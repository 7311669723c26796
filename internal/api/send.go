package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
)

const (
	windowExpiredCode    = 10
	windowExpiredSubcode = 2018278

	MessageWindowExpired = "Message cannot be sent - The 24-hour messaging window has expired. The customer needs to send a new message first."
	MessageSendFailed    = "Failed to send message"
)

type SendRequest struct {
	Channel     string `json:"-"`
	RecipientID string `json:"recipientId" validate:"required"`
	Message     string `json:"message" validate:"required"`
	LeadID      string `json:"leadId,omitempty"`
}

// SendResult is the send endpoint's reply. Raw keeps the full body for
// error inspection and for merging the confirmed message.
type SendResult struct {
	Success bool            `json:"success"`
	Data    map[string]any  `json:"data,omitempty"`
	Raw     enquiry.Payload `json:"-"`
}

// SendError is a send the provider refused. Message is suitable for display.
type SendError struct {
	Message    string
	Code       int
	Subcode    int
	StatusCode int
}

func (e *SendError) Error() string {
	return e.Message
}

// WindowExpired reports whether the reply window for the customer has closed.
func (e *SendError) WindowExpired() bool {
	return e.Code == windowExpiredCode && e.Subcode == windowExpiredSubcode
}

// SendMessage posts a reply through the backend. The endpoint is picked from
// the channel tag: instagram* goes to Instagram, anything else to Facebook.
// A reply the provider rejects yields a *SendError alongside the result.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	req.Message = strings.TrimSpace(req.Message)
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	if err := c.validate.Struct(req); err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	channel := enquiry.RouteChannel(req.Channel)
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/%s/send-message", channel), req)
	if err != nil {
		return SendResult{}, err
	}

	var raw enquiry.Payload
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &raw); err != nil && resp.status < 300 {
			return SendResult{}, fmt.Errorf("decode send result: %w", err)
		}
	}
	if raw == nil {
		if resp.status >= 300 {
			return SendResult{}, newHTTPError(resp)
		}
		raw = enquiry.Payload{}
	}
	result := SendResult{Raw: raw}
	result.Success, _ = raw["success"].(bool)
	if data, ok := raw.Object("data"); ok {
		result.Data = data
	}
	if resp.status >= 300 {
		result.Success = false
	}
	if !result.Success {
		return result, newSendError(raw, resp.status)
	}
	return result, nil
}

// Confirmation is the payload merged into the store once a send succeeds.
// It is flat so the text staff typed wins over anything the backend echoes.
func (r SendResult) Confirmation(text string) enquiry.Payload {
	p := enquiry.Payload{"text": text}
	for _, key := range []string{"message_id", "id"} {
		if id, ok := r.Data[key]; ok && id != nil {
			p["message_id"] = id
			break
		}
	}
	return p
}

func newSendError(result enquiry.Payload, status int) *SendError {
	e := &SendError{Message: DescribeSendError(result), StatusCode: status}
	if provider, ok := providerError(result); ok {
		e.Code, _ = intValue(provider["code"])
		e.Subcode, _ = intValue(provider["error_subcode"])
	}
	return e
}

// DescribeSendError turns a failed send result into text for staff. The
// expired reply window is recognised by its code pair; other provider errors
// use their own message, then a plain string error, then a fixed default.
func DescribeSendError(result enquiry.Payload) string {
	if provider, ok := providerError(result); ok {
		code, _ := intValue(provider["code"])
		subcode, _ := intValue(provider["error_subcode"])
		if code == windowExpiredCode && subcode == windowExpiredSubcode {
			return MessageWindowExpired
		}
		if msg, ok := provider["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return msg
		}
		return MessageSendFailed
	}
	if msg, ok := result["error"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	return MessageSendFailed
}

func providerError(result enquiry.Payload) (map[string]any, bool) {
	outer, ok := result.Object("error")
	if !ok {
		return nil, false
	}
	inner, ok := outer.Object("error")
	if !ok {
		return nil, false
	}
	return inner, true
}

func intValue(v any) (int, bool) {
	switch typed := v.(type) {
	case float64:
		return int(typed), true
	case json.Number:
		n, err := typed.Int64()
		return int(n), err == nil
	case int:
		return typed, true
	case string:
		var n int
		_, err := fmt.Sscanf(strings.TrimSpace(typed), "%d", &n)
		return n, err == nil
	default:
		return 0, false
	}
}
