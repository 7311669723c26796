package enquiry

import (
	"strings"
	"time"
)

type Channel string

const (
	ChannelFacebook  Channel = "facebook"
	ChannelInstagram Channel = "instagram"
)

// Push event names delivered by the live transport.
const (
	EventFacebookMessage  = "facebook:new_message"
	EventInstagramMessage = "instagram:new_message"
	EventEnquiryUpdated   = "enquiry:updated"
)

// Channels lists the supported channels in display order.
func Channels() []Channel {
	return []Channel{ChannelFacebook, ChannelInstagram}
}

// ParseChannel maps a channel tag to a Channel. Tags starting with
// "instagram" route to Instagram; "facebook" and "messenger" route to
// Facebook. Anything else is rejected.
func ParseChannel(tag string) (Channel, bool) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	switch {
	case strings.HasPrefix(tag, "instagram"):
		return ChannelInstagram, true
	case strings.HasPrefix(tag, "facebook"), tag == "messenger":
		return ChannelFacebook, true
	default:
		return "", false
	}
}

// RouteChannel is the send-side routing rule: instagram* goes to Instagram,
// everything else to Facebook.
func RouteChannel(tag string) Channel {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(tag)), "instagram") {
		return ChannelInstagram
	}
	return ChannelFacebook
}

func (c Channel) Label() string {
	switch c {
	case ChannelInstagram:
		return "Instagram"
	case ChannelFacebook:
		return "Facebook"
	default:
		return string(c)
	}
}

// MessageEvent is the push event name carrying new messages for the channel.
func (c Channel) MessageEvent() string {
	return string(c) + ":new_message"
}

type Status string

const (
	StatusNew       Status = "new"
	StatusResponded Status = "responded"
	StatusDelayed   Status = "delayed"
	StatusMissed    Status = "missed"
)

func normalizeStatus(raw string) Status {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return StatusNew
	}
	return Status(raw)
}

// Known reports whether the status is one of the enumerated tags.
func (s Status) Known() bool {
	switch s {
	case StatusNew, StatusResponded, StatusDelayed, StatusMissed:
		return true
	}
	return false
}

type Origin string

const (
	OriginPage     Origin = "page"
	OriginCustomer Origin = "customer"
)

type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"message"`
	From      string    `json:"from"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"createdAt"`
}

// FromPage reports whether the message was written by staff.
func (m Message) FromPage() bool {
	return m.Origin == OriginPage
}

// Lead is one enquiry record. Messages is kept sorted by CreatedAt and must
// be treated as read-only by callers.
type Lead struct {
	Key          Key       `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	Status       Status    `json:"status"`
	Preview      string    `json:"message,omitempty"`
	SenderID     string    `json:"senderId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
	Messages     []Message `json:"messages"`
}

// RecipientID returns the channel user id replies should be addressed to.
func (l Lead) RecipientID() (string, bool) {
	if l.SenderID != "" {
		return l.SenderID, true
	}
	for _, msg := range l.Messages {
		if msg.Origin == OriginCustomer && msg.From != "" && msg.From != unknownSender {
			return msg.From, true
		}
	}
	return "", false
}
