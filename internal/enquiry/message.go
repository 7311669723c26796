package enquiry

import (
	"time"

	"github.com/google/uuid"
)

const unknownSender = "unknown"

// Extraction rules for push events.
var (
	incomingTextRules = []fieldPath{{"message"}, {"message", "text"}, {"message", "message"}}
	incomingIDRules   = []fieldPath{{"messageId"}, {"message_id"}, {"message", "id"}, {"message", "mid"}}
	incomingFromRules = []fieldPath{{"from"}, {"senderId"}}
	incomingTimeRules = []fieldPath{{"timestamp"}, {"createdAt"}}
)

// Extraction rules for messages embedded in lead records from the list API.
var (
	storedIDRules   = []fieldPath{{"id"}, {"messageId"}, {"message_id"}, {"_id"}}
	storedTextRules = []fieldPath{{"message"}, {"text"}, {"message", "text"}, {"message", "message"}}
	storedFromRules = []fieldPath{{"from"}, {"senderId"}}
	storedTimeRules = []fieldPath{{"createdAt"}, {"timestamp"}, {"created_time"}}
)

// Extraction rules for send confirmations. A raw send-API result wraps the
// useful fields in "data"; sentPayload unwraps it first.
var (
	sentTextRules = []fieldPath{{"text"}, {"message", "text"}, {"message", "message"}, {"message"}}
	sentIDRules   = []fieldPath{{"message_id"}, {"id"}}
)

var pageFlagRules = []fieldPath{{"isFromPage"}}

// MergeOptions carries the environment a merge runs in.
type MergeOptions struct {
	// PageID is the channel account id; messages sent from it are staff messages.
	PageID string
	Now    func() time.Time
	NewID  func() string
}

func (o MergeOptions) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o MergeOptions) newID() string {
	if o.NewID != nil {
		if id := o.NewID(); id != "" {
			return id
		}
	}
	return "msg_" + uuid.NewString()
}

// IncomingText extracts the message body from a push event, which may carry
// it as a plain string or as a nested object.
func IncomingText(p Payload) string {
	text, _ := p.firstText(incomingTextRules)
	return text
}

func normalizeIncoming(p Payload, opts MergeOptions) Message {
	from, ok := p.firstIdentifier(incomingFromRules)
	if !ok {
		from = unknownSender
	}
	createdAt, ok := p.firstTime(incomingTimeRules)
	if !ok {
		createdAt = opts.now()
	}
	id, ok := p.firstIdentifier(incomingIDRules)
	if !ok {
		id = opts.newID()
	}
	return Message{
		ID:        id,
		Text:      IncomingText(p),
		From:      from,
		Origin:    originFor(p, from, opts.PageID),
		CreatedAt: createdAt,
	}
}

func decodeMessage(p Payload, opts MergeOptions) Message {
	from, ok := p.firstIdentifier(storedFromRules)
	if !ok {
		from = unknownSender
	}
	createdAt, _ := p.firstTime(storedTimeRules)
	id, ok := p.firstIdentifier(storedIDRules)
	if !ok {
		id = opts.newID()
	}
	text, _ := p.firstText(storedTextRules)
	return Message{
		ID:        id,
		Text:      text,
		From:      from,
		Origin:    originFor(p, from, opts.PageID),
		CreatedAt: createdAt,
	}
}

func originFor(p Payload, from, pageID string) Origin {
	if fromPage, ok := p.firstBool(pageFlagRules); ok && fromPage {
		return OriginPage
	}
	if from == string(OriginPage) {
		return OriginPage
	}
	if pageID != "" && from == pageID {
		return OriginPage
	}
	return OriginCustomer
}

func sentPayload(p Payload) Payload {
	if data, ok := p.Object("data"); ok {
		return data
	}
	return p
}
