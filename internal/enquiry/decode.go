package enquiry

import (
	"sort"
	"strconv"
)

var (
	leadNameRules     = []fieldPath{{"name"}, {"formData", "name"}, {"full_name"}}
	leadEmailRules    = []fieldPath{{"email"}, {"formData", "email"}}
	leadPhoneRules    = []fieldPath{{"phone"}, {"formData", "phone"}, {"phone_number"}}
	leadStatusRules   = []fieldPath{{"status"}}
	leadPreviewRules  = []fieldPath{{"message"}}
	leadSenderRules   = []fieldPath{{"senderId"}, {"from"}, {"formData", "from"}}
	leadCreatedRules  = []fieldPath{{"createdAt"}, {"date"}}
	leadActivityRules = []fieldPath{{"lastMessageTime"}, {"updatedAt"}}
	leadMessagesRules = []fieldPath{{"formData", "allMessages"}, {"allMessages"}, {"messages"}}
	leadCountRules    = []fieldPath{{"messageCount"}}
)

// DecodeLead builds a Lead from a list API record. It reports false when the
// record carries no usable identifier.
func DecodeLead(p Payload, opts MergeOptions) (Lead, bool) {
	key, ok := ResolveLeadKey(p)
	if !ok {
		return Lead{}, false
	}
	lead := Lead{Key: key}
	lead.Name, _ = p.firstText(leadNameRules)
	lead.Email, _ = p.firstText(leadEmailRules)
	lead.Phone, _ = p.firstIdentifier(leadPhoneRules)
	status, _ := p.firstText(leadStatusRules)
	lead.Status = normalizeStatus(status)
	lead.Preview, _ = p.firstText(leadPreviewRules)
	lead.SenderID, _ = p.firstIdentifier(leadSenderRules)
	lead.CreatedAt, _ = p.firstTime(leadCreatedRules)

	for _, raw := range p.firstArray(leadMessagesRules) {
		m, ok := asObject(raw)
		if !ok {
			continue
		}
		lead.Messages = append(lead.Messages, decodeMessage(Payload(m), opts))
	}
	sort.SliceStable(lead.Messages, func(i, j int) bool {
		return lead.Messages[i].CreatedAt.Before(lead.Messages[j].CreatedAt)
	})

	lead.MessageCount = len(lead.Messages)
	if raw, ok := p.firstIdentifier(leadCountRules); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > lead.MessageCount {
			lead.MessageCount = n
		}
	}

	lead.LastActivity = lead.CreatedAt
	if ts, ok := p.firstTime(leadActivityRules); ok && ts.After(lead.LastActivity) {
		lead.LastActivity = ts
	}
	if n := len(lead.Messages); n > 0 && lead.Messages[n-1].CreatedAt.After(lead.LastActivity) {
		lead.LastActivity = lead.Messages[n-1].CreatedAt
	}
	return lead, true
}

// DecodeLeads decodes every record that resolves to a key and skips the rest.
func DecodeLeads(records []Payload, opts MergeOptions) []Lead {
	leads := make([]Lead, 0, len(records))
	for _, record := range records {
		if lead, ok := DecodeLead(record, opts); ok {
			leads = append(leads, lead)
		}
	}
	return leads
}

func (p Payload) firstArray(rules []fieldPath) []any {
	for _, rule := range rules {
		value, ok := p.lookup(rule)
		if !ok {
			continue
		}
		if items, ok := value.([]any); ok {
			return items
		}
	}
	return nil
}
