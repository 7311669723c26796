package enquiry

import (
	"errors"
	"sort"
)

var (
	// ErrNothingToAppend is returned when a send confirmation carries no text.
	ErrNothingToAppend = errors.New("send result has no message text to append")
	ErrUnknownLead     = errors.New("lead not found in store")
)

type DropReason string

const (
	DropUnresolved  DropReason = "unresolved_identity"
	DropUnknownLead DropReason = "unknown_lead"
)

// MergeResult describes what a merge did to the store.
type MergeResult struct {
	Key     Key
	Applied bool
	Reason  DropReason
	Message Message
}

// MergeIncoming integrates a push event into the lead it refers to and
// returns the new store. Events whose lead cannot be resolved, or whose lead
// is not in the store, leave the store untouched: push events never create
// rows. Redelivered events are appended again; deduplication belongs to the
// transport.
func MergeIncoming(s Store, event Payload, opts MergeOptions) (Store, MergeResult) {
	key, ok := ResolveEventKey(event)
	if !ok {
		return s, MergeResult{Reason: DropUnresolved}
	}
	i, ok := s.index[key]
	if !ok {
		return s, MergeResult{Key: key, Reason: DropUnknownLead}
	}
	msg := normalizeIncoming(event, opts)
	return s.replace(i, appendMessage(s.leads[i], msg)), MergeResult{Key: key, Applied: true, Message: msg}
}

// MergeOutgoing appends a staff message confirmed by the send API to the lead
// identified by key. sent is either the flat confirmation
// ({text, message_id}) or a raw send-API result ({success, data: {...}}).
func MergeOutgoing(s Store, sent Payload, key Key, opts MergeOptions) (Store, Message, error) {
	data := sentPayload(sent)
	text, ok := data.firstText(sentTextRules)
	if !ok {
		text, ok = sent.firstText(sentTextRules)
	}
	if !ok {
		return s, Message{}, ErrNothingToAppend
	}
	i, ok := s.index[key]
	if !ok {
		return s, Message{}, ErrUnknownLead
	}
	id, ok := data.firstIdentifier(sentIDRules)
	if !ok {
		id = opts.newID()
	}
	msg := Message{
		ID:        id,
		Text:      text,
		From:      string(OriginPage),
		Origin:    OriginPage,
		CreatedAt: opts.now(),
	}
	return s.replace(i, appendMessage(s.leads[i], msg)), msg, nil
}

var (
	updateStatusRules = []fieldPath{{"lead", "status"}, {"status"}}
	updateNameRules   = []fieldPath{{"lead", "name"}, {"name"}}
	updateEmailRules  = []fieldPath{{"lead", "email"}, {"email"}}
	updatePhoneRules  = []fieldPath{{"lead", "phone"}, {"phone"}}
)

// MergeUpdate applies an enquiry:updated event to the display attributes and
// status of an existing lead. Messages are left alone.
func MergeUpdate(s Store, event Payload) (Store, MergeResult) {
	key, ok := ResolveEventKey(event)
	if !ok {
		return s, MergeResult{Reason: DropUnresolved}
	}
	i, ok := s.index[key]
	if !ok {
		return s, MergeResult{Key: key, Reason: DropUnknownLead}
	}
	lead := s.leads[i]
	changed := false
	if status, ok := event.firstText(updateStatusRules); ok && normalizeStatus(status) != lead.Status {
		lead.Status = normalizeStatus(status)
		changed = true
	}
	for _, field := range []struct {
		rules  []fieldPath
		target *string
	}{
		{updateNameRules, &lead.Name},
		{updateEmailRules, &lead.Email},
		{updatePhoneRules, &lead.Phone},
	} {
		if v, ok := event.firstText(field.rules); ok && v != *field.target {
			*field.target = v
			changed = true
		}
	}
	if !changed {
		return s, MergeResult{Key: key}
	}
	return s.replace(i, lead), MergeResult{Key: key, Applied: true}
}

// appendMessage returns a copy of lead with msg inserted in timestamp order.
// Messages with equal timestamps keep arrival order.
func appendMessage(lead Lead, msg Message) Lead {
	pos := sort.Search(len(lead.Messages), func(i int) bool {
		return lead.Messages[i].CreatedAt.After(msg.CreatedAt)
	})
	messages := make([]Message, 0, len(lead.Messages)+1)
	messages = append(messages, lead.Messages[:pos]...)
	messages = append(messages, msg)
	messages = append(messages, lead.Messages[pos:]...)
	lead.Messages = messages
	lead.MessageCount++
	if msg.CreatedAt.After(lead.LastActivity) {
		lead.LastActivity = msg.CreatedAt
	}
	return lead
}
