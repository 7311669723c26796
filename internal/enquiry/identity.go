package enquiry

// Key is the canonical lead identifier shared by every channel.
type Key string

// Probe order for the lead reference carried by a push event.
var eventKeyRules = []fieldPath{
	{"lead", "_id"},
	{"lead", "id"},
	{"leadId"},
}

// Probe order for the identifier of a lead record returned by the list API.
var leadKeyRules = []fieldPath{
	{"_id"},
	{"id"},
}

// ResolveEventKey finds the lead a push event refers to. The second return
// value is false when no candidate field holds a usable identifier; callers
// must treat that as a no-op, never as a new lead.
func ResolveEventKey(p Payload) (Key, bool) {
	id, ok := p.firstIdentifier(eventKeyRules)
	if !ok {
		return "", false
	}
	return Key(id), true
}

// ResolveLeadKey finds the identifier of a lead record.
func ResolveLeadKey(p Payload) (Key, bool) {
	id, ok := p.firstIdentifier(leadKeyRules)
	if !ok {
		return "", false
	}
	return Key(id), true
}
