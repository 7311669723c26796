package enquiry

import "strings"

// Store is an ordered, immutable collection of leads for one channel. Every
// mutation returns a new Store; the receiver is never modified, so a Store
// value can be handed to readers without copying.
type Store struct {
	channel Channel
	leads   []Lead
	index   map[Key]int
}

// NewStore builds a store from fetched leads, keeping the given order. Leads
// without a key are dropped and a repeated key keeps its first occurrence.
func NewStore(channel Channel, leads []Lead) Store {
	s := Store{
		channel: channel,
		leads:   make([]Lead, 0, len(leads)),
		index:   make(map[Key]int, len(leads)),
	}
	for _, lead := range leads {
		if lead.Key == "" {
			continue
		}
		if _, dup := s.index[lead.Key]; dup {
			continue
		}
		s.index[lead.Key] = len(s.leads)
		s.leads = append(s.leads, lead)
	}
	return s
}

func (s Store) Channel() Channel {
	return s.channel
}

func (s Store) Len() int {
	return len(s.leads)
}

// Leads returns the records in list order.
func (s Store) Leads() []Lead {
	out := make([]Lead, len(s.leads))
	copy(out, s.leads)
	return out
}

func (s Store) Lookup(key Key) (Lead, bool) {
	i, ok := s.index[key]
	if !ok {
		return Lead{}, false
	}
	return s.leads[i], true
}

// Filter returns the leads whose name, email, phone or preview message
// contains text. Matching ignores case except for phone numbers.
func (s Store) Filter(text string) []Lead {
	text = strings.TrimSpace(text)
	if text == "" {
		return s.Leads()
	}
	needle := strings.ToLower(text)
	out := make([]Lead, 0)
	for _, lead := range s.leads {
		switch {
		case strings.Contains(strings.ToLower(lead.Name), needle),
			strings.Contains(strings.ToLower(lead.Email), needle),
			strings.Contains(lead.Phone, text),
			strings.Contains(strings.ToLower(lead.Preview), needle):
			out = append(out, lead)
		}
	}
	return out
}

// replace returns a new store in which the lead at position i is swapped for
// lead. The index is shared because keys never change.
func (s Store) replace(i int, lead Lead) Store {
	leads := make([]Lead, len(s.leads))
	copy(leads, s.leads)
	leads[i] = lead
	return Store{channel: s.channel, leads: leads, index: s.index}
}

// Stats counts leads per status tag.
type Stats struct {
	Total     int `json:"total"`
	New       int `json:"new"`
	Responded int `json:"responded"`
	Delayed   int `json:"delayed"`
	Missed    int `json:"missed"`
	Other     int `json:"other"`
	Messages  int `json:"messages"`
}

func (s Store) Stats() Stats {
	var st Stats
	for _, lead := range s.leads {
		st.Total++
		st.Messages += lead.MessageCount
		switch lead.Status {
		case StatusNew:
			st.New++
		case StatusResponded:
			st.Responded++
		case StatusDelayed:
			st.Delayed++
		case StatusMissed:
			st.Missed++
		default:
			st.Other++
		}
	}
	return st
}
