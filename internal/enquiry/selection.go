package enquiry

// Selection tracks the lead currently open in a detail view. It stores the
// key, not the record, and re-derives the record whenever the store is
// replaced. A Selection is not safe for concurrent use; the owner guards it
// together with the store it follows.
type Selection struct {
	key     Key
	open    bool
	current Lead
}

// Open selects key in store. It reports false, leaving nothing selected, when
// the key is not in the store.
func (s *Selection) Open(store Store, key Key) (Lead, bool) {
	lead, ok := store.Lookup(key)
	if !ok {
		s.Close()
		return Lead{}, false
	}
	s.key, s.open, s.current = key, true, lead
	return lead, true
}

func (s *Selection) Close() {
	s.key, s.open, s.current = "", false, Lead{}
}

func (s *Selection) Key() (Key, bool) {
	return s.key, s.open
}

func (s *Selection) Current() (Lead, bool) {
	return s.current, s.open
}

// OnStoreReplaced republishes the open record from store, or clears the
// selection when the record is gone.
func (s *Selection) OnStoreReplaced(store Store) (Lead, bool) {
	if !s.open {
		return Lead{}, false
	}
	lead, ok := store.Lookup(s.key)
	if !ok {
		s.Close()
		return Lead{}, false
	}
	s.current = lead
	return lead, true
}
