package enquiry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEventKeyPriority(t *testing.T) {
	cases := []struct {
		name  string
		event Payload
		want  Key
		ok    bool
	}{
		{"nested primary wins", Payload{"lead": map[string]any{"_id": "a", "id": "b"}, "leadId": "c"}, "a", true},
		{"nested secondary", Payload{"lead": map[string]any{"id": "b"}, "leadId": "c"}, "b", true},
		{"top level", Payload{"leadId": "c"}, "c", true},
		{"blank primary falls through", Payload{"lead": map[string]any{"_id": ""}, "leadId": "c"}, "c", true},
		{"numeric", Payload{"leadId": float64(17)}, "17", true},
		{"none", Payload{"message": "x"}, "", false},
		{"wrong type", Payload{"leadId": true}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, ok := ResolveEventKey(tc.event)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, key)
		})
	}
}

func TestNewStoreKeepsFirstOfDuplicateKeys(t *testing.T) {
	store := NewStore(ChannelFacebook, []Lead{
		{Key: "a", Name: "first"},
		{Key: ""},
		{Key: "b"},
		{Key: "a", Name: "second"},
	})
	require.Equal(t, 2, store.Len())
	lead, ok := store.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "first", lead.Name)
	assert.Equal(t, []Key{"a", "b"}, []Key{store.Leads()[0].Key, store.Leads()[1].Key})
}

func TestStoreFilter(t *testing.T) {
	store := NewStore(ChannelFacebook, []Lead{
		{Key: "1", Name: "Ada Lovelace", Email: "ada@example.com"},
		{Key: "2", Name: "Grace", Phone: "+44 7700"},
		{Key: "3", Name: "Linus", Preview: "Need a QUOTE"},
	})
	assert.Len(t, store.Filter(""), 3)
	assert.Equal(t, Key("1"), store.Filter("ADA")[0].Key)
	assert.Equal(t, Key("2"), store.Filter("7700")[0].Key)
	assert.Equal(t, Key("3"), store.Filter("quote")[0].Key)
	assert.Empty(t, store.Filter("zzz"))
}

func TestStoreStats(t *testing.T) {
	store := NewStore(ChannelInstagram, []Lead{
		{Key: "1", Status: StatusNew, MessageCount: 2},
		{Key: "2", Status: StatusMissed},
		{Key: "3", Status: StatusDelayed},
		{Key: "4", Status: StatusResponded, MessageCount: 1},
		{Key: "5", Status: "archived"},
	})
	assert.Equal(t, Stats{Total: 5, New: 1, Responded: 1, Delayed: 1, Missed: 1, Other: 1, Messages: 3}, store.Stats())
}

func TestSelectionFollowsReplacedStore(t *testing.T) {
	var sel Selection
	store := testStore()
	_, ok := sel.Open(store, "L1")
	require.True(t, ok)

	store, _ = MergeIncoming(store, Payload{"leadId": "L1", "message": "new"}, fixedOptions())
	lead, ok := sel.OnStoreReplaced(store)
	require.True(t, ok)
	require.Len(t, lead.Messages, 1)
	current, _ := sel.Current()
	assert.Equal(t, "new", current.Messages[0].Text)

	sel.OnStoreReplaced(NewStore(ChannelFacebook, []Lead{{Key: "L2"}}))
	_, open := sel.Current()
	assert.False(t, open)
	_, open = sel.Key()
	assert.False(t, open)
}

func TestSelectionOpenUnknownKeyClears(t *testing.T) {
	var sel Selection
	sel.Open(testStore(), "L1")
	_, ok := sel.Open(testStore(), "missing")
	assert.False(t, ok)
	_, open := sel.Current()
	assert.False(t, open)
}

const facebookRecord = `{
  "_id": "fb_lead_1",
  "name": "Ada",
  "email": "ada@example.com",
  "phone": "555",
  "message": "first question",
  "createdAt": "2026-03-01T09:00:00.000Z",
  "formData": {
    "from": "psid_9",
    "allMessages": [
      {"id": "m2", "message": "reply", "from": "page", "createdAt": "2026-03-01T09:05:00.000Z", "isFromPage": true},
      {"id": "m1", "message": "first question", "from": "psid_9", "createdAt": "2026-03-01T09:00:00.000Z"}
    ]
  }
}`

const instagramRecord = `{
  "id": "ig_lead_1",
  "name": "Grace",
  "status": "responded",
  "allMessages": [
    {"messageId": "ig_m1", "message": {"text": "hey"}, "senderId": "igsid_3", "createdAt": 1772355600000}
  ],
  "messageCount": 4,
  "lastMessageTime": "2026-03-02T10:00:00Z"
}`

func decodeRecord(t *testing.T, raw string) Payload {
	t.Helper()
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func TestDecodeLeadFacebookShape(t *testing.T) {
	lead, ok := DecodeLead(decodeRecord(t, facebookRecord), fixedOptions())
	require.True(t, ok)
	assert.Equal(t, Key("fb_lead_1"), lead.Key)
	assert.Equal(t, StatusNew, lead.Status)
	assert.Equal(t, "psid_9", lead.SenderID)
	require.Len(t, lead.Messages, 2)
	assert.Equal(t, "m1", lead.Messages[0].ID)
	assert.Equal(t, OriginCustomer, lead.Messages[0].Origin)
	assert.Equal(t, OriginPage, lead.Messages[1].Origin)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC), lead.LastActivity)
	recipient, ok := lead.RecipientID()
	require.True(t, ok)
	assert.Equal(t, "psid_9", recipient)
}

func TestDecodeLeadInstagramShape(t *testing.T) {
	lead, ok := DecodeLead(decodeRecord(t, instagramRecord), fixedOptions())
	require.True(t, ok)
	assert.Equal(t, Key("ig_lead_1"), lead.Key)
	assert.Equal(t, StatusResponded, lead.Status)
	assert.Equal(t, 4, lead.MessageCount)
	require.Len(t, lead.Messages, 1)
	assert.Equal(t, "hey", lead.Messages[0].Text)
	assert.Equal(t, "ig_m1", lead.Messages[0].ID)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), lead.LastActivity)
	recipient, ok := lead.RecipientID()
	require.True(t, ok)
	assert.Equal(t, "igsid_3", recipient)
}

func TestDecodeLeadsSkipsRecordsWithoutKey(t *testing.T) {
	leads := DecodeLeads([]Payload{{"name": "ghost"}, {"id": "x"}}, fixedOptions())
	require.Len(t, leads, 1)
	assert.Equal(t, Key("x"), leads[0].Key)
}

func TestParseChannel(t *testing.T) {
	ch, ok := ParseChannel("Instagram_DM")
	require.True(t, ok)
	assert.Equal(t, ChannelInstagram, ch)
	_, ok = ParseChannel("whatsapp")
	assert.False(t, ok)
	assert.Equal(t, ChannelFacebook, RouteChannel("whatsapp"))
	assert.Equal(t, "instagram:new_message", ChannelInstagram.MessageEvent())
}
