package enquiry

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

func fixedOptions() MergeOptions {
	n := 0
	return MergeOptions{
		PageID: "page_1",
		Now:    func() time.Time { return t1.Add(time.Hour) },
		NewID: func() string {
			n++
			return fmt.Sprintf("gen_%d", n)
		},
	}
}

func testStore() Store {
	return NewStore(ChannelFacebook, []Lead{
		{Key: "L1", Name: "Ada", Status: StatusNew},
		{Key: "L2", Name: "Grace", Status: StatusResponded, Messages: []Message{
			{ID: "m0", Text: "hello", Origin: OriginCustomer, CreatedAt: t0},
		}, MessageCount: 1},
	})
}

func sameBacking(a, b Store) bool {
	if len(a.leads) != len(b.leads) {
		return false
	}
	return len(a.leads) == 0 || &a.leads[0] == &b.leads[0]
}

func TestMergeIncomingUnresolvedIdentityLeavesStoreUntouched(t *testing.T) {
	before := testStore()
	for _, event := range []Payload{
		{"message": "hi"},
		{"lead": map[string]any{"name": "no id"}, "message": "hi"},
		{"leadId": "   ", "message": "hi"},
		{"lead": "L1", "message": "hi"},
	} {
		after, result := MergeIncoming(before, event, fixedOptions())
		assert.True(t, sameBacking(before, after), "store must be reference-equal for %v", event)
		assert.False(t, result.Applied)
		assert.Equal(t, DropUnresolved, result.Reason)
	}
}

func TestMergeIncomingUnknownLeadIsDropped(t *testing.T) {
	before := testStore()
	after, result := MergeIncoming(before, Payload{"leadId": "L9", "message": "hi"}, fixedOptions())
	assert.True(t, sameBacking(before, after))
	assert.Equal(t, DropUnknownLead, result.Reason)
	assert.Equal(t, Key("L9"), result.Key)
	assert.Equal(t, 2, after.Len())
}

func TestMergeIncomingOutOfOrderArrivalsStaySorted(t *testing.T) {
	store := testStore()
	store, first := MergeIncoming(store, Payload{
		"lead":      map[string]any{"id": "L1"},
		"message":   "hi",
		"timestamp": t1.Format(time.RFC3339),
	}, fixedOptions())
	require.True(t, first.Applied)
	store, second := MergeIncoming(store, Payload{
		"lead":      map[string]any{"id": "L1"},
		"message":   "yo",
		"timestamp": t0.Format(time.RFC3339),
	}, fixedOptions())
	require.True(t, second.Applied)

	lead, ok := store.Lookup("L1")
	require.True(t, ok)
	require.Len(t, lead.Messages, 2)
	assert.Equal(t, "yo", lead.Messages[0].Text)
	assert.Equal(t, t0, lead.Messages[0].CreatedAt)
	assert.Equal(t, "hi", lead.Messages[1].Text)
	assert.Equal(t, t1, lead.Messages[1].CreatedAt)
	assert.Equal(t, t1, lead.LastActivity)
	assert.Equal(t, 2, lead.MessageCount)
}

func TestMergeIncomingGrowsExactlyOneAndKeepsOrderUnderInterleaving(t *testing.T) {
	store := testStore()
	offsets := []int{5, 1, 9, 3, 3, 0, 7}
	for i, off := range offsets {
		before, _ := store.Lookup("L2")
		var result MergeResult
		store, result = MergeIncoming(store, Payload{
			"leadId":    "L2",
			"message":   fmt.Sprintf("m%d", i),
			"timestamp": t0.Add(time.Duration(off) * time.Second).Format(time.RFC3339Nano),
		}, fixedOptions())
		require.True(t, result.Applied)
		after, _ := store.Lookup("L2")
		require.Len(t, after.Messages, len(before.Messages)+1)
		for j := 1; j < len(after.Messages); j++ {
			assert.False(t, after.Messages[j].CreatedAt.Before(after.Messages[j-1].CreatedAt))
		}
	}
}

func TestMergeIncomingDoesNotDeduplicateRedelivery(t *testing.T) {
	event := Payload{"leadId": "L1", "messageId": "fb_1", "message": "same", "timestamp": t0.Format(time.RFC3339)}
	store, _ := MergeIncoming(testStore(), event, fixedOptions())
	store, _ = MergeIncoming(store, event, fixedOptions())
	lead, _ := store.Lookup("L1")
	require.Len(t, lead.Messages, 2)
	assert.Equal(t, "fb_1", lead.Messages[0].ID)
	assert.Equal(t, "fb_1", lead.Messages[1].ID)
}

func TestMergeIncomingDoesNotMutatePreviousStore(t *testing.T) {
	before := testStore()
	otherBefore, _ := before.Lookup("L2")
	after, _ := MergeIncoming(before, Payload{"leadId": "L1", "message": "x"}, fixedOptions())

	old, _ := before.Lookup("L1")
	assert.Empty(t, old.Messages)
	otherAfter, _ := after.Lookup("L2")
	assert.Same(t, &otherBefore.Messages[0], &otherAfter.Messages[0])
}

func TestMergeIncomingDefaultsMissingFields(t *testing.T) {
	store, result := MergeIncoming(testStore(), Payload{"leadId": "L1"}, fixedOptions())
	require.True(t, result.Applied)
	lead, _ := store.Lookup("L1")
	msg := lead.Messages[0]
	assert.Equal(t, "gen_1", msg.ID)
	assert.Equal(t, "", msg.Text)
	assert.Equal(t, "unknown", msg.From)
	assert.Equal(t, OriginCustomer, msg.Origin)
	assert.Equal(t, t1.Add(time.Hour), msg.CreatedAt)
}

func TestMergeIncomingExtractsNestedTextAndInfersOrigin(t *testing.T) {
	cases := []struct {
		name   string
		event  Payload
		text   string
		origin Origin
	}{
		{"nested text", Payload{"leadId": "L1", "message": map[string]any{"text": "nested"}, "from": "cust_1"}, "nested", OriginCustomer},
		{"nested message", Payload{"leadId": "L1", "message": map[string]any{"message": "inner"}}, "inner", OriginCustomer},
		{"page flag", Payload{"leadId": "L1", "message": "hi", "isFromPage": true}, "hi", OriginPage},
		{"page account id", Payload{"leadId": "L1", "message": "hi", "senderId": "page_1"}, "hi", OriginPage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, result := MergeIncoming(testStore(), tc.event, fixedOptions())
			require.True(t, result.Applied)
			assert.Equal(t, tc.text, result.Message.Text)
			assert.Equal(t, tc.origin, result.Message.Origin)
		})
	}
}

func TestMergeIncomingAcceptsJSONNumbers(t *testing.T) {
	store := NewStore(ChannelInstagram, []Lead{{Key: "42"}})
	event := Payload{
		"lead":      map[string]any{"id": json.Number("42")},
		"message":   "num",
		"timestamp": json.Number(fmt.Sprint(t0.UnixMilli())),
	}
	store, result := MergeIncoming(store, event, fixedOptions())
	require.True(t, result.Applied)
	lead, _ := store.Lookup("42")
	assert.Equal(t, t0, lead.Messages[0].CreatedAt)
}

func TestMergeOutgoingUsesReturnedID(t *testing.T) {
	store, msg, err := MergeOutgoing(testStore(), Payload{
		"success": true,
		"data":    map[string]any{"id": "m42", "text": "thanks"},
	}, "L1", fixedOptions())
	require.NoError(t, err)
	assert.Equal(t, "m42", msg.ID)
	assert.Equal(t, OriginPage, msg.Origin)
	lead, _ := store.Lookup("L1")
	require.Len(t, lead.Messages, 1)
	assert.Equal(t, "thanks", lead.Messages[0].Text)
	assert.True(t, lead.Messages[0].FromPage())
}

func TestMergeOutgoingPrefersMessageID(t *testing.T) {
	_, msg, err := MergeOutgoing(testStore(), Payload{"text": "ok", "message_id": "mid.1", "id": "other"}, "L2", fixedOptions())
	require.NoError(t, err)
	assert.Equal(t, "mid.1", msg.ID)
}

func TestMergeOutgoingSynthesizesIDWhenAbsent(t *testing.T) {
	_, msg, err := MergeOutgoing(testStore(), Payload{"text": "ok"}, "L2", fixedOptions())
	require.NoError(t, err)
	assert.Equal(t, "gen_1", msg.ID)
}

func TestMergeOutgoingWithoutTextIsNoOp(t *testing.T) {
	before := testStore()
	for _, sent := range []Payload{
		{"message_id": "m1"},
		{"data": map[string]any{"id": "m1"}},
		{"text": "   "},
	} {
		after, _, err := MergeOutgoing(before, sent, "L1", fixedOptions())
		require.ErrorIs(t, err, ErrNothingToAppend)
		assert.True(t, sameBacking(before, after))
	}
}

func TestMergeOutgoingUnknownLead(t *testing.T) {
	_, _, err := MergeOutgoing(testStore(), Payload{"text": "ok"}, "nope", fixedOptions())
	require.ErrorIs(t, err, ErrUnknownLead)
}

func TestMergeUpdateChangesAttributesOnly(t *testing.T) {
	before := testStore()
	after, result := MergeUpdate(before, Payload{"lead": map[string]any{"_id": "L2", "status": "MISSED", "name": "Grace H"}})
	require.True(t, result.Applied)
	lead, _ := after.Lookup("L2")
	assert.Equal(t, StatusMissed, lead.Status)
	assert.Equal(t, "Grace H", lead.Name)
	assert.Len(t, lead.Messages, 1)

	unchanged, result := MergeUpdate(after, Payload{"leadId": "L2", "status": "missed"})
	assert.False(t, result.Applied)
	assert.True(t, sameBacking(after, unchanged))

	_, result = MergeUpdate(after, Payload{"leadId": "L404", "status": "missed"})
	assert.Equal(t, DropUnknownLead, result.Reason)
}
