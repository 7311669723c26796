package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
	"github.com/agentworkforce/enquiryrelay/internal/live"
)

const (
	excerptRunes    = 140
	unknownLeadName = "Unknown"
)

var leadNameRules = [][]string{{"lead", "name"}, {"leadName"}, {"name"}}

type Notification struct {
	ID         string      `json:"id"`
	Channel    string      `json:"channel"`
	LeadKey    enquiry.Key `json:"leadId,omitempty"`
	LeadName   string      `json:"leadName"`
	Excerpt    string      `json:"message"`
	ReceivedAt time.Time   `json:"timestamp"`
}

// Persister is the slice of a snapshot backend the aggregator needs.
type Persister interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

type Options struct {
	Logger *slog.Logger
	// Limit caps the feed; the oldest entries are dropped first. Zero keeps
	// everything.
	Limit      int
	Persister  Persister
	SessionKey string
	NewID      func() string
}

// Aggregator keeps the cross-channel activity feed for one session. It owns
// its list outright and is unaffected by pages mounting or unmounting.
type Aggregator struct {
	logger *slog.Logger
	opts   Options

	mu    sync.Mutex
	items []Notification
	subs  []*live.Subscription
	// dirty is set when items changed since the writer last marshalled them.
	// writing is non-nil while the writer runs and is closed when it exits.
	dirty   bool
	writing chan struct{}
}

func New(opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "notif_" + uuid.NewString() }
	}
	return &Aggregator{logger: logger.With("component", "notify"), opts: opts}
}

// Attach registers the aggregator on client for every channel's message
// event. Attaching again replaces the previous registrations.
func (a *Aggregator) Attach(client *live.Client) error {
	a.Detach()
	subs := make([]*live.Subscription, 0, len(enquiry.Channels()))
	for _, channel := range enquiry.Channels() {
		sub, err := client.On(channel.MessageEvent(), live.NewHandler(func(ev live.Event) {
			a.Record(channel, enquiry.Payload(ev.Data), ev.ReceivedAt)
		}))
		if err != nil {
			for _, s := range subs {
				s.Cancel()
			}
			return fmt.Errorf("attach %s: %w", channel, err)
		}
		subs = append(subs, sub)
	}
	a.mu.Lock()
	a.subs = subs
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) Detach() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Record appends a notification for a push event received at receivedAt.
func (a *Aggregator) Record(channel enquiry.Channel, event enquiry.Payload, receivedAt time.Time) Notification {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	n := Notification{
		ID:         a.opts.NewID(),
		Channel:    channel.Label(),
		LeadName:   leadName(event),
		Excerpt:    excerpt(enquiry.IncomingText(event)),
		ReceivedAt: receivedAt.UTC(),
	}
	if key, ok := enquiry.ResolveEventKey(event); ok {
		n.LeadKey = key
	}

	a.mu.Lock()
	a.items = append(a.items, n)
	if a.opts.Limit > 0 && len(a.items) > a.opts.Limit {
		a.items = append([]Notification(nil), a.items[len(a.items)-a.opts.Limit:]...)
	}
	a.mu.Unlock()
	a.logger.Debug("notification recorded", "channel", n.Channel, "lead", n.LeadKey)
	a.persist()
	return n
}

// Notifications returns the feed, oldest first.
func (a *Aggregator) Notifications() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Notification(nil), a.items...)
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.items = nil
	a.mu.Unlock()
	a.persist()
}

// Dismiss removes one notification and reports whether it existed.
func (a *Aggregator) Dismiss(id string) bool {
	a.mu.Lock()
	found := false
	kept := make([]Notification, 0, len(a.items))
	for _, n := range a.items {
		if n.ID == id {
			found = true
			continue
		}
		kept = append(kept, n)
	}
	if found {
		a.items = kept
	}
	a.mu.Unlock()
	if found {
		a.persist()
	}
	return found
}

// Restore loads a previously persisted feed, replacing the current one.
func (a *Aggregator) Restore(ctx context.Context) error {
	if a.opts.Persister == nil || a.opts.SessionKey == "" {
		return nil
	}
	data, err := a.opts.Persister.Load(ctx, a.snapshotKey())
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var items []Notification
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("decode notifications: %w", err)
	}
	a.mu.Lock()
	a.items = items
	a.mu.Unlock()
	return nil
}

// Flush waits until every change made before the call has been saved.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	writing := a.writing
	a.mu.Unlock()
	if writing == nil {
		return nil
	}
	select {
	case <-writing:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist schedules a save without blocking the caller. At most one writer
// runs and it always saves the newest feed.
func (a *Aggregator) persist() {
	if a.opts.Persister == nil || a.opts.SessionKey == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = true
	if a.writing != nil {
		return
	}
	a.writing = make(chan struct{})
	go a.writeLoop(a.writing)
}

func (a *Aggregator) writeLoop(done chan struct{}) {
	defer close(done)
	for {
		a.mu.Lock()
		if !a.dirty {
			a.writing = nil
			a.mu.Unlock()
			return
		}
		a.dirty = false
		data, err := json.Marshal(a.items)
		a.mu.Unlock()
		if err != nil {
			a.logger.Warn("encode notifications failed", "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.opts.Persister.Save(ctx, a.snapshotKey(), data); err != nil {
			a.logger.Warn("persist notifications failed", "error", err)
		}
		cancel()
	}
}

func (a *Aggregator) snapshotKey() string {
	return "notifications/" + a.opts.SessionKey
}

func leadName(event enquiry.Payload) string {
	for _, rule := range leadNameRules {
		if name, ok := event.StringAt(rule...); ok {
			return name
		}
	}
	return unknownLeadName
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= excerptRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:excerptRunes-1]) + "…"
}
