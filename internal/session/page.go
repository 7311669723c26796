package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/enquiryrelay/internal/api"
	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
	"github.com/agentworkforce/enquiryrelay/internal/live"
)

var (
	ErrPageClosed      = errors.New("page is unmounted")
	ErrEmptyReply      = errors.New("please enter a message")
	ErrNothingSelected = errors.New("no enquiry is open")
	ErrNoRecipient     = errors.New("recipient id not found for enquiry")
)

// Page is the mounted enquiry list for one channel. It owns its store and
// selection; push handlers, refreshes and replies all go through its lock.
type Page struct {
	channel enquiry.Channel
	api     API
	logger  *slog.Logger
	merge   enquiry.MergeOptions

	subs []*live.Subscription

	mu        sync.Mutex
	store     enquiry.Store
	selection enquiry.Selection
	loadErr   string
	loadedAt  time.Time
	closed    bool
}

func newPage(s *Session, channel enquiry.Channel) *Page {
	return &Page{
		channel: channel,
		api:     s.api,
		logger:  s.logger.With("channel", string(channel)),
		merge:   s.mergeOptions(channel),
		store:   enquiry.NewStore(channel, nil),
	}
}

func (p *Page) Channel() enquiry.Channel {
	return p.channel
}

func (p *Page) register(client *live.Client) error {
	handlers := []struct {
		event string
		fn    func(live.Event)
	}{
		{p.channel.MessageEvent(), p.handleMessage},
		{enquiry.EventEnquiryUpdated, p.handleUpdate},
	}
	for _, h := range handlers {
		sub, err := client.On(h.event, live.NewHandler(h.fn))
		if err != nil {
			p.unmount()
			return err
		}
		p.subs = append(p.subs, sub)
	}
	return nil
}

func (p *Page) unmount() {
	for _, sub := range p.subs {
		sub.Cancel()
	}
	p.mu.Lock()
	p.closed = true
	p.selection.Close()
	p.mu.Unlock()
}

func (p *Page) handleMessage(ev live.Event) {
	p.apply(ev, func(store enquiry.Store, payload enquiry.Payload) (enquiry.Store, enquiry.MergeResult) {
		return enquiry.MergeIncoming(store, payload, p.merge)
	})
}

func (p *Page) handleUpdate(ev live.Event) {
	p.apply(ev, enquiry.MergeUpdate)
}

func (p *Page) apply(ev live.Event, merge func(enquiry.Store, enquiry.Payload) (enquiry.Store, enquiry.MergeResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	store, result := merge(p.store, enquiry.Payload(ev.Data))
	if !result.Applied {
		if result.Reason != "" {
			p.logger.Debug("push event dropped", "event", ev.Name, "reason", string(result.Reason), "lead", string(result.Key))
		}
		return
	}
	p.replaceLocked(store)
}

func (p *Page) replaceLocked(store enquiry.Store) {
	p.store = store
	p.selection.OnStoreReplaced(store)
}

// Refresh reloads the list from the backend. On failure the current list is
// kept and the page shows a load error until the next successful refresh.
func (p *Page) Refresh(ctx context.Context) error {
	records, err := p.api.FetchEnquiries(ctx, p.channel)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPageClosed
	}
	if err != nil {
		p.loadErr = fmt.Sprintf("Failed to load %s enquiries", p.channel.Label())
		p.logger.Warn("enquiry list load failed", "error", err)
		return fmt.Errorf("load %s enquiries: %w", p.channel, err)
	}
	p.loadErr = ""
	p.loadedAt = time.Now().UTC()
	p.replaceLocked(enquiry.NewStore(p.channel, enquiry.DecodeLeads(records, p.merge)))
	p.logger.Info("enquiry list loaded", "leads", p.store.Len())
	return nil
}

// Sync asks the backend to pull from the provider, then reloads the list.
func (p *Page) Sync(ctx context.Context) (api.SyncResult, error) {
	result, err := p.api.Sync(ctx, p.channel)
	if err != nil {
		return api.SyncResult{}, err
	}
	return result, p.Refresh(ctx)
}

type Snapshot struct {
	Channel  enquiry.Channel `json:"channel"`
	Leads    []enquiry.Lead  `json:"leads"`
	Stats    enquiry.Stats   `json:"stats"`
	Selected *enquiry.Lead   `json:"selected,omitempty"`
	Error    string          `json:"error,omitempty"`
	LoadedAt time.Time       `json:"loadedAt"`
}

// Snapshot returns the list, narrowed by filter when it is not blank.
func (p *Page) Snapshot(filter string) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Channel:  p.channel,
		Leads:    p.store.Filter(filter),
		Stats:    p.store.Stats(),
		Error:    p.loadErr,
		LoadedAt: p.loadedAt,
	}
	if lead, ok := p.selection.Current(); ok {
		snap.Selected = &lead
	}
	return snap
}

func (p *Page) Open(key enquiry.Key) (enquiry.Lead, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selection.Open(p.store, key)
}

func (p *Page) CloseSelection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selection.Close()
}

func (p *Page) Selected() (enquiry.Lead, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selection.Current()
}

// Reply sends text to the open enquiry and merges the confirmed message into
// the list. A provider rejection comes back as *api.SendError.
func (p *Page) Reply(ctx context.Context, text string) (enquiry.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return enquiry.Message{}, ErrEmptyReply
	}
	p.mu.Lock()
	lead, ok := p.selection.Current()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return enquiry.Message{}, ErrPageClosed
	}
	if !ok {
		return enquiry.Message{}, ErrNothingSelected
	}
	recipient, ok := lead.RecipientID()
	if !ok {
		return enquiry.Message{}, ErrNoRecipient
	}

	result, err := p.api.SendMessage(ctx, api.SendRequest{
		Channel:     string(p.channel),
		RecipientID: recipient,
		Message:     text,
		LeadID:      string(lead.Key),
	})
	if err != nil {
		p.logger.Warn("reply failed", "lead", string(lead.Key), "error", err)
		return enquiry.Message{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return enquiry.Message{}, ErrPageClosed
	}
	store, msg, err := enquiry.MergeOutgoing(p.store, result.Confirmation(text), lead.Key, p.merge)
	if err != nil {
		return enquiry.Message{}, err
	}
	p.replaceLocked(store)
	return msg, nil
}
