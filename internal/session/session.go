package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/enquiryrelay/internal/api"
	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
	"github.com/agentworkforce/enquiryrelay/internal/live"
	"github.com/agentworkforce/enquiryrelay/internal/notify"
)

var ErrClosed = errors.New("session closed")

// API is the part of the collaborator backend a session uses.
type API interface {
	FetchEnquiries(ctx context.Context, channel enquiry.Channel) ([]enquiry.Payload, error)
	FetchStats(ctx context.Context) (api.Stats, error)
	SendMessage(ctx context.Context, req api.SendRequest) (api.SendResult, error)
	Sync(ctx context.Context, channel enquiry.Channel) (api.SyncResult, error)
}

type Options struct {
	Live          *live.Client
	API           API
	Notifications *notify.Aggregator
	Logger        *slog.Logger
	// PageIDs maps each channel to its page account id, used to recognise
	// staff messages in push events.
	PageIDs map[enquiry.Channel]string
	Now     func() time.Time
	NewID   func() string
}

// Session is one authenticated operator session: a push connection, at most
// one mounted page per channel and the notification feed.
type Session struct {
	live          *live.Client
	api           API
	notifications *notify.Aggregator
	logger        *slog.Logger
	opts          Options

	// mountMu serializes Mount and Unmount so a page swap is never
	// interleaved with another one.
	mountMu sync.Mutex
	mu      sync.Mutex
	pages  map[enquiry.Channel]*Page
	closed bool
}

func New(opts Options) (*Session, error) {
	if opts.Live == nil {
		return nil, errors.New("live client is required")
	}
	if opts.API == nil {
		return nil, errors.New("api client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	notifications := opts.Notifications
	if notifications == nil {
		notifications = notify.New(notify.Options{Logger: logger})
	}
	s := &Session{
		live:          opts.Live,
		api:           opts.API,
		notifications: notifications,
		logger:        logger.With("component", "session"),
		opts:          opts,
		pages:         map[enquiry.Channel]*Page{},
	}
	s.live.OnStatus(func(state live.State) {
		s.logger.Info("push connection", "state", string(state))
	})
	return s, nil
}

// Start restores the notification feed, attaches it to the push connection
// and starts connecting. It does not wait for the connection.
func (s *Session) Start(ctx context.Context) error {
	if err := s.notifications.Restore(ctx); err != nil {
		s.logger.Warn("notification feed not restored", "error", err)
	}
	if err := s.notifications.Attach(s.live); err != nil {
		return err
	}
	return s.live.Connect(ctx)
}

// Mount opens the page for channel. A page already mounted for the channel
// is unmounted first, so its handlers are gone before the new page's
// handlers are registered. A failed initial load leaves the page mounted in
// its error state; the load error is returned alongside the page.
func (s *Session) Mount(ctx context.Context, channel enquiry.Channel) (*Page, error) {
	page, err := s.swap(channel)
	if err != nil {
		return nil, err
	}
	s.logger.Info("page mounted", "channel", string(channel))
	return page, page.Refresh(ctx)
}

func (s *Session) swap(channel enquiry.Channel) (*Page, error) {
	s.mountMu.Lock()
	defer s.mountMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	old := s.pages[channel]
	delete(s.pages, channel)
	s.mu.Unlock()
	if old != nil {
		old.unmount()
	}

	page := newPage(s, channel)
	if err := page.register(s.live); err != nil {
		return nil, fmt.Errorf("mount %s: %w", channel, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		page.unmount()
		return nil, ErrClosed
	}
	s.pages[channel] = page
	s.mu.Unlock()
	return page, nil
}

// Unmount tears down the page for channel and reports whether one was
// mounted.
func (s *Session) Unmount(channel enquiry.Channel) bool {
	s.mountMu.Lock()
	defer s.mountMu.Unlock()
	s.mu.Lock()
	page := s.pages[channel]
	delete(s.pages, channel)
	s.mu.Unlock()
	if page == nil {
		return false
	}
	page.unmount()
	s.logger.Info("page unmounted", "channel", string(channel))
	return true
}

func (s *Session) Page(channel enquiry.Channel) (*Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[channel]
	return page, ok
}

func (s *Session) Notifications() *notify.Aggregator {
	return s.notifications
}

func (s *Session) Stats(ctx context.Context) (api.Stats, error) {
	return s.api.FetchStats(ctx)
}

type Status struct {
	Connection    live.State        `json:"connection"`
	Pages         []enquiry.Channel `json:"pages"`
	Events        []string          `json:"events"`
	Notifications int               `json:"notifications"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	pages := make([]enquiry.Channel, 0, len(s.pages))
	for channel := range s.pages {
		pages = append(pages, channel)
	}
	s.mu.Unlock()
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return Status{
		Connection:    s.live.State(),
		Pages:         pages,
		Events:        s.live.Events(),
		Notifications: s.notifications.Len(),
	}
}

// Close unmounts every page, detaches the feed and drops the connection.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pages := s.pages
	s.pages = map[enquiry.Channel]*Page{}
	s.mu.Unlock()

	for _, page := range pages {
		page.unmount()
	}
	s.notifications.Detach()
	s.live.Disconnect()
}

func (s *Session) mergeOptions(channel enquiry.Channel) enquiry.MergeOptions {
	return enquiry.MergeOptions{
		PageID: s.opts.PageIDs[channel],
		Now:    s.opts.Now,
		NewID:  s.opts.NewID,
	}
}
