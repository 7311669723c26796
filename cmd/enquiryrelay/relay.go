package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/enquiryrelay/internal/api"
	"github.com/agentworkforce/enquiryrelay/internal/config"
	"github.com/agentworkforce/enquiryrelay/internal/console"
	"github.com/agentworkforce/enquiryrelay/internal/credential"
	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
	"github.com/agentworkforce/enquiryrelay/internal/live"
	"github.com/agentworkforce/enquiryrelay/internal/notify"
	"github.com/agentworkforce/enquiryrelay/internal/session"
	"github.com/agentworkforce/enquiryrelay/internal/snapshot"
)

// relay owns the process-wide pieces and the current operator session,
// which is rebuilt whenever the bearer token changes.
type relay struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend snapshot.Backend
	console *console.Server

	mu      sync.Mutex
	current *session.Session
}

func newRelay(cfg *config.Config, logger *slog.Logger) (*relay, error) {
	backend, err := snapshot.Open(cfg.SnapshotDSN)
	if err != nil {
		return nil, fmt.Errorf("open snapshot backend: %w", err)
	}
	return &relay{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		console: console.NewServer(nil, console.Config{Token: cfg.ConsoleToken, Logger: logger}),
	}, nil
}

func (r *relay) Run(ctx context.Context, token string) error {
	defer r.shutdown()
	if err := r.swap(ctx, token); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Addr:              r.cfg.ConsoleAddr,
		Handler:           r.console,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		r.logger.Info("console listening", "addr", r.cfg.ConsoleAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("console server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if r.cfg.TokenFile != "" {
		watcher, err := credential.NewFileWatcher(r.cfg.TokenFile, r.logger)
		if err != nil {
			r.logger.Warn("token file not watched", "error", err)
		} else {
			g.Go(func() error {
				return watcher.Run(gctx, func(token string) {
					if err := r.swap(gctx, token); err != nil {
						r.logger.Error("session not rebuilt", "error", err)
					}
				})
			})
		}
	}
	return g.Wait()
}

// swap builds a session for token, publishes it to the console and closes
// the one it replaces. The old session stays in place when token is
// rejected.
func (r *relay) swap(ctx context.Context, token string) error {
	if err := credential.CheckExpiry(token, time.Now()); err != nil {
		return err
	}
	next, err := r.buildSession(ctx, token)
	if err != nil {
		return err
	}
	r.mu.Lock()
	prev := r.current
	r.current = next
	r.mu.Unlock()
	r.console.SetSession(next)
	if prev != nil {
		r.closeSession(prev)
		r.logger.Info("session rebuilt with new credential")
	}
	return nil
}

func (r *relay) buildSession(ctx context.Context, token string) (*session.Session, error) {
	cfg := r.cfg
	apiClient := api.NewClient(api.Options{
		BaseURL:    cfg.APIURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Logger:     r.logger,
	})
	liveClient, err := live.NewClient(live.NewWebSocketTransport(cfg.SocketURL, token, nil), live.Options{
		MaxAttempts: cfg.RetryAttempts,
		RetryDelay:  cfg.RetryDelay,
		DialTimeout: cfg.DialTimeout,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, err
	}
	feedOpts := notify.Options{
		Logger:     r.logger,
		Limit:      cfg.NotificationLimit,
		SessionKey: cfg.KeyringAccount,
	}
	if r.backend != nil {
		feedOpts.Persister = r.backend
	}
	sess, err := session.New(session.Options{
		Live:          liveClient,
		API:           apiClient,
		Notifications: notify.New(feedOpts),
		Logger:        r.logger,
		PageIDs:       cfg.PageIDs(),
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	for _, channel := range enquiry.Channels() {
		if _, err := sess.Mount(ctx, channel); err != nil {
			r.logger.Warn("page mounted with load error", "channel", string(channel), "error", err)
		}
	}
	return sess, nil
}

func (r *relay) shutdown() {
	r.mu.Lock()
	current := r.current
	r.current = nil
	r.mu.Unlock()
	r.console.SetSession(nil)
	if current != nil {
		r.closeSession(current)
	}
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			r.logger.Warn("snapshot backend close failed", "error", err)
		}
	}
}

// closeSession closes sess and waits for its notification feed to reach the
// snapshot backend.
func (r *relay) closeSession(sess *session.Session) {
	sess.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Notifications().Flush(ctx); err != nil {
		r.logger.Warn("notification feed not flushed", "error", err)
	}
}
