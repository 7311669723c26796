package console

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/enquiryrelay/internal/api"
	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
	"github.com/agentworkforce/enquiryrelay/internal/session"
)

type Config struct {
	// Token, when set, must be presented as a bearer token on every /v1 route.
	Token        string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server exposes the operator session over HTTP. The session can be swapped
// at runtime, for example after a credential rotation.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	session atomic.Pointer[session.Session]
	router  chi.Router
}

func NewServer(s *session.Session, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	srv := &Server{cfg: cfg, logger: logger.With("component", "console")}
	srv.session.Store(s)
	srv.router = srv.routes()
	return srv
}

// SetSession replaces the session requests are served from.
func (s *Server) SetSession(sess *session.Session) {
	s.session.Store(sess)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authorize)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleNotifications)
			r.Delete("/", s.handleClearNotifications)
			r.Delete("/{id}", s.handleDismissNotification)
		})
		r.Route("/channels/{channel}", func(r chi.Router) {
			r.Put("/page", s.handleMount)
			r.Delete("/page", s.handleUnmount)
			r.Get("/enquiries", s.withPage(s.handleEnquiries))
			r.Post("/refresh", s.withPage(s.handleRefresh))
			r.Post("/sync", s.withPage(s.handleSync))
			r.Get("/selection", s.withPage(s.handleSelection))
			r.Put("/selection", s.withPage(s.handleOpen))
			r.Delete("/selection", s.withPage(s.handleCloseSelection))
			r.Post("/selection/replies", s.withPage(s.handleReply))
		})
	})
	return r
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
				return
			}
			presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token", getCorrelationID(r))
				return
			}
		}
		if s.session.Load() == nil {
			writeError(w, http.StatusServiceUnavailable, "no_session", "no operator session", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) current() *session.Session {
	return s.session.Load()
}

func channelParam(w http.ResponseWriter, r *http.Request) (enquiry.Channel, bool) {
	channel, ok := enquiry.ParseChannel(chi.URLParam(r, "channel"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_channel", "unknown channel", getCorrelationID(r))
	}
	return channel, ok
}

type pageHandler func(w http.ResponseWriter, r *http.Request, page *session.Page)

func (s *Server) withPage(h pageHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, ok := channelParam(w, r)
		if !ok {
			return
		}
		page, ok := s.current().Page(channel)
		if !ok {
			writeError(w, http.StatusNotFound, "page_not_mounted", channel.Label()+" page is not mounted", getCorrelationID(r))
			return
		}
		h(w, r, page)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.current().Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.current().Stats(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": s.current().Notifications().Notifications(),
	})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	s.current().Notifications().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	if !s.current().Notifications().Dismiss(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not_found", "notification not found", getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelParam(w, r)
	if !ok {
		return
	}
	page, err := s.current().Mount(r.Context(), channel)
	if page == nil {
		if errors.Is(err, session.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "no_session", err.Error(), getCorrelationID(r))
			return
		}
		s.writeUpstreamError(w, r, err)
		return
	}
	// A failed first load still mounts the page; the snapshot carries the error.
	writeJSON(w, http.StatusOK, page.Snapshot(""))
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelParam(w, r)
	if !ok {
		return
	}
	if !s.current().Unmount(channel) {
		writeError(w, http.StatusNotFound, "page_not_mounted", channel.Label()+" page is not mounted", getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnquiries(w http.ResponseWriter, r *http.Request, page *session.Page) {
	writeJSON(w, http.StatusOK, page.Snapshot(r.URL.Query().Get("q")))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, page *session.Page) {
	if err := page.Refresh(r.Context()); err != nil {
		if errors.Is(err, session.ErrPageClosed) {
			writeError(w, http.StatusConflict, "page_closed", err.Error(), getCorrelationID(r))
			return
		}
		writeError(w, http.StatusBadGateway, "load_failed", page.Snapshot("").Error, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, page.Snapshot(""))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, page *session.Page) {
	result, err := page.Sync(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request, page *session.Page) {
	lead, ok := page.Selected()
	if !ok {
		writeError(w, http.StatusNotFound, "nothing_selected", session.ErrNothingSelected.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

type openRequest struct {
	LeadID string `json:"leadId"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, page *session.Page) {
	var req openRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	key := strings.TrimSpace(req.LeadID)
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "leadId is required", getCorrelationID(r))
		return
	}
	lead, ok := page.Open(enquiry.Key(key))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_lead", "enquiry not found", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) handleCloseSelection(w http.ResponseWriter, r *http.Request, page *session.Page) {
	page.CloseSelection()
	w.WriteHeader(http.StatusNoContent)
}

type replyRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, page *session.Page) {
	var req replyRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	msg, err := page.Reply(r.Context(), req.Message)
	if err != nil {
		correlationID := getCorrelationID(r)
		var sendErr *api.SendError
		switch {
		case errors.Is(err, session.ErrEmptyReply):
			writeError(w, http.StatusBadRequest, "empty_reply", err.Error(), correlationID)
		case errors.Is(err, session.ErrNothingSelected):
			writeError(w, http.StatusConflict, "nothing_selected", err.Error(), correlationID)
		case errors.Is(err, session.ErrNoRecipient):
			writeError(w, http.StatusUnprocessableEntity, "no_recipient", err.Error(), correlationID)
		case errors.Is(err, session.ErrPageClosed):
			writeError(w, http.StatusConflict, "page_closed", err.Error(), correlationID)
		case errors.As(err, &sendErr):
			code := "send_failed"
			if sendErr.WindowExpired() {
				code = "window_expired"
			}
			writeError(w, http.StatusUnprocessableEntity, code, sendErr.Message, correlationID)
		default:
			s.writeUpstreamError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	s.logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
	var httpErr *api.HTTPError
	switch {
	case errors.Is(err, api.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "backend temporarily unavailable", correlationID)
	case errors.As(err, &httpErr):
		writeError(w, http.StatusBadGateway, "upstream_error", httpErr.Message, correlationID)
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", "backend request failed", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", getCorrelationID(r))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
