package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gbasin/gdrive-git-sync/internal/source"
	"github.com/gbasin/gdrive-git-sync/internal/state"
	"github.com/gbasin/gdrive-git-sync/internal/syncer"
)

// Runner is the slice of the sync engine the server drives.
type Runner interface {
	Run(ctx context.Context, trigger syncer.Trigger) (syncer.Result, error)
	RunFull(ctx context.Context, trigger syncer.Trigger) (syncer.Result, error)
}

// ChannelManager is the slice of the change source the server needs to
// register and stop push notification channels.
type ChannelManager interface {
	StartCursor(ctx context.Context) (string, error)
	CreateChannel(ctx context.Context, webhookURL, cursor string) (source.Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// ChannelStore is the slice of the state store holding the active channel
// registration and the change cursor.
type ChannelStore interface {
	ReadCursor(ctx context.Context) (string, error)
	WriteCursorAndRecords(ctx context.Context, cursor string, records []state.FileRecord) error
	ReadChannel(ctx context.Context) (*state.Channel, error)
	WriteChannel(ctx context.Context, ch state.Channel) error
}

type ServerConfig struct {
	// SharedSecret authorizes the operational endpoints (timer, setup,
	// renew) via a bearer token.
	SharedSecret string
	// VerificationToken, when set, must match the channel token Google
	// echoes back on webhook deliveries.
	VerificationToken string
	// WebhookURL is the externally reachable address registered with the
	// provider when creating notification channels.
	WebhookURL string
}

type Server struct {
	engine   Runner
	channels ChannelManager
	store    ChannelStore
	cfg      ServerConfig
	log      *zap.Logger
}

func NewServer(engine Runner, channels ChannelManager, store ChannelStore, cfg ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:   engine,
		channels: channels,
		store:    store,
		cfg:      cfg,
		log:      log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/webhook" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if (r.URL.Path == "/webhook" || r.URL.Path == "/setup") && r.Method == http.MethodGet {
		s.handleVerification(w, r)
		return
	}
	if r.URL.Path == "/timer" && r.Method == http.MethodPost {
		s.handleTimer(w, r)
		return
	}
	if r.URL.Path == "/setup" && r.Method == http.MethodPost {
		s.handleSetup(w, r)
		return
	}
	if r.URL.Path == "/renew" && r.Method == http.MethodPost {
		s.handleRenew(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

// handleVerification serves the domain-verification token Google requests
// when registering webhook addresses.
func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	if s.cfg.VerificationToken == "" {
		writeError(w, http.StatusNotFound, "not_found", "no verification token configured")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.cfg.VerificationToken))
}

// handleWebhook receives Drive push notifications. Every accepted delivery
// answers 200: the provider retries non-2xx responses aggressively and a
// failed run is recovered by the timer anyway.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-ID")
	resourceState := r.Header.Get("X-Goog-Resource-State")

	if s.cfg.VerificationToken != "" {
		token := r.Header.Get("X-Goog-Channel-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.VerificationToken)) != 1 {
			s.log.Warn("webhook with bad channel token", zap.String("channel_id", channelID))
			writeError(w, http.StatusForbidden, "forbidden", "invalid channel token")
			return
		}
	}

	stored, err := s.store.ReadChannel(r.Context())
	if err != nil {
		s.log.Error("read channel registration", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	if stored == nil || stored.ID != channelID {
		s.log.Warn("webhook from unknown channel, ignoring",
			zap.String("channel_id", channelID))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	// The registration handshake sends resource state "sync" with no
	// changes behind it.
	if resourceState == "sync" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ack"})
		return
	}

	res, err := s.engine.Run(r.Context(), syncer.TriggerWebhook)
	if err != nil {
		s.log.Error("webhook sync run", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, runResponse(res))
}

// handleTimer is the scheduled safety-net trigger.
func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	res, err := s.engine.Run(r.Context(), syncer.TriggerTimer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runResponse(res))
}

// handleSetup registers a notification channel and seeds the change cursor.
// With initial_sync=true it also imports the folder's existing tree.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	ctx := r.Context()
	initialSync := boolParam(r, "initial_sync")
	force := boolParam(r, "force")

	cursor, err := s.store.ReadCursor(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}
	seeded := false
	if cursor == "" || force {
		cursor, err = s.channels.StartCursor(ctx)
		if err != nil {
			writeError(w, http.StatusBadGateway, "source_error", err.Error())
			return
		}
		if err := s.store.WriteCursorAndRecords(ctx, cursor, nil); err != nil {
			writeError(w, http.StatusInternalServerError, "state_error", err.Error())
			return
		}
		seeded = true
	}

	ch, err := s.registerChannel(ctx, cursor)
	if err != nil {
		writeError(w, http.StatusBadGateway, "source_error", err.Error())
		return
	}

	status := "ok"
	if seeded {
		status = "initialized"
	}
	resp := map[string]any{
		"status":     status,
		"channel_id": ch.ID,
		"expiration": ch.Expiration.UTC().Format(time.RFC3339),
	}
	// A forced re-seed discards the old cursor, so anything that changed
	// under it must be reconciled against the full tree listing.
	if initialSync || force {
		res, err := s.engine.RunFull(ctx, syncer.TriggerSetup)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
			return
		}
		resp["initial_sync"] = runResponse(res)
		resp["initial_sync_count"] = res.FilesChanged
		resp["files_listed"] = res.FilesListed
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRenew replaces the notification channel before it expires, then
// runs a catch-up pass for anything delivered during the swap.
func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	ctx := r.Context()

	old, err := s.store.ReadChannel(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}
	if old != nil {
		if err := s.channels.StopChannel(ctx, old.ID, old.ResourceID); err != nil {
			// The old channel may already be expired server-side.
			s.log.Warn("stop old channel", zap.String("channel_id", old.ID), zap.Error(err))
		}
	}

	cursor, err := s.store.ReadCursor(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_error", err.Error())
		return
	}
	if cursor == "" {
		writeError(w, http.StatusConflict, "not_initialized", "no cursor stored, run setup first")
		return
	}
	ch, err := s.registerChannel(ctx, cursor)
	if err != nil {
		writeError(w, http.StatusBadGateway, "source_error", err.Error())
		return
	}

	resp := map[string]any{
		"status":     "ok",
		"channel_id": ch.ID,
		"expiration": ch.Expiration.UTC().Format(time.RFC3339),
	}
	res, err := s.engine.Run(ctx, syncer.TriggerRenew)
	if err != nil {
		// The channel swap already succeeded; report the catch-up failure
		// instead of a zero-value result.
		s.log.Error("catch-up run after renew", zap.Error(err))
		resp["status"] = "renewed_catch_up_failed"
		resp["catch_up_error"] = err.Error()
	} else {
		resp["catch_up"] = runResponse(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) registerChannel(ctx context.Context, cursor string) (source.Channel, error) {
	ch, err := s.channels.CreateChannel(ctx, s.cfg.WebhookURL, cursor)
	if err != nil {
		return source.Channel{}, err
	}
	err = s.store.WriteChannel(ctx, state.Channel{
		ID:         ch.ID,
		ResourceID: ch.ResourceID,
		Expiration: ch.Expiration,
	})
	if err != nil {
		return source.Channel{}, err
	}
	s.log.Info("notification channel registered",
		zap.String("channel_id", ch.ID),
		zap.Time("expiration", ch.Expiration))
	return ch, nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.SharedSecret == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.SharedSecret)) == 1
}

func runResponse(res syncer.Result) map[string]any {
	resp := map[string]any{
		"status":        string(res.Status),
		"files_changed": res.FilesChanged,
	}
	if len(res.Warnings) > 0 {
		resp["warnings"] = res.Warnings
	}
	return resp
}

func boolParam(r *http.Request, name string) bool {
	v := strings.ToLower(r.URL.Query().Get(name))
	return v == "true" || v == "1" || v == "yes"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
