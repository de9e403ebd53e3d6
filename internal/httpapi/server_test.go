package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gbasin/gdrive-git-sync/internal/source"
	"github.com/gbasin/gdrive-git-sync/internal/state"
	"github.com/gbasin/gdrive-git-sync/internal/syncer"
)

type fakeRunner struct {
	res      syncer.Result
	err      error
	runs     []syncer.Trigger
	fullRuns []syncer.Trigger
}

func (f *fakeRunner) Run(ctx context.Context, trigger syncer.Trigger) (syncer.Result, error) {
	f.runs = append(f.runs, trigger)
	return f.res, f.err
}

func (f *fakeRunner) RunFull(ctx context.Context, trigger syncer.Trigger) (syncer.Result, error) {
	f.fullRuns = append(f.fullRuns, trigger)
	return f.res, f.err
}

type fakeChannels struct {
	startCursor string
	created     []string
	nextID      string
	stopped     []string
}

func (f *fakeChannels) StartCursor(ctx context.Context) (string, error) {
	return f.startCursor, nil
}

func (f *fakeChannels) CreateChannel(ctx context.Context, webhookURL, cursor string) (source.Channel, error) {
	f.created = append(f.created, webhookURL)
	id := f.nextID
	if id == "" {
		id = "chan-new"
	}
	return source.Channel{
		ID:         id,
		ResourceID: "res-" + id,
		Expiration: time.Now().Add(24 * time.Hour),
	}, nil
}

func (f *fakeChannels) StopChannel(ctx context.Context, channelID, resourceID string) error {
	f.stopped = append(f.stopped, channelID)
	return nil
}

type testServer struct {
	srv      *Server
	runner   *fakeRunner
	channels *fakeChannels
	store    *state.MemoryStore
}

func newTestServer(cfg ServerConfig) *testServer {
	ts := &testServer{
		runner:   &fakeRunner{res: syncer.Result{Status: syncer.StatusOK, FilesChanged: 2}},
		channels: &fakeChannels{startCursor: "tok-1"},
		store:    state.NewMemoryStore(),
	}
	ts.srv = NewServer(ts.runner, ts.channels, ts.store, cfg, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	rec := ts.do(t, http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestVerificationTokenServed(t *testing.T) {
	ts := newTestServer(ServerConfig{VerificationToken: "google-site-tok"})
	for _, target := range []string{"/webhook", "/setup"} {
		rec := ts.do(t, http.MethodGet, target, nil)
		if rec.Code != http.StatusOK || rec.Body.String() != "google-site-tok" {
			t.Fatalf("GET %s: code=%d body=%q", target, rec.Code, rec.Body.String())
		}
	}

	ts = newTestServer(ServerConfig{})
	rec := ts.do(t, http.MethodGet, "/webhook", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 without token", rec.Code)
	}
}

func TestWebhookSyncPingAcked(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	seedChannel(t, ts.store, "chan-1")

	rec := ts.do(t, http.MethodPost, "/webhook", map[string]string{
		"X-Goog-Channel-ID":     "chan-1",
		"X-Goog-Resource-State": "sync",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ack" {
		t.Fatalf("body = %v", body)
	}
	if len(ts.runner.runs) != 0 {
		t.Fatal("registration ping must not trigger a run")
	}
}

func TestWebhookUnknownChannelIgnored(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	seedChannel(t, ts.store, "chan-1")

	rec := ts.do(t, http.MethodPost, "/webhook", map[string]string{
		"X-Goog-Channel-ID":     "stale-channel",
		"X-Goog-Resource-State": "change",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, webhook must always answer 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ignored" {
		t.Fatalf("body = %v", body)
	}
	if len(ts.runner.runs) != 0 {
		t.Fatal("unknown channel must not trigger a run")
	}
}

func TestWebhookTriggersRun(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	seedChannel(t, ts.store, "chan-1")

	rec := ts.do(t, http.MethodPost, "/webhook", map[string]string{
		"X-Goog-Channel-ID":     "chan-1",
		"X-Goog-Resource-State": "change",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["files_changed"] != float64(2) {
		t.Fatalf("body = %v", body)
	}
	if len(ts.runner.runs) != 1 || ts.runner.runs[0] != syncer.TriggerWebhook {
		t.Fatalf("runs = %v", ts.runner.runs)
	}
}

func TestWebhookRejectsBadChannelToken(t *testing.T) {
	ts := newTestServer(ServerConfig{VerificationToken: "expected"})
	seedChannel(t, ts.store, "chan-1")

	rec := ts.do(t, http.MethodPost, "/webhook", map[string]string{
		"X-Goog-Channel-ID":    "chan-1",
		"X-Goog-Channel-Token": "wrong",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(ts.runner.runs) != 0 {
		t.Fatal("bad token must not trigger a run")
	}
}

func TestTimerRequiresBearerToken(t *testing.T) {
	ts := newTestServer(ServerConfig{SharedSecret: "secret"})

	rec := ts.do(t, http.MethodPost, "/timer", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/timer", map[string]string{
		"Authorization": "Bearer wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/timer", map[string]string{
		"Authorization": "Bearer secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ts.runner.runs) != 1 || ts.runner.runs[0] != syncer.TriggerTimer {
		t.Fatalf("runs = %v", ts.runner.runs)
	}
}

func TestTimerReportsSkipped(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	ts.runner.res = syncer.Result{Status: syncer.StatusSkipped}

	rec := ts.do(t, http.MethodPost, "/timer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "skipped" {
		t.Fatalf("body = %v", body)
	}
}

func TestSetupRegistersChannelAndSeedsCursor(t *testing.T) {
	ts := newTestServer(ServerConfig{SharedSecret: "secret", WebhookURL: "https://svc.example.com/webhook"})

	rec := ts.do(t, http.MethodPost, "/setup", map[string]string{
		"Authorization": "Bearer secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "initialized" || body["channel_id"] != "chan-new" {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["initial_sync"]; ok {
		t.Fatal("setup without initial_sync ran a sync")
	}
	if len(ts.runner.fullRuns) != 0 {
		t.Fatalf("full runs = %v", ts.runner.fullRuns)
	}

	cursor, _ := ts.store.ReadCursor(context.Background())
	if cursor != "tok-1" {
		t.Fatalf("cursor = %q, want tok-1", cursor)
	}
	ch, _ := ts.store.ReadChannel(context.Background())
	if ch == nil || ch.ID != "chan-new" {
		t.Fatalf("stored channel = %+v", ch)
	}
	if len(ts.channels.created) != 1 || ts.channels.created[0] != "https://svc.example.com/webhook" {
		t.Fatalf("created = %v", ts.channels.created)
	}
}

func TestSetupWithInitialSyncRunsFull(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	ts.runner.res = syncer.Result{Status: syncer.StatusOK, FilesChanged: 3, FilesListed: 5}

	rec := ts.do(t, http.MethodPost, "/setup?initial_sync=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["files_listed"] != float64(5) {
		t.Fatalf("body = %v", body)
	}
	if len(ts.runner.fullRuns) != 1 || ts.runner.fullRuns[0] != syncer.TriggerSetup {
		t.Fatalf("full runs = %v", ts.runner.fullRuns)
	}
}

func TestSetupKeepsExistingCursorUnlessForced(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	if err := ts.store.WriteCursorAndRecords(context.Background(), "existing", nil); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	ts.do(t, http.MethodPost, "/setup", nil)
	cursor, _ := ts.store.ReadCursor(context.Background())
	if cursor != "existing" {
		t.Fatalf("cursor = %q, want existing", cursor)
	}

	ts.do(t, http.MethodPost, "/setup?force=true", nil)
	cursor, _ = ts.store.ReadCursor(context.Background())
	if cursor != "tok-1" {
		t.Fatalf("cursor after force = %q, want tok-1", cursor)
	}
}

func TestSetupForceReconcilesAgainstFullListing(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	if err := ts.store.WriteCursorAndRecords(context.Background(), "existing", nil); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/setup?force=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	// Changes pending under the discarded cursor are only recoverable
	// through a full listing, so force must not skip it.
	if len(ts.runner.fullRuns) != 1 || ts.runner.fullRuns[0] != syncer.TriggerSetup {
		t.Fatalf("full runs = %v", ts.runner.fullRuns)
	}
	if len(ts.runner.runs) != 0 {
		t.Fatalf("runs = %v, want none", ts.runner.runs)
	}
}

func TestRenewSwapsChannelAndCatchesUp(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	seedChannel(t, ts.store, "chan-old")
	if err := ts.store.WriteCursorAndRecords(context.Background(), "c1", nil); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	ts.channels.nextID = "chan-2"

	rec := ts.do(t, http.MethodPost, "/renew", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(ts.channels.stopped) != 1 || ts.channels.stopped[0] != "chan-old" {
		t.Fatalf("stopped = %v", ts.channels.stopped)
	}
	ch, _ := ts.store.ReadChannel(context.Background())
	if ch == nil || ch.ID != "chan-2" {
		t.Fatalf("stored channel = %+v", ch)
	}
	if len(ts.runner.runs) != 1 || ts.runner.runs[0] != syncer.TriggerRenew {
		t.Fatalf("runs = %v", ts.runner.runs)
	}
}

func TestRenewReportsCatchUpFailure(t *testing.T) {
	ts := newTestServer(ServerConfig{})
	seedChannel(t, ts.store, "chan-old")
	if err := ts.store.WriteCursorAndRecords(context.Background(), "c1", nil); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	ts.channels.nextID = "chan-2"
	ts.runner.err = errors.New("drive outage")

	rec := ts.do(t, http.MethodPost, "/renew", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, channel swap succeeded so renew must answer 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "renewed_catch_up_failed" {
		t.Fatalf("body = %v", body)
	}
	if body["catch_up_error"] != "drive outage" {
		t.Fatalf("body = %v, want surfaced catch-up error", body)
	}
	if _, ok := body["catch_up"]; ok {
		t.Fatal("failed catch-up must not report a zero-value result")
	}
	if ch, _ := ts.store.ReadChannel(context.Background()); ch == nil || ch.ID != "chan-2" {
		t.Fatalf("stored channel = %+v", ch)
	}
}

func TestRenewWithoutCursorConflicts(t *testing.T) {
	ts := newTestServer(ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/renew", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func seedChannel(t *testing.T, store *state.MemoryStore, id string) {
	t.Helper()
	err := store.WriteChannel(context.Background(), state.Channel{
		ID:         id,
		ResourceID: "res-" + id,
		Expiration: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}
