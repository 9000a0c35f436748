package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/auth"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/billing"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/config"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/verify"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/websocket"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

const adminToken = "test-admin-token"

var (
	adminHashOnce sync.Once
	adminHash     string
)

func testAdminHash(t *testing.T) string {
	t.Helper()
	adminHashOnce.Do(func() {
		hash, err := auth.HashToken(adminToken)
		if err != nil {
			panic(err)
		}
		adminHash = hash
	})
	return adminHash
}

type stubSender struct {
	mu      sync.Mutex
	message string
}

func (s *stubSender) SendTo(_ context.Context, _, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
	return nil
}

func (s *stubSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

type testEnv struct {
	store   *store.Store
	handler http.Handler
	sender  *stubSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Defaults()
	cfg.AdminTokenHash = testAdminHash(t)

	hub := websocket.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	sender := &stubSender{}
	processor := billing.NewProcessor(st, hub)
	verifier := verify.New(st, sender, time.Minute)

	return &testEnv{
		store:   st,
		handler: NewRouter(cfg, st, processor, verifier, hub, nil),
		sender:  sender,
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doAdmin(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("X-Actor", "ops@example.com")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedActiveUser(t *testing.T, userID string) {
	t.Helper()
	if _, err := e.store.PutEntitlement(entitlement.Record{
		UserID: userID,
		Status: entitlement.StatusActive,
	}, 0); err != nil {
		t.Fatalf("seed entitlement: %v", err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestMissingIdentity(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/reminders", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestReminderCRUD(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveUser(t, "user-1")

	create := env.do(t, http.MethodPost, "/api/reminders", "user-1", map[string]any{
		"message":       "Write about today",
		"repeat":        "daily",
		"schedule_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", create.Code, create.Body.String())
	}
	created := decode[map[string]any](t, create)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created reminder has no id")
	}
	if created["next_send"] == nil {
		t.Error("created reminder has no next_send")
	}

	list := env.do(t, http.MethodGet, "/api/reminders", "user-1", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list status = %d", list.Code)
	}
	listed := decode[map[string][]map[string]any](t, list)
	if len(listed["reminders"]) != 1 {
		t.Fatalf("listed %d reminders, want 1", len(listed["reminders"]))
	}

	patch := env.do(t, http.MethodPatch, "/api/reminders/"+id, "user-1", map[string]any{
		"message": "Updated message",
	})
	if patch.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", patch.Code, patch.Body.String())
	}
	patched := decode[map[string]any](t, patch)
	if patched["message"] != "Updated message" {
		t.Errorf("message = %v after patch", patched["message"])
	}
	if patched["version"].(float64) <= created["version"].(float64) {
		t.Error("patch did not bump the version")
	}

	del := env.do(t, http.MethodDelete, "/api/reminders/"+id, "user-1", nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.Code)
	}
	get := env.do(t, http.MethodGet, "/api/reminders/"+id, "user-1", nil)
	if get.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", get.Code)
	}
}

func TestReminderWriteRequiresEntitlement(t *testing.T) {
	env := newTestEnv(t)

	// No entitlement record at all: read-only.
	rec := env.do(t, http.MethodPost, "/api/reminders", "user-2", map[string]any{
		"message":       "hello",
		"schedule_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("create status = %d, want 403", rec.Code)
	}
	if list := env.do(t, http.MethodGet, "/api/reminders", "user-2", nil); list.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200 for read-only user", list.Code)
	}

	// Lapsed entitlement also blocks writes.
	if _, err := env.store.PutEntitlement(entitlement.Record{
		UserID: "user-2",
		Status: entitlement.StatusPastDueFinal,
	}, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/api/reminders", "user-2", map[string]any{
		"message":       "hello",
		"schedule_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("create status = %d, want 403 for past_due_final", rec.Code)
	}
}

func TestReminderOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveUser(t, "owner")
	env.seedActiveUser(t, "intruder")

	create := env.do(t, http.MethodPost, "/api/reminders", "owner", map[string]any{
		"message":       "mine",
		"schedule_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("create status = %d", create.Code)
	}
	id := decode[map[string]any](t, create)["id"].(string)

	if rec := env.do(t, http.MethodGet, "/api/reminders/"+id, "intruder", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/reminders/"+id, "intruder", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/reminders/"+id, "owner", nil); rec.Code != http.StatusOK {
		t.Fatalf("owner get status = %d, want 200", rec.Code)
	}
}

func TestCreateReminderValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveUser(t, "user-3")

	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty message", map[string]any{
			"message":       "  ",
			"schedule_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		}},
		{"bad repeat", map[string]any{
			"message":       "hi",
			"repeat":        "fortnightly",
			"schedule_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		}},
		{"no schedule", map[string]any{
			"message": "hi",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/reminders", "user-3", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/capabilities", "fresh-user", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "none" {
		t.Errorf("status = %v, want none", body["status"])
	}
	caps := body["capabilities"].([]any)
	if len(caps) != 1 || caps[0] != "read" {
		t.Errorf("capabilities = %v, want [read]", caps)
	}

	env.seedActiveUser(t, "paying-user")
	rec = env.do(t, http.MethodGet, "/api/capabilities", "paying-user", nil)
	body = decode[map[string]any](t, rec)
	if got := len(body["capabilities"].([]any)); got != 3 {
		t.Errorf("active user has %d capabilities, want 3", got)
	}

	// Admin role grants everything regardless of status.
	req := httptest.NewRequest(http.MethodGet, "/api/capabilities", nil)
	req.Header.Set("X-User-ID", "fresh-user")
	req.Header.Set("X-Role", "admin")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	body = decode[map[string]any](t, w)
	if got := len(body["capabilities"].([]any)); got != 4 {
		t.Errorf("admin role has %d capabilities, want 4", got)
	}
}

func TestVerifyFlow(t *testing.T) {
	env := newTestEnv(t)

	start := env.do(t, http.MethodPost, "/api/verify/start", "user-4", map[string]string{
		"phone": "+15551230000",
	})
	if start.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", start.Code, start.Body.String())
	}
	match := regexp.MustCompile(`\b(\d{6})\b`).FindStringSubmatch(env.sender.last())
	if match == nil {
		t.Fatalf("no code in message %q", env.sender.last())
	}

	check := env.do(t, http.MethodPost, "/api/verify/check", "user-4", map[string]string{
		"code": match[1],
	})
	if check.Code != http.StatusOK {
		t.Fatalf("check status = %d, body %s", check.Code, check.Body.String())
	}
	body := decode[map[string]any](t, check)
	if body["phone"] != "+15551230000" || body["verified"] != true {
		t.Errorf("unexpected check response: %v", body)
	}

	// The code is single-use.
	again := env.do(t, http.MethodPost, "/api/verify/check", "user-4", map[string]string{
		"code": match[1],
	})
	if again.Code != http.StatusGone {
		t.Fatalf("replayed check status = %d, want 410", again.Code)
	}

	bad := env.do(t, http.MethodPost, "/api/verify/start", "user-4", map[string]string{
		"phone": "not-a-number",
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad phone status = %d, want 400", bad.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}

	if good := env.doAdmin(t, http.MethodGet, "/api/admin/stats", nil); good.Code != http.StatusOK {
		t.Fatalf("good token status = %d, want 200", good.Code)
	}
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	env := newTestEnv(t)
	router := env.handler.(*Router)
	router.config.AdminTokenHash = ""

	rec := env.doAdmin(t, http.MethodGet, "/api/admin/stats", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestAdminOverrideAndAudit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doAdmin(t, http.MethodPost, "/api/admin/entitlements/user-5/override", map[string]string{
		"target": "active",
		"note":   "support comp",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("override status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if body["outcome"] != "applied" {
		t.Fatalf("outcome = %v, want applied", body["outcome"])
	}

	get := env.doAdmin(t, http.MethodGet, "/api/admin/entitlements/user-5", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("get status = %d", get.Code)
	}
	got := decode[map[string]any](t, get)
	ent := got["entitlement"].(map[string]any)
	if ent["status"] != "active" {
		t.Errorf("status = %v after override", ent["status"])
	}

	audit := env.doAdmin(t, http.MethodGet, "/api/admin/entitlements/user-5/audit", nil)
	entries := decode[map[string][]map[string]any](t, audit)["entries"]
	if len(entries) != 1 {
		t.Fatalf("audit has %d entries, want 1", len(entries))
	}
	if entries[0]["actor"] != "ops@example.com" {
		t.Errorf("actor = %v, want the X-Actor header value", entries[0]["actor"])
	}

	bad := env.doAdmin(t, http.MethodPost, "/api/admin/entitlements/user-5/override", map[string]string{
		"target": "platinum",
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad target status = %d, want 400", bad.Code)
	}
}

func TestAdminOverrideIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]string{"target": "active", "note": "retry safety"}
	first := env.doAdmin(t, http.MethodPost, "/api/admin/entitlements/user-7/override", payload,
		"Idempotency-Key", "op-123")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body %s", first.Code, first.Body.String())
	}
	if got := decode[map[string]any](t, first)["outcome"]; got != "applied" {
		t.Fatalf("first outcome = %v, want applied", got)
	}

	// A network retry resends the same key; the transition must not land twice.
	retry := env.doAdmin(t, http.MethodPost, "/api/admin/entitlements/user-7/override", payload,
		"Idempotency-Key", "op-123")
	if retry.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", retry.Code, retry.Body.String())
	}
	if got := decode[map[string]any](t, retry)["outcome"]; got != "duplicate" {
		t.Fatalf("retry outcome = %v, want duplicate", got)
	}

	audit := env.doAdmin(t, http.MethodGet, "/api/admin/entitlements/user-7/audit", nil)
	entries := decode[map[string][]map[string]any](t, audit)["entries"]
	if len(entries) != 1 {
		t.Fatalf("audit has %d entries after retry, want 1", len(entries))
	}
}

func TestAdminEntitlementNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.doAdmin(t, http.MethodGet, "/api/admin/entitlements/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminSearchAndStats(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.seedActiveUser(t, fmt.Sprintf("family-%d", i))
	}
	env.seedActiveUser(t, "other-user")

	search := env.doAdmin(t, http.MethodGet, "/api/admin/entitlements?pattern=family-*", nil)
	if search.Code != http.StatusOK {
		t.Fatalf("search status = %d", search.Code)
	}
	found := decode[map[string][]map[string]any](t, search)["entitlements"]
	if len(found) != 3 {
		t.Fatalf("search matched %d records, want 3", len(found))
	}

	if missing := env.doAdmin(t, http.MethodGet, "/api/admin/entitlements", nil); missing.Code != http.StatusBadRequest {
		t.Fatalf("missing pattern status = %d, want 400", missing.Code)
	}

	stats := env.doAdmin(t, http.MethodGet, "/api/admin/stats", nil)
	if stats.Code != http.StatusOK {
		t.Fatalf("stats status = %d", stats.Code)
	}
	body := decode[map[string]any](t, stats)
	byStatus := body["entitlements_by_status"].(map[string]any)
	if byStatus["active"].(float64) != 4 {
		t.Errorf("active count = %v, want 4", byStatus["active"])
	}
}
