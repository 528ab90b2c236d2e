package describe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/altify/alttext-api/internal/cache"
	"github.com/altify/alttext-api/internal/license"
	"github.com/altify/alttext-api/internal/quota"
	"github.com/altify/alttext-api/internal/usage"
	"github.com/altify/alttext-api/internal/vision"
	"github.com/altify/alttext-api/pkg/ratelimit"
)

// Mock quota store
type memQuotaStore struct {
	mu        sync.Mutex
	summaries map[string]*quota.Summary
}

func newMemQuotaStore() *memQuotaStore {
	return &memQuotaStore{summaries: map[string]*quota.Summary{}}
}

func (m *memQuotaStore) key(licenseKey string, periodStart time.Time) string {
	return fmt.Sprintf("%s|%s", licenseKey, periodStart.Format("2006-01-02"))
}

func (m *memQuotaStore) GetSummary(ctx context.Context, licenseKey string, periodStart time.Time) (*quota.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.summaries[m.key(licenseKey, periodStart)]
	if !ok {
		return nil, quota.ErrSummaryNotFound
	}
	return sum, nil
}

func (m *memQuotaStore) AddConsumption(ctx context.Context, licenseKey string, periodStart time.Time, site string, credits, limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(licenseKey, periodStart)
	sum, ok := m.summaries[k]
	if !ok {
		sum = &quota.Summary{LicenseKey: licenseKey, PeriodStart: periodStart, TotalLimit: limit, SiteUsage: map[string]int64{}}
		m.summaries[k] = sum
	}
	sum.TotalCreditsUsed += credits
	sum.SiteUsage[site] += credits
	return nil
}

// Mock usage store
type memUsageStore struct {
	mu      sync.Mutex
	entries []*usage.Entry
}

func (m *memUsageStore) Insert(ctx context.Context, entry *usage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = fmt.Sprintf("log-%d", len(m.entries)+1)
	entry.CreatedAt = time.Now()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memUsageStore) ListByLicense(ctx context.Context, licenseKey string, from, to time.Time) ([]*usage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*usage.Entry(nil), m.entries...), nil
}

func (m *memUsageStore) ByUser(ctx context.Context, licenseKey string, from, to time.Time) ([]usage.UserUsage, error) {
	return nil, nil
}

func (m *memUsageStore) BySite(ctx context.Context, licenseKey string, from, to time.Time) ([]usage.SiteUsage, error) {
	return nil, nil
}

// waitForEntries polls for asynchronously recorded usage entries.
func (m *memUsageStore) waitForEntries(t *testing.T, n int) []*usage.Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.entries) >= n {
			out := append([]*usage.Entry(nil), m.entries...)
			m.mu.Unlock()
			return out
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d usage entries", n)
	return nil
}

// Stub describer
type stubDescriber struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubDescriber) Describe(ctx context.Context, req *vision.Request) (*vision.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &vision.Result{
		AltText:      "A lighthouse on a rocky shore at dusk",
		Model:        "gpt-4o-mini",
		InputTokens:  300,
		OutputTokens: 20,
		LatencyMs:    412,
	}, nil
}

func (s *stubDescriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Test suite
type fixture struct {
	handler    *Handler
	quotaStore *memQuotaStore
	usageStore *memUsageStore
	describer  *stubDescriber
}

func setupTest(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	quotaStore := newMemQuotaStore()
	usageStore := &memUsageStore{}
	describer := &stubDescriber{}

	log := zerolog.Nop()
	ledger := quota.NewLedger(quotaStore, log)
	recorder := usage.NewRecorder(usageStore, ledger, log)
	resultCache := cache.New(cache.NewMemoryStore(log), time.Hour, log)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), rateLimit, time.Minute)
	tracer := noop.NewTracerProvider().Tracer("test")

	return &fixture{
		handler:    NewHandler(ledger, recorder, usageStore, resultCache, limiter, describer, tracer, log),
		quotaStore: quotaStore,
		usageStore: usageStore,
		describer:  describer,
	}
}

func testLicense() *license.License {
	return &license.License{Key: "lic-acme", Plan: "starter", BillingDay: 1, Active: true}
}

func describeBody(t *testing.T, overrides map[string]any) *bytes.Reader {
	t.Helper()
	content := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("sample-image-bytes", 20)))
	body := map[string]any{"image": content}
	for k, v := range overrides {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(raw)
}

func doDescribe(f *fixture, body *bytes.Reader, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/describe", body)
	ctx := license.WithLicense(req.Context(), testLicense())
	ctx = license.WithSiteID(ctx, "acme")
	ctx = license.WithRequestID(ctx, "req-1")
	req = req.WithContext(ctx)
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	f.handler.HandleDescribe(w, req)
	return w
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	kind, _ := resp.Error["kind"].(string)
	return kind
}

func TestHandleDescribe_Unauthorized(t *testing.T) {
	f := setupTest(t, 60)
	req := httptest.NewRequest("POST", "/v1/describe", describeBody(t, nil))
	w := httptest.NewRecorder()

	f.handler.HandleDescribe(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestHandleDescribe_InvalidBody(t *testing.T) {
	f := setupTest(t, 60)
	w := doDescribe(f, bytes.NewReader([]byte(`{invalid json}`)), nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleDescribe_ValidationError(t *testing.T) {
	f := setupTest(t, 60)
	w := doDescribe(f, describeBody(t, map[string]any{"image": "!!! not base64 !!!"}), nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if kind := errorKind(t, w); kind != KindValidation {
		t.Errorf("expected %s, got %s", KindValidation, kind)
	}
	if f.describer.callCount() != 0 {
		t.Error("invalid payloads must never reach the vision model")
	}
}

func TestHandleDescribe_QuotaExceeded(t *testing.T) {
	f := setupTest(t, 60)
	lic := testLicense()
	start := quota.PeriodStart(lic.BillingDay, time.Now())
	f.quotaStore.summaries[f.quotaStore.key(lic.Key, start)] = &quota.Summary{
		LicenseKey:       lic.Key,
		PeriodStart:      start,
		TotalCreditsUsed: 50,
		TotalLimit:       50,
		SiteUsage:        map[string]int64{"acme": 50},
	}

	w := doDescribe(f, describeBody(t, nil), nil)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	var resp struct {
		Error struct {
			Kind        string `json:"kind"`
			CreditsUsed int64  `json:"credits_used"`
			TotalLimit  int64  `json:"total_limit"`
			ResetDate   string `json:"reset_date"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Kind != KindQuotaExceeded {
		t.Errorf("kind = %s, want %s", resp.Error.Kind, KindQuotaExceeded)
	}
	if resp.Error.CreditsUsed != 50 || resp.Error.TotalLimit != 50 {
		t.Errorf("got used=%d limit=%d, want 50/50", resp.Error.CreditsUsed, resp.Error.TotalLimit)
	}
	if resp.Error.ResetDate == "" {
		t.Error("quota rejection must carry a reset date")
	}
	if f.describer.callCount() != 0 {
		t.Error("quota must be checked before the generation call")
	}
}

func TestHandleDescribe_RateLimited(t *testing.T) {
	f := setupTest(t, 1)

	if w := doDescribe(f, describeBody(t, nil), nil); w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w.Code)
	}
	w := doDescribe(f, describeBody(t, nil), nil)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if kind := errorKind(t, w); kind != KindRateLimited {
		t.Errorf("expected %s, got %s", KindRateLimited, kind)
	}
}

func TestHandleDescribe_CacheMissThenHit(t *testing.T) {
	f := setupTest(t, 60)

	w := doDescribe(f, describeBody(t, nil), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var first describeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first request should be a miss")
	}

	w = doDescribe(f, describeBody(t, nil), nil)
	var second describeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("second request with identical content should hit the cache")
	}
	if second.AltText != first.AltText {
		t.Errorf("cached altText %q differs from generated %q", second.AltText, first.AltText)
	}
	if f.describer.callCount() != 1 {
		t.Errorf("describer called %d times, want 1", f.describer.callCount())
	}

	entries := f.usageStore.waitForEntries(t, 2)
	var hits, billed int64
	for _, e := range entries {
		if e.CacheHit {
			hits++
		}
		billed += e.Credits
	}
	if hits != 1 {
		t.Errorf("expected one cache-hit log entry, got %d", hits)
	}
	if billed != 1 {
		t.Errorf("expected exactly one credit billed across both requests, got %d", billed)
	}
}

func TestHandleDescribe_DataURLHitsBareBase64Entry(t *testing.T) {
	f := setupTest(t, 60)
	content := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("sample-image-bytes", 20)))

	doDescribe(f, describeBody(t, map[string]any{"image": content}), nil)
	w := doDescribe(f, describeBody(t, map[string]any{"image": "data:image/png;base64," + content}), nil)

	var resp describeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Cached {
		t.Error("data-url wrapping of identical bytes must hit the same cache entry")
	}
}

func TestHandleDescribe_RegenerateSkipsReadRefreshesEntry(t *testing.T) {
	f := setupTest(t, 60)

	doDescribe(f, describeBody(t, nil), nil)
	w := doDescribe(f, describeBody(t, map[string]any{"regenerate": true}), nil)

	var resp describeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Cached {
		t.Error("regenerate must bypass the cache read")
	}
	if f.describer.callCount() != 2 {
		t.Errorf("describer called %d times, want 2", f.describer.callCount())
	}

	// The forced result still refreshes the entry: a third plain request hits.
	w = doDescribe(f, describeBody(t, nil), nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Cached {
		t.Error("regeneration should write through so the next request hits")
	}
}

func TestHandleDescribe_BypassHeader(t *testing.T) {
	f := setupTest(t, 60)

	doDescribe(f, describeBody(t, nil), nil)
	doDescribe(f, describeBody(t, nil), func(r *http.Request) {
		r.Header.Set("X-Cache-Bypass", "true")
	})

	if f.describer.callCount() != 2 {
		t.Errorf("describer called %d times, want 2 (header bypass must skip the read)", f.describer.callCount())
	}
}

func TestHandleDescribe_URLPayloadNeverCached(t *testing.T) {
	f := setupTest(t, 60)
	body := map[string]any{"image": "https://example.com/photo.jpg"}

	doDescribe(f, describeBody(t, body), nil)
	w := doDescribe(f, describeBody(t, body), nil)

	var resp describeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Cached {
		t.Error("URL payloads have no fingerprint and must not be cached")
	}
	if f.describer.callCount() != 2 {
		t.Errorf("describer called %d times, want 2", f.describer.callCount())
	}
}

func TestHandleDescribe_GenerationFailure(t *testing.T) {
	f := setupTest(t, 60)
	f.describer.err = fmt.Errorf("upstream timeout")

	w := doDescribe(f, describeBody(t, nil), nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}

	// The failure is audited with zero credits; the ledger is never charged.
	entries := f.usageStore.waitForEntries(t, 1)
	if entries[0].Status != usage.StatusFailed || entries[0].Credits != 0 {
		t.Errorf("failed generation logged as status=%s credits=%d, want failed/0", entries[0].Status, entries[0].Credits)
	}
	if len(f.quotaStore.summaries) != 0 {
		t.Error("failed generations must not consume credits")
	}
}

func TestHandleDescribe_ConsumptionRecordedOnSuccess(t *testing.T) {
	f := setupTest(t, 60)
	lic := testLicense()

	doDescribe(f, describeBody(t, nil), nil)
	f.usageStore.waitForEntries(t, 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		start := quota.PeriodStart(lic.BillingDay, time.Now())
		sum, err := f.quotaStore.GetSummary(context.Background(), lic.Key, start)
		if err == nil {
			if sum.TotalCreditsUsed != 1 || sum.SiteUsage["acme"] != 1 {
				t.Errorf("summary = %d total / %d for acme, want 1/1", sum.TotalCreditsUsed, sum.SiteUsage["acme"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("ledger was never charged for the successful generation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleQuotaStatus(t *testing.T) {
	f := setupTest(t, 60)

	req := httptest.NewRequest("GET", "/v1/quota", nil)
	ctx := license.WithLicense(req.Context(), testLicense())
	ctx = license.WithSiteID(ctx, "acme")
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	f.handler.HandleQuotaStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status quota.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.TotalLimit != 100 || status.Remaining != 100 {
		t.Errorf("fresh starter status = limit %d remaining %d, want 100/100", status.TotalLimit, status.Remaining)
	}
}

func TestHandleFlushCache(t *testing.T) {
	_ = setupTest(t, 60)
	log := zerolog.Nop()
	store := cache.NewMemoryStore(log)
	c := cache.New(store, time.Hour, log)
	admin := NewAdminHandler("s3cret", c, log)

	c.Set(context.Background(), "fp-1", &cache.Result{AltText: "a"})
	c.Set(context.Background(), "fp-2", &cache.Result{AltText: "b"})

	// Wrong secret is rejected without touching the cache.
	req := httptest.NewRequest("POST", "/admin/cache/flush", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	w := httptest.NewRecorder()
	admin.HandleFlushCache(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad secret, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/admin/cache/flush", nil)
	req.Header.Set("X-Admin-Secret", "s3cret")
	w = httptest.NewRecorder()
	admin.HandleFlushCache(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["flushed"] != 2 {
		t.Errorf("flushed = %d, want 2", resp["flushed"])
	}

	if _, ok := c.Get(context.Background(), "fp-1"); ok {
		t.Error("flushed entry still readable")
	}
}
