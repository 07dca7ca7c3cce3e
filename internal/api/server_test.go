package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidermini-crawler/internal/config"
	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
	"github.com/JakeFAU/spidermini-crawler/internal/frontier/memory"
)

func TestSubmitSeedJSONInsertsAndEnqueues(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seeder := &fakeSeeder{}
	server := NewServer(store, seeder, nil, testConfig(), zap.NewNop())

	rec := postSeed(t, server, "/", "application/json", `{"url":"https://example.com/a"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body seedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "https://example.com/a", body.URL)
	require.Equal(t, "URL accepted for crawling", body.Message)
	require.Equal(t, []string{"https://example.com/a"}, seeder.urls())

	row, err := store.Get(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, row.Status)
}

func TestSubmitSeedIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seeder := &fakeSeeder{}
	server := NewServer(store, seeder, nil, testConfig(), zap.NewNop())

	first := postSeed(t, server, "/v1/urls", "application/json", `{"url":"https://example.com/a"}`)
	second := postSeed(t, server, "/v1/urls", "application/json", `{"url":"https://example.com/a"}`)

	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)
	require.Contains(t, second.Body.String(), "already known")
	require.Len(t, seeder.urls(), 1)

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[crawler.StatusPending])
}

func TestSubmitSeedBodyFormats(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		contentType string
		body        string
	}{
		{"json with charset", "application/json; charset=utf-8", `{"url":"https://example.com/json"}`},
		{"form", "application/x-www-form-urlencoded", "url=https%3A%2F%2Fexample.com%2Fform"},
		{"plain text", "text/plain", "  https://example.com/text\n"},
		{"application text", "application/text", "https://example.com/apptext"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := NewServer(memory.NewStore(), nil, nil, testConfig(), zap.NewNop())
			rec := postSeed(t, server, "/", tc.contentType, tc.body)
			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
			require.Contains(t, rec.Body.String(), "https://example.com/")
		})
	}
}

func TestSubmitSeedRejectsBadRequests(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantError   string
	}{
		{"missing content type", "", `{"url":"https://example.com"}`, http.StatusBadRequest, "Content-Type"},
		{"malformed json", "application/json", `{"url":`, http.StatusBadRequest, "invalid JSON"},
		{"missing url field", "application/json", `{"href":"https://example.com"}`, http.StatusBadRequest, `"url"`},
		{"relative url", "application/json", `{"url":"/b"}`, http.StatusBadRequest, "absolute http"},
		{"mailto url", "text/plain", "mailto:someone@example.com", http.StatusBadRequest, "absolute http"},
		{"unsupported type", "application/xml", "<url/>", http.StatusUnsupportedMediaType, "unsupported"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := memory.NewStore()
			server := NewServer(store, nil, nil, testConfig(), zap.NewNop())
			rec := postSeed(t, server, "/", tc.contentType, tc.body)
			require.Equal(t, tc.wantStatus, rec.Code)
			require.Contains(t, rec.Body.String(), tc.wantError)

			counts, err := store.CountByStatus(context.Background())
			require.NoError(t, err)
			require.Zero(t, counts[crawler.StatusPending])
		})
	}
}

func TestSubmitSeedNormalizesURL(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	server := NewServer(store, nil, nil, testConfig(), zap.NewNop())
	rec := postSeed(t, server, "/", "application/json", `{"url":"HTTPS://Example.com:443/a#top"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	_, err := store.Get(context.Background(), "https://example.com/a")
	require.NoError(t, err)
}

func TestSubmitSeedStoreFailure(t *testing.T) {
	t.Parallel()

	server := NewServer(&brokenStore{Store: memory.NewStore()}, nil, nil, testConfig(), zap.NewNop())
	rec := postSeed(t, server, "/", "application/json", `{"url":"https://example.com/a"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "failed to store url")
}

func TestSubmitSeedEnqueueFailureStillAccepted(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seeder := &fakeSeeder{err: crawler.ErrQueueClosed}
	server := NewServer(store, seeder, nil, testConfig(), zap.NewNop())

	rec := postSeed(t, server, "/", "application/json", `{"url":"https://example.com/a"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	row, err := store.Get(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, row.Status)
}

func TestUnknownRoutesReturnJSON404(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/"},
		{http.MethodPut, "/"},
		{http.MethodGet, "/nope"},
		{http.MethodDelete, "/v1/urls"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
		require.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
	}
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	predictor := &fakeHealth{}
	server := NewServer(memory.NewStore(), nil, predictor, testConfig(), zap.NewNop())

	rec := get(server, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(server, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")

	predictor.err = errors.New("predictor returned 503")
	rec = get(server, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "predictor unavailable")

	broken := NewServer(&brokenStore{Store: memory.NewStore()}, nil, nil, testConfig(), zap.NewNop())
	rec = get(broken, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unavailable")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	_ = get(server, "/healthz")

	rec := get(server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(memory.NewStore(), nil, nil, cfg, zap.NewNop())

	rec := get(server, "/v1/stats")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(server, "/v1/stats?api_key=secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(server, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	rec := get(newTestServer(), "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	handler := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "timed out")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 5},
		Crawler: config.CrawlerConfig{BatchSize: 5, Workers: 1, QueueDepth: 1},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 5},
		DB:      config.DBConfig{Driver: config.DriverMemory},
	}
}

func newTestServer() *Server {
	return NewServer(memory.NewStore(), nil, nil, testConfig(), zap.NewNop())
}

func postSeed(t *testing.T, server *Server, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func get(server *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeSeeder struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (s *fakeSeeder) Enqueue(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.seen = append(s.seen, url)
	return nil
}

func (s *fakeSeeder) urls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Health(context.Context) error {
	return f.err
}

// brokenStore fails every call that the API issues.
type brokenStore struct {
	*memory.Store
}

var errStoreDown = errors.Join(crawler.ErrPersistence, errors.New("connection refused"))

func (*brokenStore) UpsertPending(context.Context, string) (bool, error) {
	return false, errStoreDown
}

func (*brokenStore) Get(context.Context, string) (crawler.URLRecord, error) {
	return crawler.URLRecord{}, errStoreDown
}

func (*brokenStore) SelectPendingBatch(context.Context, int) ([]string, error) {
	return nil, errStoreDown
}

func (*brokenStore) CountByStatus(context.Context) (map[crawler.Status]int64, error) {
	return nil, errStoreDown
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
