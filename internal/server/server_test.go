package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/atelier/internal/auth"
	"github.com/mbd888/atelier/internal/config"
)

const (
	testSecret = "server-test-secret-0123456789abcdef"
	clientID   = "client_1"
	artistID   = "artist_1"
	adminID    = "admin_1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		JWTSecret:            testSecret,
		JWTIssuer:            config.DefaultJWTIssuer,
		AdminUserIDs:         []string{adminID},
		SweepInterval:        time.Hour,
		TicketResponseWindow: config.DefaultTicketResponseWindow,
		UploadReviewWindow:   config.DefaultUploadReviewWindow,
		CounterproofWindow:   config.DefaultCounterproofWindow,
		RateLimitRPM:         1000,
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return s
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret, config.DefaultJWTIssuer).Sign(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func call(t *testing.T, s *Server, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, Version, resp["version"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := call(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Run() has not been called.
	w := call(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := call(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "atelier_commission_")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/contracts",
		"GET:/v1/contracts/:id",
		"GET:/v1/contracts/:id/escrow",
		"POST:/v1/contracts/:id/cancel-tickets",
		"POST:/v1/uploads/:id/review",
		"POST:/v1/resolutions/:id/resolve",
		"GET:/v1/admin/review-queue",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	w := call(t, s, http.MethodGet, "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestAPIRequiresSession(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodGet, "/v1/contracts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/contracts", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimitRPM = 2 })

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, call(t, s, http.MethodGet, "/v1/contracts", clientID, nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, call(t, s, http.MethodGet, "/v1/contracts", clientID, nil).Code)
	assert.Equal(t, http.StatusOK, call(t, s, http.MethodGet, "/v1/contracts", artistID, nil).Code)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestContractAndEscrowFlow(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodPost, "/v1/contracts", clientID, gin.H{
		"artistId":    artistID,
		"description": "Two character illustration",
		"flow":        "standard",
		"basePrice":   500_000,
		"deadline":    time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"revisionPolicy": gin.H{
			"type": "none",
		},
		"policy": gin.H{
			"cancellationFee":    gin.H{"kind": "percent", "amount": 10},
			"latePenaltyPercent": 5,
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Contract struct {
			ID string `json:"id"`
		} `json:"contract"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Contract.ID

	w = call(t, s, http.MethodGet, "/v1/contracts/"+id+"/escrow", artistID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var statement struct {
		Account struct {
			Held int64 `json:"held"`
		} `json:"account"`
		Entries []json.RawMessage `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statement))
	assert.Equal(t, int64(500_000), statement.Account.Held)
	assert.Len(t, statement.Entries, 1)

	w = call(t, s, http.MethodGet, "/v1/contracts/"+id+"/escrow", "user_9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(t, s, http.MethodGet, "/v1/admin/review-queue", adminID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Construction and lifecycle
// ---------------------------------------------------------------------------

func TestNew_RejectsUnsafeWebhook(t *testing.T) {
	_, err := New(func() *config.Config {
		cfg := testConfig()
		cfg.Env = "staging"
		cfg.WebhookURL = "http://127.0.0.1:9000/hook"
		cfg.WebhookSecret = "whsec"
		return cfg
	}(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_URL")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.ready.Load() && s.timer.Running()
	}, 2*time.Second, 10*time.Millisecond)

	w := call(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, s.ready.Load())
}
