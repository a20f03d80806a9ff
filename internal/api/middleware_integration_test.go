// Package api provides HTTP API server implementation for the mirage service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirage-run/mirage/internal/api/middleware"
	"github.com/mirage-run/mirage/internal/config"
	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/store"
)

// middlewareTestServer encapsulates test server dependencies for middleware
// integration tests.
type middlewareTestServer struct {
	server      *Server
	testAPIKey  string
	experiment  string
	rateLimiter *middleware.InMemoryRateLimiter
}

// setupMiddlewareTestServer creates a fully configured test server with all
// dependencies, plus one seeded experiment so protected reads have
// something to return.
func setupMiddlewareTestServer(ctx context.Context, t *testing.T, withRateLimiter bool) *middlewareTestServer {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	storeConn := &store.Connection{DB: testDB.Connection}
	st := store.New(storeConn)

	t.Cleanup(func() { _ = st.Close() })

	testAPIKey, err := store.GenerateAPIKey("test-plugin")
	require.NoError(t, err, "Failed to generate API key")

	err = st.AddAPIKey(ctx, &store.APIKey{
		PluginID:    "test-plugin",
		Name:        "Test Plugin",
		Permissions: []string{"tasks:write", "ratings:write"},
		Active:      true,
	}, testAPIKey)
	require.NoError(t, err, "Failed to add API key")

	experimentID := seedExperiment(ctx, t, st)

	var rateLimiter *middleware.InMemoryRateLimiter
	if withRateLimiter {
		rateLimiter = createTestRateLimiter(5, 2, 1)
		t.Cleanup(rateLimiter.Close)
	}

	cfg := &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LogLevel:           slog.LevelInfo,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
		CORSMaxAge:         86400,
	}

	server := NewServer(cfg, st, st, rateLimiter, t.TempDir())

	return &middlewareTestServer{
		server:      server,
		testAPIKey:  testAPIKey,
		experiment:  experimentID,
		rateLimiter: rateLimiter,
	}
}

// seedExperiment inserts a generation spec and an experiment and returns the
// experiment ID, so protected-endpoint tests have a real resource to fetch.
func seedExperiment(ctx context.Context, t *testing.T, st *store.Store) string {
	t.Helper()

	spec := &domain.GenerationSpec{
		Provider:       "synthetic",
		Model:          "mirage-v1",
		PromptTemplate: "a test subject speaking",
		Params:         []byte(`{}`),
		SeedPolicy:     []byte(`{}`),
	}
	require.NoError(t, st.InsertGenerationSpec(ctx, spec))

	exp := &domain.Experiment{GenerationSpecID: spec.GenerationSpecID}
	require.NoError(t, st.InsertExperiment(ctx, exp))

	return exp.ExperimentID
}

// TestPublicEndpointAuthBypass tests that public health endpoints work
// without authentication while protected endpoints still require it.
func TestPublicEndpointAuthBypass(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupMiddlewareTestServer(ctx, t, false)

	t.Run("Ping Endpoint Works Without Authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "Response body: %s", rr.Body.String())
		assert.Equal(t, "pong", rr.Body.String(), "Expected 'pong' response")
		verifyCorrelationID(t, rr)
	})

	t.Run("Health Endpoint Works Without Authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "Response body: %s", rr.Body.String())

		var health HealthResponse

		err := json.Unmarshal(rr.Body.Bytes(), &health)
		require.NoError(t, err, "Failed to parse health response")
		assert.Equal(t, "ok", health.Status)

		verifyCorrelationID(t, rr)
	})

	t.Run("Protected Endpoint Still Requires Authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/experiments/"+ts.experiment, nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "Response body: %s", rr.Body.String())
		verifyRFC7807Error(t, rr, http.StatusUnauthorized)
	})
}

// TestPublicEndpointRateLimitBypass tests that public health endpoints
// bypass rate limiting while protected endpoints still enforce it.
func TestPublicEndpointRateLimitBypass(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupMiddlewareTestServer(ctx, t, true)

	t.Run("Ping Endpoint Bypasses Rate Limiting", func(t *testing.T) {
		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 100; i++ {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)

			rr := httptest.NewRecorder()
			ts.server.httpServer.Handler.ServeHTTP(rr, req)

			switch rr.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
			}
		}

		assert.Equal(t, 0, rateLimitedCount, "/ping should never be rate limited")
		assert.Equal(t, 100, successCount)
	})

	t.Run("Protected Endpoint Still Enforces Rate Limits", func(t *testing.T) {
		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 20; i++ {
			response := makeAuthenticatedRequest(ts.server, ts.testAPIKey, "/experiments/"+ts.experiment)
			switch response.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
				if rateLimitedCount == 1 {
					verifyRFC7807Error(t, response, http.StatusTooManyRequests)
				}
			}
		}

		assert.NotEqual(t, 0, rateLimitedCount,
			"expected some rate-limited requests, but all %d succeeded", successCount)
	})
}

// TestRateLimitingIntegration tests the rate limiting flow against two
// independently authenticated plugins.
func TestRateLimitingIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	storeConn := &store.Connection{DB: testDB.Connection}
	st := store.New(storeConn)

	t.Cleanup(func() { _ = st.Close() })

	experimentID := seedExperiment(ctx, t, st)

	apiKey1, err := store.GenerateAPIKey("plugin-1")
	require.NoError(t, err)
	require.NoError(t, st.AddAPIKey(ctx, &store.APIKey{PluginID: "plugin-1", Name: "Plugin 1", Active: true}, apiKey1))

	apiKey2, err := store.GenerateAPIKey("plugin-2")
	require.NoError(t, err)
	require.NoError(t, st.AddAPIKey(ctx, &store.APIKey{PluginID: "plugin-2", Name: "Plugin 2", Active: true}, apiKey2))

	newServerWithLimiter := func(globalRPS, pluginRPS, unauthRPS int) (*Server, *middleware.InMemoryRateLimiter) {
		rl := createTestRateLimiter(globalRPS, pluginRPS, unauthRPS)
		t.Cleanup(rl.Close)

		cfg := &ServerConfig{
			Port: 8080, Host: "localhost",
			ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second, ShutdownTimeout: 30 * time.Second,
			LogLevel:           slog.LevelInfo,
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
			CORSMaxAge:         86400,
		}

		return NewServer(cfg, st, st, rl, t.TempDir()), rl
	}

	t.Run("Per-Plugin Rate Limit Enforcement", func(t *testing.T) {
		server, _ := newServerWithLimiter(100, 2, 1)

		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 10; i++ {
			response := makeAuthenticatedRequest(server, apiKey1, "/experiments/"+experimentID)
			switch response.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
			}
		}

		assert.NotEqual(t, 0, rateLimitedCount, "plugin-1 should hit its own rate limit")

		successCount, rateLimitedCount = 0, 0

		for i := 0; i < 10; i++ {
			response := makeAuthenticatedRequest(server, apiKey2, "/experiments/"+experimentID)
			switch response.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
				if rateLimitedCount == 1 {
					verifyRFC7807Error(t, response, http.StatusTooManyRequests)
				}
			}
		}

		assert.NotEqual(t, 0, rateLimitedCount, "plugin-2 should have its own independent limit")
	})

	t.Run("Token Refill After Rate Limit", func(t *testing.T) {
		server, _ := newServerWithLimiter(100, 2, 1)

		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 10; i++ {
			response := makeAuthenticatedRequest(server, apiKey1, "/experiments/"+experimentID)
			switch response.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
			}
		}

		require.NotEqual(t, 0, rateLimitedCount, "expected some requests to be rate limited, but all %d succeeded", successCount)

		time.Sleep(600 * time.Millisecond)

		response := makeAuthenticatedRequest(server, apiKey1, "/experiments/"+experimentID)
		assert.Equal(t, http.StatusOK, response.Code,
			"expected request to succeed after token refill, got %d. Body: %s", response.Code, response.Body.String())
	})
}

// TestFullMiddlewareStackIntegration validates that every middleware layer
// executes in the correct order and contributes its expected behavior.
func TestFullMiddlewareStackIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := setupMiddlewareTestServer(ctx, t, true)

	t.Run("Successful Request Flows Through All Middleware", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/experiments/"+ts.experiment, nil)
		req.Header.Set("X-Api-Key", ts.testAPIKey)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "Response body: %s", rr.Body.String())
		verifyCORSHeaders(t, rr)
		verifyCorrelationID(t, rr)
	})

	t.Run("Authentication Failure Has Correlation ID And CORS", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/experiments/"+ts.experiment, nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "Response body: %s", rr.Body.String())
		verifyRFC7807Error(t, rr, http.StatusUnauthorized)
		verifyCorrelationID(t, rr)
	})

	t.Run("Rate Limiting Has Correlation ID", func(t *testing.T) {
		var rateLimitedResponse *httptest.ResponseRecorder

		for i := 0; i < 10; i++ {
			req := httptest.NewRequest(http.MethodGet, "/experiments/"+ts.experiment, nil)
			req.Header.Set("X-Api-Key", ts.testAPIKey)

			rr := httptest.NewRecorder()
			ts.server.httpServer.Handler.ServeHTTP(rr, req)

			if rr.Code == http.StatusTooManyRequests {
				rateLimitedResponse = rr

				break
			}
		}

		require.NotNil(t, rateLimitedResponse, "expected to hit rate limit, but all requests succeeded")
		verifyRFC7807Error(t, rateLimitedResponse, http.StatusTooManyRequests)
		verifyCorrelationID(t, rateLimitedResponse)
	})
}

// createTestRateLimiter creates a rate limiter with explicit configuration
// for testing. Burst capacity is auto-computed as 2x rate for all tiers.
func createTestRateLimiter(globalRPS, pluginRPS, unauthRPS int) *middleware.InMemoryRateLimiter {
	cfg := &middleware.Config{
		GlobalRPS: globalRPS,
		PluginRPS: pluginRPS,
		UnAuthRPS: unauthRPS,
	}

	return middleware.NewInMemoryRateLimiter(cfg)
}

// makeAuthenticatedRequest creates and executes an HTTP request with API key
// authentication. An empty apiKey sends the request unauthenticated.
func makeAuthenticatedRequest(server *Server, apiKey, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

// verifyRFC7807Error validates that an HTTP response follows RFC 7807
// Problem Details format with the expected status code.
func verifyRFC7807Error(t *testing.T, response *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()

	assert.Equal(t, expectedStatus, response.Code, "Body: %s", response.Body.String())
	assert.Equal(t, "application/problem+json", response.Header().Get("Content-Type"))

	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &problem), "Failed to parse RFC 7807 error response")

	for _, field := range []string{"type", "title", "status", "detail", "instance", "correlationId"} {
		assert.NotNil(t, problem[field], "Missing required RFC 7807 field: %s", field)
	}

	if statusValue, ok := problem["status"].(float64); ok {
		assert.Equal(t, expectedStatus, int(statusValue))
	}
}

// verifyCORSHeaders validates that CORS middleware set its headers.
func verifyCORSHeaders(t *testing.T, response *httptest.ResponseRecorder) {
	t.Helper()

	assert.NotEmpty(t, response.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, response.Header().Get("Access-Control-Allow-Methods"))
}

// verifyCorrelationID validates that the CorrelationID middleware set a
// 16-character hex correlation ID header.
func verifyCorrelationID(t *testing.T, response *httptest.ResponseRecorder) {
	t.Helper()

	correlationID := response.Header().Get("X-Correlation-ID")
	assert.NotEmpty(t, correlationID)
	assert.Len(t, correlationID, 16)
}
