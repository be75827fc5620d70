package novita

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/config"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

func testConfig(baseURL, internalURL string) config.Config {
	return config.Config{
		AppEnv:                  "test",
		ProviderBaseURL:         baseURL,
		ProviderInternalURL:     internalURL,
		ProviderAPIKey:          "public-key",
		ProviderInternalKey:     "internal-key",
		ProviderTimeout:         5 * time.Second,
		ProviderMaxRetries:      2,
		RateLimitRequests:       100,
		RateLimitWindow:         time.Second,
		CircuitMaxFailures:      3,
		CircuitOpenTimeout:      time.Minute,
		CircuitSuccessThreshold: 1,
	}
}

func TestGetInstanceMapsWirePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer public-key", r.Header.Get("Authorization"))
		assert.Equal(t, "inst-1", r.URL.Query().Get("instanceId"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"instance": map[string]any{
				"id":         "inst-1",
				"name":       "worker-a",
				"status":     "running",
				"spotStatus": "",
				"portMappings": []map[string]any{
					{"port": 8080, "endpoint": "https://inst-1.example.com:8080", "type": "http"},
				},
			},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))
	got, err := c.GetInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", got.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)
	require.Len(t, got.PortMappings, 1)
	assert.Equal(t, 8080, got.PortMappings[0].Port)
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]domain.InstanceStatus{
		"running":      domain.StatusRunning,
		"pulling":      domain.StatusCreating,
		"toStart":      domain.StatusStarting,
		"exited":       domain.StatusExited,
		"removed":      domain.StatusTerminated,
		"mystery":      domain.InstanceStatus("mystery"),
		"createFailed": domain.StatusFailed,
	}
	for wire, want := range cases {
		assert.Equal(t, want, mapStatus(wire), wire)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"instance": map[string]any{"id": "x", "status": "running"}})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))
	_, err := c.GetInstance(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))
	_, err := c.GetInstance(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestClientMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))
	_, err := c.GetInstance(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, srv.URL)
	cfg.ProviderMaxRetries = 0
	c := New(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetInstance(ctx, "x")
		require.Error(t, err)
	}
	// Breaker tripped: next call fails fast without reaching the server.
	_, err := c.GetInstance(ctx, "x")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestMigrateUsesInternalEndpointAndKey(t *testing.T) {
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("migrate must not touch the public endpoint family")
	}))
	defer public.Close()
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer internal-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/gpu/instance/migrate", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "inst-9", body["instanceId"])
		w.WriteHeader(http.StatusOK)
	}))
	defer internal.Close()

	c := New(testConfig(public.URL, internal.URL))
	require.NoError(t, c.MigrateInstance(context.Background(), "inst-9"))
}

func TestListProductsParsesPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RTX 4090", r.URL.Query().Get("productName"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "p1", "name": "RTX 4090", "region": "CN-HK-01", "spotPrice": "0.35", "price": "0.90"},
			},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, srv.URL))
	products, err := c.ListProducts(context.Background(), domain.ProductFilter{Name: "RTX 4090"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.InDelta(t, 0.35, products[0].SpotPrice, 1e-9)
}
