package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

func probeCfg() domain.HealthCheckConfig {
	return domain.HealthCheckConfig{
		TimeoutMs:     2000,
		MaxWaitTimeMs: 60000,
		RetryAttempts: 0,
		RetryDelayMs:  10,
	}
}

func serveStatus(t *testing.T, code int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeAllHealthy(t *testing.T) {
	ok := serveStatus(t, http.StatusOK)
	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: ok.URL},
	}, probeCfg(), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictHealthy, report.Verdict)
	require.Len(t, report.Endpoints, 1)
	assert.True(t, report.Endpoints[0].Healthy)
	assert.Equal(t, http.StatusOK, report.Endpoints[0].StatusCode)
}

func TestProbeClientErrorIsUnhealthy(t *testing.T) {
	notFound := serveStatus(t, http.StatusNotFound)
	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: notFound.URL},
	}, probeCfg(), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnhealthy, report.Verdict)
	require.Len(t, report.Endpoints, 1)
	assert.False(t, report.Endpoints[0].Healthy)
	assert.Equal(t, domain.ProbeErrUnknown, report.Endpoints[0].ErrorClass)
}

func TestProbeNotModifiedIsHealthy(t *testing.T) {
	cached := serveStatus(t, http.StatusNotModified)
	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: cached.URL},
	}, probeCfg(), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictHealthy, report.Verdict)
}

func TestProbePartialWithinWaitBudget(t *testing.T) {
	ok := serveStatus(t, http.StatusOK)
	bad := serveStatus(t, http.StatusBadGateway)
	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: ok.URL},
		{Port: 8081, EndpointURL: bad.URL},
	}, probeCfg(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPartial, report.Verdict)
}

func TestProbePartialDecaysToUnhealthyAfterBudget(t *testing.T) {
	ok := serveStatus(t, http.StatusOK)
	bad := serveStatus(t, http.StatusServiceUnavailable)
	cfg := probeCfg()
	cfg.MaxWaitTimeMs = 1000
	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: ok.URL},
		{Port: 8081, EndpointURL: bad.URL},
	}, cfg, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnhealthy, report.Verdict)
}

func TestProbeTargetPortFiltersEndpoints(t *testing.T) {
	ok := serveStatus(t, http.StatusOK)
	bad := serveStatus(t, http.StatusBadGateway)
	cfg := probeCfg()
	cfg.TargetPort = 8080
	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: ok.URL},
		{Port: 9999, EndpointURL: bad.URL},
	}, cfg, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictHealthy, report.Verdict)
	assert.Len(t, report.Endpoints, 1)
}

func TestProbeNoEndpointsIsUnhealthy(t *testing.T) {
	report, err := New().Probe(context.Background(), nil, probeCfg(), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnhealthy, report.Verdict)
}

func TestProbeClassifiesConnectionRefused(t *testing.T) {
	srv := serveStatus(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: url},
	}, probeCfg(), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnhealthy, report.Verdict)
	require.Len(t, report.Endpoints, 1)
	assert.Equal(t, domain.ProbeErrConnectionRefused, report.Endpoints[0].ErrorClass)
}

func TestProbeBadGatewayClassification(t *testing.T) {
	bad := serveStatus(t, http.StatusBadGateway)
	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: bad.URL},
	}, probeCfg(), 0)
	require.NoError(t, err)
	require.Len(t, report.Endpoints, 1)
	assert.False(t, report.Endpoints[0].Healthy)
	assert.Equal(t, domain.ProbeErrBadGateway, report.Endpoints[0].ErrorClass)
}

func TestProbeRetriesBeforeGivingUp(t *testing.T) {
	flaky := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flaky++
		if flaky == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := probeCfg()
	cfg.RetryAttempts = 1
	report, err := New().Probe(context.Background(), []domain.ProbeEndpoint{
		{Port: 8080, EndpointURL: srv.URL},
	}, cfg, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictHealthy, report.Verdict)
	assert.Equal(t, 2, report.Endpoints[0].Attempts)
}
