package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/lambda-runtime/pkg/metrics"
)

func fixedProbe(res Resources, err error) Probe {
	return func(context.Context) (Resources, error) { return res, err }
}

var plenty = Resources{TmpDir: "/tmp", TmpFreeBytes: 512 << 20, MemAvailableBytes: 128 << 20, MemUsedPercent: 40}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := New(":0", nil, WithProbe(fixedProbe(plenty, nil)))

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		loop       bool
		probe      Probe
		wantStatus int
		wantReason string
	}{
		{name: "ready", loop: true, probe: fixedProbe(plenty, nil), wantStatus: http.StatusOK},
		{name: "loop stopped", loop: false, probe: fixedProbe(plenty, nil), wantStatus: http.StatusServiceUnavailable, wantReason: "invocation loop is not running"},
		{name: "tmp full", loop: true, probe: fixedProbe(Resources{TmpDir: "/tmp", TmpFreeBytes: 1024, MemAvailableBytes: 1 << 20}, nil), wantStatus: http.StatusServiceUnavailable, wantReason: "/tmp has 1024 bytes free"},
		{name: "no memory", loop: true, probe: fixedProbe(Resources{TmpDir: "/tmp", TmpFreeBytes: 512 << 20}, nil), wantStatus: http.StatusServiceUnavailable, wantReason: "no memory available"},
		{name: "probe error", loop: true, probe: fixedProbe(Resources{}, errors.New("statfs failed")), wantStatus: http.StatusServiceUnavailable, wantReason: "statfs failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := tt.loop
			s := New(":0", nil, WithProbe(tt.probe), WithReadiness(func() bool { return loop }))

			rec := get(t, s.Handler(), "/ready")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp readyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			if tt.wantReason == "" {
				assert.Equal(t, "ready", resp.Status)
				assert.Empty(t, resp.Reasons)
				return
			}
			assert.Equal(t, "not_ready", resp.Status)
			assert.Contains(t, strings.Join(resp.Reasons, "; "), tt.wantReason)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("demo")
	m.ObserveInvocation(metrics.OutcomeSuccess, 10*time.Millisecond)
	s := New(":0", m, WithProbe(fixedProbe(plenty, nil)))

	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lambdart_invocations_total")
}

func TestMetricsEndpoint_AbsentWithoutMetrics(t *testing.T) {
	s := New(":0", nil, WithProbe(fixedProbe(plenty, nil)))
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(":0", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	s := New("127.0.0.1:0", metrics.New("demo"), WithProbe(fixedProbe(plenty, nil)))
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

func TestStart_BadAddress(t *testing.T) {
	s := New("256.0.0.1:bad", nil)
	assert.Error(t, s.Start())
}

func TestSystemProbe(t *testing.T) {
	res, err := SystemProbe(context.Background())
	if err != nil {
		t.Skipf("system stats unavailable: %v", err)
	}
	assert.NotEmpty(t, res.TmpDir)
	assert.Greater(t, res.MemAvailableBytes, uint64(0))
}
