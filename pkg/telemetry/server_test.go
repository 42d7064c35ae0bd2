package telemetry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

func TestMetricsMux_Readyz(t *testing.T) {
	tests := []struct {
		name  string
		ready telemetry.ReadyFunc
		want  int
	}{
		{"no probe", nil, http.StatusOK},
		{"store up", func(context.Context) error { return nil }, http.StatusOK},
		{"store down", func(context.Context) error { return errors.New("connection refused") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			telemetry.NewMetricsMux(tt.ready).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMetricsMux_ExposesMetrics(t *testing.T) {
	telemetry.WorkerTasksProcessed.WithLabelValues("chapter.write", "success").Inc()

	rec := httptest.NewRecorder()
	telemetry.NewMetricsMux(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inkround_")
}

func TestSampler(t *testing.T) {
	assert.Contains(t, telemetry.Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, telemetry.Sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, telemetry.Sampler(0.25).Description(), "TraceIDRatioBased")
}
