package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	open    bool
	closed  bool
	lastErr error
}

func (f *fakeClient) IsOpen() bool     { return f.open }
func (f *fakeClient) IsClosed() bool   { return f.closed }
func (f *fakeClient) LastError() error { return f.lastErr }

type slowChecker struct{}

func (slowChecker) Name() string { return "slow" }
func (slowChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return CheckResult{Name: "slow", Status: StatusHealthy}
}

func TestClientChecker(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
		want   Status
	}{
		{"open client is healthy", &fakeClient{open: true}, StatusHealthy},
		{"unopened client is degraded", &fakeClient{}, StatusDegraded},
		{"closed client is degraded", &fakeClient{closed: true}, StatusDegraded},
		{"failed open is unhealthy", &fakeClient{lastErr: errors.New("connection refused")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewClientChecker("producer", tt.client).Check(context.Background())
			assert.Equal(t, "producer", result.Name)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.client.open, result.Details["open"])
		})
	}
}

func TestRuntimeChecker(t *testing.T) {
	t.Run("reports goroutines", func(t *testing.T) {
		result := NewRuntimeChecker(0, 0).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Greater(t, result.Details["goroutines"].(int), 0)
	})

	t.Run("thresholds degrade the status", func(t *testing.T) {
		assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(1, 1).Check(context.Background()).Status)
		assert.Equal(t, StatusDegraded, NewRuntimeChecker(1, 1<<20).Check(context.Background()).Status)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("overall status is the worst check", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewClientChecker("producer", &fakeClient{open: true}))
		r.Register(NewClientChecker("consumer", &fakeClient{}))

		assert.Equal(t, []string{"consumer", "producer"}, r.Names())

		health := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)

		r.Unregister("consumer")
		assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
	})

	t.Run("checks still running at the deadline are unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(slowChecker{})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	client := &fakeClient{open: true}
	r.Register(NewClientChecker("consumer", client))
	h := NewHandler(r, time.Second)

	t.Run("healthy answers 200 with the checks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusHealthy, body.Status)
		assert.Contains(t, body.Checks, "consumer")
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		client.open = false
		client.lastErr = errors.New("refused")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("only GET is allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
