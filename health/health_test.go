package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/relay/rm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connection bool

func (c connection) IsConnected() bool { return bool(c) }

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("an empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("the worst check decides the report", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusHealthy))
		r.Register(fixed("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

		r.Register(fixed("c", StatusUnhealthy))
		report := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, "c", report.Checks["c"].Name)
	})

	t.Run("unregistered checks are not run", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusUnhealthy))
		r.Unregister("a")
		assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
	})

	t.Run("a check outliving the context is unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})
}

func TestCheckers(t *testing.T) {
	t.Run("a lost connection is unhealthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewConnectionChecker("amqp", connection(true)).Check(context.Background()).Status)

		res := NewConnectionChecker("amqp", connection(false)).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.Equal(t, "not connected", res.Message)
	})

	t.Run("an idle manager has no backlog", func(t *testing.T) {
		m, err := rm.NewManager(rm.DefaultConfig())
		require.NoError(t, err)
		defer m.Close()

		res := NewReliabilityChecker(m, 10).Check(context.Background())
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, 0, res.Details["pending"])
	})
}

func TestHandler(t *testing.T) {
	t.Run("an unhealthy node answers service unavailable", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("amqp", StatusUnhealthy))
		r.SetMetadata("node", "orders")

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "orders", report.Metadata["node"])
	})

	t.Run("a degraded node still answers ok", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("reliability", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("only GET is served", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
