package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(ctx context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }
func unhealthy(ctx context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		register func(c *Checker)
		want     Status
	}{
		{"no components", func(c *Checker) {}, StatusHealthy},
		{"all healthy", func(c *Checker) {
			c.RegisterFunc("a", true, healthy)
			c.RegisterFunc("b", false, healthy)
		}, StatusHealthy},
		{"non-critical failure degrades", func(c *Checker) {
			c.RegisterFunc("a", true, healthy)
			c.RegisterFunc("b", false, unhealthy)
		}, StatusDegraded},
		{"critical failure", func(c *Checker) {
			c.RegisterFunc("a", true, unhealthy)
			c.RegisterFunc("b", false, healthy)
		}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			tt.register(c)
			c.Check(context.Background())
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestUncheckedCriticalIsUnknown(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			time.Sleep(time.Second)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("panics", false, func(ctx context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Contains(t, results["panics"].Error, "boom")
	assert.Equal(t, []string{"panics", "slow"}, c.Names())
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)
	h := c.ReadinessHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "store")
}

func TestReadinessUnhealthyStore(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, DatabaseCheck(func(ctx context.Context) error {
		return errors.New("database is locked")
	}))
	c.SetReady(true)

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestFileExistsCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, FileExistsCheck(dir)(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, FileExistsCheck(filepath.Join(dir, "missing"))(context.Background()).Status)
}

func TestCustomCheck(t *testing.T) {
	var err error
	check := CustomCheck(func() error { return err })
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	err = errors.New("last run failed")
	result := check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "last run failed", result.Error)
}
