package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeStorage struct {
	err error
}

func (f *fakeStorage) Health() error {
	return f.err
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func TestHealthChecker_Live(t *testing.T) {
	store := &fakeStorage{}
	hc := NewHealthChecker(store, nil)

	rec := httptest.NewRecorder()
	hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	store.err = errors.New("disk gone")
	rec = httptest.NewRecorder()
	hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthChecker_ReadyDependency(t *testing.T) {
	redis := &fakePinger{}
	hc := NewHealthChecker(&fakeStorage{}, nil)
	hc.AddReadinessDependency("redis", redis)

	rec := httptest.NewRecorder()
	hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	redis.err = errors.New("connection refused")
	rec = httptest.NewRecorder()
	hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// 就绪检查失败不影响存活检查
	rec = httptest.NewRecorder()
	hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthChecker_CheckHealth(t *testing.T) {
	hc := NewHealthChecker(&fakeStorage{err: errors.New("read-only")}, nil)

	results := hc.CheckHealth()
	assert.Contains(t, results["storage"], "ERROR")
	assert.NotEmpty(t, results["timestamp"])
}

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(&fakePinger{}, time.Second)())
	assert.Error(t, PingCheck(&fakePinger{err: errors.New("down")}, time.Second)())
}
