package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Independent(t *testing.T) {
	// 独立注册表，重复创建不会 panic
	first := NewMetrics()
	second := NewMetrics()

	first.RecordMailboxCreated()
	assert.Equal(t, float64(1), testutil.ToFloat64(first.MailboxesCreated))
	assert.Equal(t, float64(0), testutil.ToFloat64(second.MailboxesCreated))
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordEntryWritten(128)
	m.RecordEntryWritten(256)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EntriesWritten))

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsActive))

	m.RecordHandshake("forbidden")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Handshakes.WithLabelValues("forbidden")))

	m.UpdateSignalWatches(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SignalWatchesActive))

	m.RecordRateLimitBlock("create")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitBlocks.WithLabelValues("create")))

	m.RecordHTTPRequest("GET", "/", "200", time.Millisecond, 0, 10)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/", "200")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordMailboxCreated()
		m.RecordEntryWritten(1)
		m.RecordReceivePoll("empty")
		m.SessionOpened()
		m.SessionClosed()
		m.RecordHandshake("ok")
		m.RecordNotification()
		m.RecordProtocolViolation()
		m.UpdateSignalWatches(1)
		m.RecordError("x", "y")
		m.RecordPanic()
		m.RecordRateLimitBlock("send")
		m.UpdateSystemUptime()
		m.RecordHTTPRequest("GET", "/", "200", 0, 0, 0)
	})
}

func TestMetrics_HTTPHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordNotification()

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clipportal_notifications_sent_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
