package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageAppended("text")
		m.OperationFailed("append", "blocked")
		m.SubscriptionOpened()
		m.ObserveHTTP(http.MethodGet, "/healthz", 200, time.Millisecond)
	})
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.MessageAppended("text")
	m.MessageAppended("text")
	m.MessageAppended("image")
	m.SubscriptionOpened()
	m.SubscriptionOpened()
	m.SubscriptionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesAppended.WithLabelValues("text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesAppended.WithLabelValues("image")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSubscriptions))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "bazaar_chat_messages_appended_total"))
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	cases := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 0: "unknown"}
	for in, want := range cases {
		assert.Equal(t, want, statusClass(in), "status=%d", in)
	}
}
