package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Appended()
	m.AppendRetried()
	m.AppendFailed()
	m.RecordFailed()
	m.EventDropped("publish")
	m.ObserveSend(time.Millisecond)
	m.ConnOpened()
	m.ConnClosed()
}

func TestCollectorsCountAndServe(t *testing.T) {
	req := require.New(t)
	reg := prometheus.NewRegistry()

	m, err := New(reg)
	req.NoError(err)

	m.Appended()
	m.Appended()
	m.RecordFailed()
	m.EventDropped("fanout")
	m.ObserveSend(3 * time.Millisecond)

	req.Equal(2.0, testutil.ToFloat64(m.MessagesAppended))
	req.Equal(1.0, testutil.ToFloat64(m.RecordFailures))
	req.Equal(1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("fanout")))

	_, err = New(reg)
	req.Error(err, "double registration must fail")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	req.True(strings.Contains(string(body), "langmate_messages_appended_total 2"))
}
