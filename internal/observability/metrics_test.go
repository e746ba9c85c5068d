package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("storaged-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordClientRequest("td", "file_open", "ok", true, 3*time.Millisecond)
	RecordServiceRequest("td", "file_open", "ok", time.Millisecond)
	RecordServiceFinalize("td", "committed")
	RecordClientTransaction("td", "discarded")
	AddServiceConnection("td", 1)
	AddServiceConnection("td", -1)
}

func TestClientTransactionCounter(t *testing.T) {
	before := testutil.ToFloat64(clientTransactions.WithLabelValues("tp", "committed"))
	RecordClientTransaction("tp", "committed")
	RecordClientTransaction("tp", "committed")
	after := testutil.ToFloat64(clientTransactions.WithLabelValues("tp", "committed"))
	assert.Equal(t, before+2, after)
}
