package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if downloadsTotal == nil || extractionsTotal == nil ||
		memoryRSSBytes == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDownload(t *testing.T) {
	Init()
	before := testutil.ToFloat64(downloadsTotal.WithLabelValues("ok"))
	ObserveDownload("ok", 2048)
	if val := testutil.ToFloat64(downloadsTotal.WithLabelValues("ok")); val != before+1 {
		t.Errorf("Expected downloads ok to be %f, got %f", before+1, val)
	}
}

func TestMemoryCollectors(t *testing.T) {
	SetMemoryUsage(1 << 20)
	if val := testutil.ToFloat64(memoryRSSBytes); val != float64(1<<20) {
		t.Errorf("Expected rss gauge to be %d, got %f", 1<<20, val)
	}

	before := testutil.ToFloat64(memoryAdmissionsTotal.WithLabelValues("refused"))
	ObserveAdmission(false)
	if val := testutil.ToFloat64(memoryAdmissionsTotal.WithLabelValues("refused")); val != before+1 {
		t.Errorf("Expected refused admissions to be %f, got %f", before+1, val)
	}
}

func TestObserveExtraction(t *testing.T) {
	ObserveExtraction("pdf", "native", "text", 10*time.Millisecond)
	if val := testutil.ToFloat64(extractionsTotal.WithLabelValues("pdf", "native", "text")); val < 1 {
		t.Errorf("Expected extraction counter to be observed, got %f", val)
	}
	if val := testutil.CollectAndCount(extractionDurationSeconds); val <= 0 {
		t.Errorf("Expected extraction duration to be observed, got %d", val)
	}
}
