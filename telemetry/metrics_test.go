package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if RecordsStored == nil || DecodeFailures == nil || WriteFailures == nil {
		t.Fatal("counters not initialized")
	}
	if AppendDuration == nil || ConnectDuration == nil {
		t.Fatal("histograms not initialized")
	}
	if SessionsByPhase == nil || DegradedSessions == nil {
		t.Fatal("gauges not initialized")
	}
	// second call must not re-register
	Init()
}

func TestRecordStoredByType(t *testing.T) {
	Init()

	before := testutil.ToFloat64(RecordsStored.WithLabelValues("chat"))
	RecordStored("chat")
	RecordStored("chat")
	if got := testutil.ToFloat64(RecordsStored.WithLabelValues("chat")) - before; got != 2 {
		t.Errorf("chat records delta = %v, want 2", got)
	}
}

func TestFailureCounters(t *testing.T) {
	Init()

	decode := testutil.ToFloat64(DecodeFailures)
	write := testutil.ToFloat64(WriteFailures)
	norm := testutil.ToFloat64(NormalizeFailures.WithLabelValues("ban"))

	RecordDecodeFailure()
	RecordWriteFailure()
	RecordNormalizeFailure("ban")

	if testutil.ToFloat64(DecodeFailures)-decode != 1 {
		t.Error("decode failure not counted")
	}
	if testutil.ToFloat64(WriteFailures)-write != 1 {
		t.Error("write failure not counted")
	}
	if testutil.ToFloat64(NormalizeFailures.WithLabelValues("ban"))-norm != 1 {
		t.Error("normalize failure not counted")
	}
}

func TestSessionPhaseChange(t *testing.T) {
	Init()

	active := testutil.ToFloat64(SessionsByPhase.WithLabelValues("active"))
	connecting := testutil.ToFloat64(SessionsByPhase.WithLabelValues("connecting"))

	SessionPhaseChange("", "connecting")
	SessionPhaseChange("connecting", "active")

	if d := testutil.ToFloat64(SessionsByPhase.WithLabelValues("active")) - active; d != 1 {
		t.Errorf("active delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(SessionsByPhase.WithLabelValues("connecting")) - connecting; d != 0 {
		t.Errorf("connecting delta = %v, want 0", d)
	}

	SessionPhaseChange("active", "")
	if d := testutil.ToFloat64(SessionsByPhase.WithLabelValues("active")) - active; d != 0 {
		t.Errorf("active delta after leave = %v, want 0", d)
	}
}

func TestSetDegraded(t *testing.T) {
	Init()

	base := testutil.ToFloat64(DegradedSessions)
	SetDegraded(true)
	if testutil.ToFloat64(DegradedSessions)-base != 1 {
		t.Error("degraded gauge not raised")
	}
	SetDegraded(false)
	if testutil.ToFloat64(DegradedSessions) != base {
		t.Error("degraded gauge not restored")
	}
}

func TestRecordConnect(t *testing.T) {
	Init()

	ok := testutil.ToFloat64(ConnectAttempts.WithLabelValues("ok"))
	failed := testutil.ToFloat64(ConnectAttempts.WithLabelValues("error"))
	RecordConnect(true, 50*time.Millisecond)
	RecordConnect(false, time.Second)
	if testutil.ToFloat64(ConnectAttempts.WithLabelValues("ok"))-ok != 1 {
		t.Error("successful connect not counted")
	}
	if testutil.ToFloat64(ConnectAttempts.WithLabelValues("error"))-failed != 1 {
		t.Error("failed connect not counted")
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil {
		t.Fatal("Histogram metric is nil")
	}
	if metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if got := GetCorrelation(context.Background()); got != "" {
		t.Errorf("GetCorrelation on empty ctx = %q, want empty", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
