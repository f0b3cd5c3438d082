package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordForwarded(t *testing.T) {
	before := value(t, envelopesForwarded.WithLabelValues("email", "email1"))
	RecordForwarded("email", "email1")
	RecordForwarded("email", "email1")
	after := value(t, envelopesForwarded.WithLabelValues("email", "email1"))

	if after-before != 2 {
		t.Errorf("expected forwarded counter to grow by 2, got %v", after-before)
	}
}

func TestRecordAdmissionDenied(t *testing.T) {
	before := value(t, admissionsDenied.WithLabelValues("sms"))
	RecordAdmissionDenied("sms")
	if got := value(t, admissionsDenied.WithLabelValues("sms")); got-before != 1 {
		t.Errorf("expected denied counter to grow by 1, got %v", got-before)
	}
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("whatsapp2", 7)
	if got := value(t, queueDepth.WithLabelValues("whatsapp2")); got != 7 {
		t.Errorf("expected depth 7, got %v", got)
	}
	SetQueueDepth("whatsapp2", 0)
	if got := value(t, queueDepth.WithLabelValues("whatsapp2")); got != 0 {
		t.Errorf("expected depth 0, got %v", got)
	}
}

func TestDispatcherRecorders(t *testing.T) {
	RecordEnvelopePublished("email", 1)
	RecordBackoff("email", 1500*time.Millisecond)
	RecordRequeued("email", "shutdown")
	RecordLost("email")
	RecordStoreError("sms", "pop")
}

func TestDeliveryRecorders(t *testing.T) {
	RecordDelivery("email", "delivered")
	RecordDelivery("sms", "failed")
	RecordDeliveryLatency("email", 500*time.Millisecond)
	RecordIdempotencyHit()
	RecordRateLimitRejection()
	SetCircuitState("ses", 1)
	SetRedisConnections(5)
}

func TestHandler(t *testing.T) {
	RecordForwarded("sms", "sms1")

	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), "relay_envelopes_forwarded_total") {
		t.Error("metrics output should include the forwarded counter")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
