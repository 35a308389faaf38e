package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRemoteRequestAndRetry(t *testing.T) {
	Reset()

	ObserveRemoteRequest(ServiceMAAS, "fabrics.list", 200, 15*time.Millisecond)
	IncRemoteRetry(ServiceMAAS, "fabrics.list")

	if got := testutil.ToFloat64(remoteRequests.WithLabelValues("maas", "fabrics.list", "200")); got != 1 {
		t.Fatalf("requests counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(remoteRetries.WithLabelValues("maas", "fabrics.list")); got != 1 {
		t.Fatalf("retries counter = %v, want 1", got)
	}
}

func TestObserveRemoteRequestTransportError(t *testing.T) {
	Reset()
	ObserveRemoteRequest(ServiceOOB, "power.on", -1, 5*time.Millisecond)
	if got := testutil.ToFloat64(remoteRequests.WithLabelValues("oob", "power.on", "error")); got != 1 {
		t.Fatalf("error-status counter = %v, want 1", got)
	}
}

func TestIncSubtasksAggregated(t *testing.T) {
	Reset()
	IncSubtasksAggregated("ConfigureHardware", "PartialSuccess")
	if got := testutil.ToFloat64(subtasksAggregated.WithLabelValues("configurehardware", "partialsuccess")); got != 1 {
		t.Fatalf("aggregated counter = %v, want 1", got)
	}
}

func TestSetNamespaceRebuildsRegistry(t *testing.T) {
	SetNamespace("testforge")
	defer SetNamespace("siteforge")

	ObserveRemoteRequest(ServiceOOB, "power.on", 200, time.Millisecond)
	if got := testutil.ToFloat64(remoteRequests.WithLabelValues("oob", "power.on", "200")); got != 1 {
		t.Fatalf("requests counter under new namespace = %v, want 1", got)
	}
}

func TestSanitizeLabel(t *testing.T) {
	if got := sanitizeLabel("  ", "unknown"); got != "unknown" {
		t.Fatalf("sanitizeLabel(blank) = %q", got)
	}
	if got := sanitizeLabel("Fabrics/List", "unknown"); got != "fabrics_list" {
		t.Fatalf("sanitizeLabel() = %q", got)
	}
}
