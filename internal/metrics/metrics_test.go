package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	if m == nil {
		t.Fatal("expected metrics instance, got nil")
	}
	if m.MessagesReceivedTotal == nil {
		t.Error("MessagesReceivedTotal should not be nil")
	}
	if m.DestinationDispatchDuration == nil {
		t.Error("DestinationDispatchDuration should not be nil")
	}
}

func TestRecordMessageReceived(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordMessageReceived("orders")
	m.RecordMessageReceived("orders")

	got := testutil.ToFloat64(m.MessagesReceivedTotal.WithLabelValues("orders"))
	if got != 2 {
		t.Errorf("expected 2 received messages, got %v", got)
	}
}

func TestRecordDestinationDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	// Should not panic for either outcome.
	m.RecordDestinationDispatch("orders", "ehr", "SENT", 10*time.Millisecond)
	m.RecordDestinationDispatch("orders", "ehr", "ERROR", 5*time.Millisecond)

	got := testutil.ToFloat64(m.DestinationDispatchTotal.WithLabelValues("orders", "ehr", "SENT"))
	if got != 1 {
		t.Errorf("expected 1 sent dispatch, got %v", got)
	}
}

func TestSetLeaseHeld(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetLeaseHeld("orders", true)
	if got := testutil.ToFloat64(m.LeaseHeld.WithLabelValues("orders")); got != 1 {
		t.Errorf("expected lease held gauge 1, got %v", got)
	}
	m.SetLeaseHeld("orders", false)
	if got := testutil.ToFloat64(m.LeaseHeld.WithLabelValues("orders")); got != 0 {
		t.Errorf("expected lease held gauge 0, got %v", got)
	}
}

func TestSetChannelState_ZeroesOtherStates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetChannelState("orders", "STARTED")
	if got := testutil.ToFloat64(m.ChannelState.WithLabelValues("orders", "STARTED")); got != 1 {
		t.Errorf("expected STARTED gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChannelState.WithLabelValues("orders", "DEPLOYED")); got != 0 {
		t.Errorf("expected DEPLOYED gauge 0, got %v", got)
	}

	m.SetChannelState("orders", "DEPLOYED")
	if got := testutil.ToFloat64(m.ChannelState.WithLabelValues("orders", "STARTED")); got != 0 {
		t.Errorf("expected STARTED gauge to clear after transition, got %v", got)
	}
}

func TestObserveScriptExecution_RecordsErrorsOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveScriptExecution("transformer", time.Millisecond, nil)
	m.ObserveScriptExecution("transformer", time.Millisecond, errBoom)

	got := testutil.ToFloat64(m.ScriptErrorsTotal.WithLabelValues("transformer"))
	if got != 1 {
		t.Errorf("expected 1 script error recorded, got %v", got)
	}
}

var errBoom = timeoutErr{}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "boom" }
