package core

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestHealthLoggerMetricsSnapshotReflectsChain(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	h := signedHeader(WireMessagePack, kp, NewPrimaryKey(), []byte("v1"))
	if _, err := c.Submit(h, []byte("v1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	logPath := filepath.Join(t.TempDir(), "health.log")
	hl, err := NewHealthLogger(c, nil, nil, logPath)
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer hl.Close()

	snap := hl.MetricsSnapshot()
	if snap.EventCount != 1 {
		t.Fatalf("expected EventCount 1, got %d", snap.EventCount)
	}
	if snap.PrimaryKeys != 1 {
		t.Fatalf("expected PrimaryKeys 1, got %d", snap.PrimaryKeys)
	}
}

func TestHealthLoggerRecordMetricsDoesNotPanicWithoutMeshOrSig(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	logPath := filepath.Join(t.TempDir(), "health.log")
	hl, err := NewHealthLogger(c, nil, nil, logPath)
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer hl.Close()

	hl.RecordMetrics()
}

func TestHealthLoggerLogEventIncrementsErrorCounterOnErrorLevel(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	logPath := filepath.Join(t.TempDir(), "health.log")
	hl, err := NewHealthLogger(c, nil, nil, logPath)
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer hl.Close()

	hl.LogEvent(logrus.ErrorLevel, "boom")
	if got := counterValue(t, hl.errorCounter); got != 1 {
		t.Fatalf("expected error counter 1, got %v", got)
	}
}

func TestHealthLoggerRotateSwitchesOutputFile(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	hl, err := NewHealthLogger(c, nil, nil, first)
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer hl.Close()

	if err := hl.Rotate(second); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	hl.LogEvent(logrus.InfoLevel, "after rotate")
}
