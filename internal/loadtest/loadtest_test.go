package loadtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func startCluster(t *testing.T, clients int) *Cluster {
	t.Helper()
	c, err := Start(context.Background(), Config{Dir: t.TempDir(), Clients: clients})
	if err != nil {
		t.Fatalf("Failed to start cluster: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestStartConnectsEveryReplica verifies the cluster waits for all sessions.
func TestStartConnectsEveryReplica(t *testing.T) {
	c := startCluster(t, 3)
	if n := c.Hub.Count(); n != 3 {
		t.Errorf("Expected 3 hub members, got %d", n)
	}
	if len(c.Replicas) != 3 {
		t.Errorf("Expected 3 replicas, got %d", len(c.Replicas))
	}
}

// TestConcurrentWrites_Small verifies that every write reaches the server
// and all replicas converge afterwards.
func TestConcurrentWrites_Small(t *testing.T) {
	c := startCluster(t, 4)
	ctx := context.Background()

	stats, err := c.RunConcurrentWrites(ctx, 5)
	if err != nil {
		t.Fatalf("Concurrent writes failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during writes", stats.Errors)
	}
	if stats.TotalWrites != 20 {
		t.Errorf("Expected 20 total writes, got %d", stats.TotalWrites)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.Max {
		t.Errorf("Percentiles out of order: min %v, p50 %v, max %v", stats.Min, stats.P50, stats.Max)
	}

	if err := c.VerifyConvergence(ctx, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	stats.PrintStats(&buf)
	if !strings.Contains(buf.String(), "Total Writes:  20") {
		t.Errorf("Unexpected stats output:\n%s", buf.String())
	}
	t.Log(buf.String())
}

func TestStartRejectsBadConfig(t *testing.T) {
	if _, err := Start(context.Background(), Config{Dir: t.TempDir()}); err == nil {
		t.Error("Expected error for zero clients")
	}
	if _, err := Start(context.Background(), Config{Clients: 1}); err == nil {
		t.Error("Expected error for empty dir")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(durations)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", s.P50)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", s.Mean)
	}
	if empty := computeLatencyStats(nil); empty.TotalWrites != 0 {
		t.Errorf("Empty stats = %+v", empty)
	}
}
