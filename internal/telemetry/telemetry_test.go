package telemetry

import (
	"testing"
	"time"
)

func TestCollectorTotals(t *testing.T) {
	c := NewCollector(false)
	c.Counter("jobs_submitted", 1, nil)
	c.Counter("jobs_submitted", 2, nil)
	c.Gauge("branches_complete", 3, nil)
	c.Gauge("branches_complete", 5, nil)
	c.Timer("poll", 10*time.Millisecond, nil)

	if got := c.Total("jobs_submitted"); got != 3 {
		t.Errorf("counter total = %v", got)
	}
	if got := c.Total("branches_complete"); got != 5 {
		t.Errorf("gauge total = %v", got)
	}
	if len(c.GetMetrics()) != 0 {
		t.Error("disabled collector must not buffer")
	}
	totals := c.Totals()
	if len(totals) != 2 || totals["jobs_submitted"] != 3 || totals["branches_complete"] != 5 {
		t.Errorf("totals = %v", totals)
	}
}

func TestCollectorBufferAndFlush(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	c.Counter("tasks_run", 1, map[string]string{"kind": "Upload"})
	c.Timer("bundle", 20*time.Millisecond, nil)
	if n := len(c.GetMetrics()); n != 2 {
		t.Fatalf("buffered %d metrics", n)
	}
	if err := c.FlushMetrics(); err != nil {
		t.Fatal(err)
	}
	if n := len(c.GetMetrics()); n != 0 {
		t.Fatalf("flush left %d metrics", n)
	}
	if c.Total("tasks_run") != 1 {
		t.Fatal("flush must not reset totals")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.Counter("x", 1, nil)
	if c.Total("x") != 0 || c.Totals() != nil {
		t.Fatal("nil collector total")
	}
}
