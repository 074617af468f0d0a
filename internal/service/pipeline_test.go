package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// blockingConsumer runs until its context is cancelled, counting starts.
type blockingConsumer struct {
	name   string
	starts atomic.Int64
}

func (c *blockingConsumer) Name() string { return c.name }

func (c *blockingConsumer) Run(ctx context.Context) error {
	c.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (c *blockingConsumer) Metrics() domain.ConsumerMetricsSnapshot {
	return domain.ConsumerMetricsSnapshot{Consumer: c.name}
}

func TestSupervisorStartStop(t *testing.T) {
	a := &blockingConsumer{name: "a"}
	b := &blockingConsumer{name: "b"}
	sup := NewSupervisor(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.StartAll(ctx)
	if !sup.Running("a") || !sup.Running("b") {
		t.Fatalf("consumers not running after StartAll")
	}

	if err := sup.Stop("a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.Running("a") {
		t.Fatalf("a still running after Stop")
	}
	if !sup.Running("b") {
		t.Fatalf("stopping a took b down")
	}

	sup.StopAll()
	if sup.Running("b") {
		t.Fatalf("b still running after StopAll")
	}
}

func TestSupervisorRestart(t *testing.T) {
	a := &blockingConsumer{name: "a"}
	sup := NewSupervisor(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.StartAll(ctx)

	if err := sup.Restart("a"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !sup.Running("a") {
		t.Fatalf("a not running after restart")
	}

	deadline := time.Now().Add(time.Second)
	for a.starts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := a.starts.Load(); got != 2 {
		t.Fatalf("starts = %d, want 2", got)
	}

	sup.StopAll()
}

func TestSupervisorUnknownConsumer(t *testing.T) {
	sup := NewSupervisor(&blockingConsumer{name: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.StartAll(ctx)
	defer sup.StopAll()

	if err := sup.Stop("nope"); err == nil {
		t.Fatalf("expected error for unknown consumer")
	}
	if err := sup.Restart("nope"); err == nil {
		t.Fatalf("expected error for unknown consumer")
	}
	if sup.Running("nope") {
		t.Fatalf("unknown consumer reported running")
	}
}

func TestSupervisorNamesPreserveOrder(t *testing.T) {
	sup := NewSupervisor(
		&blockingConsumer{name: "producer"},
		&blockingConsumer{name: "assembly"},
		&blockingConsumer{name: "recovery"},
	)

	names := sup.Names()
	want := []string{"producer", "assembly", "recovery"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
