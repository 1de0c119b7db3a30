package tasks

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newGroup() *Group {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewGroup(logger)
}

func TestDrainWaitsForTasks(t *testing.T) {
	g := newGroup()
	var done atomic.Bool

	g.Go("slow", func() {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	})

	if err := g.Drain(context.Background()); err != nil {
		t.Fatalf("drain error: %v", err)
	}
	if !done.Load() {
		t.Fatalf("drain returned before task finished")
	}
}

func TestGoAfterDrainRejected(t *testing.T) {
	g := newGroup()
	if err := g.Drain(context.Background()); err != nil {
		t.Fatalf("drain error: %v", err)
	}
	if g.Go("late", func() {}) {
		t.Fatalf("tasks must be rejected after drain")
	}
}

func TestDrainHonorsContext(t *testing.T) {
	g := newGroup()
	release := make(chan struct{})
	g.Go("stuck", func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Drain(ctx); err == nil {
		t.Fatalf("drain should time out while task is stuck")
	}
	close(release)
}

func TestPanicDoesNotCrash(t *testing.T) {
	g := newGroup()
	g.Go("bad", func() { panic("boom") })
	if err := g.Drain(context.Background()); err != nil {
		t.Fatalf("drain error: %v", err)
	}
}
