package reportqueue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNopQueueAlwaysSucceeds(t *testing.T) {
	log, _ := zap.NewDevelopment()
	q := NewNopQueue(log.Sugar())
	if err := q.Enqueue(context.Background(), Event{TargetName: "t1", Kind: "install-ok", Success: true}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestProberUnreachableHostCountsOnline(t *testing.T) {
	p := NewProber(200 * time.Millisecond)
	// 127.0.0.1 with a closed port resolves fine but the connection
	// itself is refused — that is "online" per spec.md §5, not "offline".
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !p.Online(ctx, "127.0.0.1:1") {
		t.Error("a refused connection to a resolvable host should count as online")
	}
}

func TestProberUnresolvableHostCountsOffline(t *testing.T) {
	p := NewProber(500 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if p.Online(ctx, "this-host-does-not-exist.invalid:443") {
		t.Error("an unresolvable host should count as offline")
	}
}
