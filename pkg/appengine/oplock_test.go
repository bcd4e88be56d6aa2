package appengine

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	log, _ := zap.NewDevelopment()
	return log.Sugar()
}

func TestOpLockSerializesSameApp(t *testing.T) {
	o := newOpLock(testLogger())

	var mu sync.Mutex
	var order []string

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		release := o.acquire("shellhttpd")
		defer release()
		mu.Lock()
		order = append(order, "start-a")
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, "end-a")
		mu.Unlock()
	}()

	time.Sleep(5 * time.Millisecond)

	go func() {
		defer wg.Done()
		release := o.acquire("shellhttpd")
		defer release()
		mu.Lock()
		order = append(order, "start-b")
		mu.Unlock()
	}()

	wg.Wait()

	if len(order) != 3 || order[0] != "start-a" || order[1] != "end-a" || order[2] != "start-b" {
		t.Fatalf("expected serialized order [start-a end-a start-b], got %v", order)
	}
}

func TestOpLockDifferentAppsDoNotBlock(t *testing.T) {
	o := newOpLock(testLogger())

	releaseA := o.acquire("app-a")
	done := make(chan struct{})
	go func() {
		release := o.acquire("app-b")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire for a different app name blocked on an unrelated lock")
	}
	releaseA()
}
