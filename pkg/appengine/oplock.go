package appengine

import (
	"sync"

	"go.uber.org/zap"
)

// opLock serializes app-engine operations per app name: "all operations on
// a given App serialize; no operation may start while another is in
// progress on the same app root" (spec.md §4.4, §5). Adapted from the
// teacher's systemd.Manager registration map (pkg/systemd/manager.go),
// keeping its mutex-guarded map-of-named-units shape but dropping
// the health-check/watchdog/boot-ordering machinery that has no analogue
// in this domain — the app engine has no health-restart policy of its own,
// only the orchestrator's explicit is_running probe (spec.md §4.4).
type opLock struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newOpLock(log *zap.SugaredLogger) *opLock {
	return &opLock{
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

// acquire blocks until no other operation holds the lock for name, then
// returns a release func the caller must invoke (typically via defer).
func (o *opLock) acquire(name string) func() {
	o.mu.Lock()
	l, ok := o.locks[name]
	if !ok {
		l = &sync.Mutex{}
		o.locks[name] = l
	}
	o.mu.Unlock()

	l.Lock()
	o.log.Debugw("app operation lock acquired", "app", name)
	return func() {
		l.Unlock()
		o.log.Debugw("app operation lock released", "app", name)
	}
}
