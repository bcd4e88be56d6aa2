// Package reportqueue is a contract-only out-of-scope stub for the event-
// report queue named in spec.md §1/§6: the orchestrator emits events
// through this interface, but the wire format and delivery guarantees of a
// real reporting backend are out of scope for this agent. Also provides
// a connectivity probe (Prober, spec.md §5); the orchestrator does not
// call it.
package reportqueue

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Event is a single update-lifecycle event the orchestrator reports.
type Event struct {
	// ID correlates every event and installed-versions row produced by
	// the same update attempt (SPEC_FULL ambient IDs supplement, stamped
	// by the orchestrator via google/uuid).
	ID         string
	TargetName string
	Kind       string
	Success    bool
	Details    string
}

// Queue accepts events for eventual delivery to the fleet management
// backend.
type Queue interface {
	Enqueue(ctx context.Context, ev Event) error
}

// NopQueue discards every event. It exists so the orchestrator always has
// a non-nil Queue to report to even when no report server is configured.
type NopQueue struct{ log *zap.SugaredLogger }

// NewNopQueue constructs a Queue that only logs events.
func NewNopQueue(log *zap.SugaredLogger) *NopQueue { return &NopQueue{log: log} }

func (q *NopQueue) Enqueue(ctx context.Context, ev Event) error {
	q.log.Infow("event report", "id", ev.ID, "target", ev.TargetName, "kind", ev.Kind, "success", ev.Success, "details", ev.Details)
	return nil
}

// Prober is a connectivity probe: connect-only, short-timeout, and treats
// "could not resolve host" as offline while every other error counts as
// online (spec.md §5 "Timeouts").
type Prober struct {
	dialTimeout time.Duration
}

// NewProber constructs a Prober with the given per-attempt dial timeout.
func NewProber(dialTimeout time.Duration) *Prober {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Prober{dialTimeout: dialTimeout}
}

// Online reports whether addr (host:port) is reachable.
func (p *Prober) Online(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: p.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isNoSuchHost(err) {
			return false
		}
		return true
	}
	conn.Close()
	return true
}

func isNoSuchHost(err error) bool {
	var dnsErr *net.DNSError
	if asDNSError(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return strings.Contains(err.Error(), "no such host")
}

func asDNSError(err error, target **net.DNSError) bool {
	for err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok {
			*target = dnsErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
