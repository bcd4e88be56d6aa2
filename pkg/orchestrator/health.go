package orchestrator

import (
	"context"
	"fmt"
	"time"
)

const (
	// healthCheckAttempts bounds how many times Finalize polls an app's
	// IsRunning state before giving up on it. Grounded on the teacher's
	// infraHealthThreshold consecutive-failure counter
	// (pkg/provider/infra_health.go), repurposed here from "restart after N
	// failures" to "don't finalize until every app reports running, or
	// give up after N polls".
	healthCheckAttempts = 3

)

// healthCheckInterval is the pause between polls, adapted from the
// teacher's infraRestartCooldown idea of spacing out repeated checks
// rather than busy-looping. A var rather than a const so tests can shrink
// it instead of sleeping in real time.
var healthCheckInterval = 2 * time.Second

// appsHealthy polls AppEngine.IsRunning for every app in appList until
// either all of them report running in the same pass, or
// healthCheckAttempts is exhausted. It is the finalize-time gate of
// spec.md §4.4/§4.5: an install only finalizes once every app it staged
// is actually up.
func appsHealthy(ctx context.Context, engine AppEngine, appList []App) error {
	var lastErr error
	for attempt := 1; attempt <= healthCheckAttempts; attempt++ {
		lastErr = nil
		for _, a := range appList {
			app, err := toEngineApp(a)
			if err != nil {
				return fmt.Errorf("app %s: %w", a.Name, err)
			}
			running, err := engine.IsRunning(ctx, app)
			if err != nil {
				lastErr = fmt.Errorf("checking %s: %w", a.Name, err)
				break
			}
			if !running {
				lastErr = fmt.Errorf("app %s is not running", a.Name)
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		if attempt < healthCheckAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(healthCheckInterval):
			}
		}
	}
	return lastErr
}
