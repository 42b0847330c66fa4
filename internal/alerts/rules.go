package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentorch/internal/store"
)

// Notifier delivers an alert rule firing. The default implementation logs;
// internal/notify provides an optional Telegram-backed implementation.
type Notifier interface {
	Notify(ctx context.Context, ruleType, message string) error
}

// BreakerView is the subset of runtimepool.Breaker the RuntimeCapabilityDegraded
// rule needs, kept as an interface so alerts doesn't import runtimepool.
type BreakerView interface {
	Harnesses() []string
	TrippedSince(harness string) (time.Time, bool)
}

// Checker evaluates every enabled AlertRule on a tick (§4.7). It has no
// timer of its own; the caller drives ticks (cron, cmd/orchestratorctl, or
// a simple interval loop).
type Checker struct {
	store        *store.Store
	breakers     BreakerView
	notifier     Notifier
	leakDetect   *LeakDetector
	leakLookback time.Duration
}

// NewChecker builds a Checker. notifier defaults to a logging notifier if nil.
func NewChecker(s *store.Store, breakers BreakerView, notifier Notifier) *Checker {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Checker{
		store:        s,
		breakers:     breakers,
		notifier:     notifier,
		leakDetect:   NewLeakDetector(),
		leakLookback: 15 * time.Minute,
	}
}

// Tick evaluates every enabled rule and notifies on each that fires, then
// runs the secret-leak scan over recently-completed run output independent
// of the configured rule set.
func (c *Checker) Tick(ctx context.Context) error {
	rules, err := c.store.ListAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("alerts: list rules: %w", err)
	}
	now := time.Now().UTC()
	for _, r := range rules {
		fired, message, err := c.evaluate(ctx, r, now)
		if err != nil {
			return fmt.Errorf("alerts: evaluate %s: %w", r.RuleType, err)
		}
		if fired {
			if err := c.notifier.Notify(ctx, r.RuleType, message); err != nil {
				return fmt.Errorf("alerts: notify %s: %w", r.RuleType, err)
			}
		}
	}
	return c.scanRecentRunsForLeaks(ctx, now)
}

// scanRecentRunsForLeaks runs LeakDetector over every run created within the
// lookback window and notifies once per run with a leaked secret. This is
// independent of the operator-configured alert rules: it's an always-on
// safety net over everything C1 dispatches, not a threshold a rule can tune.
func (c *Checker) scanRecentRunsForLeaks(ctx context.Context, now time.Time) error {
	runs, err := c.store.ListRunsCreatedSince(ctx, now.Add(-c.leakLookback))
	if err != nil {
		return fmt.Errorf("alerts: list runs for leak scan: %w", err)
	}
	for _, run := range runs {
		warnings := c.leakDetect.Scan(run.OutputJSON)
		if len(warnings) == 0 {
			continue
		}
		kinds := make([]string, 0, len(warnings))
		for _, w := range warnings {
			kinds = append(kinds, w.Pattern)
		}
		message := fmt.Sprintf("run %s output contains a likely secret: %s", run.ID, strings.Join(kinds, ", "))
		if err := c.notifier.Notify(ctx, "SecretLeakDetected", message); err != nil {
			return fmt.Errorf("alerts: notify SecretLeakDetected: %w", err)
		}
	}
	return nil
}

func (c *Checker) evaluate(ctx context.Context, r store.AlertRuleRecord, now time.Time) (bool, string, error) {
	switch r.RuleType {
	case "MissingHeartbeat":
		return c.missingHeartbeat(ctx, r, now)
	case "FailureRateSpike":
		return c.failureRateSpike(ctx, r, now)
	case "QueueBacklog":
		return c.queueBacklog(ctx, r)
	case "RepeatedPrFailures":
		return c.repeatedPrFailures(ctx, r, now)
	case "RouteLeakDetection":
		return c.routeLeakDetection(ctx, r, now)
	case "RuntimeCapabilityDegraded":
		return c.runtimeCapabilityDegraded(r, now)
	default:
		return false, "", nil
	}
}

func (c *Checker) missingHeartbeat(ctx context.Context, r store.AlertRuleRecord, now time.Time) (bool, string, error) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return false, "", err
	}
	threshold := time.Duration(r.Threshold) * time.Minute
	var stale []string
	for _, w := range workers {
		if w.Status == store.WorkerOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > threshold {
			stale = append(stale, w.ID)
		}
	}
	if len(stale) == 0 {
		return false, "", nil
	}
	return true, fmt.Sprintf("workers missing heartbeat: %s", strings.Join(stale, ", ")), nil
}

func (c *Checker) failureRateSpike(ctx context.Context, r store.AlertRuleRecord, now time.Time) (bool, string, error) {
	since := now.Add(-time.Duration(r.WindowMinutes) * time.Minute)
	runs, err := c.store.ListRunsEndedSince(ctx, since, store.RunFailed)
	if err != nil {
		return false, "", err
	}
	if float64(len(runs)) < r.Threshold {
		return false, "", nil
	}
	return true, fmt.Sprintf("%d runs failed in the last %d minutes (threshold %.0f)", len(runs), r.WindowMinutes, r.Threshold), nil
}

func (c *Checker) queueBacklog(ctx context.Context, r store.AlertRuleRecord) (bool, string, error) {
	active, err := c.store.CountActiveRuns(ctx)
	if err != nil {
		return false, "", err
	}
	if float64(active) < r.Threshold {
		return false, "", nil
	}
	return true, fmt.Sprintf("%d active runs (threshold %.0f)", active, r.Threshold), nil
}

func (c *Checker) repeatedPrFailures(ctx context.Context, r store.AlertRuleRecord, now time.Time) (bool, string, error) {
	since := now.Add(-time.Duration(r.WindowMinutes) * time.Minute)
	runs, err := c.store.ListRunsEndedSince(ctx, since, store.RunFailed)
	if err != nil {
		return false, "", err
	}
	byRepo := map[string]int{}
	for _, run := range runs {
		if run.PRUrl == "" {
			continue
		}
		byRepo[run.RepositoryID]++
	}
	var offenders []string
	for repo, count := range byRepo {
		if float64(count) >= r.Threshold {
			offenders = append(offenders, fmt.Sprintf("%s(%d)", repo, count))
		}
	}
	if len(offenders) == 0 {
		return false, "", nil
	}
	return true, fmt.Sprintf("repositories with repeated PR failures: %s", strings.Join(offenders, ", ")), nil
}

func (c *Checker) routeLeakDetection(ctx context.Context, r store.AlertRuleRecord, now time.Time) (bool, string, error) {
	since := now.Add(-time.Duration(r.WindowMinutes) * time.Minute)
	runs, err := c.store.ListRunsCreatedSince(ctx, since)
	if err != nil {
		return false, "", err
	}
	count := 0
	for _, run := range runs {
		lower := strings.ToLower(run.OutputJSON)
		if strings.Contains(lower, "http://") || strings.Contains(lower, "https://") {
			count++
		}
	}
	if float64(count) < r.Threshold {
		return false, "", nil
	}
	return true, fmt.Sprintf("%d runs in the last %d minutes leaked a route URL in their output", count, r.WindowMinutes), nil
}

func (c *Checker) runtimeCapabilityDegraded(r store.AlertRuleRecord, now time.Time) (bool, string, error) {
	if c.breakers == nil {
		return false, "", nil
	}
	window := time.Duration(r.WindowMinutes) * time.Minute
	var degraded []string
	for _, harness := range c.breakers.Harnesses() {
		since, ok := c.breakers.TrippedSince(harness)
		if !ok {
			continue
		}
		if now.Sub(since) >= window {
			degraded = append(degraded, harness)
		}
	}
	if len(degraded) == 0 {
		return false, "", nil
	}
	return true, fmt.Sprintf("runtime capability degraded for %d+ minutes: %s", r.WindowMinutes, strings.Join(degraded, ", ")), nil
}
