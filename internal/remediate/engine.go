// Package remediate drives bounded, exponentially backed-off retries of
// failed policies and profiles on individual devices.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crguard/internal/crguard"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 5 * time.Minute
	DefaultMaxDelay    = 30 * time.Minute
	DefaultConcurrency = 10
)

// Kind is the type of item being remediated.
type Kind string

// Item kinds.
const (
	KindPolicy  Kind = "policy"
	KindProfile Kind = "profile"
)

// State is a tracker's position in the retry state machine.
type State string

// Tracker states. Success and Exhausted are terminal.
const (
	StatePending    State = "Pending"
	StateAttempting State = "Attempting"
	StateSuccess    State = "Success"
	StateExhausted  State = "Exhausted"
)

// Terminal reports whether no further attempts will be made.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateExhausted
}

// Item is one failing policy or profile on one device.
type Item struct {
	DeviceID string `json:"device_id"`
	ItemID   string `json:"item_id"`
	Kind     Kind   `json:"kind"`
}

func (i Item) key() string {
	return string(i.Kind) + "/" + i.ItemID + "/" + i.DeviceID
}

// Action returns the remediation command used for the item.
func (i Item) Action() crguard.Action {
	if i.Kind == KindProfile {
		return crguard.ActionReinstallProfile
	}
	return crguard.ActionRetriggerPolicy
}

// Actions sends remediation commands to the device management server.
type Actions interface {
	// RetriggerPolicy flushes the policy log so the policy runs again.
	RetriggerPolicy(ctx context.Context, deviceID, policyID string) error
	// ReinstallProfile removes failed installs and queues the profile again.
	ReinstallProfile(ctx context.Context, deviceID, profileID string) error
	// Wake sends a blank push so the device checks in.
	Wake(ctx context.Context, deviceID string) error
}

// Checker re-classifies an item after remediation.
type Checker interface {
	Check(ctx context.Context, item Item) (crguard.Status, error)
}

// Config bounds the retry loop.
type Config struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Concurrency int
	DryRun      bool
	Wake        bool // Send a blank push after each action
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Delay returns the wait after attempt n (1-based): base * 2^(n-1), capped
// at MaxDelay.
func (c Config) Delay(n int) time.Duration {
	c = c.withDefaults()
	if n < 1 {
		return 0
	}
	d := c.BaseDelay
	for i := 1; i < n; i++ {
		if d >= c.MaxDelay/2 {
			return c.MaxDelay
		}
		d *= 2
	}
	return min(d, c.MaxDelay)
}

// Tracker holds one item's state and audit trail.
type Tracker struct {
	Item    Item
	State   State
	Attempt int
	History []crguard.RemediationAttempt

	mu sync.Mutex
}

// PlannedAction is what a dry run would have done.
type PlannedAction struct {
	Action  crguard.Action `json:"action"`
	Attempt int            `json:"attempt"`
	Delay   time.Duration  `json:"delay"`
}

// Result is the outcome of remediating one item.
type Result struct {
	Item     Item                         `json:"item"`
	State    State                        `json:"state"`
	History  []crguard.RemediationAttempt `json:"history,omitempty"`
	Planned  []PlannedAction              `json:"planned,omitempty"`
	Attempts int                          `json:"attempts"`
	Skipped  bool                         `json:"skipped,omitempty"` // Already succeeded, nothing sent
}

// Engine runs remediation state machines. It is safe for concurrent use.
type Engine struct {
	actions  Actions
	checker  Checker
	clock    Clock
	trackers map[string]*Tracker
	// OnAttempt, when set, is called after every recorded attempt. It may be
	// called from several goroutines.
	OnAttempt func(crguard.RemediationAttempt)
	cfg       Config
	mu        sync.Mutex
}

// New creates an engine. A nil clock uses the wall clock.
func New(cfg Config, actions Actions, checker Checker, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		actions:  actions,
		checker:  checker,
		clock:    clock,
		trackers: make(map[string]*Tracker),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) tracker(item Item) *Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[item.key()]
	if !ok {
		t = &Tracker{Item: item, State: StatePending}
		e.trackers[item.key()] = t
	}
	return t
}

// Restore marks items that succeeded in a previous run so they are not
// remediated again. Earlier attempts are not copied into the new history.
func (e *Engine) Restore(history []crguard.RemediationAttempt) {
	for _, a := range history {
		if a.Outcome != crguard.OutcomeSuccess {
			continue
		}
		kind := KindPolicy
		if a.Action == crguard.ActionReinstallProfile {
			kind = KindProfile
		}
		t := e.tracker(Item{DeviceID: a.DeviceID, ItemID: a.ItemID, Kind: kind})
		t.mu.Lock()
		t.State = StateSuccess
		t.Attempt = a.Attempt
		t.mu.Unlock()
	}
}

// State returns the current state of an item.
func (e *Engine) State(item Item) State {
	t := e.tracker(item)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// Remediate runs the retry loop for one item until it succeeds or exhausts
// its attempts. Items that already succeeded are returned untouched. Only
// fatal errors (rejected credentials, cancellation) are returned.
func (e *Engine) Remediate(ctx context.Context, item Item) (Result, error) {
	t := e.tracker(item)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State == StateSuccess {
		crguard.Debugf("Device %s %s %s already remediated, skipping", item.DeviceID, item.Kind, item.ItemID)
		return t.result(true), nil
	}

	if e.cfg.DryRun {
		res := t.result(false)
		for n := 1; n <= e.cfg.MaxRetries; n++ {
			res.Planned = append(res.Planned, PlannedAction{
				Attempt: n,
				Action:  item.Action(),
				Delay:   e.cfg.Delay(n),
			})
		}
		return res, nil
	}

	start := time.Now()
	for !t.State.Terminal() {
		if err := e.step(ctx, t); err != nil {
			return t.result(false), err
		}
	}
	log.Printf("[INFO] Device %s %s %s: %s after %d attempts in %v",
		item.DeviceID, item.Kind, item.ItemID, t.State, t.Attempt, time.Since(start))
	return t.result(false), nil
}

// step performs one transition: issue the action, wait, re-check.
func (e *Engine) step(ctx context.Context, t *Tracker) error {
	if t.Attempt >= e.cfg.MaxRetries {
		t.State = StateExhausted
		return nil
	}
	n := t.Attempt + 1
	t.Attempt = n
	t.State = StateAttempting
	delay := e.cfg.Delay(n)

	attempt := crguard.RemediationAttempt{
		Timestamp:      e.clock.Now(),
		DeviceID:       t.Item.DeviceID,
		ItemID:         t.Item.ItemID,
		Action:         t.Item.Action(),
		Attempt:        n,
		ScheduledDelay: delay,
	}

	if err := e.issue(ctx, t.Item); err != nil {
		attempt.Outcome = crguard.OutcomeError
		attempt.Error = err.Error()
		e.record(t, attempt)
		if crguard.IsFatal(err) {
			return fmt.Errorf("failed to remediate device %s: %w", t.Item.DeviceID, err)
		}
		if errors.Is(err, crguard.ErrPermission) || errors.Is(err, crguard.ErrNotFound) {
			log.Printf("[WARN] Device %s %s %s: %v (giving up)", t.Item.DeviceID, t.Item.Kind, t.Item.ItemID, err)
			t.State = StateExhausted
			return nil
		}
		log.Printf("[WARN] Device %s %s %s attempt %d failed: %v", t.Item.DeviceID, t.Item.Kind, t.Item.ItemID, n, err)
		if n >= e.cfg.MaxRetries {
			t.State = StateExhausted
			return nil
		}
		return e.clock.Sleep(ctx, delay)
	}

	if e.cfg.Wake {
		if err := e.actions.Wake(ctx, t.Item.DeviceID); err != nil {
			log.Printf("[WARN] Failed to wake device %s: %v (continuing)", t.Item.DeviceID, err)
		}
	}

	crguard.Debugf("Device %s %s %s attempt %d issued, re-checking in %v",
		t.Item.DeviceID, t.Item.Kind, t.Item.ItemID, n, delay)
	if err := e.clock.Sleep(ctx, delay); err != nil {
		return err
	}

	status, err := e.checker.Check(ctx, t.Item)
	switch {
	case err != nil:
		attempt.Outcome = crguard.OutcomeError
		attempt.Error = err.Error()
		e.record(t, attempt)
		if crguard.IsFatal(err) {
			return fmt.Errorf("failed to re-check device %s: %w", t.Item.DeviceID, err)
		}
	case status == crguard.StatusCompleted:
		attempt.Outcome = crguard.OutcomeSuccess
		e.record(t, attempt)
		t.State = StateSuccess
		return nil
	default:
		attempt.Outcome = crguard.OutcomeStillFailing
		e.record(t, attempt)
	}

	if n >= e.cfg.MaxRetries {
		t.State = StateExhausted
	}
	return nil
}

func (e *Engine) issue(ctx context.Context, item Item) error {
	if item.Kind == KindProfile {
		return e.actions.ReinstallProfile(ctx, item.DeviceID, item.ItemID)
	}
	return e.actions.RetriggerPolicy(ctx, item.DeviceID, item.ItemID)
}

func (e *Engine) record(t *Tracker, attempt crguard.RemediationAttempt) {
	t.History = append(t.History, attempt)
	if e.OnAttempt != nil {
		e.OnAttempt(attempt)
	}
}

func (t *Tracker) result(skipped bool) Result {
	history := make([]crguard.RemediationAttempt, len(t.History))
	copy(history, t.History)
	return Result{
		Item:     t.Item,
		State:    t.State,
		History:  history,
		Attempts: t.Attempt,
		Skipped:  skipped,
	}
}

// RemediateAll runs every item concurrently, bounded by Config.Concurrency.
// Results are returned in input order. A fatal error stops the run and
// cancels in-flight waits.
func (e *Engine) RemediateAll(ctx context.Context, items []Item) ([]Result, error) {
	start := time.Now()
	results := make([]Result, len(items))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			res, err := e.Remediate(gCtx, item)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	stats := Summarize(results)
	log.Printf("[INFO] Remediation finished for %d items in %v: %d succeeded, %d exhausted, %d skipped",
		len(items), time.Since(start), stats.Successful, stats.Exhausted, stats.Skipped)
	return results, nil
}

// Stats summarizes a remediation run.
type Stats struct {
	Items                    int     `json:"items"`
	TotalAttempts            int     `json:"total_attempts"`
	Successful               int     `json:"successful"`
	Exhausted                int     `json:"exhausted"`
	Skipped                  int     `json:"skipped"`
	Planned                  int     `json:"planned,omitempty"`
	AverageAttemptsToSuccess float64 `json:"average_attempts_to_success"`
}

// Summarize computes run statistics.
func Summarize(results []Result) Stats {
	s := Stats{Items: len(results)}
	attemptsToSuccess := 0
	for _, r := range results {
		s.Planned += len(r.Planned)
		switch {
		case r.Skipped:
			s.Skipped++
		case r.State == StateSuccess:
			s.Successful++
			s.TotalAttempts += r.Attempts
			attemptsToSuccess += r.Attempts
		case r.State == StateExhausted:
			s.Exhausted++
			s.TotalAttempts += r.Attempts
		default:
		}
	}
	if s.Successful > 0 {
		s.AverageAttemptsToSuccess = float64(attemptsToSuccess) / float64(s.Successful)
	}
	return s
}

// Attempts flattens the audit trail of a set of results.
func Attempts(results []Result) []crguard.RemediationAttempt {
	var out []crguard.RemediationAttempt
	for _, r := range results {
		if r.Skipped {
			continue
		}
		out = append(out, r.History...)
	}
	return out
}
