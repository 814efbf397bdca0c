package remediate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crguard/internal/crguard"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
	mu     sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

type fakeActions struct {
	calls map[string]int
	fail  map[string]error
	wakes int
	mu    sync.Mutex
}

func newFakeActions() *fakeActions {
	return &fakeActions{calls: map[string]int{}, fail: map[string]error{}}
}

func (a *fakeActions) do(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[key]++
	return a.fail[key]
}

func (a *fakeActions) RetriggerPolicy(_ context.Context, deviceID, policyID string) error {
	return a.do("policy/" + policyID + "/" + deviceID)
}

func (a *fakeActions) ReinstallProfile(_ context.Context, deviceID, profileID string) error {
	return a.do("profile/" + profileID + "/" + deviceID)
}

func (a *fakeActions) Wake(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wakes++
	return nil
}

func (a *fakeActions) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

// scriptedChecker returns the scripted statuses for an item in order, then
// keeps returning the last one.
type scriptedChecker struct {
	script map[string][]crguard.Status
	errs   map[string]error
	seen   map[string]int
	mu     sync.Mutex
}

func newChecker() *scriptedChecker {
	return &scriptedChecker{script: map[string][]crguard.Status{}, errs: map[string]error{}, seen: map[string]int{}}
}

func (c *scriptedChecker) Check(_ context.Context, item Item) (crguard.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[item.key()]; err != nil {
		return "", err
	}
	statuses := c.script[item.key()]
	i := c.seen[item.key()]
	c.seen[item.key()]++
	if len(statuses) == 0 {
		return crguard.StatusFailed, nil
	}
	if i >= len(statuses) {
		i = len(statuses) - 1
	}
	return statuses[i], nil
}

func testConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: 30 * time.Minute}
}

func TestDelay(t *testing.T) {
	cfg := Config{BaseDelay: time.Minute, MaxDelay: 10 * time.Minute}
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	prev := time.Duration(0)
	for n := 1; n <= 40; n++ {
		d := cfg.Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", n, d, prev)
		}
		if d < cfg.MaxDelay && d <= prev {
			t.Fatalf("Delay(%d) = %v not strictly increasing below the cap", n, d)
		}
		prev = d
	}
	if got := (Config{}).Delay(1); got != DefaultBaseDelay {
		t.Errorf("Default base delay: got %v, want %v", got, DefaultBaseDelay)
	}
}

func TestSucceedsOnSecondAttempt(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 11, 23, 9, 0, 0, 0, time.UTC)}
	actions := newFakeActions()
	checker := newChecker()
	item := Item{DeviceID: "D1", ItemID: "12", Kind: KindPolicy}
	checker.script[item.key()] = []crguard.Status{crguard.StatusFailed, crguard.StatusCompleted}

	engine := New(testConfig(), actions, checker, clock)
	res, err := engine.Remediate(context.Background(), item)
	if err != nil {
		t.Fatalf("Remediate failed: %v", err)
	}

	if res.State != StateSuccess {
		t.Errorf("State mismatch: got %s, want Success", res.State)
	}
	if len(res.History) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(res.History))
	}
	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for i, a := range res.History {
		if a.Attempt != i+1 {
			t.Errorf("Attempt index mismatch: got %d, want %d", a.Attempt, i+1)
		}
		if a.ScheduledDelay != wantDelays[i] {
			t.Errorf("Attempt %d delay: got %v, want %v", i+1, a.ScheduledDelay, wantDelays[i])
		}
		if a.Action != crguard.ActionRetriggerPolicy {
			t.Errorf("Action mismatch: got %s", a.Action)
		}
	}
	if res.History[0].Outcome != crguard.OutcomeStillFailing || res.History[1].Outcome != crguard.OutcomeSuccess {
		t.Errorf("Outcomes mismatch: %s, %s", res.History[0].Outcome, res.History[1].Outcome)
	}
	if len(clock.sleeps) != 2 || clock.sleeps[0] != time.Minute || clock.sleeps[1] != 2*time.Minute {
		t.Errorf("Sleeps mismatch: %v", clock.sleeps)
	}
	if actions.total() != 2 {
		t.Errorf("Expected 2 actions sent, got %d", actions.total())
	}
}

func TestExhaustsAfterMaxRetries(t *testing.T) {
	clock := &fakeClock{}
	actions := newFakeActions()
	engine := New(testConfig(), actions, newChecker(), clock)
	item := Item{DeviceID: "D1", ItemID: "7", Kind: KindProfile}

	res, err := engine.Remediate(context.Background(), item)
	if err != nil {
		t.Fatalf("Remediate failed: %v", err)
	}
	if res.State != StateExhausted {
		t.Errorf("State mismatch: got %s, want Exhausted", res.State)
	}
	if res.Attempts != 3 || len(res.History) != 3 {
		t.Errorf("Expected 3 attempts, got %d (%d history)", res.Attempts, len(res.History))
	}
	for _, a := range res.History {
		if a.Outcome != crguard.OutcomeStillFailing {
			t.Errorf("Outcome mismatch: got %s", a.Outcome)
		}
		if a.Action != crguard.ActionReinstallProfile {
			t.Errorf("Profile items should reinstall, got %s", a.Action)
		}
	}

	again, err := engine.Remediate(context.Background(), item)
	if err != nil {
		t.Fatalf("Second Remediate failed: %v", err)
	}
	if again.Attempts != 3 || actions.total() != 3 {
		t.Errorf("Exhausted item should not be retried: attempts=%d actions=%d", again.Attempts, actions.total())
	}
}

func TestIdempotentAfterSuccess(t *testing.T) {
	actions := newFakeActions()
	checker := newChecker()
	item := Item{DeviceID: "D1", ItemID: "12", Kind: KindPolicy}
	checker.script[item.key()] = []crguard.Status{crguard.StatusCompleted}
	engine := New(testConfig(), actions, checker, &fakeClock{})

	if _, err := engine.Remediate(context.Background(), item); err != nil {
		t.Fatalf("Remediate failed: %v", err)
	}
	res, err := engine.Remediate(context.Background(), item)
	if err != nil {
		t.Fatalf("Second Remediate failed: %v", err)
	}
	if !res.Skipped {
		t.Error("Second call on a succeeded item should be skipped")
	}
	if actions.total() != 1 {
		t.Errorf("Expected exactly 1 action sent, got %d", actions.total())
	}
}

func TestRestoreHonorsPreviousSuccess(t *testing.T) {
	actions := newFakeActions()
	engine := New(testConfig(), actions, newChecker(), &fakeClock{})
	engine.Restore([]crguard.RemediationAttempt{
		{DeviceID: "D1", ItemID: "12", Action: crguard.ActionRetriggerPolicy, Attempt: 2, Outcome: crguard.OutcomeSuccess},
		{DeviceID: "D2", ItemID: "12", Action: crguard.ActionRetriggerPolicy, Attempt: 3, Outcome: crguard.OutcomeStillFailing},
	})

	item := Item{DeviceID: "D1", ItemID: "12", Kind: KindPolicy}
	if engine.State(item) != StateSuccess {
		t.Fatalf("Restored state mismatch: got %s", engine.State(item))
	}
	res, err := engine.Remediate(context.Background(), item)
	if err != nil {
		t.Fatalf("Remediate failed: %v", err)
	}
	if !res.Skipped || actions.total() != 0 {
		t.Errorf("Restored success should not send actions: skipped=%v actions=%d", res.Skipped, actions.total())
	}
	if engine.State(Item{DeviceID: "D2", ItemID: "12", Kind: KindPolicy}) != StatePending {
		t.Error("Unsuccessful history should not mark the item as succeeded")
	}
}

func TestDryRun(t *testing.T) {
	clock := &fakeClock{}
	actions := newFakeActions()
	cfg := testConfig()
	cfg.DryRun = true
	engine := New(cfg, actions, newChecker(), clock)

	res, err := engine.Remediate(context.Background(), Item{DeviceID: "D1", ItemID: "12", Kind: KindPolicy})
	if err != nil {
		t.Fatalf("Remediate failed: %v", err)
	}
	if actions.total() != 0 {
		t.Errorf("Dry run sent %d actions", actions.total())
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("Dry run waited: %v", clock.sleeps)
	}
	if len(res.Planned) != 3 {
		t.Fatalf("Expected 3 planned actions, got %d", len(res.Planned))
	}
	if res.Planned[2].Delay != 4*time.Minute {
		t.Errorf("Planned delay mismatch: got %v, want 4m", res.Planned[2].Delay)
	}
	if res.State != StatePending {
		t.Errorf("Dry run should not change state, got %s", res.State)
	}
}

func TestActionErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantState    State
		wantAttempts int
		wantFatal    bool
	}{
		{"permission denied stops the device", fmt.Errorf("%w: 403", crguard.ErrPermission), StateExhausted, 1, false},
		{"missing device stops the device", fmt.Errorf("%w: 404", crguard.ErrNotFound), StateExhausted, 1, false},
		{"transient errors retry", fmt.Errorf("%w: 503", crguard.ErrTransient), StateExhausted, 3, false},
		{"auth aborts the run", fmt.Errorf("%w: 401", crguard.ErrAuth), StateAttempting, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := newFakeActions()
			item := Item{DeviceID: "D1", ItemID: "12", Kind: KindPolicy}
			actions.fail[item.key()] = tt.err
			engine := New(testConfig(), actions, newChecker(), &fakeClock{})

			res, err := engine.Remediate(context.Background(), item)
			if tt.wantFatal != (err != nil) {
				t.Fatalf("Fatal mismatch: got err=%v", err)
			}
			if tt.wantFatal && !errors.Is(err, crguard.ErrAuth) {
				t.Errorf("Fatal error should wrap ErrAuth, got %v", err)
			}
			if res.State != tt.wantState {
				t.Errorf("State mismatch: got %s, want %s", res.State, tt.wantState)
			}
			if res.Attempts != tt.wantAttempts {
				t.Errorf("Attempts mismatch: got %d, want %d", res.Attempts, tt.wantAttempts)
			}
			for _, a := range res.History {
				if a.Outcome != crguard.OutcomeError || a.Error == "" {
					t.Errorf("Action failure should be recorded as an error, got %+v", a)
				}
			}
		})
	}
}

func TestRemediateAllIndependentDevices(t *testing.T) {
	clock := &fakeClock{}
	actions := newFakeActions()
	checker := newChecker()
	cfg := testConfig()
	cfg.Concurrency = 4
	cfg.Wake = true

	var items []Item
	for i := range 20 {
		item := Item{DeviceID: fmt.Sprintf("D%d", i), ItemID: "12", Kind: KindPolicy}
		if i%2 == 0 {
			checker.script[item.key()] = []crguard.Status{crguard.StatusCompleted}
		}
		items = append(items, item)
	}

	var mu sync.Mutex
	observed := 0
	engine := New(cfg, actions, checker, clock)
	engine.OnAttempt = func(crguard.RemediationAttempt) {
		mu.Lock()
		observed++
		mu.Unlock()
	}

	results, err := engine.RemediateAll(context.Background(), items)
	if err != nil {
		t.Fatalf("RemediateAll failed: %v", err)
	}
	for i, res := range results {
		if res.Item != items[i] {
			t.Fatalf("Result %d out of order: got %+v", i, res.Item)
		}
		want := StateExhausted
		if i%2 == 0 {
			want = StateSuccess
		}
		if res.State != want {
			t.Errorf("Device %s state: got %s, want %s", res.Item.DeviceID, res.State, want)
		}
		if res.Attempts > cfg.MaxRetries {
			t.Errorf("Device %s exceeded max retries: %d", res.Item.DeviceID, res.Attempts)
		}
	}

	stats := Summarize(results)
	if stats.Successful != 10 || stats.Exhausted != 10 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
	if stats.TotalAttempts != 10*1+10*3 {
		t.Errorf("TotalAttempts mismatch: got %d, want 40", stats.TotalAttempts)
	}
	if stats.AverageAttemptsToSuccess != 1 {
		t.Errorf("AverageAttemptsToSuccess mismatch: got %v, want 1", stats.AverageAttemptsToSuccess)
	}
	if observed != 40 || len(Attempts(results)) != 40 {
		t.Errorf("Attempt observation mismatch: observed=%d flattened=%d", observed, len(Attempts(results)))
	}
	if actions.wakes != 40 {
		t.Errorf("Expected a wake after every action, got %d", actions.wakes)
	}
}

func TestRemediateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := New(testConfig(), newFakeActions(), newChecker(), &fakeClock{})
	_, err := engine.Remediate(ctx, Item{DeviceID: "D1", ItemID: "12", Kind: KindPolicy})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation error, got %v", err)
	}
}
