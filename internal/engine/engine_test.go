package engine

import (
	"context"
	"maps"
	"slices"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/domain"
	"github.com/goodtune/sitebudget/internal/notify"
	"github.com/goodtune/sitebudget/internal/storage"
)

func TestOpenSession_TrackedThenUntracked(t *testing.T) {
	te := newTestEngine(t, t0, nil)

	res := te.open(t, "https://www.Reddit.com/r/golang")
	if !res.Tracked || res.Domain != "reddit.com" || res.Category != "social" {
		t.Fatalf("Unexpected open result %+v", res)
	}
	if s, ok := te.ActiveSession(); !ok || s.Domain != "reddit.com" || !s.StartedAt.Equal(t0) {
		t.Fatalf("Expected active reddit session, got %+v (%v)", s, ok)
	}

	te.advance(t, 2*time.Minute)

	res = te.open(t, "https://golang.org/doc")
	if res.Tracked || res.Reason != ReasonNotTracked {
		t.Fatalf("Expected untracked result, got %+v", res)
	}
	if res.Closed == nil || !res.Closed.Logged || res.Closed.DurationMs != 120000 {
		t.Fatalf("Expected previous session committed, got %+v", res.Closed)
	}
	if _, ok := te.ActiveSession(); ok {
		t.Error("Expected idle after untracked navigation")
	}

	if got := te.ledger.Get("reddit.com"); got != 120000 {
		t.Errorf("Expected 120000ms for reddit.com, got %d", got)
	}

	queue := te.SyncQueue()
	if len(queue) != 1 || queue[0].Domain != "reddit.com" || queue[0].Category != "social" || queue[0].DurationMs != 120000 {
		t.Errorf("Unexpected sync queue %+v", queue)
	}
	if !te.Dirty() {
		t.Error("Expected engine to be dirty after commit")
	}
}

func TestOpenSession_NoOps(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		tab    Tab
		reason string
	}{
		{"empty url", Tab{URL: "", Active: true}, ReasonEmptyURL},
		{"inactive tab", Tab{URL: "https://reddit.com", Active: false}, ReasonInactiveTab},
		{"invalid url", Tab{URL: "http://", Active: true}, ReasonInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := te.OpenSession(ctx, tt.tab)
			if !res.Success || res.Tracked || res.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %+v", tt.reason, res)
			}
		})
	}

	te.open(t, "https://reddit.com")
	if res := te.SetTracking(ctx, false); !res.Success || res.IsTracking {
		t.Fatalf("SetTracking failed: %+v", res)
	}
	res := te.OpenSession(ctx, Tab{URL: "https://youtube.com", Active: true})
	if res.Tracked || res.Reason != ReasonTrackingDisabled {
		t.Errorf("Expected tracking_disabled, got %+v", res)
	}
}

func TestCloseSession_ShortSessionDebounce(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")
	te.advance(t, 200*time.Millisecond)

	res := te.open(t, "https://youtube.com")
	if res.Closed == nil || res.Closed.Logged || res.Closed.Reason != ReasonTooShort {
		t.Fatalf("Expected 200ms session discarded, got %+v", res.Closed)
	}
	if got := te.ledger.Total(); got != 0 {
		t.Fatalf("Expected empty ledger, got %d", got)
	}

	te.advance(t, 200*time.Millisecond)
	closed := te.CloseSession(ctx, true)
	if !closed.Logged || closed.DurationMs != 200 {
		t.Fatalf("forceLog should commit a short session, got %+v", closed)
	}
	if got := te.ledger.Get("youtube.com"); got != 200 {
		t.Errorf("Expected 200ms for youtube.com, got %d", got)
	}

	if res := te.CloseSession(ctx, false); res.Logged || res.Reason != ReasonNoSession {
		t.Errorf("Expected no-op close when idle, got %+v", res)
	}
}

func TestCommitCorrectness(t *testing.T) {
	te := newTestEngine(t, t0, nil)

	te.open(t, "https://reddit.com")
	te.advance(t, 3*time.Minute)
	te.open(t, "https://m.youtube.com/watch")
	te.advance(t, 90*time.Second)
	te.open(t, "https://old.reddit.com")
	te.advance(t, time.Minute)
	te.CloseSession(context.Background(), false)

	snap := te.ledger.Snapshot()
	want := map[string]int64{
		"reddit.com":     180000,
		"m.youtube.com":  90000,
		"old.reddit.com": 60000,
	}
	for d, ms := range want {
		if snap.Entries[d] != ms {
			t.Errorf("Expected %dms for %s, got %d", ms, d, snap.Entries[d])
		}
	}
	if snap.Total() != 330000 {
		t.Errorf("Expected total 330000ms, got %d", snap.Total())
	}
	if n := len(te.SyncQueue()); n != 3 {
		t.Errorf("Expected 3 queued records, got %d", n)
	}
}

func TestNoDoubleSession(t *testing.T) {
	urls := []string{
		"https://reddit.com",
		"https://youtube.com",
		"https://golang.org",
		"https://www.facebook.com/feed",
		"",
	}

	rapid.Check(t, func(rt *rapid.T) {
		te := newTestEngine(t, t0, nil)
		ctx := context.Background()

		var active bool
		var expected int64

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			elapsed := time.Duration(rapid.IntRange(0, 120000).Draw(rt, "ms")) * time.Millisecond
			if elapsed > 0 {
				te.advance(t, elapsed)
			}

			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0, 1:
				url := rapid.SampledFrom(urls).Draw(rt, "url")
				res := te.OpenSession(ctx, Tab{URL: url, Active: true})
				if res.Closed != nil && res.Closed.Logged {
					expected += res.Closed.DurationMs
				}
				if url != "" {
					active = res.Tracked
				}
			case 2:
				res := te.HandleIdleStateChange(ctx, IdleIdle)
				if res.Closed != nil && res.Closed.Logged {
					expected += res.Closed.DurationMs
				}
				active = false
			case 3:
				res := te.CloseSession(ctx, false)
				if res.Logged {
					expected += res.DurationMs
				}
				active = false
			}

			_, got := te.ActiveSession()
			if got != active {
				rt.Fatalf("step %d: active=%v, model says %v", i, got, active)
			}
		}

		if total := te.ledger.Total(); total != expected {
			rt.Fatalf("ledger total %d != committed %d", total, expected)
		}
		var queued int64
		for _, rec := range te.SyncQueue() {
			queued += rec.DurationMs
		}
		if queued != expected {
			rt.Fatalf("sync queue total %d != committed %d", queued, expected)
		}
	})
}

func TestHandleIdleStateChange(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	if res := te.HandleIdleStateChange(ctx, IdleActive); res.Action != "wait_for_tab" {
		t.Errorf("Expected wait_for_tab, got %+v", res)
	}
	if res := te.HandleIdleStateChange(ctx, IdleLocked); res.Action != "no_action" {
		t.Errorf("Expected no_action without a session, got %+v", res)
	}

	te.open(t, "https://reddit.com")
	te.advance(t, 100*time.Millisecond)
	res := te.HandleIdleStateChange(ctx, IdleIdle)
	if res.Action != "ended_session" || res.Closed == nil || !res.Closed.Logged {
		t.Fatalf("Expected forced commit on idle, got %+v", res)
	}
	if got := te.ledger.Get("reddit.com"); got != 100 {
		t.Errorf("Expected 100ms committed, got %d", got)
	}

	if res := te.HandleIdleStateChange(ctx, "asleep"); res.Success {
		t.Error("Expected error for unknown state")
	}
}

func TestSetTracking_DisableCommitsSession(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://youtube.com")
	te.advance(t, time.Minute)

	res := te.SetTracking(ctx, false)
	if res.Closed == nil || !res.Closed.Logged || res.Closed.DurationMs != 60000 {
		t.Fatalf("Expected session committed on disable, got %+v", res)
	}
	if te.GetStats(ctx, StatsOptions{}).IsTracking {
		t.Error("Expected tracking off")
	}
	if res := te.SetTracking(ctx, true); !res.Success || !res.IsTracking {
		t.Errorf("Re-enable failed: %+v", res)
	}
}

func TestScenarioRedditGlobalBudget(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")

	steps := []struct {
		at        time.Duration
		pct       float64
		status    budget.Status
		threshold int
	}{
		{36 * time.Minute, 60, budget.StatusOK, 50},
		{12 * time.Minute, 80, budget.StatusWarning, 75},
		{12 * time.Minute, 100, budget.StatusExceeded, 100},
	}

	for _, step := range steps {
		te.advance(t, step.at)
		res := te.Tick(ctx)
		if !res.Success || res.Check == nil {
			t.Fatalf("Tick failed: %+v", res)
		}
		got := res.Check.Limit
		if got.PercentageUsed != step.pct || got.Status != step.status {
			t.Fatalf("Expected %.0f%% %s, got %.2f%% %s", step.pct, step.status, got.PercentageUsed, got.Status)
		}
		if res.Check.Notification == nil || res.Check.Notification.Threshold != step.threshold {
			t.Fatalf("Expected threshold %d notification, got %+v", step.threshold, res.Check.Notification)
		}
	}

	if !te.LimitExceeded().Exceeded {
		t.Error("Expected limit exceeded after 60 minutes")
	}
	if got := te.sent.thresholds(); !slices.Equal(got, []int{50, 75, 100}) {
		t.Errorf("Unexpected delivered thresholds %v", got)
	}
}

func TestScenarioYouTubeOverride(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	if res := te.SetSiteLimit(ctx, "www.YouTube.com", 10); !res.Success {
		t.Fatalf("SetSiteLimit failed: %s", res.Error)
	}

	te.open(t, "https://youtube.com/watch?v=1")
	te.advance(t, 11*time.Minute)

	res := te.CheckLimit(ctx, "youtube.com")
	if !res.Success {
		t.Fatalf("CheckLimit failed: %s", res.Error)
	}
	l := res.Limit
	if l.Status != budget.StatusExceeded || l.PercentageUsed != 100 || !l.HasSiteSpecificLimit || l.LimitMinutes != 10 {
		t.Errorf("Unexpected youtube result %+v", l)
	}
	if l.GlobalPercentageUsed < 18.3 || l.GlobalPercentageUsed > 18.4 {
		t.Errorf("Expected global ~18.33%%, got %.2f", l.GlobalPercentageUsed)
	}
}

func TestScenarioDayRolloverOnLoad(t *testing.T) {
	store := newMemStore()
	values, err := storage.EncodeJSON(map[string]any{
		storage.KeyUsage: storage.UsageDocument{
			Day:     "2024-01-01",
			Ledger:  map[string]int64{"reddit.com": 40 * 60000},
			Version: storage.UsageVersion,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = store.Set(context.Background(), values)

	te := newTestEngine(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), store)

	if day := te.ledger.Day(); day != "2024-01-02" {
		t.Errorf("Expected ledger day 2024-01-02, got %s", day)
	}
	if total := te.ledger.Total(); total != 0 {
		t.Errorf("Expected empty ledger, got %d", total)
	}
	if pct := te.Evaluate("reddit.com").PercentageUsed; pct != 0 {
		t.Errorf("Stale entries must not be visible, got %.2f%%", pct)
	}
	if !te.Dirty() {
		t.Error("Rollover on load should mark state dirty")
	}
}

func TestRolloverWhileRunning(t *testing.T) {
	te := newTestEngine(t, time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC), nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")
	te.advance(t, 30*time.Second)
	if res := te.Rollover(ctx); res.Rolled {
		t.Fatal("Unexpected rollover before midnight")
	}

	te.advance(t, 90*time.Second)
	res := te.Rollover(ctx)
	if !res.Success || !res.Rolled || res.PreviousDay != "2024-01-01" || res.Day != "2024-01-02" {
		t.Fatalf("Unexpected rollover result %+v", res)
	}
	if res.Closed == nil || res.Closed.DurationMs != 120000 {
		t.Errorf("Expected running session committed before rollover, got %+v", res.Closed)
	}
	if te.ledger.Total() != 0 {
		t.Error("Expected empty ledger for the new day")
	}
	s, ok := te.ActiveSession()
	if !ok || s.Domain != "reddit.com" || !s.StartedAt.Equal(time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)) {
		t.Errorf("Expected session restarted at rollover, got %+v", s)
	}
	if len(te.SyncQueue()) != 1 {
		t.Error("Expected the pre-midnight session in the sync queue")
	}
}

func TestLockAutoRelease(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	// A critical section that never releases.
	if _, err := te.guard.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	done := make(chan CloseResult, 1)
	go func() { done <- te.CloseSession(ctx, false) }()

	waitFor(t, func() bool { return te.guard.Waiting() == 1 })
	te.advance(t, 5*time.Second)

	select {
	case res := <-done:
		if !res.Success {
			t.Fatalf("Expected waiter to proceed, got %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Waiter still blocked after watchdog expiry")
	}
	if te.guard.Held() {
		t.Error("Guard should be free afterwards")
	}
}

func TestUpdatePolicy(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	global := 90
	res := te.UpdatePolicy(ctx, budget.Update{
		GlobalLimitMinutes: &global,
		PerDomainLimits:    map[string]int{"WWW.Reddit.com": 5000},
	})
	if !res.Success || res.Policy.GlobalLimitMinutes != 90 || res.Policy.PerDomainLimits["reddit.com"] != budget.MaxLimitMinutes {
		t.Fatalf("Unexpected policy %+v (%s)", res.Policy, res.Error)
	}

	bad := te.UpdatePolicy(ctx, budget.Update{PerDomainLimits: map[string]int{"not a domain": 5}})
	if bad.Success {
		t.Fatal("Expected invalid domain to be rejected")
	}
	if te.Policy().GlobalLimitMinutes != 90 {
		t.Error("Rejected update must not change the policy")
	}

	if res := te.SetGlobalLimit(ctx, 0); res.Success {
		t.Error("Expected zero global limit to be rejected")
	}
	if res := te.SetSiteLimit(ctx, "twitch.tv", -1); res.Success {
		t.Error("Expected negative site limit to be rejected")
	}

	if res := te.RemoveSiteLimit(ctx, "reddit.com"); !res.Success || !res.Removed {
		t.Errorf("Expected override removed, got %+v", res)
	}
	if res := te.RemoveSiteLimit(ctx, "reddit.com"); !res.Success || res.Removed {
		t.Errorf("Expected no-op removal, got %+v", res)
	}
}

func TestUpdateTrackedSites(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")
	te.advance(t, time.Minute)

	res := te.UpdateTrackedSites(ctx, []domain.Site{
		{Domain: "News.YCombinator.com", Category: "news"},
		{Domain: "www.github.com"},
		{Domain: "github.com"},
		{Domain: "bad domain"},
	})
	if !res.Success {
		t.Fatalf("UpdateTrackedSites failed: %s", res.Error)
	}
	if len(res.Sites) != 2 || res.Sites[0].Domain != "news.ycombinator.com" || res.Sites[1].Domain != "github.com" {
		t.Errorf("Unexpected sites %+v", res.Sites)
	}
	if !slices.Equal(res.Rejected, []string{"bad domain"}) {
		t.Errorf("Unexpected rejected %v", res.Rejected)
	}
	if res.Closed == nil || !res.Closed.Logged {
		t.Error("Expected reddit session closed once untracked")
	}

	if open := te.open(t, "https://reddit.com"); open.Tracked {
		t.Error("reddit.com should no longer be tracked")
	}
	if open := te.open(t, "https://news.ycombinator.com/item"); !open.Tracked || open.Category != "news" {
		t.Errorf("Expected tracked news site, got %+v", open)
	}

	if res := te.UpdateTrackedSites(ctx, []domain.Site{{Domain: "nodot"}}); res.Success {
		t.Error("Expected all-invalid list to be rejected")
	}

	res = te.UpdateTrackedSites(ctx, nil)
	if !res.Success || len(res.Sites) != len(domain.DefaultSites()) {
		t.Errorf("Expected empty list to restore defaults, got %d sites", len(res.Sites))
	}
}

func TestReset(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")
	te.advance(t, 40*time.Minute)
	if res := te.Tick(ctx); res.Check.Notification == nil {
		t.Fatal("Expected a notification before reset")
	}

	res := te.Reset(ctx)
	if !res.Success || res.ResetCount != 1 || res.Archived["reddit.com"] != 40*60000 {
		t.Fatalf("Unexpected reset result %+v", res)
	}
	if te.ledger.Total() != 0 {
		t.Error("Expected ledger cleared")
	}
	if h := te.ResetHistory()["2024-01-01"]; len(h) != 1 || h[0].Usage["reddit.com"] != 40*60000 {
		t.Errorf("Unexpected reset history %+v", h)
	}
	if s, ok := te.ActiveSession(); !ok || !s.StartedAt.Equal(t0.Add(40*time.Minute)) {
		t.Error("Expected session restarted after reset")
	}

	te.advance(t, 31*time.Minute)
	tick := te.Tick(ctx)
	if tick.Check.Notification == nil || tick.Check.Notification.Threshold != 50 {
		t.Errorf("Expected 50 to fire again after reset, got %+v", tick.Check.Notification)
	}
}

func TestSnoozeSuppressesNotifications(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	settings := notify.DefaultSettings()
	settings.Thresholds = []int{5}
	if res := te.UpdateNotificationSettings(ctx, settings); !res.Success {
		t.Fatalf("UpdateNotificationSettings failed: %s", res.Error)
	}

	snooze := te.Snooze(ctx, 0)
	if !snooze.Success || snooze.SnoozedForMinutes != 5 {
		t.Fatalf("Expected default 5 minute snooze, got %+v", snooze)
	}

	te.open(t, "https://reddit.com")
	te.advance(t, 4*time.Minute)
	if res := te.Tick(ctx); res.Check.Notification != nil {
		t.Fatal("Expected no notification while snoozed")
	}
	if st := te.SnoozeStatus(); !st.IsSnoozed || st.RemainingSeconds != 60 {
		t.Errorf("Unexpected snooze status %+v", st)
	}

	if res := te.CancelSnooze(ctx); !res.WasSnoozing {
		t.Error("Expected running snooze to be cancelled")
	}
	if res := te.Tick(ctx); res.Check.Notification == nil || res.Check.Notification.Threshold != 5 {
		t.Errorf("Expected threshold 5 after cancel, got %+v", res.Check.Notification)
	}
	if res := te.CancelSnooze(ctx); res.WasSnoozing {
		t.Error("Expected nothing to cancel")
	}
}

func TestSnoozeClampsGivenMinutes(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	tests := []struct {
		minutes int
		want    int
	}{
		{0, 5},
		{-3, 1},
		{1, 1},
		{45, 45},
		{90, 60},
	}
	for _, tt := range tests {
		res := te.Snooze(ctx, tt.minutes)
		if !res.Success || res.SnoozedForMinutes != tt.want {
			t.Errorf("Snooze(%d): expected %d minutes, got %+v", tt.minutes, tt.want, res)
		}
		if !res.SnoozedUntil.Equal(t0.Add(time.Duration(tt.want) * time.Minute)) {
			t.Errorf("Snooze(%d): unexpected end %v", tt.minutes, res.SnoozedUntil)
		}
	}
}

func TestGetStats(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")
	te.advance(t, 6*time.Minute)
	te.open(t, "https://netflix.com")
	te.advance(t, 3*time.Minute)
	te.open(t, "https://amazon.com")
	te.advance(t, 30*time.Second)

	stats := te.GetStats(ctx, StatsOptions{Detailed: true})
	if !stats.IsTracking || stats.DailyUsageSeconds != 570 || stats.CurrentSessionDomain != "amazon.com" || stats.CurrentSessionSeconds != 30 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	want := map[string]int64{"reddit.com": 360, "netflix.com": 180, "amazon.com": 30}
	if !maps.Equal(stats.DailyUsage, want) {
		t.Errorf("Expected daily usage %v, got %v", want, stats.DailyUsage)
	}
	if stats.SyncQueueLength != 2 {
		t.Errorf("Expected 2 queued records, got %d", stats.SyncQueueLength)
	}

	d := stats.Details
	if d == nil {
		t.Fatal("Expected details")
	}
	if d.CategoryMinutes["social"] != 6 || d.CategoryMinutes["entertainment"] != 3 || d.CategoryMinutes["shopping"] != 0.5 {
		t.Errorf("Unexpected category minutes %v", d.CategoryMinutes)
	}
	if d.DomainMinutes["amazon.com"] != 0.5 {
		t.Errorf("Expected running session in domain minutes, got %v", d.DomainMinutes)
	}
	if d.TotalSeconds != 570 || d.TotalMinutes != 9.5 || d.TrackedSitesCount != len(domain.DefaultSites()) || d.LimitMinutes != 60 {
		t.Errorf("Unexpected details %+v", d)
	}

	if brief := te.GetStats(ctx, StatsOptions{}); brief.Details != nil {
		t.Error("Details should only be computed on request")
	}
}

func TestActivityCompletedAndSyncDrain(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	if res := te.ActivityCompleted(ctx, "reddit.com", " "); res.Success {
		t.Error("Expected empty activity to be rejected")
	}
	res := te.ActivityCompleted(ctx, "www.reddit.com", "breathing")
	if !res.Success || res.Activity.Domain != "reddit.com" {
		t.Fatalf("Unexpected activity result %+v", res)
	}
	if got := te.GetStats(ctx, StatsOptions{}).LastActivity; got == nil || got.Activity != "breathing" {
		t.Errorf("Expected last activity in stats, got %+v", got)
	}

	for _, url := range []string{"https://reddit.com", "https://youtube.com", "https://golang.org"} {
		te.open(t, url)
		te.advance(t, time.Minute)
	}
	queue := te.SyncQueue()
	if len(queue) != 2 {
		t.Fatalf("Expected 2 queued records, got %d", len(queue))
	}

	// A record committed after the backend read the queue survives the drain.
	te.open(t, "https://reddit.com")
	te.advance(t, time.Minute)
	te.CloseSession(ctx, false)

	drain := te.DrainSyncQueue(ctx, []string{queue[0].ID, queue[1].ID, "unknown"})
	if !drain.Success || drain.Removed != 2 || drain.Remaining != 1 {
		t.Errorf("Unexpected drain result %+v", drain)
	}
	if res := te.DrainSyncQueue(ctx, nil); res.Success {
		t.Error("Expected empty drain to be rejected")
	}
}

func TestFlushAndReload(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")
	te.advance(t, 5*time.Minute)
	te.CloseSession(ctx, false)
	te.SetSiteLimit(ctx, "reddit.com", 15)
	te.SetTracking(ctx, false)

	res := te.Flush(ctx)
	if !res.Success || res.Outcome != "saved" {
		t.Fatalf("Flush failed: %+v", res)
	}
	if te.Dirty() {
		t.Error("Expected clean state after flush")
	}
	if res := te.FlushIfDirty(ctx); !res.Skipped {
		t.Error("Expected FlushIfDirty to skip when clean")
	}

	var doc storage.UsageDocument
	if err := storage.GetJSON(ctx, te.store, storage.KeyUsage, &doc); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if doc.Day != "2024-01-01" || doc.Ledger["reddit.com"] != 300000 || doc.Version != storage.UsageVersion {
		t.Errorf("Unexpected usage document %+v", doc)
	}

	reloaded := newTestEngine(t, t0.Add(10*time.Minute), te.store)
	if got := reloaded.ledger.Get("reddit.com"); got != 300000 {
		t.Errorf("Expected restored ledger, got %d", got)
	}
	if limit, ok := reloaded.Policy().LimitFor("reddit.com"); !ok || limit != 15 {
		t.Errorf("Expected restored override, got %d (%v)", limit, ok)
	}
	if reloaded.GetStats(ctx, StatsOptions{}).IsTracking {
		t.Error("Expected tracking to stay disabled across restart")
	}
	if n := len(reloaded.SyncQueue()); n != 1 {
		t.Errorf("Expected restored sync queue, got %d", n)
	}
}

func TestFlushEmergencyFallbackAndRecovery(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")
	te.advance(t, 2*time.Minute)
	te.CloseSession(ctx, false)

	te.store.setFailures(storage.KeyUsage, false)
	res := te.Flush(ctx)
	if res.Success || res.Outcome != "fallback" {
		t.Fatalf("Expected fallback outcome, got %+v", res)
	}
	if !te.store.has(storage.KeyEmergencyUsage) || te.store.has(storage.KeyUsage) {
		t.Fatal("Expected only the emergency snapshot to be written")
	}
	if !te.Dirty() {
		t.Error("Changes must stay pending after a failed flush")
	}
	if te.ledger.Get("reddit.com") != 120000 {
		t.Error("In-memory ledger must survive a failed flush")
	}

	recovered := newTestEngine(t, t0.Add(5*time.Minute), te.store)
	if got := recovered.ledger.Get("reddit.com"); got != 120000 {
		t.Fatalf("Expected usage recovered from emergency snapshot, got %d", got)
	}

	recovered.store.setFailures("", false)
	if res := recovered.Flush(ctx); !res.Success {
		t.Fatalf("Flush failed: %+v", res)
	}
	if recovered.store.has(storage.KeyEmergencyUsage) {
		t.Error("Expected emergency snapshot removed after a regular save")
	}
}

func TestFlushTotalFailureKeepsState(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.store.setFailures("", true)
	te.SetSiteLimit(ctx, "reddit.com", 20)

	res := te.Flush(ctx)
	if res.Success || res.Outcome != "failed" {
		t.Fatalf("Expected failed outcome, got %+v", res)
	}
	if !te.Dirty() {
		t.Error("Expected changes to remain pending")
	}
}

func TestPersisterFlushesAfterCommit(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()
	te.Start()

	te.open(t, "https://reddit.com")
	te.advance(t, time.Minute)
	te.CloseSession(ctx, false)

	waitFor(t, func() bool {
		var doc storage.UsageDocument
		return storage.GetJSON(ctx, te.store, storage.KeyUsage, &doc) == nil && doc.Ledger["reddit.com"] == 60000
	})

	te.open(t, "https://youtube.com")
	te.advance(t, 2*time.Minute)
	if res := te.Stop(ctx); !res.Success {
		t.Fatalf("Stop failed: %+v", res)
	}

	var doc storage.UsageDocument
	if err := storage.GetJSON(ctx, te.store, storage.KeyUsage, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Ledger["youtube.com"] != 120000 {
		t.Errorf("Expected active session committed on stop, got %v", doc.Ledger)
	}
}

func TestLoadRestoresSitesFromMixedList(t *testing.T) {
	store := newMemStore()
	_ = store.Set(context.Background(), map[string][]byte{
		storage.KeySites: []byte(`["Reddit.com", {"domain": "www.twitch.tv", "category": "games"}, "nodot"]`),
	})

	te := newTestEngine(t, t0, store)
	sites := te.Sites()
	if len(sites) != 2 || sites[0].Domain != "reddit.com" || sites[1].Category != "games" {
		t.Errorf("Unexpected sites %+v", sites)
	}
	if res := te.open(t, "https://twitch.tv/x"); res.Category != "games" {
		t.Errorf("Tracked site category should win, got %q", res.Category)
	}
}

func TestReconfigure(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	prev := Seed{TrackingEnabled: true, Policy: budget.DefaultPolicy(), Notifications: notify.DefaultSettings()}

	next := prev
	next.Policy = budget.Policy{GlobalLimitMinutes: 120, PerDomainLimits: map[string]int{}}
	res := te.Reconfigure(ctx, prev, next)
	if !res.Success || !slices.Equal(res.Replaced, []string{"policy"}) {
		t.Fatalf("Unexpected reconfigure result %+v", res)
	}
	if te.Policy().GlobalLimitMinutes != 120 {
		t.Error("Expected new global limit")
	}

	te.SetGlobalLimit(ctx, 30)
	if res := te.Reconfigure(ctx, next, next); len(res.Replaced) != 0 {
		t.Errorf("Unchanged config should replace nothing, got %v", res.Replaced)
	}
	if te.Policy().GlobalLimitMinutes != 30 {
		t.Error("Runtime change should survive an unchanged reload")
	}

	off := next
	off.TrackingEnabled = false
	off.Sites = domain.Sites{{Domain: "example.com"}}
	res = te.Reconfigure(ctx, next, off)
	if !res.Success || !slices.Equal(res.Replaced, []string{"tracking", "sites"}) {
		t.Fatalf("Unexpected reconfigure result %+v", res)
	}
	if te.GetStats(ctx, StatsOptions{}).IsTracking || len(te.Sites()) != 1 {
		t.Error("Expected tracking off and one site")
	}
}

func TestProjectDoesNotRecord(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	te.open(t, "https://reddit.com")
	te.advance(t, 30*time.Minute)

	got := te.Project("www.reddit.com", 6*time.Minute)
	if got.Domain != "reddit.com" || got.PercentageUsed != 60 {
		t.Fatalf("Expected 60%% projected for reddit.com, got %+v", got)
	}
	if now := te.Evaluate("reddit.com"); now.PercentageUsed != 50 {
		t.Errorf("Expected 50%% actual usage, got %.2f", now.PercentageUsed)
	}
	if got := te.GetStats(context.Background(), StatsOptions{}).DailyUsage["reddit.com"]; got != 1800 {
		t.Errorf("Expected only the running session in usage, got %ds", got)
	}
}

func TestLimitForLeavesNotificationsAlone(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	ctx := context.Background()

	te.open(t, "https://reddit.com")
	te.advance(t, 30*time.Minute)

	for range 3 {
		got := te.LimitFor("www.reddit.com")
		if got.Exceeded || got.Limit.Domain != "reddit.com" || got.Limit.PercentageUsed != 50 {
			t.Fatalf("Unexpected limit status %+v", got)
		}
	}
	if got := te.sent.thresholds(); len(got) != 0 {
		t.Fatalf("Expected no notifications from a read-only query, got %v", got)
	}

	check := te.CheckLimit(ctx, "reddit.com")
	if !check.Success || check.Notification == nil || check.Notification.Threshold != 50 {
		t.Fatalf("Expected threshold 50 on the first check, got %+v", check)
	}
	if got := te.sent.thresholds(); !slices.Equal(got, []int{50}) {
		t.Errorf("Expected one delivered notification, got %v", got)
	}
}

func TestHealthyAndSeed(t *testing.T) {
	te := newTestEngine(t, t0, nil)
	te.Start()

	if !te.Healthy() {
		t.Fatal("Expected healthy engine after Start")
	}
	if got := te.Seed().Policy.GlobalLimitMinutes; got != budget.DefaultGlobalLimitMinutes {
		t.Errorf("Expected seed global limit %d, got %d", budget.DefaultGlobalLimitMinutes, got)
	}

	te.Stop(context.Background())
	if te.Healthy() {
		t.Error("Expected unhealthy engine after Stop")
	}
}
