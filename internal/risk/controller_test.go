package risk

import (
	"strings"
	"testing"
	"time"
)

func newTestController() *Controller {
	return NewController(nil, nil, DefaultTiers(), time.UTC)
}

func TestDailyTradeLimit(t *testing.T) {
	c := newTestController()
	user := "u-limit"

	// STANDARD tier allows 6 trades per day.
	for i := 0; i < 6; i++ {
		allowed, reason := c.CheckTradeAllowed(user, 0, 0)
		if !allowed {
			t.Fatalf("trade %d unexpectedly denied: %s", i+1, reason)
		}
		c.NoteTradeOpened(user)
	}

	allowed, reason := c.CheckTradeAllowed(user, 0, 0)
	if allowed {
		t.Fatal("7th trade should be denied")
	}
	if !strings.Contains(reason, "daily trade limit") {
		t.Fatalf("unexpected denial reason: %s", reason)
	}
}

func TestDrawdownLimit(t *testing.T) {
	c := newTestController()
	user := "u-drawdown"

	// STANDARD tier caps daily drawdown at 4% of balance.
	c.RecordTradeResult(user, false, -350)

	allowed, reason := c.CheckTradeAllowed(user, 100, 10000)
	if allowed {
		t.Fatal("trade exceeding drawdown cap should be denied")
	}
	if !strings.Contains(reason, "drawdown") {
		t.Fatalf("unexpected denial reason: %s", reason)
	}

	// Smaller risk still fits under the cap.
	if allowed, reason := c.CheckTradeAllowed(user, 40, 10000); !allowed {
		t.Fatalf("trade within drawdown cap denied: %s", reason)
	}
}

func TestBoostedLossesTriggerCooldown(t *testing.T) {
	c := newTestController()
	user := "u-boost"

	if ok, reason := c.SetMode(user, ModeBoost); !ok {
		t.Fatalf("boost mode rejected: %s", reason)
	}

	c.RecordTradeResult(user, false, -50)
	if got := c.Mode(user); got != ModeBoost {
		t.Fatalf("after one loss mode=%s, expected %s", got, ModeBoost)
	}

	c.RecordTradeResult(user, false, -50)
	if got := c.Mode(user); got != ModeCooldown {
		t.Fatalf("after two losses mode=%s, expected %s", got, ModeCooldown)
	}

	// Mode changes are locked until the cooldown resolves.
	if ok, _ := c.SetMode(user, ModeBoost); ok {
		t.Fatal("mode change accepted during cooldown")
	}

	// Effective risk drops to the tier floor during cooldown.
	percent, reason := c.GetEffectiveRisk(user)
	want := DefaultTiers().Get("STANDARD").MinRiskPercent
	if percent != want {
		t.Fatalf("cooldown risk=%v, expected %v (%s)", percent, want, reason)
	}
}

func TestWinClearsCooldown(t *testing.T) {
	c := newTestController()
	user := "u-win"

	c.SetMode(user, ModeBoost)
	c.RecordTradeResult(user, false, -50)
	c.RecordTradeResult(user, false, -50)
	if c.Mode(user) != ModeCooldown {
		t.Fatal("expected cooldown")
	}

	c.RecordTradeResult(user, true, 80)
	if got := c.Mode(user); got != ModeDefault {
		t.Fatalf("after winning trade mode=%s, expected %s", got, ModeDefault)
	}
	if got := c.StatusFor(user).ConsecutiveHRLosses; got != 0 {
		t.Fatalf("loss streak=%d after win, expected 0", got)
	}
}

func TestCooldownTimerExpiry(t *testing.T) {
	c := newTestController()
	c.SetCooldownDuration(time.Millisecond)
	user := "u-timer"

	c.SetMode(user, ModeBoost)
	c.RecordTradeResult(user, false, -50)
	c.RecordTradeResult(user, false, -50)
	if c.Mode(user) != ModeCooldown {
		t.Fatal("expected cooldown")
	}

	time.Sleep(10 * time.Millisecond)
	if got := c.Mode(user); got != ModeDefault {
		t.Fatalf("after expiry mode=%s, expected %s", got, ModeDefault)
	}
}

func TestDefaultModeLossesDoNotCooldown(t *testing.T) {
	c := newTestController()
	user := "u-default"

	for i := 0; i < 4; i++ {
		c.RecordTradeResult(user, false, -50)
	}

	if got := c.Mode(user); got != ModeDefault {
		t.Fatalf("mode=%s, expected %s", got, ModeDefault)
	}
	if got := c.StatusFor(user).ConsecutiveHRLosses; got != 0 {
		t.Fatalf("loss streak=%d, default-mode losses must not count", got)
	}
}

func TestRolloverResetsCountersButNotCooldown(t *testing.T) {
	c := newTestController()
	user := "u-rollover"

	c.NoteTradeOpened(user)
	c.NoteTradeOpened(user)
	c.SetMode(user, ModeBoost)
	c.RecordTradeResult(user, false, -50)
	c.RecordTradeResult(user, false, -50)

	// Move the profile's last reset into the past and cross the boundary.
	c.mu.Lock()
	c.profiles[user].lastResetDate = "2000-01-01"
	c.mu.Unlock()
	c.SweepRollover()

	st := c.StatusFor(user)
	if st.DailyTradeCount != 0 {
		t.Fatalf("daily trade count=%d after rollover, expected 0", st.DailyTradeCount)
	}
	if st.DailyLoss != 0 {
		t.Fatalf("daily loss=%v after rollover, expected 0", st.DailyLoss)
	}
	if st.Mode != ModeCooldown {
		t.Fatalf("mode=%s after rollover, cooldown must survive the day boundary", st.Mode)
	}
	if st.ConsecutiveHRLosses != 2 {
		t.Fatalf("loss streak=%d after rollover, expected 2", st.ConsecutiveHRLosses)
	}
}

func TestTierFallback(t *testing.T) {
	ts := DefaultTiers()
	if got := ts.Get("NO_SUCH_TIER").Name; got != "STANDARD" {
		t.Fatalf("fallback tier=%s, expected STANDARD", got)
	}
}
