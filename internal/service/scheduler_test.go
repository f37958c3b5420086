package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/notify"
)

type fakeSender struct {
	mu      sync.Mutex
	msgs    []notify.Message
	failFor map[string]bool
}

func (s *fakeSender) Dispatch(ctx context.Context, msg notify.Message) notify.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	if s.failFor[msg.To] {
		return notify.Outcome{Status: notify.StatusFailed, Err: errors.New("twilio error: 500")}
	}
	return notify.Outcome{Status: notify.StatusSent}
}

func (s *fakeSender) sent() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Message(nil), s.msgs...)
}

var schedNow = time.Date(2026, 2, 20, 17, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, env *testEnv, sender *fakeSender) *Scheduler {
	t.Helper()
	s := NewScheduler(env.store.Campaigns(), env.store.Participants(), sender, NewLifecycleMarkers(),
		SchedulerConfig{SendInterval: time.Millisecond, DefaultDomain: "https://default.example.com"}, zap.NewNop())
	s.Now = func() time.Time { return schedNow }
	return s
}

func campaignEndingAt(id string, end time.Time) *model.Campaign {
	c := testCampaign(id, 2)
	c.CountdownEnd = end
	return c
}

func TestEndOfDropSweepRunsOnce(t *testing.T) {
	env := newTestEnv(t, campaignEndingAt(testCampaignID, schedNow.Add(72*time.Hour)))
	join(t, env, 1, "")
	join(t, env, 2, "")
	join(t, env, 3, "")

	// Move the countdown into the past.
	c, err := env.store.Campaigns().GetByID(context.Background(), testCampaignID)
	require.NoError(t, err)
	c.CountdownEnd = schedNow.Add(-5 * time.Minute)
	require.NoError(t, env.store.Campaigns().Update(context.Background(), c))

	sender := &fakeSender{}
	s := newTestScheduler(t, env, sender)

	report := s.Sweep(context.Background())
	require.Len(t, report.Sweeps, 1)
	assert.Equal(t, SweepEndOfDrop, report.Sweeps[0].Kind)
	assert.Equal(t, 3, report.Sweeps[0].Sent)

	msgs := sender.sent()
	require.Len(t, msgs, 3)
	recipients := map[string]bool{}
	for _, m := range msgs {
		assert.Equal(t, notify.EventEndOfDrop, m.Event)
		recipients[m.To] = true
	}
	assert.Len(t, recipients, 3, "one message per participant")
	assert.Equal(t, StageEndedNotified, s.Markers.Stage(testCampaignID))

	report = s.Sweep(context.Background())
	assert.Empty(t, report.Sweeps)
	assert.Len(t, sender.sent(), 3)
}

func TestEndOfDropBelowFirstTierUsesInitialPrice(t *testing.T) {
	env := newTestEnv(t, campaignEndingAt(testCampaignID, schedNow.Add(-time.Minute)))
	env.ledger.Now = func() time.Time { return schedNow.Add(-time.Hour) }
	join(t, env, 1, "")

	sender := &fakeSender{}
	newTestScheduler(t, env, sender).Sweep(context.Background())

	msgs := sender.sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "$80")
	assert.Contains(t, msgs[0].Body, "DROP80")
	assert.Contains(t, msgs[0].Body, "1 buyers joined")
}

func TestFinalPrice(t *testing.T) {
	c := testCampaign(testCampaignID, 2)
	c.Pricing.Tiers[1].CouponCode = ""

	tier, ok := FinalPrice(c, 99)
	assert.False(t, ok)
	assert.True(t, tier.Price.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, "DROP80", tier.CouponCode)

	tier, ok = FinalPrice(c, 100)
	assert.True(t, ok)
	assert.Equal(t, "SAVE40", tier.CouponCode)

	tier, _ = FinalPrice(c, 750)
	assert.Equal(t, "DROP30", tier.CouponCode)

	tier, _ = FinalPrice(c, 5000)
	assert.True(t, tier.Price.Equal(decimal.NewFromInt(20)))
}

func TestReminderSkipsUnlockedParticipants(t *testing.T) {
	env := newTestEnv(t, campaignEndingAt(testCampaignID, schedNow.Add(2*time.Hour)))
	env.ledger.NewCode = codeSeq("AAAA1111", "BBBB2222", "CCCC3333", "DDDD4444")
	join(t, env, 1, "")
	join(t, env, 2, "AAAA1111")
	join(t, env, 3, "AAAA1111")
	join(t, env, 4, "BBBB2222")

	sender := &fakeSender{}
	s := newTestScheduler(t, env, sender)

	report := s.Sweep(context.Background())
	require.Len(t, report.Sweeps, 1)
	assert.Equal(t, SweepReminder, report.Sweeps[0].Kind)

	msgs := sender.sent()
	got := map[string]notify.Message{}
	for _, m := range msgs {
		assert.Equal(t, notify.EventReminder, m.Event)
		got[m.To] = m
	}
	assert.NotContains(t, got, phone(1), "A already unlocked")
	require.Len(t, got, 3)
	assert.Contains(t, got[phone(2)].Body, "get 1 friend to join", "B has one referral")
	assert.Contains(t, got[phone(3)].Body, "get 2 friends to join")
	assert.Contains(t, got[phone(4)].Body, "4 buyers so far")
	assert.Contains(t, got[phone(4)].Body, "96 more unlocks $40")
	assert.Contains(t, got[phone(4)].Body, "ref=DDDD4444")
	assert.Equal(t, StageReminderSent, s.Markers.Stage(testCampaignID))

	s.Sweep(context.Background())
	assert.Len(t, sender.sent(), 3, "reminder sweep runs once")
}

func TestSweepOutsideWindowsIsNoop(t *testing.T) {
	env := newTestEnv(t,
		campaignEndingAt("campaign001", schedNow.Add(3*time.Hour)),     // before the reminder window
		campaignEndingAt("campaign002", schedNow.Add(90*time.Minute)),  // after the reminder window
		campaignEndingAt("campaign003", schedNow.Add(-2*time.Hour)),    // ended too long ago
		campaignEndingAt("campaign004", schedNow.Add(-30*time.Minute)), // ended, nobody joined
	)
	join(t, env, 1, "")

	sender := &fakeSender{}
	s := newTestScheduler(t, env, sender)
	report := s.Sweep(context.Background())

	assert.Equal(t, 4, report.Campaigns)
	require.Len(t, report.Sweeps, 1)
	assert.Equal(t, "campaign004", report.Sweeps[0].CampaignID)
	assert.Zero(t, report.Sweeps[0].Recipients)
	assert.Empty(t, sender.sent())
	assert.Equal(t, StageEndedNotified, s.Markers.Stage("campaign004"))
	assert.Equal(t, StageActive, s.Markers.Stage("campaign001"))
}

func TestSweepIsolatesSendFailures(t *testing.T) {
	env := newTestEnv(t, campaignEndingAt(testCampaignID, schedNow.Add(-time.Minute)))
	for i := 1; i <= 4; i++ {
		join(t, env, i, "")
	}

	sender := &fakeSender{failFor: map[string]bool{phone(2): true}}
	s := newTestScheduler(t, env, sender)
	report := s.Sweep(context.Background())

	require.Len(t, report.Sweeps, 1)
	assert.Equal(t, 4, report.Sweeps[0].Recipients)
	assert.Equal(t, 3, report.Sweeps[0].Sent)
	assert.Equal(t, 1, report.Sweeps[0].Failed)
	assert.True(t, s.Markers.EndSent(testCampaignID), "failures do not block the marker")
}

func TestCancelledSweepIsNotMarked(t *testing.T) {
	env := newTestEnv(t, campaignEndingAt(testCampaignID, schedNow.Add(-time.Minute)))
	join(t, env, 1, "")
	join(t, env, 2, "")

	sender := &fakeSender{}
	s := newTestScheduler(t, env, sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Sweep(ctx)

	assert.False(t, s.Markers.EndSent(testCampaignID))
	assert.Equal(t, StageActive, s.Markers.Stage(testCampaignID))
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t, campaignEndingAt(testCampaignID, schedNow.Add(-time.Minute)))
	join(t, env, 1, "")

	sender := &fakeSender{}
	s := newTestScheduler(t, env, sender)
	s.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Markers.EndSent(testCampaignID) }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Len(t, sender.sent(), 1, "repeated ticks do not resend")
}

func TestLifecycleMarkersOnlyMoveForward(t *testing.T) {
	m := NewLifecycleMarkers()
	assert.Equal(t, StageActive, m.Stage("c"))
	m.MarkReminderSent("c")
	assert.Equal(t, StageReminderSent, m.Stage("c"))
	m.MarkEndSent("c")
	assert.Equal(t, StageEndedNotified, m.Stage("c"))
	m.MarkReminderSent("c")
	assert.Equal(t, StageEndedNotified, m.Stage("c"))
	assert.Equal(t, StageActive, m.Stage("other"))
}
