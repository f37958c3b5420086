package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/notify"
	"github.com/unclebandit/dropleopard/internal/queue"
	"github.com/unclebandit/dropleopard/internal/repository"
)

// ----------------- Mocks -----------------

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) byEvent(event notify.Event) []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Message
	for _, m := range n.msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []queue.DropEvent
}

func (e *recordingEvents) Publish(ctx context.Context, ev queue.DropEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

// failingParticipants wraps a real repository and fails every append.
type failingParticipants struct {
	repository.ParticipantRepositoryInterface
}

func (f failingParticipants) Append(ctx context.Context, p *model.Participant) error {
	return errors.New("disk full")
}

// codeSeq hands out the given codes first, then random ones.
func codeSeq(codes ...string) CodeGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i < len(codes) {
			c := codes[i]
			i++
			return c, nil
		}
		return RandomReferralCode()
	}
}

const testCampaignID = "campaign001"

func testCampaign(id string, referralsNeeded int) *model.Campaign {
	return &model.Campaign{
		ID:          id,
		ProductName: "478 Range Rider Denim",
		Pricing: model.Pricing{
			InitialPrice:  decimal.NewFromInt(80),
			InitialBuyers: 0,
			Tiers: []model.Tier{
				{Buyers: 100, Price: decimal.NewFromInt(40), CouponCode: "SAVE40"},
				{Buyers: 500, Price: decimal.NewFromInt(30), CouponCode: "SAVE50"},
				{Buyers: 1000, Price: decimal.NewFromInt(20), CouponCode: "SAVE60"},
			},
			CheckoutURL: "https://shop.example.com/checkout",
		},
		ReferralsNeeded: referralsNeeded,
		CountdownEnd:    time.Now().Add(72 * time.Hour).UTC(),
		SMS:             model.SMSSettings{Domain: "https://drop.example.com"},
	}
}

type testEnv struct {
	store    *repository.BoltStore
	ledger   *Ledger
	drop     *DropService
	notifier *recordingNotifier
	events   *recordingEvents
}

func newTestEnv(t *testing.T, campaigns ...*model.Campaign) *testEnv {
	t.Helper()
	store, err := repository.OpenBoltStore(filepath.Join(t.TempDir(), "drop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, c := range campaigns {
		require.NoError(t, store.Campaigns().Create(context.Background(), c))
	}

	ledger := NewLedger(store.Participants(), store.Campaigns(), nil)
	notifier := &recordingNotifier{}
	events := &recordingEvents{}
	return &testEnv{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		events:   events,
		drop: &DropService{
			Ledger:        ledger,
			Evaluator:     NewEvaluator(store.Participants(), store.Campaigns()),
			Participants:  store.Participants(),
			Notifier:      notifier,
			Events:        events,
			DefaultDomain: "https://default.example.com",
			Logger:        zap.NewNop(),
		},
	}
}

func phone(i int) string { return fmt.Sprintf("+1555000%04d", i) }

func join(t *testing.T, env *testEnv, i int, referredBy string) *JoinResult {
	t.Helper()
	res, err := env.drop.Join(context.Background(), JoinRequest{
		Phone:      phone(i),
		Email:      fmt.Sprintf("user%d@example.com", i),
		ReferredBy: referredBy,
		CampaignID: testCampaignID,
	})
	require.NoError(t, err)
	return res
}

// ----------------- Tests -----------------

func TestReferralUnlockScenario(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	env.ledger.NewCode = codeSeq("AAAA1111", "BBBB2222", "CCCC3333")
	ctx := context.Background()

	a := join(t, env, 1, "")
	assert.Equal(t, "AAAA1111", a.ReferralCode)
	assert.False(t, a.ReferrerUnlocked)

	b := join(t, env, 2, "AAAA1111")
	assert.False(t, b.ReferrerUnlocked)
	status, err := env.drop.ReferralStatus(ctx, "AAAA1111", testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ReferralCount)
	assert.False(t, status.UnlockedBestPrice)
	assert.Equal(t, 1, status.ReferralsRemaining)

	c := join(t, env, 3, "aaaa1111")
	assert.True(t, c.ReferrerUnlocked)
	assert.True(t, c.UnlockedNow)
	status, err = env.drop.ReferralStatus(ctx, "AAAA1111", testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.ReferralCount)
	assert.True(t, status.UnlockedBestPrice)
	assert.Equal(t, 0, status.ReferralsRemaining)
	assert.True(t, status.BestPrice.Equal(decimal.NewFromInt(20)))

	unlocks := env.notifier.byEvent(notify.EventUnlock)
	require.Len(t, unlocks, 1)
	assert.Equal(t, phone(1), unlocks[0].To)
	assert.Contains(t, unlocks[0].Body, "SAVE60")
	assert.Contains(t, unlocks[0].Body, "https://shop.example.com/checkout")

	assert.Len(t, env.notifier.byEvent(notify.EventWelcome), 3)
}

func TestUnlockFiresOnceAcrossManyJoins(t *testing.T) {
	const needed = 3
	env := newTestEnv(t, testCampaign(testCampaignID, needed))
	env.ledger.NewCode = codeSeq("AAAA1111")

	join(t, env, 0, "")
	for i := 1; i <= 7; i++ {
		res := join(t, env, i, "AAAA1111")
		assert.Equal(t, i == needed, res.UnlockedNow, "join %d", i)
		assert.Equal(t, i >= needed, res.ReferrerUnlocked, "join %d", i)
	}

	assert.Len(t, env.notifier.byEvent(notify.EventUnlock), 1)

	var unlockEvents int
	for _, e := range env.events.events {
		if e.Type == queue.EventReferralUnlocked {
			unlockEvents++
			assert.Equal(t, needed, e.ReferralCount)
		}
	}
	assert.Equal(t, 1, unlockEvents)
}

func TestConcurrentReferredJoinsUnlockOnce(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	env.ledger.NewCode = codeSeq("AAAA1111")
	join(t, env, 0, "")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		unlocks int
	)
	for i := 1; i <= 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.drop.Join(context.Background(), JoinRequest{
				Phone: phone(i), Email: "x@example.com", ReferredBy: "AAAA1111", CampaignID: testCampaignID,
			})
			if assert.NoError(t, err) && res.UnlockedNow {
				mu.Lock()
				unlocks++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, unlocks)
	assert.Len(t, env.notifier.byEvent(notify.EventUnlock), 1)
}

func TestDuplicateJoinReturnsOriginalCode(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	ctx := context.Background()

	first := join(t, env, 1, "")

	// Same number, different formatting.
	_, err := env.drop.Join(ctx, JoinRequest{
		Phone: "(555) 000-0001", Email: "other@example.com", CampaignID: testCampaignID,
	})
	conflict, ok := appErrors.AsConflict(err)
	require.True(t, ok, "expected conflict, got %v", err)
	assert.Equal(t, first.ReferralCode, conflict.ReferralCode)

	list, err := env.store.Participants().List(ctx, testCampaignID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Len(t, env.notifier.byEvent(notify.EventWelcome), 1)
}

func TestSamePhoneMayJoinDifferentCampaigns(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2), testCampaign("campaign002", 2))
	ctx := context.Background()

	join(t, env, 1, "")
	_, err := env.drop.Join(ctx, JoinRequest{Phone: phone(1), Email: "a@example.com", CampaignID: "campaign002"})
	assert.NoError(t, err)

	// The legacy scope spans every campaign.
	_, err = env.drop.Join(ctx, JoinRequest{Phone: phone(1), Email: "a@example.com"})
	_, ok := appErrors.AsConflict(err)
	assert.True(t, ok)
}

func TestConcurrentDuplicateJoins(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.drop.Join(context.Background(), JoinRequest{
				Phone: phone(7), Email: "same@example.com", CampaignID: testCampaignID,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if _, ok := appErrors.AsConflict(err); ok {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 19, conflicts)
	list, err := env.store.Participants().List(context.Background(), testCampaignID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestJoinValidation(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	ctx := context.Background()

	tests := []struct {
		name     string
		req      JoinRequest
		notFound bool
	}{
		{"bad phone", JoinRequest{Phone: "12", Email: "a@example.com", CampaignID: testCampaignID}, false},
		{"unsupported country", JoinRequest{Phone: "+33612345678", Email: "a@example.com", CampaignID: testCampaignID}, false},
		{"bad email", JoinRequest{Phone: phone(1), Email: "nope", CampaignID: testCampaignID}, false},
		{"bad referral code", JoinRequest{Phone: phone(1), Email: "a@example.com", ReferredBy: "XYZ", CampaignID: testCampaignID}, false},
		{"malformed campaign id", JoinRequest{Phone: phone(1), Email: "a@example.com", CampaignID: "short"}, false},
		{"unknown campaign", JoinRequest{Phone: phone(1), Email: "a@example.com", CampaignID: "missing0000"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.drop.Join(ctx, tt.req)
			require.Error(t, err)
			if tt.notFound {
				assert.True(t, appErrors.IsNotFound(err))
			} else {
				assert.True(t, appErrors.IsValidation(err), "got %v", err)
			}
		})
	}

	all, err := env.store.Participants().List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, env.notifier.msgs)
}

func TestUnknownReferrerIsAccepted(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 1))

	res := join(t, env, 1, "DEADBEEF")
	assert.True(t, res.ReferrerUnlocked)

	// Nobody holds the code, so there is no unlock SMS to send.
	assert.Empty(t, env.notifier.byEvent(notify.EventUnlock))
}

func TestStorageFailureLeavesNoPartialState(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	env.ledger.Participants = failingParticipants{env.store.Participants()}

	_, err := env.drop.Join(context.Background(), JoinRequest{Phone: phone(1), Email: "a@example.com", CampaignID: testCampaignID})
	require.Error(t, err)
	assert.True(t, appErrors.IsStorage(err))

	list, err := env.store.Participants().List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, env.notifier.msgs)
}

func TestReferralCodeCollisionRetries(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	env.ledger.NewCode = codeSeq("AAAA1111", "AAAA1111", "AAAA1111", "BBBB2222")

	join(t, env, 1, "")
	res := join(t, env, 2, "")
	assert.Equal(t, "BBBB2222", res.ReferralCode)

	env.ledger.NewCode = func() (string, error) { return "AAAA1111", nil }
	_, err := env.drop.Join(context.Background(), JoinRequest{Phone: phone(3), Email: "c@example.com", CampaignID: testCampaignID})
	assert.True(t, appErrors.IsStorage(err))
}

func TestReferralStatusIsMonotonic(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 3))
	env.ledger.NewCode = codeSeq("AAAA1111")
	join(t, env, 0, "")

	last := -1
	for i := 1; i <= 5; i++ {
		join(t, env, i, "AAAA1111")
		status, err := env.drop.ReferralStatus(context.Background(), "AAAA1111", testCampaignID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, status.ReferralCount, last)
		assert.Equal(t, 3, status.ReferralsNeeded)
		last = status.ReferralCount
	}
	assert.Equal(t, 5, last)
}

func TestReferralStatusErrors(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))

	_, err := env.drop.ReferralStatus(context.Background(), "not-a-code", testCampaignID)
	assert.True(t, appErrors.IsValidation(err))

	_, err = env.drop.ReferralStatus(context.Background(), "AAAA1111", "missing0000")
	assert.True(t, appErrors.IsNotFound(err))

	status, err := env.drop.ReferralStatus(context.Background(), "FFFF0000", testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.ReferralCount)
}

func TestLegacyJoinUsesBareReferralLink(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.NewCode = codeSeq("AAAA1111")

	res, err := env.drop.Join(context.Background(), JoinRequest{Phone: "5550000001", Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "AAAA1111", res.ReferralCode)

	welcomes := env.notifier.byEvent(notify.EventWelcome)
	require.Len(t, welcomes, 1)
	assert.Equal(t, "+15550000001", welcomes[0].To)
	assert.Contains(t, welcomes[0].Body, "https://default.example.com/?ref=AAAA1111")
	assert.Contains(t, welcomes[0].Body, "($20)")
	assert.Empty(t, welcomes[0].CampaignID)
}

func TestWelcomeUsesCampaignLink(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 1))
	env.ledger.NewCode = codeSeq("AAAA1111")

	join(t, env, 1, "")
	welcomes := env.notifier.byEvent(notify.EventWelcome)
	require.Len(t, welcomes, 1)
	assert.Contains(t, welcomes[0].Body, "https://drop.example.com/?v="+testCampaignID+"&ref=AAAA1111")
	assert.Contains(t, welcomes[0].Body, "Get 1 friend to join")
	assert.Equal(t, testCampaignID, welcomes[0].CampaignID)
}

func TestCampaignConfig(t *testing.T) {
	c := testCampaign(testCampaignID, 25)
	c.Pricing.InitialBuyers = 98
	c.SMS = model.SMSSettings{Enabled: true, AccountSID: "AC", AuthToken: "secret", PhoneNumber: "+1"}
	env := newTestEnv(t, c)

	cfg, err := env.drop.CampaignConfig(context.Background(), testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, 98, cfg.Buyers)
	assert.True(t, cfg.CurrentPrice.Equal(decimal.NewFromInt(80)))
	require.NotNil(t, cfg.NextTier)
	assert.Equal(t, 2, cfg.BuyersToNextTier)
	assert.Equal(t, MaxReferrals, cfg.ReferralsNeeded)
	assert.False(t, cfg.Ended)
	assert.Positive(t, cfg.SecondsLeft)

	join(t, env, 1, "")
	join(t, env, 2, "")
	cfg, err = env.drop.CampaignConfig(context.Background(), testCampaignID)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Buyers)
	assert.Equal(t, 2, cfg.Participants)
	assert.True(t, cfg.CurrentPrice.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, 50, cfg.DiscountPercentage)

	_, err = env.drop.CampaignConfig(context.Background(), "missing0000")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestBuildCampaignConfigAfterEnd(t *testing.T) {
	c := testCampaign(testCampaignID, 2)
	now := c.CountdownEnd.Add(time.Minute)

	cfg := BuildCampaignConfig(c, 0, now)
	assert.True(t, cfg.Ended)
	assert.Zero(t, cfg.SecondsLeft)
}

func TestReferralsNeededClamp(t *testing.T) {
	assert.Equal(t, DefaultReferralsNeeded, ReferralsNeeded(nil))
	assert.Equal(t, DefaultReferralsNeeded, ReferralsNeeded(&model.Campaign{}))
	assert.Equal(t, 1, ReferralsNeeded(&model.Campaign{ReferralsNeeded: 1}))
	assert.Equal(t, MaxReferrals, ReferralsNeeded(&model.Campaign{ReferralsNeeded: 99}))
}

func TestUnlockTransition(t *testing.T) {
	assert.False(t, UnlockTransition(0, 1, 2))
	assert.True(t, UnlockTransition(1, 2, 2))
	assert.False(t, UnlockTransition(2, 3, 2), "already unlocked")
	assert.True(t, UnlockTransition(0, 5, 2))
}
