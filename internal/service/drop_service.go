// internal/service/drop_service.go
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/metrics"
	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/notify"
	"github.com/unclebandit/dropleopard/internal/pricing"
	"github.com/unclebandit/dropleopard/internal/queue"
	"github.com/unclebandit/dropleopard/internal/repository"
)

// Notifier accepts a message for delivery. Implementations must not block on
// the SMS gateway.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e queue.DropEvent) error
}

// JoinResult is returned to the landing page. ReferrerUnlocked reports the
// referrer's state after this join; UnlockedNow is true only for the join
// that crossed the threshold.
type JoinResult struct {
	Participant      model.Participant `json:"-"`
	ReferralCode     string            `json:"referralCode"`
	ReferrerUnlocked bool              `json:"referrerUnlocked"`
	UnlockedNow      bool              `json:"-"`
}

type DropService struct {
	Ledger       *Ledger
	Evaluator    *Evaluator
	Participants repository.ParticipantRepositoryInterface
	Notifier     Notifier
	Events       EventPublisher
	// DefaultDomain builds referral links for campaigns without their own.
	DefaultDomain string
	Logger        *zap.Logger
	Now           func() time.Time
}

func (s *DropService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Join records a participant, sends the welcome SMS and, when this join
// crossed the referrer's threshold, the unlock SMS. Notification problems
// are logged and never fail the join.
func (s *DropService) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	start := time.Now()
	res, err := s.Ledger.Append(ctx, req)
	if err != nil {
		metrics.RecordJoin(joinResultLabel(err), time.Since(start).Seconds())
		return nil, err
	}

	p := res.Participant
	campaignID := p.Campaign()
	c, err := s.Evaluator.Campaign(ctx, campaignID)
	if err != nil {
		s.Logger.Warn("campaign vanished after join", zap.String("campaign_id", campaignID), zap.Error(err))
		c = nil
	}

	result := &JoinResult{Participant: p, ReferralCode: p.ReferralCode}
	if referrer := p.Referrer(); referrer != "" {
		needed := ReferralsNeeded(c)
		result.ReferrerUnlocked = res.ReferrerCountAfter >= needed
		result.UnlockedNow = UnlockTransition(res.ReferrerCountBefore, res.ReferrerCountAfter, needed)
	}

	s.sendWelcome(ctx, p, c)
	s.publish(ctx, queue.DropEvent{
		Type:          queue.EventParticipantJoined,
		CampaignID:    campaignID,
		ParticipantID: p.ID,
		ReferralCode:  p.ReferralCode,
		ReferredBy:    p.Referrer(),
		OccurredAt:    p.JoinedAt,
	})

	if result.UnlockedNow {
		metrics.RecordUnlock()
		s.sendUnlock(ctx, p.Referrer(), c)
		s.publish(ctx, queue.DropEvent{
			Type:          queue.EventReferralUnlocked,
			CampaignID:    campaignID,
			ReferralCode:  p.Referrer(),
			ReferralCount: res.ReferrerCountAfter,
			OccurredAt:    p.JoinedAt,
		})
	}

	metrics.RecordJoin("success", time.Since(start).Seconds())
	s.Logger.Info("participant joined",
		zap.String("campaign_id", campaignID),
		zap.String("referral_code", p.ReferralCode),
		zap.String("referred_by", p.Referrer()),
		zap.Bool("referrer_unlocked", result.UnlockedNow))
	return result, nil
}

func joinResultLabel(err error) string {
	switch {
	case appErrors.IsValidation(err):
		return "invalid"
	case appErrors.IsNotFound(err):
		return "not_found"
	}
	if _, ok := appErrors.AsConflict(err); ok {
		return "duplicate"
	}
	return "error"
}

// Domain is the landing page base URL for a campaign.
func (s *DropService) Domain(c *model.Campaign) string {
	if c != nil && c.SMS.Domain != "" {
		return c.SMS.Domain
	}
	return s.DefaultDomain
}

func (s *DropService) referralURL(c *model.Campaign, code string) string {
	campaignID := ""
	if c != nil {
		campaignID = c.ID
	}
	return notify.ReferralURL(s.Domain(c), campaignID, code)
}

func (s *DropService) sendWelcome(ctx context.Context, p model.Participant, c *model.Campaign) {
	body := notify.WelcomeMessage(notify.WelcomeParams{
		BestPrice:       bestPrice(c),
		ReferralsNeeded: ReferralsNeeded(c),
		ReferralURL:     s.referralURL(c, p.ReferralCode),
	})
	s.notify(ctx, notify.Message{Event: notify.EventWelcome, To: p.Phone, Body: body, CampaignID: p.Campaign()})
}

func (s *DropService) sendUnlock(ctx context.Context, referrerCode string, c *model.Campaign) {
	campaignID := ""
	if c != nil {
		campaignID = c.ID
	}
	referrer, err := s.Participants.FindByReferralCode(ctx, campaignID, referrerCode)
	if err != nil {
		s.Logger.Error("failed to load referrer for unlock SMS", zap.String("referral_code", referrerCode), zap.Error(err))
		return
	}
	if referrer == nil {
		// Unknown referral codes are accepted at join time; there is nobody to tell.
		s.Logger.Warn("unlock reached by a referral code that was never issued",
			zap.String("campaign_id", campaignID), zap.String("referral_code", referrerCode))
		return
	}

	params := notify.UnlockParams{
		BestPrice:       bestPrice(c),
		ReferralsNeeded: ReferralsNeeded(c),
		Link:            s.referralURL(c, referrerCode),
	}
	if c != nil {
		if t, ok := pricing.BestTier(c.Pricing.Tiers); ok {
			params.CouponCode = pricing.CouponLabel(t.CouponCode, t.Price)
		}
		if c.Pricing.CheckoutURL != "" {
			params.Link = c.Pricing.CheckoutURL
		}
	}
	if params.CouponCode == "" {
		params.CouponCode = pricing.CouponLabel("", params.BestPrice)
	}
	s.notify(ctx, notify.Message{
		Event:      notify.EventUnlock,
		To:         referrer.Phone,
		Body:       notify.UnlockMessage(params),
		CampaignID: campaignID,
	})
}

func (s *DropService) notify(ctx context.Context, msg notify.Message) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, msg); err != nil {
		s.Logger.Error("failed to queue notification",
			zap.String("event", string(msg.Event)), zap.String("to", msg.To), zap.Error(err))
	}
}

func (s *DropService) publish(ctx context.Context, e queue.DropEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, e); err != nil {
		s.Logger.Warn("failed to publish drop event", zap.String("type", e.Type), zap.Error(err))
	}
}

func bestPrice(c *model.Campaign) decimal.Decimal {
	if c == nil {
		return pricing.FallbackBestPrice
	}
	return pricing.BestPrice(c.Pricing.Tiers)
}

// ReferralStatus is the live referral progress of code within a campaign.
func (s *DropService) ReferralStatus(ctx context.Context, code, campaignID string) (*ReferralStatus, error) {
	return s.Evaluator.Status(ctx, code, campaignID)
}

// CampaignConfig is the public projection of a campaign: everything the
// landing page renders, without SMS credentials.
type CampaignConfig struct {
	ID                 string        `json:"id"`
	ProductName        string        `json:"productName"`
	ProductImage       string        `json:"productImage,omitempty"`
	ProductDescription string        `json:"productDescription,omitempty"`
	VideoURL           string        `json:"videoUrl,omitempty"`
	TermsURL           string        `json:"termsUrl,omitempty"`
	MerchantName       string        `json:"merchantName,omitempty"`
	Pricing            model.Pricing `json:"pricing"`
	ReferralsNeeded    int           `json:"referralsNeeded"`
	CountdownEnd       time.Time     `json:"countdownEnd"`
	Participants       int           `json:"participants"`
	SecondsLeft        int64         `json:"secondsLeft"`
	Ended              bool          `json:"ended"`
	pricing.Quote
}

func (s *DropService) CampaignConfig(ctx context.Context, campaignID string) (*CampaignConfig, error) {
	if campaignID == "" {
		return nil, appErrors.NewValidation("campaignId", "required")
	}
	c, err := s.Evaluator.Campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	participants, err := s.Participants.List(ctx, campaignID)
	if err != nil {
		return nil, appErrors.NewStorage("list participants", err)
	}
	return BuildCampaignConfig(c, len(participants), s.now()), nil
}

// BuildCampaignConfig projects c with the given live participant count.
func BuildCampaignConfig(c *model.Campaign, participants int, now time.Time) *CampaignConfig {
	buyers := c.Pricing.InitialBuyers + participants
	p := c.Pricing
	p.Tiers = pricing.SortTiers(p.Tiers)

	left := c.CountdownEnd.Sub(now)
	if left < 0 {
		left = 0
	}
	return &CampaignConfig{
		ID:                 c.ID,
		ProductName:        c.ProductName,
		ProductImage:       c.ProductImage,
		ProductDescription: c.ProductDescription,
		VideoURL:           c.VideoURL,
		TermsURL:           c.TermsURL,
		MerchantName:       c.MerchantName,
		Pricing:            p,
		ReferralsNeeded:    ReferralsNeeded(c),
		CountdownEnd:       c.CountdownEnd,
		Participants:       participants,
		SecondsLeft:        int64(left / time.Second),
		Ended:              !c.CountdownEnd.IsZero() && !now.Before(c.CountdownEnd),
		Quote:              pricing.QuoteFor(buyers, c.Pricing),
	}
}
