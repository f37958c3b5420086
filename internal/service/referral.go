package service

import (
	"context"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/pricing"
	"github.com/unclebandit/dropleopard/internal/repository"
	"github.com/unclebandit/dropleopard/internal/validation"
)

const (
	// MaxReferrals caps the threshold regardless of campaign configuration.
	MaxReferrals           = 10
	DefaultReferralsNeeded = 2
)

// ReferralsNeeded is the campaign's threshold clamped to 1..MaxReferrals. A
// nil campaign is a legacy join and uses the default.
func ReferralsNeeded(c *model.Campaign) int {
	if c == nil || c.ReferralsNeeded <= 0 {
		return DefaultReferralsNeeded
	}
	if c.ReferralsNeeded > MaxReferrals {
		return MaxReferrals
	}
	return c.ReferralsNeeded
}

// UnlockTransition reports whether a count moving from before to after
// crosses needed. It is false when the referrer had already unlocked.
func UnlockTransition(before, after, needed int) bool {
	return before < needed && after >= needed
}

type ReferralStatus struct {
	ReferralCode       string          `json:"referralCode"`
	ReferralCount      int             `json:"referralCount"`
	UnlockedBestPrice  bool            `json:"unlockedBestPrice"`
	BestPrice          decimal.Decimal `json:"bestPrice"`
	ReferralsNeeded    int             `json:"referralsNeeded"`
	ReferralsRemaining int             `json:"referralsRemaining"`
}

// BuildStatus derives the status for a known referral count.
func BuildStatus(code string, count int, c *model.Campaign) ReferralStatus {
	needed := ReferralsNeeded(c)
	var tiers []model.Tier
	if c != nil {
		tiers = c.Pricing.Tiers
	}
	remaining := needed - count
	if remaining < 0 {
		remaining = 0
	}
	return ReferralStatus{
		ReferralCode:       code,
		ReferralCount:      count,
		UnlockedBestPrice:  count >= needed,
		BestPrice:          pricing.BestPrice(tiers),
		ReferralsNeeded:    needed,
		ReferralsRemaining: remaining,
	}
}

// Evaluator answers referral questions from the live ledger. Nothing is
// cached: every call recounts.
type Evaluator struct {
	Participants repository.ParticipantRepositoryInterface
	Campaigns    repository.CampaignRepositoryInterface
}

func NewEvaluator(participants repository.ParticipantRepositoryInterface, campaigns repository.CampaignRepositoryInterface) *Evaluator {
	return &Evaluator{Participants: participants, Campaigns: campaigns}
}

// Campaign loads a campaign, or returns nil for the legacy scope.
func (e *Evaluator) Campaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	if campaignID == "" {
		return nil, nil
	}
	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, err
		}
		return nil, appErrors.NewStorage("load campaign", err)
	}
	return c, nil
}

func (e *Evaluator) HasUnlocked(ctx context.Context, code string, c *model.Campaign) (bool, error) {
	campaignID := ""
	if c != nil {
		campaignID = c.ID
	}
	count, err := e.Participants.CountReferrals(ctx, campaignID, code)
	if err != nil {
		return false, appErrors.NewStorage("count referrals", err)
	}
	return count >= ReferralsNeeded(c), nil
}

// Status returns the referral progress of code. Unknown but well-formed codes
// report zero referrals.
func (e *Evaluator) Status(ctx context.Context, code, campaignID string) (*ReferralStatus, error) {
	code, err := validation.ReferralCode(code)
	if err != nil {
		return nil, err
	}
	c, err := e.Campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	count, err := e.Participants.CountReferrals(ctx, campaignID, code)
	if err != nil {
		return nil, appErrors.NewStorage("count referrals", err)
	}
	status := BuildStatus(code, count, c)
	return &status, nil
}
