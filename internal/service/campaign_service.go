// internal/service/campaign_service.go
package service

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/pricing"
	"github.com/unclebandit/dropleopard/internal/repository"
	"github.com/unclebandit/dropleopard/internal/validation"
)

const (
	campaignIDChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	campaignIDLength = 11
	maxIDAttempts    = 10
)

// RandomCampaignID returns 11 characters from the URL-safe alphabet.
func RandomCampaignID() (string, error) {
	b := make([]byte, campaignIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = campaignIDChars[int(b[i])%len(campaignIDChars)]
	}
	return string(b), nil
}

// DefaultTiers is the price curve new campaigns start with.
func DefaultTiers() []model.Tier {
	return []model.Tier{
		{Buyers: 100, Price: decimal.NewFromInt(40)},
		{Buyers: 500, Price: decimal.NewFromInt(30)},
		{Buyers: 1000, Price: decimal.NewFromInt(20)},
	}
}

// NewCampaignTemplate is a week-long campaign with the default price curve.
func NewCampaignTemplate(name, videoURL string, now time.Time) *model.Campaign {
	if name == "" {
		name = "New Product"
	}
	return &model.Campaign{
		ProductName: name,
		VideoURL:    videoURL,
		Pricing: model.Pricing{
			InitialPrice:  decimal.NewFromInt(80),
			InitialBuyers: 100,
			Tiers:         DefaultTiers(),
		},
		ReferralsNeeded: DefaultReferralsNeeded,
		CountdownEnd:    now.Add(7 * 24 * time.Hour).UTC(),
	}
}

type CampaignService struct {
	CampaignRepo    repository.CampaignRepositoryInterface
	ParticipantRepo repository.ParticipantRepositoryInterface
	Logger          *zap.Logger
	NewID           func() (string, error)
}

func (s *CampaignService) newID() (string, error) {
	if s.NewID != nil {
		return s.NewID()
	}
	return RandomCampaignID()
}

// uniqueID mints an ID that no stored campaign uses.
func (s *CampaignService) uniqueID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return "", err
		}
		exists, err := s.CampaignRepo.Exists(ctx, id)
		if err != nil {
			return "", appErrors.NewStorage("check campaign id", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", appErrors.NewStorage("mint campaign id", fmt.Errorf("no unique id after %d attempts", maxIDAttempts))
}

// normalize clamps and cleans a campaign before it is written.
func (s *CampaignService) normalize(c *model.Campaign) error {
	c.ProductName = strings.TrimSpace(c.ProductName)
	if c.ProductName == "" {
		return appErrors.NewValidation("productName", "required")
	}
	if !c.Pricing.InitialPrice.IsPositive() {
		return appErrors.NewValidation("initialPrice", "must be greater than 0")
	}
	if c.Pricing.InitialBuyers < 0 {
		c.Pricing.InitialBuyers = 0
	}
	if c.CountdownEnd.IsZero() {
		return appErrors.NewValidation("countdownEnd", "required")
	}
	c.CountdownEnd = c.CountdownEnd.UTC()

	tiers := make([]model.Tier, 0, len(c.Pricing.Tiers))
	for i, t := range c.Pricing.Tiers {
		if t.Buyers < 0 {
			return appErrors.NewValidation(fmt.Sprintf("tiers[%d].buyers", i), "must not be negative")
		}
		if !t.Price.IsPositive() {
			return appErrors.NewValidation(fmt.Sprintf("tiers[%d].price", i), "must be greater than 0")
		}
		t.CouponCode = strings.TrimSpace(t.CouponCode)
		tiers = append(tiers, t)
	}
	c.Pricing.Tiers = pricing.SortTiers(tiers)
	c.ReferralsNeeded = ReferralsNeeded(c)

	for _, w := range pricing.ShapeWarnings(c.Pricing.InitialPrice, c.Pricing.Tiers) {
		s.Logger.Warn("campaign price curve is not monotonic", zap.String("campaign_id", c.ID), zap.String("detail", w))
	}
	return nil
}

// CreateCampaign stores c, minting an ID when none is given.
func (s *CampaignService) CreateCampaign(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	if c.ID == "" {
		id, err := s.uniqueID(ctx)
		if err != nil {
			return nil, err
		}
		c.ID = id
	} else {
		if err := validation.CampaignID(c.ID); err != nil {
			return nil, err
		}
		exists, err := s.CampaignRepo.Exists(ctx, c.ID)
		if err != nil {
			return nil, appErrors.NewStorage("check campaign id", err)
		}
		if exists {
			return nil, appErrors.NewValidation("id", "campaign already exists")
		}
	}

	if err := s.normalize(c); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Now().UTC()
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, appErrors.NewStorage("create campaign", err)
	}
	s.Logger.Info("campaign created", zap.String("campaign_id", c.ID), zap.String("product", c.ProductName))
	return c, nil
}

// ApplyPatch copies the set fields of patch onto c.
func ApplyPatch(c *model.Campaign, patch model.CampaignPatch) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.ProductName, patch.ProductName)
	setString(&c.ProductImage, patch.ProductImage)
	setString(&c.ProductDescription, patch.ProductDescription)
	setString(&c.VideoURL, patch.VideoURL)
	setString(&c.TermsURL, patch.TermsURL)
	setString(&c.MerchantName, patch.MerchantName)
	setString(&c.Pricing.CheckoutURL, patch.CheckoutURL)

	if patch.InitialPrice != nil {
		c.Pricing.InitialPrice = *patch.InitialPrice
	}
	if patch.InitialBuyers != nil {
		c.Pricing.InitialBuyers = *patch.InitialBuyers
	}
	if patch.Tiers != nil {
		c.Pricing.Tiers = append([]model.Tier(nil), (*patch.Tiers)...)
	}
	if patch.ReferralsNeeded != nil {
		c.ReferralsNeeded = *patch.ReferralsNeeded
	}
	if patch.CountdownEnd != nil {
		c.CountdownEnd = *patch.CountdownEnd
	}
	if patch.SMS != nil {
		c.SMS = *patch.SMS
	}
}

func (s *CampaignService) UpdateCampaign(ctx context.Context, id string, patch model.CampaignPatch) (*model.Campaign, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	ApplyPatch(c, patch)
	if err := s.normalize(c); err != nil {
		return nil, err
	}
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		if appErrors.IsNotFound(err) {
			return nil, err
		}
		return nil, appErrors.NewStorage("update campaign", err)
	}
	s.Logger.Info("campaign updated", zap.String("campaign_id", c.ID))
	return c, nil
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, id string) error {
	if err := s.CampaignRepo.Delete(ctx, id); err != nil {
		if appErrors.IsNotFound(err) {
			return err
		}
		return appErrors.NewStorage("delete campaign", err)
	}
	s.Logger.Info("campaign deleted", zap.String("campaign_id", id))
	return nil
}

// GetCampaign fetches a campaign by ID
func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, err
		}
		return nil, appErrors.NewStorage("load campaign", err)
	}
	return c, nil
}

// CampaignSummary is a campaign with its live participant count.
type CampaignSummary struct {
	*model.Campaign
	Participants  int `json:"participants"`
	CurrentBuyers int `json:"currentBuyers"`
}

// ListCampaigns returns every campaign, newest first.
func (s *CampaignService) ListCampaigns(ctx context.Context) ([]CampaignSummary, error) {
	campaigns, err := s.CampaignRepo.List(ctx)
	if err != nil {
		return nil, appErrors.NewStorage("list campaigns", err)
	}
	sort.SliceStable(campaigns, func(i, j int) bool {
		return campaigns[i].CreatedAt.After(campaigns[j].CreatedAt)
	})

	summaries := make([]CampaignSummary, 0, len(campaigns))
	for _, c := range campaigns {
		participants, err := s.ParticipantRepo.List(ctx, c.ID)
		if err != nil {
			return nil, appErrors.NewStorage("list participants", err)
		}
		summaries = append(summaries, CampaignSummary{
			Campaign:      c,
			Participants:  len(participants),
			CurrentBuyers: c.Pricing.InitialBuyers + len(participants),
		})
	}
	return summaries, nil
}

// Participants lists joins for a campaign; "" lists every join.
func (s *CampaignService) Participants(ctx context.Context, campaignID string) ([]model.Participant, error) {
	if campaignID != "" {
		if _, err := s.GetCampaign(ctx, campaignID); err != nil {
			return nil, err
		}
	}
	participants, err := s.ParticipantRepo.List(ctx, campaignID)
	if err != nil {
		return nil, appErrors.NewStorage("list participants", err)
	}
	return participants, nil
}

var exportHeader = []string{"phone", "email", "referralCode", "referredBy", "referralCount", "joinedAt"}

// ExportCSV writes the campaign's participants, one row per join in join
// order, with each participant's live referral count.
func (s *CampaignService) ExportCSV(ctx context.Context, campaignID string, w io.Writer) error {
	participants, err := s.Participants(ctx, campaignID)
	if err != nil {
		return err
	}

	counts := make(map[string]int, len(participants))
	for _, p := range participants {
		if ref := p.Referrer(); ref != "" {
			counts[ref]++
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, p := range participants {
		row := []string{
			p.Phone,
			p.Email,
			p.ReferralCode,
			p.Referrer(),
			strconv.Itoa(counts[p.ReferralCode]),
			p.JoinedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
