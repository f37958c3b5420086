// internal/service/scheduler.go
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/dropleopard/internal/metrics"
	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/notify"
	"github.com/unclebandit/dropleopard/internal/pricing"
	"github.com/unclebandit/dropleopard/internal/repository"
)

// Stage is the scheduler's view of a campaign. Stages only move forward.
type Stage string

const (
	StageActive        Stage = "ACTIVE"
	StageReminderSent  Stage = "REMINDER_SENT"
	StageEndedNotified Stage = "ENDED_NOTIFIED"
)

// LifecycleMarkers remember which one-time sweeps already ran. They live for
// the process only: a restart inside a window repeats that window's sweep.
type LifecycleMarkers struct {
	mu       sync.Mutex
	reminder map[string]bool
	ended    map[string]bool
}

func NewLifecycleMarkers() *LifecycleMarkers {
	return &LifecycleMarkers{
		reminder: make(map[string]bool),
		ended:    make(map[string]bool),
	}
}

func (m *LifecycleMarkers) ReminderSent(campaignID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reminder[campaignID]
}

func (m *LifecycleMarkers) EndSent(campaignID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended[campaignID]
}

func (m *LifecycleMarkers) MarkReminderSent(campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminder[campaignID] = true
}

func (m *LifecycleMarkers) MarkEndSent(campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[campaignID] = true
}

func (m *LifecycleMarkers) Stage(campaignID string) Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.ended[campaignID]:
		return StageEndedNotified
	case m.reminder[campaignID]:
		return StageReminderSent
	default:
		return StageActive
	}
}

type SchedulerConfig struct {
	Interval      time.Duration
	EndedWindow   time.Duration
	ReminderStart time.Duration // closest to the end
	ReminderEnd   time.Duration // furthest from the end
	SendInterval  time.Duration
	DefaultDomain string
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.EndedWindow <= 0 {
		c.EndedWindow = time.Hour
	}
	if c.ReminderStart <= 0 {
		c.ReminderStart = 105 * time.Minute
	}
	if c.ReminderEnd <= 0 {
		c.ReminderEnd = 135 * time.Minute
	}
	if c.SendInterval <= 0 {
		c.SendInterval = 250 * time.Millisecond
	}
}

// Sender delivers one message and reports the outcome.
type Sender interface {
	Dispatch(ctx context.Context, msg notify.Message) notify.Outcome
}

type SweepKind string

const (
	SweepReminder  SweepKind = "reminder"
	SweepEndOfDrop SweepKind = "end_of_drop"
)

// CampaignSweep tallies one reminder or end-of-drop run.
type CampaignSweep struct {
	CampaignID string
	Kind       SweepKind
	Recipients int
	Sent       int
	Skipped    int
	Failed     int
}

type SweepReport struct {
	Campaigns int
	Sweeps    []CampaignSweep
}

type Scheduler struct {
	Campaigns    repository.CampaignRepositoryInterface
	Participants repository.ParticipantRepositoryInterface
	Sender       Sender
	Markers      *LifecycleMarkers
	Now          func() time.Time

	cfg     SchedulerConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewScheduler(campaigns repository.CampaignRepositoryInterface, participants repository.ParticipantRepositoryInterface,
	sender Sender, markers *LifecycleMarkers, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	if markers == nil {
		markers = NewLifecycleMarkers()
	}
	return &Scheduler{
		Campaigns:    campaigns,
		Participants: participants,
		Sender:       sender,
		Markers:      markers,
		Now:          time.Now,
		cfg:          cfg,
		limiter:      rate.NewLimiter(rate.Every(cfg.SendInterval), 1),
		logger:       logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("lifecycle scheduler started", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("lifecycle scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep checks every campaign once and runs any reminder or end-of-drop
// sweep that is due.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	start := time.Now()
	defer func() { metrics.RecordSweep("poll", time.Since(start).Seconds()) }()

	var report SweepReport
	campaigns, err := s.Campaigns.List(ctx)
	if err != nil {
		s.logger.Error("scheduler failed to list campaigns", zap.Error(err))
		return report
	}
	report.Campaigns = len(campaigns)

	now := s.Now()
	for _, c := range campaigns {
		if ctx.Err() != nil {
			break
		}
		if c.CountdownEnd.IsZero() {
			continue
		}

		sinceEnd := now.Sub(c.CountdownEnd)
		if sinceEnd >= 0 {
			if sinceEnd < s.cfg.EndedWindow && !s.Markers.EndSent(c.ID) {
				if sweep, ok := s.runSweep(ctx, c, SweepEndOfDrop, s.endOfDrop); ok {
					s.Markers.MarkEndSent(c.ID)
					report.Sweeps = append(report.Sweeps, sweep)
				}
			}
			continue
		}

		untilEnd := -sinceEnd
		if untilEnd >= s.cfg.ReminderStart && untilEnd <= s.cfg.ReminderEnd && !s.Markers.ReminderSent(c.ID) {
			if sweep, ok := s.runSweep(ctx, c, SweepReminder, s.reminders); ok {
				s.Markers.MarkReminderSent(c.ID)
				report.Sweeps = append(report.Sweeps, sweep)
			}
		}
	}
	return report
}

type buildMessages func(c *model.Campaign, participants []model.Participant) []notify.Message

// runSweep sends the messages one at a time through the limiter. It reports
// false when the sweep could not complete and must not be marked.
func (s *Scheduler) runSweep(ctx context.Context, c *model.Campaign, kind SweepKind, build buildMessages) (CampaignSweep, bool) {
	start := time.Now()
	sweep := CampaignSweep{CampaignID: c.ID, Kind: kind}

	participants, err := s.Participants.List(ctx, c.ID)
	if err != nil {
		s.logger.Error("scheduler failed to list participants",
			zap.String("campaign_id", c.ID), zap.String("kind", string(kind)), zap.Error(err))
		return sweep, false
	}

	msgs := build(c, participants)
	sweep.Recipients = len(msgs)
	for _, msg := range msgs {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Warn("sweep interrupted",
				zap.String("campaign_id", c.ID), zap.String("kind", string(kind)), zap.Error(err))
			return sweep, false
		}
		switch s.Sender.Dispatch(ctx, msg).Status {
		case notify.StatusSent:
			sweep.Sent++
		case notify.StatusSkipped:
			sweep.Skipped++
		default:
			sweep.Failed++
		}
	}

	metrics.RecordSweep(string(kind), time.Since(start).Seconds())
	s.logger.Info("lifecycle sweep complete",
		zap.String("campaign_id", c.ID),
		zap.String("kind", string(kind)),
		zap.Int("recipients", sweep.Recipients),
		zap.Int("sent", sweep.Sent),
		zap.Int("skipped", sweep.Skipped),
		zap.Int("failed", sweep.Failed))
	return sweep, true
}

func (s *Scheduler) domain(c *model.Campaign) string {
	if c.SMS.Domain != "" {
		return c.SMS.Domain
	}
	return s.cfg.DefaultDomain
}

// FinalPrice resolves the end-of-drop price and coupon for a buyer count.
// Below the first tier the initial price applies with a synthesized label.
func FinalPrice(c *model.Campaign, buyers int) (model.Tier, bool) {
	if t, ok := pricing.ResolveTier(buyers, c.Pricing.Tiers); ok {
		t.CouponCode = pricing.CouponLabel(t.CouponCode, t.Price)
		return t, true
	}
	initial := c.Pricing.InitialPrice
	return model.Tier{Buyers: 0, Price: initial, CouponCode: pricing.CouponLabel("", initial)}, false
}

func (s *Scheduler) endOfDrop(c *model.Campaign, participants []model.Participant) []notify.Message {
	buyers := c.Pricing.InitialBuyers + len(participants)
	final, _ := FinalPrice(c, buyers)
	link := c.Pricing.CheckoutURL
	if link == "" {
		link = s.domain(c) + "/?v=" + c.ID
	}
	body := notify.EndOfDropMessage(notify.EndOfDropParams{
		CurrentBuyers: buyers,
		FinalPrice:    final.Price,
		CouponCode:    final.CouponCode,
		Link:          link,
	})

	msgs := make([]notify.Message, 0, len(participants))
	for _, p := range participants {
		msgs = append(msgs, notify.Message{Event: notify.EventEndOfDrop, To: p.Phone, Body: body, CampaignID: c.ID})
	}
	return msgs
}

func (s *Scheduler) reminders(c *model.Campaign, participants []model.Participant) []notify.Message {
	counts := make(map[string]int, len(participants))
	for _, p := range participants {
		if ref := p.Referrer(); ref != "" {
			counts[ref]++
		}
	}

	quote := pricing.QuoteFor(c.Pricing.InitialBuyers+len(participants), c.Pricing)

	var msgs []notify.Message
	for _, p := range participants {
		if p.ReferralCode == "" {
			continue
		}
		status := BuildStatus(p.ReferralCode, counts[p.ReferralCode], c)
		if status.UnlockedBestPrice {
			continue
		}
		params := notify.ReminderParams{
			CurrentBuyers:      quote.Buyers,
			BuyersToNextTier:   quote.BuyersToNextTier,
			BestPrice:          status.BestPrice,
			ReferralsRemaining: status.ReferralsRemaining,
			ReferralURL:        notify.ReferralURL(s.domain(c), c.ID, p.ReferralCode),
		}
		if quote.NextTier != nil {
			price := quote.NextTier.Price
			params.NextPrice = &price
		}
		msgs = append(msgs, notify.Message{
			Event:      notify.EventReminder,
			To:         p.Phone,
			Body:       notify.ReminderMessage(params),
			CampaignID: c.ID,
		})
	}
	return msgs
}
